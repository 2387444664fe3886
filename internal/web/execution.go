package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"gestion-affaires/internal/core"
)

// ── Affaires ──────────────────────────────────────────────────────────────────

func (h *Handler) getAffaire(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	affaire, err := h.affaires.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, affaire)
}

// lookupAffaire resolves an affaire by its ?reference.
func (h *Handler) lookupAffaire(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		writeError(w, r, "reference query parameter is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	affaire, err := h.affaires.GetByReference(r.Context(), reference)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, affaire)
}

func (h *Handler) validerAffaire(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	affaire, warnings, err := h.affaires.Valider(r.Context(), id, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, struct {
		Affaire  *core.Affaire `json:"affaire"`
		Warnings []string      `json:"warnings,omitempty"`
	}{affaire, warningMessages(warnings)})
}

func (h *Handler) affaireTransition(verbe string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		actor := actorFrom(r)

		var affaire *core.Affaire
		var err error
		switch verbe {
		case "demarrer":
			affaire, err = h.affaires.Demarrer(r.Context(), id, actor)
		case "pauser":
			affaire, err = h.affaires.Pauser(r.Context(), id, actor)
		case "reprendre":
			affaire, err = h.affaires.Reprendre(r.Context(), id, actor)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, affaire)
	}
}

func (h *Handler) terminerAffaire(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		DateFinReelle time.Time `json:"date_fin_reelle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DateFinReelle.IsZero() {
		writeError(w, r, "date_fin_reelle is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	affaire, err := h.affaires.Terminer(r.Context(), id, req.DateFinReelle, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, affaire)
}

func (h *Handler) annulerAffaire(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Raison string `json:"raison"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	affaire, err := h.affaires.Annuler(r.Context(), id, actorFrom(r), req.Raison)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, affaire)
}

type montantRequest struct {
	Montant decimal.Decimal `json:"montant"`
}

func (h *Handler) enregistrerFacturation(w http.ResponseWriter, r *http.Request) {
	h.ajouterMontant(w, r, h.affaires.EnregistrerFacturation)
}

func (h *Handler) enregistrerPaiement(w http.ResponseWriter, r *http.Request) {
	h.ajouterMontant(w, r, h.affaires.EnregistrerPaiement)
}

func (h *Handler) ajouterMontant(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, id int, montant decimal.Decimal, actor *string) (*core.Affaire, error),
) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req montantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, "invalid JSON body", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	affaire, err := apply(r.Context(), id, req.Montant, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, affaire)
}

// ── Rapports ──────────────────────────────────────────────────────────────────

func (h *Handler) listRapports(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rapports, err := h.rapports.ListByAffaire(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, rapports)
}

func (h *Handler) rapportTransition(verbe string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		actor := actorFrom(r)

		var rapport *core.Rapport
		var err error
		switch verbe {
		case "demarrer":
			rapport, err = h.rapports.Demarrer(r.Context(), id, actor)
		case "valider":
			rapport, err = h.rapports.Valider(r.Context(), id, actor)
		case "terminer":
			rapport, err = h.rapports.Terminer(r.Context(), id, actor)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, rapport)
	}
}

// ── Factures ──────────────────────────────────────────────────────────────────

func (h *Handler) getFacture(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	facture, err := h.factures.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, facture)
}

func (h *Handler) envoyerFacture(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		DateEcheance *time.Time `json:"date_echeance,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	facture, err := h.factures.Envoyer(r.Context(), id, req.DateEcheance, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, facture)
}

func (h *Handler) payerFacture(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		DatePaiement *time.Time `json:"date_paiement,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	facture, err := h.factures.MarquerPayee(r.Context(), id, req.DatePaiement, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, facture)
}

func (h *Handler) annulerFacture(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	facture, err := h.factures.Annuler(r.Context(), id, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, facture)
}

// ── Formations ────────────────────────────────────────────────────────────────

func (h *Handler) getFormation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	formation, err := h.formations.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, formation)
}

func (h *Handler) listParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	participants, err := h.formations.ListParticipants(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, participants)
}

func (h *Handler) addParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Nom       string  `json:"nom"`
		Prenom    string  `json:"prenom"`
		Email     *string `json:"email,omitempty"`
		Telephone *string `json:"telephone,omitempty"`
		Fonction  *string `json:"fonction,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, "invalid JSON body", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	participant, err := h.formations.AddParticipant(r.Context(), core.AddParticipantInput{
		FormationID: id,
		Nom:         req.Nom,
		Prenom:      req.Prenom,
		Email:       req.Email,
		Telephone:   req.Telephone,
		Fonction:    req.Fonction,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, participant)
}

func (h *Handler) genererAttestations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	attestations, err := h.formations.GenererAttestations(r.Context(), id, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, attestations)
}
