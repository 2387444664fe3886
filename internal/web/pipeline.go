package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"gestion-affaires/internal/core"
)

// ── Opportunites ──────────────────────────────────────────────────────────────

type createOpportuniteRequest struct {
	EntityID           int             `json:"entity_id"`
	ClientID           int             `json:"client_id"`
	ContactID          *int            `json:"contact_id,omitempty"`
	ProduitPrincipalID int             `json:"produit_principal_id"`
	ProduitIDs         []int           `json:"produit_ids"`
	MontantEstime      decimal.Decimal `json:"montant_estime"`
	Description        string          `json:"description"`
	BesoinsClient      string          `json:"besoins_client"`
}

func (h *Handler) createOpportunite(w http.ResponseWriter, r *http.Request) {
	var req createOpportuniteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, "invalid JSON body", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	opp, err := h.opportunites.Create(r.Context(), core.CreateOpportuniteInput{
		EntityID:           req.EntityID,
		ClientID:           req.ClientID,
		ContactID:          req.ContactID,
		ProduitPrincipalID: req.ProduitPrincipalID,
		ProduitIDs:         req.ProduitIDs,
		MontantEstime:      req.MontantEstime,
		Description:        req.Description,
		BesoinsClient:      req.BesoinsClient,
		Actor:              actorFrom(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, opp)
}

func (h *Handler) getOpportunite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	opp, err := h.opportunites.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, opp)
}

// listOpportunites filters by ?client_id and optional ?statut.
func (h *Handler) listOpportunites(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.Atoi(r.URL.Query().Get("client_id"))
	if err != nil || clientID < 1 {
		writeError(w, r, "client_id query parameter is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var statut *core.StatutOpportunite
	if s := r.URL.Query().Get("statut"); s != "" {
		st := core.StatutOpportunite(s)
		statut = &st
	}

	opps, err := h.opportunites.List(r.Context(), clientID, statut)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, opps)
}

func (h *Handler) opportuniteTransition(verbe string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		actor := actorFrom(r)

		var opp *core.Opportunite
		var err error
		switch verbe {
		case "qualifier":
			opp, err = h.opportunites.Qualifier(r.Context(), id, actor)
		case "proposer":
			opp, err = h.opportunites.Proposer(r.Context(), id, actor)
		case "negocier":
			opp, err = h.opportunites.Negocier(r.Context(), id, actor)
		case "gagner":
			opp, err = h.opportunites.Gagner(r.Context(), id, actor)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, opp)
	}
}

func (h *Handler) perdreOpportunite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Raison string `json:"raison"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	opp, err := h.opportunites.Perdre(r.Context(), id, actorFrom(r), req.Raison)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, opp)
}

func (h *Handler) creerOffre(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offre, err := h.opportunites.CreerOffre(r.Context(), id, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, offre)
}

// ── Offres ────────────────────────────────────────────────────────────────────

type offreProduitRequest struct {
	ProduitID    int             `json:"produit_id"`
	PrixUnitaire decimal.Decimal `json:"prix_unitaire"`
}

type createOffreRequest struct {
	EntityID           int                   `json:"entity_id"`
	ClientID           int                   `json:"client_id"`
	ContactID          *int                  `json:"contact_id,omitempty"`
	ProduitPrincipalID int                   `json:"produit_principal_id"`
	Produits           []offreProduitRequest `json:"produits"`
	Montant            decimal.Decimal       `json:"montant"`
	Notes              string                `json:"notes"`
}

func (h *Handler) createOffre(w http.ResponseWriter, r *http.Request) {
	var req createOffreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, "invalid JSON body", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	produits := make([]core.OffreProduitInput, 0, len(req.Produits))
	for _, p := range req.Produits {
		produits = append(produits, core.OffreProduitInput{ProduitID: p.ProduitID, PrixUnitaire: p.PrixUnitaire})
	}

	offre, err := h.offres.Create(r.Context(), core.CreateOffreInput{
		EntityID:           req.EntityID,
		ClientID:           req.ClientID,
		ContactID:          req.ContactID,
		ProduitPrincipalID: req.ProduitPrincipalID,
		Produits:           produits,
		Montant:            req.Montant,
		Notes:              req.Notes,
		Actor:              actorFrom(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, offre)
}

func (h *Handler) getOffre(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offre, err := h.offres.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, offre)
}

// lookupOffre resolves an offre by its ?reference.
func (h *Handler) lookupOffre(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		writeError(w, r, "reference query parameter is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	offre, err := h.offres.GetByReference(r.Context(), reference)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, offre)
}

func (h *Handler) envoyerOffre(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offre, err := h.offres.Envoyer(r.Context(), id, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, offre)
}

// gagnerOffre returns the won offer plus any cascade warnings, so callers see
// both the committed transition and the children that still need attention.
func (h *Handler) gagnerOffre(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offre, warnings, err := h.offres.Gagner(r.Context(), id, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, struct {
		Offre    *core.Offre `json:"offre"`
		Warnings []string    `json:"warnings,omitempty"`
	}{offre, warningMessages(warnings)})
}

func (h *Handler) perdreOffre(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offre, err := h.offres.Perdre(r.Context(), id, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, offre)
}

// ── Proformas ─────────────────────────────────────────────────────────────────

func (h *Handler) getProforma(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	proforma, err := h.proformas.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, proforma)
}

func (h *Handler) proformaTransition(verbe string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		actor := actorFrom(r)

		var proforma *core.Proforma
		var err error
		switch verbe {
		case "envoyer":
			proforma, err = h.proformas.Envoyer(r.Context(), id, actor)
		case "valider":
			proforma, err = h.proformas.Valider(r.Context(), id, actor)
		case "refuser":
			proforma, err = h.proformas.Refuser(r.Context(), id, actor)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, proforma)
	}
}

func warningMessages(warnings []core.CascadeWarning) []string {
	if len(warnings) == 0 {
		return nil
	}
	msgs := make([]string, len(warnings))
	for i, w := range warnings {
		msgs[i] = w.Error()
	}
	return msgs
}
