// Package web is the JSON API over the pipeline services.
package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"gestion-affaires/internal/core"
)

// Handler holds the domain services behind the routes.
type Handler struct {
	opportunites core.OpportuniteService
	offres       core.OffreService
	proformas    core.ProformaService
	affaires     core.AffaireService
	rapports     core.RapportService
	formations   core.FormationService
	factures     core.FactureService
	courriers    core.CourrierService
	relances     core.RelanceService
	reporting    core.ReportingService
	audit        core.AuditService
}

// Services groups everything the handler needs.
type Services struct {
	Opportunites core.OpportuniteService
	Offres       core.OffreService
	Proformas    core.ProformaService
	Affaires     core.AffaireService
	Rapports     core.RapportService
	Formations   core.FormationService
	Factures     core.FactureService
	Courriers    core.CourrierService
	Relances     core.RelanceService
	Reporting    core.ReportingService
	Audit        core.AuditService
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(svc Services, log zerolog.Logger) http.Handler {
	h := &Handler{
		opportunites: svc.Opportunites,
		offres:       svc.Offres,
		proformas:    svc.Proformas,
		affaires:     svc.Affaires,
		rapports:     svc.Rapports,
		formations:   svc.Formations,
		factures:     svc.Factures,
		courriers:    svc.Courriers,
		relances:     svc.Relances,
		reporting:    svc.Reporting,
		audit:        svc.Audit,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer(log))
	r.Use(RequestBodyLimit(1 << 20)) // 1 MB

	r.Get("/api/health", h.health)

	// ── Opportunites ─────────────────────────────────────────────────────────
	r.Post("/api/opportunites", h.createOpportunite)
	r.Get("/api/opportunites", h.listOpportunites)
	r.Get("/api/opportunites/{id}", h.getOpportunite)
	r.Post("/api/opportunites/{id}/qualifier", h.opportuniteTransition("qualifier"))
	r.Post("/api/opportunites/{id}/proposer", h.opportuniteTransition("proposer"))
	r.Post("/api/opportunites/{id}/negocier", h.opportuniteTransition("negocier"))
	r.Post("/api/opportunites/{id}/gagner", h.opportuniteTransition("gagner"))
	r.Post("/api/opportunites/{id}/perdre", h.perdreOpportunite)
	r.Post("/api/opportunites/{id}/offre", h.creerOffre)

	// ── Offres ───────────────────────────────────────────────────────────────
	r.Post("/api/offres", h.createOffre)
	r.Get("/api/offres", h.lookupOffre)
	r.Get("/api/offres/{id}", h.getOffre)
	r.Post("/api/offres/{id}/envoyer", h.envoyerOffre)
	r.Post("/api/offres/{id}/gagner", h.gagnerOffre)
	r.Post("/api/offres/{id}/perdre", h.perdreOffre)

	// ── Proformas ────────────────────────────────────────────────────────────
	r.Get("/api/proformas/{id}", h.getProforma)
	r.Post("/api/proformas/{id}/envoyer", h.proformaTransition("envoyer"))
	r.Post("/api/proformas/{id}/valider", h.proformaTransition("valider"))
	r.Post("/api/proformas/{id}/refuser", h.proformaTransition("refuser"))

	// ── Affaires ─────────────────────────────────────────────────────────────
	r.Get("/api/affaires", h.lookupAffaire)
	r.Get("/api/affaires/{id}", h.getAffaire)
	r.Post("/api/affaires/{id}/valider", h.validerAffaire)
	r.Post("/api/affaires/{id}/demarrer", h.affaireTransition("demarrer"))
	r.Post("/api/affaires/{id}/pauser", h.affaireTransition("pauser"))
	r.Post("/api/affaires/{id}/reprendre", h.affaireTransition("reprendre"))
	r.Post("/api/affaires/{id}/terminer", h.terminerAffaire)
	r.Post("/api/affaires/{id}/annuler", h.annulerAffaire)
	r.Post("/api/affaires/{id}/facturation", h.enregistrerFacturation)
	r.Post("/api/affaires/{id}/paiement", h.enregistrerPaiement)
	r.Get("/api/affaires/{id}/rapports", h.listRapports)

	// ── Rapports ─────────────────────────────────────────────────────────────
	r.Post("/api/rapports/{id}/demarrer", h.rapportTransition("demarrer"))
	r.Post("/api/rapports/{id}/valider", h.rapportTransition("valider"))
	r.Post("/api/rapports/{id}/terminer", h.rapportTransition("terminer"))

	// ── Factures ─────────────────────────────────────────────────────────────
	r.Get("/api/factures/{id}", h.getFacture)
	r.Post("/api/factures/{id}/envoyer", h.envoyerFacture)
	r.Post("/api/factures/{id}/payer", h.payerFacture)
	r.Post("/api/factures/{id}/annuler", h.annulerFacture)

	// ── Formations ───────────────────────────────────────────────────────────
	r.Get("/api/formations/{id}", h.getFormation)
	r.Get("/api/formations/{id}/participants", h.listParticipants)
	r.Post("/api/formations/{id}/participants", h.addParticipant)
	r.Post("/api/formations/{id}/attestations", h.genererAttestations)

	// ── Courriers ────────────────────────────────────────────────────────────
	r.Post("/api/courriers", h.createCourrier)
	r.Get("/api/courriers", h.listCourriers)
	r.Get("/api/courriers/{id}", h.getCourrier)

	// ── Relances / reporting / audit ─────────────────────────────────────────
	r.Get("/api/relances/due", h.listRelancesDue)
	r.Get("/api/entities/{code}/pipeline", h.getPipeline)
	r.Get("/api/entities/{code}/affaires", h.getAffairesReport)
	r.Get("/api/audit/{kind}/{id}", h.getHistory)

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// pathID parses the {id} URL parameter; ok is false after an error response
// has been written.
func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeError(w, r, "invalid id", "BAD_REQUEST", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// actorFrom reads the acting user from the X-Actor header, nil when absent.
func actorFrom(r *http.Request) *string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return &actor
	}
	return nil
}
