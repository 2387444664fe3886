package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gestion-affaires/internal/core"
)

// ── Courriers ─────────────────────────────────────────────────────────────────

func (h *Handler) createCourrier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID int    `json:"entity_id"`
		ClientID int    `json:"client_id"`
		DocType  string `json:"doc_type"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, "invalid JSON body", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	courrier, err := h.courriers.Create(r.Context(), core.CreateCourrierInput{
		EntityID: req.EntityID,
		ClientID: req.ClientID,
		DocType:  req.DocType,
		Notes:    req.Notes,
		Actor:    actorFrom(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, courrier)
}

func (h *Handler) getCourrier(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	courrier, err := h.courriers.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, courrier)
}

// listCourriers filters by ?client_id.
func (h *Handler) listCourriers(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.Atoi(r.URL.Query().Get("client_id"))
	if err != nil || clientID < 1 {
		writeError(w, r, "client_id query parameter is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	courriers, err := h.courriers.ListByClient(r.Context(), clientID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, courriers)
}

// ── Relances ──────────────────────────────────────────────────────────────────

// listRelancesDue handles GET /api/relances/due?as_of=RFC3339 (default now).
func (h *Handler) listRelancesDue(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, "as_of must be RFC3339", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		asOf = parsed
	}

	due, err := h.relances.ListDue(r.Context(), asOf)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, due)
}

// ── Reporting ─────────────────────────────────────────────────────────────────

func (h *Handler) getPipeline(w http.ResponseWriter, r *http.Request) {
	report, err := h.reporting.GetPipeline(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, report)
}

func (h *Handler) getAffairesReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.reporting.GetAffaires(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, report)
}

// ── Audit ─────────────────────────────────────────────────────────────────────

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	kind := core.EntityKind(chi.URLParam(r, "kind"))
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, r, "invalid id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	logs, err := h.audit.History(r.Context(), kind, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, logs)
}
