package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/go-badge-sync/internal/domain"
)

// HealthHandler handles health-check endpoints.
type HealthHandler struct {
	state func() domain.ConnState
}

// NewHealthHandler takes the engine's state accessor for the readiness check.
func NewHealthHandler(state func() domain.ConnState) *HealthHandler {
	return &HealthHandler{state: state}
}

// Ping serves /health-check/{action}: "ping" is liveness, "ready" reports 503
// until the first snapshot has been reconciled.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "action") {
	case "ping":
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: "pong"})
	case "ready":
		st := h.state()
		if st != domain.StateSynced {
			writeJSON(w, http.StatusServiceUnavailable, MessageEnvelope{Message: st.String()})
			return
		}
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: st.String()})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}
