package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-badge-sync/internal/domain"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// BadgeEnvelope wraps the badge count together with the connection state.
type BadgeEnvelope struct {
	Badge domain.BadgeCount `json:"badge"`
	State string            `json:"state"`
}

// MarkReadEnvelope acknowledges an accepted mark-read.
type MarkReadEnvelope struct {
	Message string            `json:"message"`
	Badge   domain.BadgeCount `json:"badge"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg, ErrorCode: status})
}

// httpError maps domain sentinels to status codes. Anything unrecognised is a 500
// and its message is not echoed.
func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrSnapshotFetch):
		writeError(w, http.StatusBadGateway, "snapshot backend unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
