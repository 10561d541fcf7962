package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/go-badge-sync/internal/application/badge"
	"github.com/go-badge-sync/internal/domain"
)

// BadgeService is the part of the badge engine the HTTP layer reads and drives.
type BadgeService interface {
	Count() domain.BadgeCount
	Stats() domain.EngineStats
	State() domain.ConnState
	Lookup(notificationID string) (domain.Notification, bool)
	MarkRead(notificationID string) error
	MarkAllRead(category *domain.Category) error
	Subscribe(fn badge.Observer) func()
}

// Resyncer forces a snapshot reconciliation.
type Resyncer interface {
	TriggerResync()
	Resync(ctx context.Context) error
}

const streamHeartbeat = 25 * time.Second

// BadgeHandler handles badge and notification endpoints.
type BadgeHandler struct {
	svc       BadgeService
	resync    Resyncer
	heartbeat time.Duration
}

func NewBadgeHandler(svc BadgeService, resync Resyncer) *BadgeHandler {
	return &BadgeHandler{svc: svc, resync: resync, heartbeat: streamHeartbeat}
}

// Get returns the current badge count.
func (h *BadgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BadgeEnvelope{Badge: h.svc.Count(), State: h.svc.State().String()})
}

func (h *BadgeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// Stream sends the current count and then every change as server-sent events
// until the client goes away.
func (h *BadgeHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	// The server's write timeout would otherwise cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	updates := make(chan domain.BadgeCount, 1)
	unsubscribe := h.svc.Subscribe(func(bc domain.BadgeCount) {
		// Latest wins: a slow client skips intermediate counts.
		for {
			select {
			case updates <- bc:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeBadgeEvent(w, h.svc.Count()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case bc := <-updates:
			if err := writeBadgeEvent(w, bc); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeBadgeEvent(w http.ResponseWriter, bc domain.BadgeCount) error {
	data, err := json.Marshal(bc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: badge\ndata: %s\n\n", strconv.FormatUint(bc.Version, 10), data)
	return err
}

// GetNotification returns the tracked record for {id}.
func (h *BadgeHandler) GetNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := h.svc.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// MarkRead marks {id} read. The change is applied locally at once and
// persisted in the background, hence 202.
func (h *BadgeHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkRead(chi.URLParam(r, "id")); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, MarkReadEnvelope{Message: "accepted", Badge: h.svc.Count()})
}

// MarkAllRead marks every unread notification read, or only those of ?type=.
func (h *BadgeHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	var category *domain.Category
	if t := r.URL.Query().Get("type"); t != "" {
		c := domain.Category(t)
		category = &c
	}
	if err := h.svc.MarkAllRead(category); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, MarkReadEnvelope{Message: "accepted", Badge: h.svc.Count()})
}

// Sync requests a reconciliation. With ?wait=true it blocks until the
// snapshot has been applied and returns the resulting count.
func (h *BadgeHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") != "true" {
		h.resync.TriggerResync()
		writeJSON(w, http.StatusAccepted, MessageEnvelope{Message: "resync scheduled"})
		return
	}
	if err := h.resync.Resync(r.Context()); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BadgeEnvelope{Badge: h.svc.Count(), State: h.svc.State().String()})
}
