package badge

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-badge-sync/internal/domain"
	"github.com/go-badge-sync/internal/pkg/id"
)

// Observer receives badge counts. It is called synchronously and must not block.
type Observer func(domain.BadgeCount)

type subscriber struct {
	id      string
	fn      Observer
	removed atomic.Bool
}

// Hub fans badge counts out to observers in subscription order.
//
// Counts are queued and then drained by whichever caller finds the hub idle, so
// deliveries keep the order they were enqueued in and an observer may call back
// into the engine: the nested count is delivered once the current round ends.
// A versioned count at or below the last delivered version is dropped.
type Hub struct {
	mu       sync.Mutex
	subs     []*subscriber
	queue    []domain.BadgeCount
	draining bool
	last     uint64
	log      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{log: logger}
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (h *Hub) Subscribe(fn Observer) func() {
	s := &subscriber{id: id.New(), fn: fn}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	h.log.Debug("observer subscribed", "subscriber", s.id)

	return func() {
		if s.removed.Swap(true) {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, cur := range h.subs {
			if cur == s {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				break
			}
		}
	}
}

// Len returns the number of active observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Notify delivers bc to every active observer before returning, unless another
// goroutine is already delivering, in which case that goroutine delivers it.
func (h *Hub) Notify(bc domain.BadgeCount) {
	h.enqueue(bc)
	h.drain()
}

func (h *Hub) enqueue(bc domain.BadgeCount) {
	h.mu.Lock()
	h.queue = append(h.queue, bc)
	h.mu.Unlock()
}

func (h *Hub) drain() {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	for len(h.queue) > 0 {
		next := h.queue[0]
		h.queue = h.queue[1:]
		if next.Version != 0 {
			if next.Version <= h.last {
				continue
			}
			h.last = next.Version
		}
		subs := make([]*subscriber, len(h.subs))
		copy(subs, h.subs)
		h.mu.Unlock()

		for _, s := range subs {
			if s.removed.Load() {
				continue
			}
			h.deliver(s, next.Clone())
		}

		h.mu.Lock()
	}
	h.draining = false
	h.mu.Unlock()
}

func (h *Hub) deliver(s *subscriber, bc domain.BadgeCount) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("observer panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(bc)
}
