package badge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-badge-sync/internal/domain"
)

// Outbox keeps queued mark-read requests across restarts.
type Outbox interface {
	Save(ctx context.Context, req domain.MarkReadRequest) error
	Delete(ctx context.Context, token string) error
	Load(ctx context.Context) ([]domain.MarkReadRequest, error)
}

// defaultPersistTimeout bounds a single PersistMarkRead call.
const defaultPersistTimeout = 10 * time.Second

// Acker persists optimistic mark-reads and reports the outcome back to the
// engine. A failed or timed-out call reverts the mark. While paused, requests
// are kept (and written to the outbox) but not sent.
type Acker struct {
	persister ReadPersister
	outbox    Outbox
	timeout   time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	incoming []domain.MarkReadRequest
	ready    []domain.MarkReadRequest
	paused   bool
	wake     chan struct{}
}

// AckerOption configures an Acker.
type AckerOption func(*Acker)

func WithOutbox(o Outbox) AckerOption { return func(a *Acker) { a.outbox = o } }

func WithPersistTimeout(d time.Duration) AckerOption {
	return func(a *Acker) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithAckerLogger(l *slog.Logger) AckerOption { return func(a *Acker) { a.log = l } }

// NewAcker returns a paused Acker; the Supervisor resumes it once connected.
func NewAcker(p ReadPersister, opts ...AckerOption) *Acker {
	a := &Acker{
		persister: p,
		timeout:   defaultPersistTimeout,
		log:       slog.Default(),
		paused:    true,
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Enqueue implements MarkReadQueue.
func (a *Acker) Enqueue(req domain.MarkReadRequest) {
	a.mu.Lock()
	a.incoming = append(a.incoming, req)
	a.mu.Unlock()
	a.signal()
}

func (a *Acker) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

func (a *Acker) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	a.signal()
}

// Pending returns the number of requests not yet resolved.
func (a *Acker) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.incoming) + len(a.ready)
}

func (a *Acker) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run replays the outbox and then processes requests until ctx is done.
func (a *Acker) Run(ctx context.Context, r MarkResolver) {
	if a.outbox != nil {
		saved, err := a.outbox.Load(ctx)
		if err != nil {
			a.log.Warn("could not load mark-read outbox", "err", err)
		} else if len(saved) > 0 {
			a.log.Info("replaying queued mark-reads", "count", len(saved))
			a.mu.Lock()
			a.ready = append(saved, a.ready...)
			a.mu.Unlock()
		}
	}
	a.signal()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
			a.flush(ctx, r)
		}
	}
}

func (a *Acker) flush(ctx context.Context, r MarkResolver) {
	a.mu.Lock()
	batch := a.incoming
	a.incoming = nil
	a.mu.Unlock()

	for _, req := range batch {
		if a.outbox != nil {
			if err := a.outbox.Save(ctx, req); err != nil {
				a.log.Warn("could not save mark-read to outbox", "token", req.Token, "err", err)
			}
		}
	}

	a.mu.Lock()
	a.ready = append(a.ready, batch...)
	a.mu.Unlock()

	for ctx.Err() == nil {
		a.mu.Lock()
		if a.paused || len(a.ready) == 0 {
			a.mu.Unlock()
			return
		}
		req := a.ready[0]
		a.ready = a.ready[1:]
		a.mu.Unlock()

		a.persist(ctx, r, req)
	}
}

func (a *Acker) persist(ctx context.Context, r MarkResolver, req domain.MarkReadRequest) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	err := a.persister.PersistMarkRead(callCtx, req)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// shutting down; leave it in the outbox for the next run
			return
		}
		a.log.Warn("mark-read not persisted, reverting", "token", req.Token, "ids", len(req.IDs), "err", err)
		r.RevertMarkRead(req.IDs...)
	} else {
		r.ConfirmMarkRead(req.IDs...)
	}

	if a.outbox != nil {
		if derr := a.outbox.Delete(ctx, req.Token); derr != nil {
			a.log.Warn("could not clear outbox entry", "token", req.Token, "err", derr)
		}
	}
}
