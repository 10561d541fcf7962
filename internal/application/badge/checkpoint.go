package badge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-badge-sync/internal/domain"
)

// CheckpointStore persists the last known badge count.
type CheckpointStore interface {
	Save(ctx context.Context, bc domain.BadgeCount) error
	Load(ctx context.Context) (bc domain.BadgeCount, ok bool, err error)
}

const checkpointSaveTimeout = 5 * time.Second

// Checkpointer observes the engine and writes the latest count to a
// CheckpointStore at most once per interval. Stale counts are not saved.
type Checkpointer struct {
	store    CheckpointStore
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	latest domain.BadgeCount
	dirty  bool
}

func NewCheckpointer(store CheckpointStore, interval time.Duration, logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checkpointer{store: store, interval: interval, log: logger}
}

// Observe is an Observer; it only records the count.
func (c *Checkpointer) Observe(bc domain.BadgeCount) {
	if bc.Stale {
		return
	}
	c.mu.Lock()
	c.latest = bc
	c.dirty = true
	c.mu.Unlock()
}

// Restore seeds e with the stored count, if any.
func (c *Checkpointer) Restore(ctx context.Context, e *Engine) {
	bc, ok, err := c.store.Load(ctx)
	if err != nil {
		c.log.Warn("could not load badge checkpoint", "err", err)
		return
	}
	if !ok {
		return
	}
	c.log.Info("seeding badge from checkpoint", "total", bc.Total, "version", bc.Version)
	e.Seed(bc)
}

// Flush saves the latest count if it changed since the last save.
func (c *Checkpointer) Flush(ctx context.Context) error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	bc := c.latest
	c.dirty = false
	c.mu.Unlock()

	if err := c.store.Save(ctx, bc); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), checkpointSaveTimeout)
			if err := c.Flush(final); err != nil {
				c.log.Warn("final badge checkpoint failed", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, checkpointSaveTimeout)
			if err := c.Flush(flushCtx); err != nil {
				c.log.Warn("badge checkpoint failed", "err", err)
			}
			cancel()
		}
	}
}
