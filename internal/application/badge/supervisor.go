package badge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/go-badge-sync/internal/domain"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxAttempts  = 4
	defaultBackoff      = 500 * time.Millisecond
	maxBackoff          = 30 * time.Second
)

// SupervisorConfig tunes gap detection and snapshot retries.
type SupervisorConfig struct {
	// GapThreshold is how long a disconnect may last before a reconnect forces a resync.
	GapThreshold time.Duration
	// ResyncInterval schedules a background resync while connected. Zero disables it.
	ResyncInterval time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	FetchTimeout   time.Duration
	// Limiter throttles snapshot fetch attempts. Nil means unlimited.
	Limiter *rate.Limiter
}

// AckControl is the part of the Acker the Supervisor drives.
type AckControl interface {
	Pause()
	Resume()
}

// Supervisor connects the push channel to the Engine. It decides when a
// reconnect needs a snapshot, holds live events back while one is loading,
// and retries failed fetches before flagging the badge as degraded.
type Supervisor struct {
	engine  *Engine
	channel Channel
	fetcher SnapshotFetcher
	acks    AckControl
	cfg     SupervisorConfig
	now     func() time.Time
	log     *slog.Logger

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	running        bool
	connected      bool
	everConnected  bool
	disconnectedAt time.Time
	buffering      bool
	buffer         []domain.Notification
	gen            uint64
	cancelFetch    context.CancelFunc

	triggerCh chan struct{}
	wg        sync.WaitGroup
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

func WithAckControl(a AckControl) SupervisorOption { return func(s *Supervisor) { s.acks = a } }

func WithSupervisorClock(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) { s.now = now }
}

func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = l }
}

func NewSupervisor(engine *Engine, ch Channel, fetcher SnapshotFetcher, cfg SupervisorConfig, opts ...SupervisorOption) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	s := &Supervisor{
		engine:    engine,
		channel:   ch,
		fetcher:   fetcher,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.Default(),
		buffering: true,
		triggerCh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers the channel callbacks, connects, and starts the resync loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	runCtx := s.ctx
	s.mu.Unlock()

	s.channel.OnEvent(s.handleEvent)
	s.channel.OnConnectionStateChange(s.handleConnectionState)
	s.engine.SetState(domain.StateConnecting)

	s.wg.Add(1)
	go s.loop(runCtx)

	if err := s.channel.Connect(runCtx); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	return nil
}

// Stop disconnects the channel and waits for background work to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if err := s.channel.Disconnect(); err != nil {
		s.log.Warn("push channel disconnect", "err", err)
	}
	cancel()
	s.wg.Wait()
}

// TriggerResync asks the background loop for a resync without waiting.
func (s *Supervisor) TriggerResync() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Resync fetches a snapshot now and waits for it to be reconciled. Any fetch
// already in flight is cancelled.
func (s *Supervisor) Resync(ctx context.Context) error {
	done, err := s.startResync(false, "manual")
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the push channel is currently up.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.cfg.ResyncInterval > 0 {
		ticker := time.NewTicker(s.cfg.ResyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if s.Connected() {
				s.startResync(false, "periodic")
			}
		case <-s.triggerCh:
			s.startResync(false, "manual")
		}
	}
}

func (s *Supervisor) handleEvent(ev domain.NotificationEvent) {
	rec, err := ev.ToRecord(s.now())
	if err != nil {
		var me *domain.MalformedEventError
		if errors.As(err, &me) && !me.Salvaged {
			s.log.Warn("dropping malformed event", "err", err)
			s.engine.DropMalformed()
			return
		}
		s.log.Debug("salvaged malformed event", "id", rec.ID, "err", err)
	}

	s.mu.Lock()
	if s.buffering {
		s.buffer = append(s.buffer, rec)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.ingest(rec)
}

func (s *Supervisor) ingest(rec domain.Notification) {
	if err := s.engine.IngestLiveEvent(rec); err != nil {
		s.log.Warn("live event rejected", "id", rec.ID, "err", err)
	}
}

func (s *Supervisor) handleConnectionState(connected bool) {
	if !connected {
		s.mu.Lock()
		wasConnected := s.connected
		s.connected = false
		s.buffering = true
		if wasConnected {
			s.disconnectedAt = s.now()
		}
		s.mu.Unlock()

		s.engine.SetState(domain.StateDisconnected)
		if s.acks != nil {
			s.acks.Pause()
		}
		if wasConnected {
			s.log.Info("push channel disconnected")
		}
		return
	}

	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return
	}
	first := !s.everConnected
	gap := s.now().Sub(s.disconnectedAt)
	s.connected = true
	s.everConnected = true
	needResync := first || gap > s.cfg.GapThreshold || !s.gapless()
	s.mu.Unlock()

	if s.acks != nil {
		s.acks.Resume()
	}

	switch {
	case first:
		s.log.Info("push channel connected, loading snapshot")
		s.engine.SetState(domain.StateConnecting)
		s.startResync(true, "initial")
	case needResync:
		s.log.Info("push channel reconnected, resyncing", "gap", gap)
		s.engine.SetState(domain.StateResyncing)
		s.startResync(true, "reconnect")
	default:
		s.log.Info("push channel reconnected within gap threshold", "gap", gap)
		s.engine.SetState(domain.StateSynced)
		s.flushBuffer()
	}
}

func (s *Supervisor) gapless() bool {
	g, ok := s.channel.(GaplessChannel)
	return ok && g.Gapless()
}

// startResync cancels any in-flight fetch and starts a new one. When buffer is
// set, live events are held back until the snapshot lands.
func (s *Supervisor) startResync(buffer bool, reason string) (<-chan error, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, errors.New("supervisor not running")
	}
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelFetch = cancel
	s.gen++
	gen := s.gen
	if buffer {
		s.buffering = true
	}
	s.mu.Unlock()

	seq := s.engine.BeginReconcile()
	done := make(chan error, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		done <- s.runResync(ctx, gen, seq, reason)
	}()
	return done, nil
}

func (s *Supervisor) runResync(ctx context.Context, gen, seq uint64, reason string) error {
	asOf := s.now()
	records, err := s.fetchSnapshot(ctx)
	if ctx.Err() != nil {
		// superseded or shutting down; the newer run owns the buffer
		return ctx.Err()
	}

	if err != nil {
		s.engine.MarkDegraded(err)
	} else if rerr := s.engine.ReconcileSnapshot(domain.Snapshot{Records: records, AsOf: asOf, Seq: seq}); rerr != nil {
		if !errors.Is(rerr, domain.ErrStaleSnapshot) {
			err = rerr
		}
		s.log.Debug("snapshot not applied", "reason", reason, "seq", seq, "err", rerr)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return err
	}
	s.cancelFetch = nil
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		s.engine.SetState(domain.StateDisconnected)
	} else if err != nil {
		s.engine.SetState(domain.StateSynced)
	}
	s.flushBuffer()
	return err
}

// fetchSnapshot pages through the backend listing, retrying the whole listing
// with exponential backoff.
func (s *Supervisor) fetchSnapshot(ctx context.Context) ([]domain.Notification, error) {
	var lastErr error
	delay := s.cfg.Backoff
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if s.cfg.Limiter != nil {
			if err := s.cfg.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		records, err := s.fetchPages(ctx)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.log.Warn("snapshot fetch failed", "attempt", attempt, "max_attempts", s.cfg.MaxAttempts, "err", err)
		if attempt == s.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxBackoff)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", domain.ErrSnapshotFetch, s.cfg.MaxAttempts, lastErr)
}

func (s *Supervisor) fetchPages(ctx context.Context) ([]domain.Notification, error) {
	var (
		all    []domain.Notification
		cursor string
	)
	for {
		pageCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		page, next, err := s.fetcher.FetchSnapshot(pageCtx, cursor)
		cancel()
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// flushBuffer ingests held-back events oldest first. Events that arrive while
// flushing are appended and drained in the same pass.
func (s *Supervisor) flushBuffer() {
	for {
		s.mu.Lock()
		if len(s.buffer) == 0 {
			s.buffering = !s.connected
			s.mu.Unlock()
			return
		}
		batch := s.buffer
		s.buffer = nil
		s.mu.Unlock()

		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].CreatedAt.Before(batch[j].CreatedAt)
		})
		for _, rec := range batch {
			s.ingest(rec)
		}
	}
}
