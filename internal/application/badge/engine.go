package badge

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-badge-sync/internal/domain"
	"github.com/go-badge-sync/internal/pkg/id"
)

// Engine reconciles live events, local mark-reads and snapshots into a single
// record set and the unread counts derived from it. All mutating methods are
// serialised by one mutex; none of them wait on I/O.
type Engine struct {
	mu         sync.Mutex
	records    map[string]*entry
	pending    map[string]*pendingMark
	tombstones map[string]time.Time
	index      *CountIndex

	hub   *Hub
	queue MarkReadQueue
	now   func() time.Time
	log   *slog.Logger

	state        domain.ConnState
	degraded     bool
	synced       bool
	seed         *domain.BadgeCount
	version      uint64
	issuedSeq    uint64
	completedSeq uint64
	lastEmitted  domain.BadgeCount
	stats        domain.EngineStats
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMarkReadQueue sets where optimistic mark-reads are sent for persistence.
func WithMarkReadQueue(q MarkReadQueue) Option { return func(e *Engine) { e.queue = q } }

func NewEngine(hub *Hub, opts ...Option) *Engine {
	e := &Engine{
		records:    make(map[string]*entry),
		pending:    make(map[string]*pendingMark),
		tombstones: make(map[string]time.Time),
		index:      NewCountIndex(),
		hub:        hub,
		now:        time.Now,
		log:        slog.Default(),
		state:      domain.StateDisconnected,
	}
	for _, o := range opts {
		o(e)
	}
	if e.hub == nil {
		e.hub = NewHub(e.log)
	}
	e.lastEmitted = e.countLocked()
	return e
}

// Hub returns the hub the engine publishes to.
func (e *Engine) Hub() *Hub { return e.hub }

// Subscribe is a shortcut for e.Hub().Subscribe.
func (e *Engine) Subscribe(fn Observer) func() { return e.hub.Subscribe(fn) }

// unlockAndFlush releases the engine lock and delivers staged counts.
func (e *Engine) unlockAndFlush() {
	e.mu.Unlock()
	e.hub.drain()
}

// IngestLiveEvent applies one notification seen on the push channel.
// Writes older than the stored state are ignored; an event without an id is
// rejected with a *domain.MalformedEventError.
func (e *Engine) IngestLiveEvent(n domain.Notification) error {
	e.mu.Lock()
	defer e.unlockAndFlush()

	if n.ID == "" {
		e.stats.Malformed++
		return &domain.MalformedEventError{Field: "id", Reason: "is missing"}
	}
	e.stats.Ingested++
	now := e.now()

	if ts, ok := e.tombstones[n.ID]; ok {
		if !n.CreatedAt.After(ts) {
			e.stats.StaleWrites++
			e.log.Debug("stale write for evicted notification", "id", n.ID, "created_at", n.CreatedAt)
			return nil
		}
		delete(e.tombstones, n.ID)
	}

	cur, ok := e.records[n.ID]
	if !ok {
		e.records[n.ID] = &entry{rec: n, seenAt: now}
		if !n.IsRead {
			e.index.ApplyDelta(n.Category, 1)
		}
		e.settleLocked(false)
		return nil
	}

	if n.CreatedAt.Before(cur.rec.CreatedAt) {
		e.stats.StaleWrites++
		e.log.Debug("stale write ignored", "id", n.ID, "created_at", n.CreatedAt, "stored", cur.rec.CreatedAt)
		return nil
	}
	if n.CreatedAt.Equal(cur.rec.CreatedAt) && n.IsRead == cur.rec.IsRead && n.Category == cur.rec.Category {
		e.stats.Duplicates++
	}

	if p, ok := e.pending[n.ID]; ok {
		if p.supersededBy(n.CreatedAt) {
			delete(e.pending, n.ID)
			e.log.Debug("pending mark-read superseded", "id", n.ID, "token", p.token)
		} else {
			n.IsRead = cur.rec.IsRead
		}
	}
	e.replaceLocked(cur, n)
	cur.seenAt = now
	e.settleLocked(false)
	return nil
}

// DropMalformed records an event that was rejected before it could be
// turned into a record.
func (e *Engine) DropMalformed() {
	e.mu.Lock()
	e.stats.Malformed++
	e.mu.Unlock()
}

// replaceLocked swaps the stored record and moves its count contribution.
func (e *Engine) replaceLocked(cur *entry, n domain.Notification) {
	if !cur.rec.IsRead {
		e.index.ApplyDelta(cur.rec.Category, -1)
	}
	if !n.IsRead {
		e.index.ApplyDelta(n.Category, 1)
	}
	cur.rec = n
}

// MarkRead optimistically marks one notification read and queues it for
// persistence. It returns domain.ErrNotFound for untracked ids.
func (e *Engine) MarkRead(notificationID string) error {
	e.mu.Lock()
	cur, ok := e.records[notificationID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("notification %s: %w", notificationID, domain.ErrNotFound)
	}
	if cur.rec.IsRead {
		e.mu.Unlock()
		return nil
	}
	req := domain.MarkReadRequest{Token: id.New(), IDs: []string{notificationID}, IssuedAt: e.now()}
	e.markLocked(cur, req)
	e.settleLocked(false)
	e.unlockAndFlush()

	e.enqueue(req)
	return nil
}

// MarkAllRead optimistically marks every unread notification read, or only
// those in category when it is non-nil. Observers see one change.
func (e *Engine) MarkAllRead(category *domain.Category) error {
	if category != nil && !category.Valid() {
		return fmt.Errorf("unknown category %q: %w", *category, domain.ErrBadRequest)
	}

	e.mu.Lock()
	req := domain.MarkReadRequest{Token: id.New(), All: true, Category: category, IssuedAt: e.now()}
	for nid, cur := range e.records {
		if cur.rec.IsRead || (category != nil && cur.rec.Category != *category) {
			continue
		}
		req.IDs = append(req.IDs, nid)
	}
	if len(req.IDs) == 0 {
		e.mu.Unlock()
		return nil
	}
	sort.Strings(req.IDs)
	for _, nid := range req.IDs {
		e.markLocked(e.records[nid], req)
	}
	e.settleLocked(false)
	e.unlockAndFlush()

	e.enqueue(req)
	return nil
}

func (e *Engine) markLocked(cur *entry, req domain.MarkReadRequest) {
	e.pending[cur.rec.ID] = &pendingMark{
		token:    req.Token,
		prevRead: cur.rec.IsRead,
		version:  cur.rec.CreatedAt,
	}
	e.index.ApplyDelta(cur.rec.Category, -1)
	cur.rec.IsRead = true
}

func (e *Engine) enqueue(req domain.MarkReadRequest) {
	if e.queue == nil {
		return
	}
	e.queue.Enqueue(req)
}

// ConfirmMarkRead clears the pending marks for ids. Unknown ids are ignored.
func (e *Engine) ConfirmMarkRead(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, nid := range ids {
		delete(e.pending, nid)
	}
}

// RevertMarkRead undoes pending marks that no newer live event has superseded.
// Marks already confirmed or superseded are left alone.
func (e *Engine) RevertMarkRead(ids ...string) {
	e.mu.Lock()
	defer e.unlockAndFlush()
	for _, nid := range ids {
		p, ok := e.pending[nid]
		if !ok {
			continue
		}
		delete(e.pending, nid)
		cur, ok := e.records[nid]
		if !ok || p.supersededBy(cur.rec.CreatedAt) {
			continue
		}
		if cur.rec.IsRead != p.prevRead {
			restored := cur.rec
			restored.IsRead = p.prevRead
			e.replaceLocked(cur, restored)
		}
	}
	e.settleLocked(false)
}

// BeginReconcile reserves the sequence number for a snapshot about to be fetched.
func (e *Engine) BeginReconcile() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.issuedSeq++
	return e.issuedSeq
}

// ReconcileSnapshot makes s the read/unread ground truth for the records it
// lists, keeping local state newer than s.AsOf. A pending mark-read survives an
// unread row until it is confirmed or the row carries a strictly newer
// CreatedAt. Tracked records missing from s are evicted unless newer than
// s.AsOf; a snapshot without AsOf protects nothing.
// Counts are then recomputed from scratch and observers see one change.
// A snapshot whose Seq is not above the last completed one returns
// domain.ErrStaleSnapshot and changes nothing.
func (e *Engine) ReconcileSnapshot(s domain.Snapshot) error {
	e.mu.Lock()
	defer e.unlockAndFlush()

	if s.Seq == 0 {
		e.issuedSeq++
		s.Seq = e.issuedSeq
	}
	if s.Seq <= e.completedSeq {
		e.stats.DiscardedSnapshot++
		return fmt.Errorf("snapshot %d superseded by %d: %w", s.Seq, e.completedSeq, domain.ErrStaleSnapshot)
	}

	asOf := s.AsOf
	cursorless := asOf.IsZero()
	if cursorless {
		asOf = e.now()
	}
	protected := func(cur *entry) bool {
		return !cursorless && cur.newerThan(asOf)
	}

	seen := make(map[string]struct{}, len(s.Records))
	tombstones := make(map[string]time.Time)
	for _, r := range s.Records {
		if r.ID == "" {
			e.stats.Malformed++
			continue
		}
		seen[r.ID] = struct{}{}

		cur, ok := e.records[r.ID]
		if !ok {
			if r.IsRead {
				tombstones[r.ID] = r.CreatedAt
				continue
			}
			e.records[r.ID] = &entry{rec: r, seenAt: asOf}
			continue
		}
		if protected(cur) {
			continue
		}

		merged := r
		merged.CreatedAt = maxTime(r.CreatedAt, cur.rec.CreatedAt)
		if p, ok := e.pending[r.ID]; ok {
			if r.IsRead || p.supersededBy(r.CreatedAt) {
				delete(e.pending, r.ID)
			} else {
				merged.IsRead = true
			}
		}
		cur.rec = merged

		if merged.IsRead && e.pending[r.ID] == nil {
			delete(e.records, r.ID)
			tombstones[r.ID] = merged.CreatedAt
		}
	}

	for nid, cur := range e.records {
		if _, ok := seen[nid]; ok || protected(cur) {
			continue
		}
		delete(e.records, nid)
		delete(e.pending, nid)
		tombstones[nid] = cur.rec.CreatedAt
	}
	e.tombstones = tombstones

	e.index.RecomputeFull(e.recordsLocked())
	e.completedSeq = s.Seq
	e.state = domain.StateSynced
	e.synced = true
	e.seed = nil
	e.degraded = false
	e.stats.Reconciliations++

	e.log.Info("snapshot reconciled",
		"seq", s.Seq, "records", len(s.Records), "tracked", len(e.records),
		"pending", len(e.pending), "unread", e.index.Total())
	e.settleLocked(true)
	return nil
}

func (e *Engine) recordsLocked() []domain.Notification {
	out := make([]domain.Notification, 0, len(e.records))
	for _, cur := range e.records {
		out = append(out, cur.rec)
	}
	return out
}

// settleLocked repairs the index if an incremental update broke its
// invariant and stages a notification when the visible counts changed
// (always when force is set).
func (e *Engine) settleLocked(force bool) {
	if !e.index.Consistent() {
		e.stats.SelfHeals++
		e.log.Warn("count index inconsistent, recomputing", "total", e.index.Total(), "records", len(e.records))
		e.index.RecomputeFull(e.recordsLocked())
	}
	bc := e.countLocked()
	if !force && bc.SameCounts(e.lastEmitted) {
		return
	}
	e.version++
	bc.Version = e.version
	e.lastEmitted = bc
	e.hub.enqueue(bc)
}

func (e *Engine) countLocked() domain.BadgeCount {
	if !e.synced && e.seed != nil && len(e.records) == 0 {
		bc := e.seed.Clone()
		bc.Stale = true
		bc.Version = e.version
		return bc
	}
	bc := e.index.Snapshot()
	bc.Stale = e.degraded
	bc.Version = e.version
	return bc
}

// MarkDegraded flags the counts as possibly stale after snapshot retries ran out.
func (e *Engine) MarkDegraded(err error) {
	e.mu.Lock()
	defer e.unlockAndFlush()
	if !e.degraded {
		e.log.Warn("badge degraded, showing last known count", "err", err)
	}
	e.degraded = true
	e.settleLocked(false)
}

// Seed shows a previously saved count until the first snapshot lands.
// It is ignored once the engine has reconciled or tracks any record.
func (e *Engine) Seed(bc domain.BadgeCount) {
	e.mu.Lock()
	defer e.unlockAndFlush()
	if e.synced || len(e.records) > 0 {
		return
	}
	cp := bc.Clone()
	e.seed = &cp
	e.settleLocked(false)
}

// SetState records the connection state reported by the Supervisor.
func (e *Engine) SetState(s domain.ConnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != s {
		e.log.Debug("connection state", "from", e.state.String(), "to", s.String())
	}
	e.state = s
}

func (e *Engine) State() domain.ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Count returns the current badge count.
func (e *Engine) Count() domain.BadgeCount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countLocked()
}

// Lookup returns the tracked record for id.
func (e *Engine) Lookup(notificationID string) (domain.Notification, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.records[notificationID]
	if !ok {
		return domain.Notification{}, false
	}
	return cur.rec, true
}

func (e *Engine) Stats() domain.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats
	st.State = e.state.String()
	st.Records = len(e.records)
	st.Pending = len(e.pending)
	st.Tombstones = len(e.tombstones)
	st.Degraded = e.degraded
	return st
}
