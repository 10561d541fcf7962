package badge

import (
	"context"

	"github.com/go-badge-sync/internal/domain"
)

// Channel is the push channel the Supervisor consumes. Callbacks must be
// registered before Connect.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	OnEvent(fn func(domain.NotificationEvent))
	OnConnectionStateChange(fn func(connected bool))
}

// GaplessChannel is implemented by channels that replay every event missed
// while disconnected. Channels that don't implement it are treated as lossy.
type GaplessChannel interface {
	Gapless() bool
}

// SnapshotFetcher returns one page of the user's notifications. An empty
// nextCursor ends the listing.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, cursor string) (records []domain.Notification, nextCursor string, err error)
}

// ReadPersister stores a mark-read on the backend.
type ReadPersister interface {
	PersistMarkRead(ctx context.Context, req domain.MarkReadRequest) error
}

// MarkReadQueue accepts optimistic mark-reads for persistence. Enqueue must not block.
type MarkReadQueue interface {
	Enqueue(req domain.MarkReadRequest)
}

// MarkResolver is the half of the Engine the persistence side calls back into.
type MarkResolver interface {
	ConfirmMarkRead(ids ...string)
	RevertMarkRead(ids ...string)
}
