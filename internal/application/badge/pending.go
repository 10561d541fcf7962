package badge

import (
	"time"

	"github.com/go-badge-sync/internal/domain"
)

// entry is one tracked notification.
type entry struct {
	rec    domain.Notification
	seenAt time.Time
}

// pendingMark is an optimistic mark-read awaiting acknowledgement. version is
// the record's CreatedAt when the mark was applied; a live event with a later
// CreatedAt supersedes the mark.
type pendingMark struct {
	token    string
	prevRead bool
	version  time.Time
}

func (p *pendingMark) supersededBy(createdAt time.Time) bool {
	return createdAt.After(p.version)
}

// newerThan reports whether the entry was observed or written after cursor.
func (e *entry) newerThan(cursor time.Time) bool {
	return e.seenAt.After(cursor) || e.rec.CreatedAt.After(cursor)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
