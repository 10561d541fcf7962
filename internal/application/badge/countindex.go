package badge

import "github.com/go-badge-sync/internal/domain"

// CountIndex holds unread counts. It has no knowledge of time or I/O and is
// owned by the Engine, which serialises access to it.
type CountIndex struct {
	total      int
	other      int
	byCategory map[domain.Category]int
}

func NewCountIndex() *CountIndex {
	return &CountIndex{byCategory: make(map[domain.Category]int)}
}

// ApplyDelta adjusts the counts for one record. Unknown categories move the
// total and the uncategorized bucket only. Zero entries are removed.
func (c *CountIndex) ApplyDelta(cat domain.Category, delta int) {
	if delta == 0 {
		return
	}
	c.total += delta
	if !cat.Valid() {
		c.other += delta
		return
	}
	n := c.byCategory[cat] + delta
	if n == 0 {
		delete(c.byCategory, cat)
		return
	}
	c.byCategory[cat] = n
}

// RecomputeFull rebuilds every count from scratch.
func (c *CountIndex) RecomputeFull(records []domain.Notification) {
	c.total = 0
	c.other = 0
	c.byCategory = make(map[domain.Category]int)
	for _, r := range records {
		if !r.IsRead {
			c.ApplyDelta(r.Category, 1)
		}
	}
}

// Consistent reports whether no count is negative and the total equals the
// sum of the per-category counts plus the uncategorized bucket.
func (c *CountIndex) Consistent() bool {
	if c.total < 0 || c.other < 0 {
		return false
	}
	sum := c.other
	for _, n := range c.byCategory {
		if n <= 0 {
			return false
		}
		sum += n
	}
	return sum == c.total
}

func (c *CountIndex) Total() int { return c.total }

// Snapshot copies the counts into a BadgeCount. Version and Stale are set by the caller.
func (c *CountIndex) Snapshot() domain.BadgeCount {
	by := make(map[domain.Category]int, len(c.byCategory))
	for k, v := range c.byCategory {
		by[k] = v
	}
	return domain.BadgeCount{Total: c.total, ByType: by, Other: c.other}
}
