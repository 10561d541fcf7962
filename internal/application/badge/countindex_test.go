package badge

import (
	"testing"

	"github.com/go-badge-sync/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCountIndex_ApplyDelta_RemovesZeroEntries(t *testing.T) {
	c := NewCountIndex()
	c.ApplyDelta(domain.CategoryLike, 1)
	c.ApplyDelta(domain.CategoryComment, 1)
	c.ApplyDelta(domain.CategoryLike, -1)

	bc := c.Snapshot()
	assert.Equal(t, 1, bc.Total)
	assert.Equal(t, map[domain.Category]int{domain.CategoryComment: 1}, bc.ByType)
	assert.True(t, c.Consistent())
}

func TestCountIndex_UnknownCategory_CountsTowardTotalOnly(t *testing.T) {
	c := NewCountIndex()
	c.ApplyDelta("poke", 1)
	c.ApplyDelta(domain.CategoryFollow, 1)

	bc := c.Snapshot()
	assert.Equal(t, 2, bc.Total)
	assert.Equal(t, 1, bc.Other)
	assert.NotContains(t, bc.ByType, domain.Category("poke"))
	assert.True(t, c.Consistent())
}

func TestCountIndex_RecomputeFull(t *testing.T) {
	c := NewCountIndex()
	c.ApplyDelta(domain.CategoryMessage, 7)

	c.RecomputeFull([]domain.Notification{
		{ID: "a", Category: domain.CategoryLike},
		{ID: "b", Category: domain.CategoryLike},
		{ID: "c", Category: domain.CategoryStoryView, IsRead: true},
		{ID: "d", Category: domain.CategoryEventRSVP},
	})

	bc := c.Snapshot()
	assert.Equal(t, 3, bc.Total)
	assert.Equal(t, map[domain.Category]int{domain.CategoryLike: 2, domain.CategoryEventRSVP: 1}, bc.ByType)
	assert.True(t, c.Consistent())
}

func TestCountIndex_Consistent_DetectsNegative(t *testing.T) {
	c := NewCountIndex()
	c.ApplyDelta(domain.CategoryLike, -1)
	assert.False(t, c.Consistent())
}

func TestCountIndex_SnapshotIsACopy(t *testing.T) {
	c := NewCountIndex()
	c.ApplyDelta(domain.CategoryLike, 1)
	bc := c.Snapshot()
	bc.ByType[domain.CategoryLike] = 99
	assert.Equal(t, 1, c.Snapshot().ByType[domain.CategoryLike])
}
