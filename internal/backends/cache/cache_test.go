package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohort/pkg/domain"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	id := domain.NewSubjectID()

	require.NoError(t, c.Set(ctx, "k", domain.NewSubjectSet(id), time.Minute))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Contains(id))

	_, ok, err = c.Get(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", domain.NewSubjectSet(domain.NewSubjectID()), time.Minute))

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryGetReturnsClone(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	id := domain.NewSubjectID()

	require.NoError(t, c.Set(ctx, "k", domain.NewSubjectSet(id), time.Minute))

	got, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	got.Add(domain.NewSubjectID())

	again, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Len(), "mutating a returned set must not affect the cache")
}
