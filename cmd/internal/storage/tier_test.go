package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseTier runs the common Tier contract against t.
func exerciseTier(t *testing.T, tier Tier) {
	t.Helper()
	ctx := context.Background()

	_, err := tier.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tier.Set(ctx, "k", []byte("v1")))
	got, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, tier.Set(ctx, "k", []byte("v2")))
	got, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, tier.Delete(ctx, "k"))
	require.NoError(t, tier.Delete(ctx, "k"))
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTier(t *testing.T) {
	exerciseTier(t, NewMemoryTier(""))
}

func TestMemoryTier_CopiesValues(t *testing.T) {
	tier := NewMemoryTier("scoped")
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, tier.Set(ctx, "k", buf))
	buf[0] = 'x'

	got, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'y'
	again, _ := tier.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
	assert.Equal(t, "scoped", tier.Name())
}

func TestMemoryTier_CanceledContext(t *testing.T) {
	tier := NewMemoryTier("scoped")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, tier.Set(ctx, "k", []byte("v")), context.Canceled)
	assert.Equal(t, 0, tier.Len())
}

func TestUnavailableTier(t *testing.T) {
	tier := UnavailableTier{TierName: "fast", Reason: "not configured"}
	ctx := context.Background()

	_, err := tier.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrTierUnavailable)
	assert.ErrorIs(t, tier.Set(ctx, "k", nil), ErrTierUnavailable)
	assert.ErrorIs(t, tier.Delete(ctx, "k"), ErrTierUnavailable)
	assert.Contains(t, tier.Set(ctx, "k", nil).Error(), "not configured")
}

func TestFirstOK(t *testing.T) {
	_, ok := FirstOK(nil)
	assert.False(t, ok)

	_, ok = FirstOK([]Result{{Tier: "fast", Err: ErrNotFound}, {Tier: "scoped"}})
	assert.False(t, ok, "a successful write result carries no record")
}
