package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBadger(t *testing.T) *BadgerTier {
	t.Helper()
	db, err := OpenBadger(BadgerConfig{InMemory: true, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerTier(db, "")
}

func TestBadgerTier(t *testing.T) {
	exerciseTier(t, openTestBadger(t))
}

func TestBadgerTier_ScopedByStore(t *testing.T) {
	db, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	a := NewBadgerTier(db, "sessions")
	b := NewBadgerTier(db, "other")

	require.NoError(t, a.Set(ctx, DurableID, []byte("x")))
	_, err = b.Get(ctx, DurableID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "badger", a.Name())
}

func TestOpenBadger_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, NewBadgerTier(db, "").Set(ctx, DurableID, []byte("kept")))
	require.NoError(t, db.Close())

	db, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	got, err := NewBadgerTier(db, "").Get(ctx, DurableID)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestManager_DurableBadgerFallback(t *testing.T) {
	durable := openTestBadger(t)
	fast := &flakyTier{MemoryTier: NewMemoryTier("fast"), failGet: true}
	m := NewManager(testLogger(), fast, nil, durable)
	ctx := context.Background()

	rec := testRecord(time.Now())
	m.Write(ctx, rec)

	got, ok := m.Read(ctx)
	require.True(t, ok)
	assert.Equal(t, rec.User.ID, got.User.ID)
}
