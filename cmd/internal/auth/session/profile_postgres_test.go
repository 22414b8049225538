package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestNewPostgresProfileSyncer_Options(t *testing.T) {
	_, err := NewPostgresProfileSyncer(nil)
	assert.Error(t, err)

	_, err = NewPostgresProfileSyncer(&fakeExecer{}, WithProfileSchema("bad-schema;"))
	assert.Error(t, err)

	_, err = NewPostgresProfileSyncer(&fakeExecer{}, WithProfileSchema(" "))
	assert.Error(t, err)

	s, err := NewPostgresProfileSyncer(&fakeExecer{}, WithProfileSchema("kb"))
	require.NoError(t, err)
	assert.Equal(t, "kb", s.schema)
}

func TestPostgresProfileSyncer_Upsert(t *testing.T) {
	db := &fakeExecer{}
	s, err := NewPostgresProfileSyncer(db, WithProfileSchema("kb"))
	require.NoError(t, err)

	id := uuid.New()
	seen := time.Date(2026, 6, 1, 10, 0, 0, 0, time.FixedZone("ICT", 7*3600))
	err = s.SyncProfile(context.Background(), UserIdentity{ID: id.String(), FullName: "Tran"}, seen)
	require.NoError(t, err)

	assert.Contains(t, db.sql, `"kb"."profiles"`)
	assert.True(t, strings.Contains(db.sql, "ON CONFLICT (id)"))
	require.Len(t, db.args, 4)
	assert.Equal(t, id, db.args[0])
	assert.Nil(t, db.args[1], "empty email is stored as NULL")
	assert.Equal(t, "Tran", db.args[2])
	assert.Equal(t, time.UTC, db.args[3].(time.Time).Location())
}

func TestPostgresProfileSyncer_RejectsNonUUID(t *testing.T) {
	db := &fakeExecer{}
	s, err := NewPostgresProfileSyncer(db)
	require.NoError(t, err)

	err = s.SyncProfile(context.Background(), UserIdentity{ID: "not-a-uuid"}, time.Now())
	assert.Error(t, err)
	assert.Empty(t, db.sql)
}

func TestPostgresProfileSyncer_PropagatesDBError(t *testing.T) {
	db := &fakeExecer{err: errors.New("relation does not exist")}
	s, err := NewPostgresProfileSyncer(db)
	require.NoError(t, err)

	err = s.SyncProfile(context.Background(), UserIdentity{ID: uuid.NewString()}, time.Now())
	assert.Error(t, err)
}
