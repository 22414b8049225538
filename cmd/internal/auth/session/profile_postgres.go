package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// execer is the subset of *pgxpool.Pool used by PostgresProfileSyncer.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresProfileSyncer upserts {id, email, full_name, last_seen_at} into <schema>.profiles.
type PostgresProfileSyncer struct {
	db     execer
	schema string
}

// ProfileOption configures PostgresProfileSyncer behavior.
type ProfileOption func(*PostgresProfileSyncer) error

// WithProfileSchema sets the DB schema (default: "public").
func WithProfileSchema(schema string) ProfileOption {
	return func(s *PostgresProfileSyncer) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("session: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresProfileSyncer constructs a syncer over a pgx pool (or any Exec-capable handle).
func NewPostgresProfileSyncer(db execer, opts ...ProfileOption) (*PostgresProfileSyncer, error) {
	s := &PostgresProfileSyncer{db: db, schema: "public"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.db == nil {
		return nil, errors.New("session: nil db")
	}
	return s, nil
}

// SyncProfile upserts the minimal profile row. The backend issues UUID user ids;
// anything else is rejected before touching the database.
func (s *PostgresProfileSyncer) SyncProfile(ctx context.Context, user UserIdentity, seenAt time.Time) error {
	id, err := uuid.Parse(strings.TrimSpace(user.ID))
	if err != nil {
		return errors.New("session: profile id is not a uuid")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	profiles := pgx.Identifier{s.schema, "profiles"}.Sanitize()

	_, err = s.db.Exec(ctx, `
		INSERT INTO `+profiles+` (id, email, full_name, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			full_name = COALESCE(NULLIF(EXCLUDED.full_name, ''), `+profiles+`.full_name),
			last_seen_at = EXCLUDED.last_seen_at
	`, id, nullIfEmpty(user.Email), user.FullName, seenAt.UTC())
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func nullIfEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
