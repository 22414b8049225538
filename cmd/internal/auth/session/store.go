package session

import (
	"context"
	"time"
)

// Store abstracts the tiered session cache.
//
// Implementations must never return storage failures from Write, Clear or Touch:
// a tier that fails is logged and skipped.
type Store interface {
	// Write mirrors rec into every available tier.
	Write(ctx context.Context, rec Record)

	// Read returns the first record that parses, walking tiers fastest first.
	Read(ctx context.Context) (Record, bool)

	// Clear removes the record from every tier (idempotent).
	Clear(ctx context.Context)

	// Touch bumps LastActivity in the non-durable tiers only.
	Touch(ctx context.Context, now time.Time)
}

// RemoteSession is a session as reported by the backend.
type RemoteSession struct {
	User         UserIdentity
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RemoteAuth is the backend's auth surface consumed by the coordinator.
type RemoteAuth interface {
	// ActiveSession returns the backend's current session, or nil when none.
	ActiveSession(ctx context.Context) (*RemoteSession, error)

	// ExchangeRefreshToken trades a refresh token for a fresh pair.
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*RemoteSession, error)

	// SignOut ends the session on the backend.
	SignOut(ctx context.Context) error
}

// ProfileSyncer upserts a minimal user profile row on the backend.
// Calls are fire-and-forget; errors are only logged.
type ProfileSyncer interface {
	SyncProfile(ctx context.Context, user UserIdentity, seenAt time.Time) error
}
