package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/auth/session"
)

var (
	// ErrNotFound is returned by a tier that holds no value for a key.
	ErrNotFound = errors.New("storage: not found")

	// ErrTierUnavailable marks a tier that threw, timed out or is not configured.
	ErrTierUnavailable = errors.New("storage: tier unavailable")
)

// Tier is one physical key-value backend in the fallback chain.
// Get returns ErrNotFound when the key is absent.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// TierError describes a failed tier operation.
// It matches both ErrTierUnavailable and the underlying error.
type TierError struct {
	Tier string
	Op   string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() []error { return []error{ErrTierUnavailable, e.Err} }

// Result is the outcome of one tier operation: Ok (Err == nil) or Unavailable.
// Record is set only for successful reads.
type Result struct {
	Tier   string
	Record *session.Record
	Err    error
}

// OK reports whether the tier operation succeeded.
func (r Result) OK() bool { return r.Err == nil }

// FirstOK returns the first successful read in results.
func FirstOK(results []Result) (session.Record, bool) {
	for _, r := range results {
		if r.OK() && r.Record != nil {
			return *r.Record, true
		}
	}
	return session.Record{}, false
}

// UnavailableTier stands in for a tier that is absent (not configured,
// blocked by the host, failed to open). Every operation fails.
type UnavailableTier struct {
	TierName string
	Reason   string
}

func (t UnavailableTier) Name() string { return t.TierName }

func (t UnavailableTier) Get(context.Context, string) ([]byte, error) { return nil, t.err() }

func (t UnavailableTier) Set(context.Context, string, []byte) error { return t.err() }

func (t UnavailableTier) Delete(context.Context, string) error { return t.err() }

func (t UnavailableTier) err() error {
	return fmt.Errorf("%w: %s", ErrTierUnavailable, t.Reason)
}
