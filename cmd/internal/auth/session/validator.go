package session

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxSessionAge is how long a record stays authoritative without activity.
const MaxSessionAge = 30 * 24 * time.Hour

// IsValid reports whether rec is still usable at now.
// It is pure: no I/O, no clock reads.
func IsValid(rec *Record, now time.Time, maxAge time.Duration) bool {
	if rec == nil {
		return false
	}
	if maxAge <= 0 {
		maxAge = MaxSessionAge
	}
	if now.Sub(rec.LastActivity) > maxAge {
		return false
	}
	if exp := rec.Credentials.ExpiresAt; !exp.IsZero() && !now.Before(exp) {
		return false
	}
	return true
}

// Validator binds IsValid to a clock and a max age.
type Validator struct {
	clock  clockwork.Clock
	maxAge time.Duration
}

// NewValidator constructs a Validator. A nil clock uses the real clock.
func NewValidator(clock clockwork.Clock, maxAge time.Duration) Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxAge <= 0 {
		maxAge = MaxSessionAge
	}
	return Validator{clock: clock, maxAge: maxAge}
}

// Valid reports whether rec is usable now.
func (v Validator) Valid(rec *Record) bool {
	return IsValid(rec, v.clock.Now(), v.maxAge)
}

// Check is Valid with a reason: nil, ErrNoSession or ErrSessionExpired.
func (v Validator) Check(rec *Record) error {
	if rec == nil {
		return ErrNoSession
	}
	if !v.Valid(rec) {
		return ErrSessionExpired
	}
	return nil
}
