package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is returned when a cached record fails validation
	// (idle past the max session age or past its credential expiry).
	ErrSessionExpired = errors.New("session expired")

	// ErrNoSession is returned when neither the backend nor the cache holds a session.
	ErrNoSession = errors.New("no session")

	// ErrRefreshRejected is returned when the backend refuses a refresh-token exchange.
	ErrRefreshRejected = errors.New("refresh rejected")

	// ErrInvalidRecord is returned when a record cannot be decoded or is structurally incomplete.
	ErrInvalidRecord = errors.New("invalid session record")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// RefreshError carries the backend's reason for a rejected exchange.
type RefreshError struct {
	Status int
	Reason string
}

func (e RefreshError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", ErrRefreshRejected.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: status=%d %s", ErrRefreshRejected.Error(), e.Status, e.Reason)
}

func (e RefreshError) Unwrap() error { return ErrRefreshRejected }
