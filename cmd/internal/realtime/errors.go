package realtime

import "errors"

var (
	// ErrChannelNotFound is reported when broadcasting to a key with no live channel.
	ErrChannelNotFound = errors.New("realtime: channel not found")

	// ErrDuplicateSubscription is reported when subscribing to a key that already has a handle.
	ErrDuplicateSubscription = errors.New("realtime: duplicate subscription")

	// ErrClosed is returned by a closed Socket.
	ErrClosed = errors.New("realtime: socket closed")

	// ErrJoinRejected is returned when the backend refuses a channel join.
	ErrJoinRejected = errors.New("realtime: join rejected")
)
