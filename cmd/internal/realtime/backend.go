package realtime

import (
	"context"
	"encoding/json"
)

// RawChangeFunc receives a change payload in the backend's native shape.
type RawChangeFunc func(payload json.RawMessage)

// BroadcastFunc receives a broadcast event on a channel.
type BroadcastFunc func(event string, payload json.RawMessage)

// Backend opens realtime channels on the remote backend.
type Backend interface {
	OpenChannel(ctx context.Context, name string) (Channel, error)
}

// Channel is one realtime topic on the backend. Callbacks must be registered
// before Subscribe.
type Channel interface {
	// OnChange registers cb for row changes on table matching filter.
	OnChange(table, filter string, cb RawChangeFunc)

	// OnBroadcast registers cb for broadcast events named event ("*" for all).
	OnBroadcast(event string, cb BroadcastFunc)

	// Subscribe joins the topic and waits for the backend to confirm.
	Subscribe(ctx context.Context) error

	// Send publishes a broadcast event to the topic.
	Send(ctx context.Context, event string, payload any) error

	// Unsubscribe leaves the topic.
	Unsubscribe(ctx context.Context) error
}
