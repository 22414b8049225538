// Package v1 defines the realtime channel protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client and test servers to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for this version.
const Subprotocol = "kb.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeAccessToken replaces the session's access token (client -> server).
	TypeAccessToken = "access_token"

	// TypeChannelJoin subscribes to a topic (client -> server).
	TypeChannelJoin = "channel_join"
	// TypeChannelLeave unsubscribes from a topic (client -> server).
	TypeChannelLeave = "channel_leave"

	// TypeReply answers a request; Ref carries the request's ID (server -> client).
	TypeReply = "reply"

	// TypeChange delivers a row change on a topic (server -> client).
	TypeChange = "change"

	// TypeBroadcast carries an ephemeral topic event (both directions).
	TypeBroadcast = "broadcast"

	// TypeHeartbeat keeps the session alive (client -> server).
	TypeHeartbeat = "heartbeat"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeChannelJoin, TypeChannelLeave, TypeChange, TypeBroadcast:
		if strings.TrimSpace(e.Topic) == "" {
			return fmt.Errorf("missing field: topic (type %q)", e.Type)
		}
		return nil
	case TypeReply:
		if strings.TrimSpace(e.Ref) == "" {
			return errors.New("missing field: ref")
		}
		return nil
	case TypeHello,
		TypeHelloAck,
		TypeAccessToken,
		TypeHeartbeat,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloPayload opens a session. Token is the user's access token; empty
// means an anonymous session limited to public topics.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload confirms the session.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// AccessTokenPayload replaces the session's access token.
type AccessTokenPayload struct {
	Token string `json:"token"`
}

// ChangeFilter selects row changes for a topic.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema,omitempty"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ChannelJoinPayload describes what a topic subscription receives.
type ChannelJoinPayload struct {
	Changes   []ChangeFilter `json:"changes,omitempty"`
	Broadcast bool           `json:"broadcast"`
}

// Reply statuses.
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// ReplyPayload answers a request.
type ReplyPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// BroadcastPayload is an ephemeral event on a topic.
type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload describes a server-side failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
