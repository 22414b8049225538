package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// EventType is a row change category.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"

	// EventAll matches every category in a subscription filter.
	EventAll EventType = "*"
)

// ErrUnknownEvent is returned for change payloads outside INSERT/UPDATE/DELETE.
var ErrUnknownEvent = errors.New("realtime: unknown change event")

// Change is the uniform envelope handed to subscription callbacks.
type Change struct {
	EventType     EventType
	New           map[string]any
	Old           map[string]any
	ResourceScope string
	Timestamp     time.Time
}

// Matches reports whether the change passes filter. An empty filter matches all.
func (f EventType) Matches(ev EventType) bool {
	return f == "" || f == EventAll || f == ev
}

// nativeChange accepts both payload shapes the backend emits:
//
//	{"eventType":"INSERT","table":"t","new":{...},"old":{...},"commit_timestamp":"..."}
//	{"type":"INSERT","table":"t","record":{...},"old_record":{...},"commit_timestamp":"..."}
//
// The second shape may arrive wrapped as {"data":{...}}.
type nativeChange struct {
	Data json.RawMessage `json:"data"`

	EventType string         `json:"eventType"`
	New       map[string]any `json:"new"`
	Old       map[string]any `json:"old"`

	Type      string         `json:"type"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`

	Schema          string `json:"schema"`
	Table           string `json:"table"`
	CommitTimestamp string `json:"commit_timestamp"`
}

// NormalizeChange converts a native change payload into a Change. scope is
// used when the payload does not name its table; now when it carries no
// commit timestamp.
func NormalizeChange(raw json.RawMessage, scope string, now time.Time) (Change, error) {
	var n nativeChange
	if err := json.Unmarshal(raw, &n); err != nil {
		return Change{}, err
	}
	if len(n.Data) > 0 && n.EventType == "" && n.Type == "" {
		var inner nativeChange
		if err := json.Unmarshal(n.Data, &inner); err != nil {
			return Change{}, err
		}
		n = inner
	}

	c := Change{
		New:           n.New,
		Old:           n.Old,
		ResourceScope: scope,
		Timestamp:     now.UTC(),
	}

	ev := n.EventType
	if ev == "" {
		ev = n.Type
		c.New = n.Record
		c.Old = n.OldRecord
	}
	switch EventType(strings.ToUpper(strings.TrimSpace(ev))) {
	case EventInsert:
		c.EventType = EventInsert
	case EventUpdate:
		c.EventType = EventUpdate
	case EventDelete:
		c.EventType = EventDelete
	default:
		return Change{}, ErrUnknownEvent
	}

	if t := strings.TrimSpace(n.Table); t != "" {
		c.ResourceScope = t
	}
	if n.CommitTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, n.CommitTimestamp); err == nil {
			c.Timestamp = ts.UTC()
		}
	}
	if c.New == nil {
		c.New = map[string]any{}
	}
	if c.Old == nil {
		c.Old = map[string]any{}
	}
	return c, nil
}
