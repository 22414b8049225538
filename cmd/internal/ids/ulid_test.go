package ids

import (
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26 chars, got %d and %d", len(a), len(b))
	}
	if a >= b {
		t.Fatalf("expected monotonic order within the same ms: %s !< %s", a, b)
	}
	if !Valid(a) {
		t.Fatalf("expected %s to be valid", a)
	}
	if Valid("not-a-ulid") {
		t.Fatalf("expected invalid ulid to be rejected")
	}
}

func TestNewULID_ZeroTime(t *testing.T) {
	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if !Valid(id) {
		t.Fatalf("invalid ulid %q", id)
	}
}
