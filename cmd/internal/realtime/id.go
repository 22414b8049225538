package realtime

import (
	"time"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/ids"
)

// NewEnvelopeID returns a ULID used as envelope id.
// Replies are correlated by it, and ULIDs keep log lines time-ordered.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
