package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tracker keeps the cached record alive while the user interacts.
//
// The host calls Tick on whatever interaction signal it observes (click,
// key press, scroll, visibility regained) and owns any debouncing. Run adds a
// fixed-interval refresh so idle-but-open hosts stay alive.
type Tracker struct {
	log      *slog.Logger
	clock    clockwork.Clock
	store    Store
	interval time.Duration
}

// NewTracker constructs a Tracker. A non-positive interval uses 5 minutes.
func NewTracker(log *slog.Logger, clock clockwork.Clock, store Store, interval time.Duration) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultConfig().ActivityInterval
	}
	return &Tracker{log: log, clock: clock, store: store, interval: interval}
}

// Tick refreshes LastActivity in the fast and scoped tiers. Every call writes.
func (t *Tracker) Tick(ctx context.Context) {
	t.store.Touch(ctx, t.clock.Now())
}

// Run ticks on the fixed interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	t.log.Debug("session.tracker.start", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			t.log.Debug("session.tracker.stop")
			return
		case <-ticker.Chan():
			t.Tick(ctx)
		}
	}
}
