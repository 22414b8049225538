package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/security/fingerprint"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// State is a step of the recovery state machine.
type State string

const (
	StateIdle           State = "idle"
	StateCheckingRemote State = "checking_remote"
	StateCheckingCache  State = "checking_cache"
	StateRefreshing     State = "refreshing"
	StateActive         State = "active"
	StateCleared        State = "cleared"
)

// Outcome is the result of a recovery attempt.
// Err carries the reason when State is StateCleared, or the caller's context
// error when the caller stopped waiting before the attempt finished.
type Outcome struct {
	Record Record
	State  State
	Err    error
}

// OK reports whether a session was established.
func (o Outcome) OK() bool { return o.State == StateActive }

// TransitionFunc observes state machine transitions.
type TransitionFunc func(from, to State)

// Coordinator decides, at startup, whether and how to re-establish a session.
//
// Order: backend session, then validated cache plus refresh exchange, else clear.
// Concurrent Restore calls share one in-flight attempt; two refresh exchanges
// against the same stored token would race and invalidate each other.
type Coordinator struct {
	cfg       Config
	log       *slog.Logger
	clock     clockwork.Clock
	store     Store
	remote    RemoteAuth
	validator Validator

	profiles     ProfileSyncer
	onTransition TransitionFunc

	flight singleflight.Group
	syncWG sync.WaitGroup

	mu    sync.Mutex
	state State
}

// CoordinatorOption configures optional Coordinator dependencies.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the real clock.
func WithClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithProfileSyncer enables the best-effort profile upsert on ACTIVE.
func WithProfileSyncer(p ProfileSyncer) CoordinatorOption {
	return func(c *Coordinator) {
		c.profiles = p
	}
}

// WithTransitionHook registers fn to observe state transitions.
func WithTransitionHook(fn TransitionFunc) CoordinatorOption {
	return func(c *Coordinator) {
		c.onTransition = fn
	}
}

// NewCoordinator constructs a Coordinator in StateIdle.
func NewCoordinator(cfg Config, log *slog.Logger, store Store, remote RemoteAuth, opts ...CoordinatorOption) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Profile == "" {
		cfg.Profile = DefaultConfig().Profile
	}

	c := &Coordinator{
		cfg:    cfg,
		log:    log,
		clock:  clockwork.NewRealClock(),
		store:  store,
		remote: remote,
		state:  StateIdle,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	c.validator = NewValidator(c.clock, cfg.MaxSessionAge)
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restore runs the recovery state machine once. Calls made while an attempt
// is in flight receive that attempt's outcome instead of starting another.
//
// The attempt is detached from ctx: cancelling ctx returns early with the
// context error and leaves the attempt, and the cached record, untouched.
func (c *Coordinator) Restore(ctx context.Context) Outcome {
	ch := c.flight.DoChan(c.cfg.Profile, func() (any, error) {
		return c.restore(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.log.Debug("session.restore.shared", "profile", c.cfg.Profile)
		}
		return res.Val.(Outcome)
	case <-ctx.Done():
		c.log.Info("session.restore.abandoned", "state", c.State(), "err", ctx.Err())
		return Outcome{State: c.State(), Err: ctx.Err()}
	}
}

func (c *Coordinator) restore(ctx context.Context) Outcome {
	c.transition(StateIdle)
	c.transition(StateCheckingRemote)

	rs, err := c.activeSession(ctx)
	if err != nil {
		// A failing lookup is treated as "no backend session"; the cache may still recover.
		c.log.Warn("session.restore.remote.fail", "err", err)
	}
	if rs != nil {
		rec := c.recordFrom(*rs, Record{})
		c.store.Write(ctx, rec)
		return c.activate(ctx, rec, "remote")
	}

	c.transition(StateCheckingCache)

	cached, ok := c.store.Read(ctx)
	var candidate *Record
	if ok {
		candidate = &cached
	}
	if err := c.validator.Check(candidate); err != nil {
		return c.clear(ctx, err)
	}

	c.transition(StateRefreshing)
	c.log.Debug("session.restore.refresh", "token", fingerprint.Short(cached.Credentials.RefreshToken))

	fresh, err := c.exchange(ctx, cached.Credentials.RefreshToken)
	if errors.Is(err, context.Canceled) {
		// Nobody rejected the token; keep it for the next attempt.
		c.transition(StateIdle)
		return Outcome{State: StateIdle, Err: err}
	}
	if err != nil {
		return c.clear(ctx, err)
	}

	rec := c.recordFrom(*fresh, cached)
	c.store.Write(ctx, rec)
	return c.activate(ctx, rec, "refresh")
}

// Establish persists a session obtained by an explicit sign-in.
func (c *Coordinator) Establish(ctx context.Context, rs RemoteSession) Outcome {
	rec := c.recordFrom(rs, Record{})
	c.store.Write(ctx, rec)
	return c.activate(ctx, rec, "sign_in")
}

// SignOut ends the backend session (best-effort) and clears every tier.
func (c *Coordinator) SignOut(ctx context.Context) {
	if c.remote != nil {
		rctx, cancel := c.remoteContext(ctx)
		err := c.remote.SignOut(rctx)
		cancel()
		if err != nil {
			c.log.Warn("session.signout.remote.fail", "err", err)
		}
	}
	c.store.Clear(ctx)
	c.transition(StateCleared)
	c.log.Info("session.signout")
}

// Drain waits for in-flight profile upserts.
func (c *Coordinator) Drain() {
	c.syncWG.Wait()
}

func (c *Coordinator) activeSession(ctx context.Context) (*RemoteSession, error) {
	if c.remote == nil {
		return nil, nil
	}
	rctx, cancel := c.remoteContext(ctx)
	defer cancel()
	return c.remote.ActiveSession(rctx)
}

func (c *Coordinator) exchange(ctx context.Context, refreshToken string) (*RemoteSession, error) {
	if c.remote == nil {
		return nil, fmt.Errorf("%w: no backend", ErrRefreshRejected)
	}
	rctx, cancel := c.remoteContext(ctx)
	defer cancel()

	fresh, err := c.remote.ExchangeRefreshToken(rctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
	}
	if fresh == nil || fresh.AccessToken == "" || fresh.RefreshToken == "" {
		return nil, fmt.Errorf("%w: empty session", ErrRefreshRejected)
	}
	return fresh, nil
}

func (c *Coordinator) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RemoteTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.RemoteTimeout)
}

// recordFrom builds a record from a backend session. prev supplies the
// principal when the exchange response omits it.
func (c *Coordinator) recordFrom(rs RemoteSession, prev Record) Record {
	now := c.clock.Now()
	user := rs.User
	if user.ID == "" {
		user = prev.User
	}
	return Record{
		User: user,
		Credentials: Credentials{
			AccessToken:  rs.AccessToken,
			RefreshToken: rs.RefreshToken,
			ExpiresAt:    rs.ExpiresAt,
		},
		LastActivity: now.UTC(),
		Device:       NewDeviceInfo(c.cfg.UserAgent, now),
	}
}

func (c *Coordinator) activate(ctx context.Context, rec Record, via string) Outcome {
	c.transition(StateActive)
	c.log.Info("session.active", "via", via, "user_id", rec.User.ID, "device", rec.Device.Fingerprint)
	c.syncProfile(ctx, rec.User)
	return Outcome{Record: rec, State: StateActive}
}

func (c *Coordinator) clear(ctx context.Context, reason error) Outcome {
	c.store.Clear(ctx)
	c.transition(StateCleared)
	c.log.Info("session.cleared", "reason", reason)
	return Outcome{State: StateCleared, Err: reason}
}

func (c *Coordinator) syncProfile(ctx context.Context, user UserIdentity) {
	if c.profiles == nil || !c.cfg.ProfileSync {
		return
	}
	seenAt := c.clock.Now()
	base := context.WithoutCancel(ctx)

	c.syncWG.Add(1)
	go func() {
		defer c.syncWG.Done()
		sctx, cancel := context.WithTimeout(base, 10*time.Second)
		defer cancel()
		if err := c.profiles.SyncProfile(sctx, user, seenAt); err != nil {
			c.log.Warn("session.profile.sync.fail", "user_id", user.ID, "err", err)
		}
	}()
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	if from == to {
		return
	}
	c.log.Debug("session.restore.state", "from", from, "to", to)
	if c.onTransition != nil {
		c.onTransition(from, to)
	}
}
