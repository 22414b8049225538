package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/auth/session"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRecordKey is the record key in the fast and scoped tiers.
	DefaultRecordKey = "kb-session"
	// DefaultLastUserKey is the last-known-user slot in the fast tier.
	DefaultLastUserKey = "kb-last-user"
	// DurableID is the record id in the durable tier's object store.
	DurableID = "current"
)

// Result labels reported to the Recorder.
const (
	resultOK          = "ok"
	resultMiss        = "miss"
	resultInvalid     = "invalid"
	resultUnavailable = "unavailable"
)

// Recorder observes tier operations (metrics).
type Recorder interface {
	TierOp(tier, op, result string)
}

type nopRecorder struct{}

func (nopRecorder) TierOp(string, string, string) {}

// Manager writes and reads the session record across the fast, scoped and
// durable tiers. It implements session.Store.
type Manager struct {
	log   *slog.Logger
	clock clockwork.Clock

	fast    Tier
	scoped  Tier
	durable Tier

	recordKey   string
	lastUserKey string

	rec Recorder

	// mu serializes Write, Clear and Touch. Touch is a read-modify-write and
	// must not put back a record that a Write replaced or a Clear removed.
	mu sync.Mutex
}

var _ session.Store = (*Manager)(nil)

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithKeys overrides the record key and the last-known-user key.
func WithKeys(recordKey, lastUserKey string) ManagerOption {
	return func(m *Manager) {
		if recordKey != "" {
			m.recordKey = recordKey
		}
		if lastUserKey != "" {
			m.lastUserKey = lastUserKey
		}
	}
}

// WithRecorder reports tier operations to r.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.rec = r
		}
	}
}

// WithManagerClock overrides the clock used for the last-known-user timestamp.
func WithManagerClock(clock clockwork.Clock) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager constructs a Manager. A nil tier is replaced by an UnavailableTier.
func NewManager(log *slog.Logger, fast, scoped, durable Tier, opts ...ManagerOption) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if fast == nil {
		fast = UnavailableTier{TierName: "fast", Reason: "not configured"}
	}
	if scoped == nil {
		scoped = UnavailableTier{TierName: "scoped", Reason: "not configured"}
	}
	if durable == nil {
		durable = UnavailableTier{TierName: "durable", Reason: "not configured"}
	}

	m := &Manager{
		log:         log,
		clock:       clockwork.NewRealClock(),
		fast:        fast,
		scoped:      scoped,
		durable:     durable,
		recordKey:   DefaultRecordKey,
		lastUserKey: DefaultLastUserKey,
		rec:         nopRecorder{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	return m
}

type binding struct {
	tier Tier
	key  string
	id   string // object id embedded in the stored value (durable tier only)
}

func (m *Manager) bindings() []binding {
	return []binding{
		{tier: m.fast, key: m.recordKey},
		{tier: m.scoped, key: m.recordKey},
		{tier: m.durable, key: DurableID, id: DurableID},
	}
}

// Write mirrors rec into every tier. Failures are logged and never returned.
func (m *Manager) Write(ctx context.Context, rec session.Record) {
	_ = m.WriteReport(ctx, rec)
}

// WriteReport is Write returning the per-tier outcome, in tier order.
// The tier writes are issued concurrently and do not wait on one another.
func (m *Manager) WriteReport(ctx context.Context, rec session.Record) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	bs := m.bindings()
	results := make([]Result, len(bs))

	var g errgroup.Group
	for i, b := range bs {
		g.Go(func() error {
			results[i] = m.writeOne(ctx, b, rec)
			return nil
		})
	}
	_ = g.Wait()

	m.writeLastKnown(ctx, rec)
	return results
}

func (m *Manager) writeOne(ctx context.Context, b binding, rec session.Record) Result {
	name := b.tier.Name()
	payload, err := session.Encode(rec, b.id)
	if err != nil {
		return m.fail(name, "write", err)
	}
	if err := b.tier.Set(ctx, b.key, payload); err != nil {
		return m.fail(name, "write", err)
	}
	m.rec.TierOp(name, "write", resultOK)
	return Result{Tier: name}
}

// writeLastKnown is silent on failure.
func (m *Manager) writeLastKnown(ctx context.Context, rec session.Record) {
	b, err := session.EncodeLastKnown(rec.LastKnown(m.clock.Now()))
	if err != nil {
		return
	}
	if err := m.fast.Set(ctx, m.lastUserKey, b); err != nil {
		m.log.Debug("storage.last_user.write.fail", "tier", m.fast.Name(), "err", err)
	}
}

// Read walks fast → scoped → durable and returns the first record that parses.
func (m *Manager) Read(ctx context.Context) (session.Record, bool) {
	for _, b := range m.bindings() {
		r := m.readOne(ctx, b)
		if r.OK() {
			return *r.Record, true
		}
	}
	return session.Record{}, false
}

// ReadAll reads every tier and reports each outcome, in tier order.
func (m *Manager) ReadAll(ctx context.Context) []Result {
	bs := m.bindings()
	out := make([]Result, 0, len(bs))
	for _, b := range bs {
		out = append(out, m.readOne(ctx, b))
	}
	return out
}

func (m *Manager) readOne(ctx context.Context, b binding) Result {
	name := b.tier.Name()
	raw, err := b.tier.Get(ctx, b.key)
	if errors.Is(err, ErrNotFound) {
		m.rec.TierOp(name, "read", resultMiss)
		return Result{Tier: name, Err: ErrNotFound}
	}
	if err != nil {
		return m.fail(name, "read", err)
	}

	rec, err := session.Decode(raw)
	if err != nil {
		m.log.Warn("storage.tier.read.unparsable", "tier", name)
		m.rec.TierOp(name, "read", resultInvalid)
		return Result{Tier: name, Err: &TierError{Tier: name, Op: "read", Err: err}}
	}
	m.rec.TierOp(name, "read", resultOK)
	return Result{Tier: name, Record: &rec}
}

// Clear deletes the record from every tier. Idempotent; never fails.
func (m *Manager) Clear(ctx context.Context) {
	_ = m.ClearReport(ctx)
}

// ClearReport is Clear returning the per-tier outcome.
// The last-known-user slot survives so a signed-out host can still greet the user.
func (m *Manager) ClearReport(ctx context.Context) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	bs := m.bindings()
	results := make([]Result, len(bs))

	var g errgroup.Group
	for i, b := range bs {
		g.Go(func() error {
			name := b.tier.Name()
			if err := b.tier.Delete(ctx, b.key); err != nil {
				results[i] = m.fail(name, "clear", err)
				return nil
			}
			m.rec.TierOp(name, "clear", resultOK)
			results[i] = Result{Tier: name}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Touch bumps LastActivity in the fast and scoped tiers. The durable tier is
// skipped to keep per-interaction writes cheap; it is refreshed on full writes.
func (m *Manager) Touch(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.bindings()[:2] {
		name := b.tier.Name()
		raw, err := b.tier.Get(ctx, b.key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			m.fail(name, "touch", err)
			continue
		}
		rec, err := session.Decode(raw)
		if err != nil {
			m.rec.TierOp(name, "touch", resultInvalid)
			continue
		}
		payload, err := session.Encode(rec.WithActivity(now), "")
		if err != nil {
			continue
		}
		if err := b.tier.Set(ctx, b.key, payload); err != nil {
			m.fail(name, "touch", err)
			continue
		}
		m.rec.TierOp(name, "touch", resultOK)
	}
}

// LastKnownUser returns the last-known-user projection, if any.
func (m *Manager) LastKnownUser(ctx context.Context) (session.LastKnownUser, bool) {
	raw, err := m.fast.Get(ctx, m.lastUserKey)
	if err != nil {
		return session.LastKnownUser{}, false
	}
	u, err := session.DecodeLastKnown(raw)
	if err != nil {
		return session.LastKnownUser{}, false
	}
	return u, true
}

func (m *Manager) fail(tier, op string, err error) Result {
	m.log.Warn("storage.tier.fail", "tier", tier, "op", op, "err", err)
	m.rec.TierOp(tier, op, resultUnavailable)
	return Result{Tier: tier, Err: &TierError{Tier: tier, Op: op, Err: err}}
}
