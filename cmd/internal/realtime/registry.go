package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Key identifies a subscription: a resource scope (table) plus a row filter.
type Key struct {
	Scope  string
	Filter string
}

// ChannelName is the backend topic for k.
func (k Key) ChannelName() string {
	if k.Filter == "" {
		return "kb:" + k.Scope
	}
	return "kb:" + k.Scope + ":" + k.Filter
}

func (k Key) String() string { return k.ChannelName() }

// Callback receives normalized changes.
type Callback func(Change)

// Observer is notified of registry events (metrics).
type Observer interface {
	SubscriptionOpened()
	SubscriptionClosed()
	DuplicateSubscription()
	BroadcastNotFound()
}

type nopObserver struct{}

func (nopObserver) SubscriptionOpened()    {}
func (nopObserver) SubscriptionClosed()    {}
func (nopObserver) DuplicateSubscription() {}
func (nopObserver) BroadcastNotFound()     {}

type subscriber struct {
	events EventType
	cb     Callback
}

// Handle owns one live channel and the callbacks layered on top of it.
type Handle struct {
	key   Key
	log   *slog.Logger
	clock clockwork.Clock

	// ready is closed once creation finished; err is set before if it failed.
	ready   chan struct{}
	err     error
	channel Channel

	mu          sync.RWMutex
	subscribers []subscriber
	broadcasts  map[string][]BroadcastFunc
}

func newHandle(key Key, log *slog.Logger, clock clockwork.Clock) *Handle {
	return &Handle{
		key:        key,
		log:        log,
		clock:      clock,
		ready:      make(chan struct{}),
		broadcasts: make(map[string][]BroadcastFunc),
	}
}

// Key returns the subscription key.
func (h *Handle) Key() Key { return h.key }

// Callbacks returns the number of change callbacks on the handle.
func (h *Handle) Callbacks() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcasts registers cb for broadcast events named event ("*" for all).
func (h *Handle) Broadcasts(event string, cb BroadcastFunc) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	h.broadcasts[event] = append(h.broadcasts[event], cb)
	h.mu.Unlock()
}

func (h *Handle) add(events EventType, cb Callback) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	h.subscribers = append(h.subscribers, subscriber{events: events, cb: cb})
	h.mu.Unlock()
}

func (h *Handle) dispatchChange(raw json.RawMessage) {
	c, err := NormalizeChange(raw, h.key.Scope, h.clock.Now())
	if err != nil {
		h.log.Warn("realtime.change.drop", "key", h.key.String(), "err", err)
		return
	}

	h.mu.RLock()
	subs := append([]subscriber(nil), h.subscribers...)
	h.mu.RUnlock()

	for _, s := range subs {
		if s.events.Matches(c.EventType) {
			s.cb(c)
		}
	}
}

func (h *Handle) dispatchBroadcast(event string, payload json.RawMessage) {
	h.mu.RLock()
	cbs := append([]BroadcastFunc(nil), h.broadcasts[event]...)
	if event != "*" {
		cbs = append(cbs, h.broadcasts["*"]...)
	}
	h.mu.RUnlock()

	for _, cb := range cbs {
		cb(event, payload)
	}
}

// live reports whether creation finished successfully, without blocking.
func (h *Handle) live() bool {
	select {
	case <-h.ready:
		return h.err == nil
	default:
		return false
	}
}

func (h *Handle) wait(ctx context.Context) error {
	select {
	case <-h.ready:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry deduplicates realtime subscriptions: at most one live channel per Key.
//
// Subscribe reserves the key before opening the channel, so a concurrent
// Subscribe for the same key waits on the in-flight creation instead of
// opening a second channel.
type Registry struct {
	log     *slog.Logger
	clock   clockwork.Clock
	backend Backend
	obs     Observer

	// mergeDuplicates adds a duplicate subscriber's callback to the existing
	// handle instead of dropping it.
	mergeDuplicates bool

	mu      sync.Mutex
	entries map[Key]*Handle
}

// RegistryOption configures optional Registry behavior.
type RegistryOption func(*Registry)

// WithObserver reports registry events to o.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.obs = o
		}
	}
}

// WithRegistryClock overrides the clock used for change timestamps.
func WithRegistryClock(clock clockwork.Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMergedDuplicates makes a duplicate Subscribe add its callback to the
// existing handle. By default the duplicate's callback is dropped.
func WithMergedDuplicates() RegistryOption {
	return func(r *Registry) {
		r.mergeDuplicates = true
	}
}

// NewRegistry constructs an empty Registry over backend.
func NewRegistry(log *slog.Logger, backend Backend, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:     log,
		clock:   clockwork.NewRealClock(),
		backend: backend,
		obs:     nopObserver{},
		entries: make(map[Key]*Handle),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	return r
}

// Subscribe returns the handle for key, opening a channel when none exists.
// A duplicate call logs a warning and returns the existing handle; cb is
// dropped unless the registry was built WithMergedDuplicates.
func (r *Registry) Subscribe(ctx context.Context, key Key, events EventType, cb Callback) (*Handle, error) {
	key.Scope = strings.TrimSpace(key.Scope)
	key.Filter = strings.TrimSpace(key.Filter)
	if key.Scope == "" {
		return nil, errors.New("realtime: empty scope")
	}

	retried := false
	for {
		r.mu.Lock()
		h, ok := r.entries[key]
		if !ok {
			h = newHandle(key, r.log, r.clock)
			h.add(events, cb)
			r.entries[key] = h
			r.mu.Unlock()
			return r.create(ctx, h)
		}
		r.mu.Unlock()

		err := h.wait(ctx)
		if err != nil {
			// The creating caller gave up; its reservation is gone and ours may proceed.
			if !retried && ctx.Err() == nil && isContextErr(err) {
				retried = true
				continue
			}
			return nil, err
		}

		r.log.Warn("realtime.subscribe.duplicate", "key", key.String(), "merged", r.mergeDuplicates, "err", ErrDuplicateSubscription)
		r.obs.DuplicateSubscription()
		if r.mergeDuplicates {
			h.add(events, cb)
		}
		return h, nil
	}
}

func (r *Registry) create(ctx context.Context, h *Handle) (*Handle, error) {
	ch, err := r.open(ctx, h)
	if err != nil {
		r.mu.Lock()
		if r.entries[h.key] == h {
			delete(r.entries, h.key)
		}
		r.mu.Unlock()

		h.err = err
		close(h.ready)
		r.log.Warn("realtime.subscribe.fail", "key", h.key.String(), "err", err)
		return nil, err
	}

	h.channel = ch
	close(h.ready)

	r.obs.SubscriptionOpened()
	r.log.Info("realtime.subscribe", "key", h.key.String())
	return h, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Registry) open(ctx context.Context, h *Handle) (Channel, error) {
	if r.backend == nil {
		return nil, errors.New("realtime: no backend")
	}
	ch, err := r.backend.OpenChannel(ctx, h.key.ChannelName())
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	ch.OnChange(h.key.Scope, h.key.Filter, h.dispatchChange)
	ch.OnBroadcast("*", h.dispatchBroadcast)
	if err := ch.Subscribe(ctx); err != nil {
		_ = ch.Unsubscribe(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("subscribe channel: %w", err)
	}
	return ch, nil
}

// Unsubscribe closes the channel for key and removes it. Absent keys are a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, key Key) {
	r.mu.Lock()
	h, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	// A reservation still being created is closed once it resolves.
	if err := h.wait(context.WithoutCancel(ctx)); err != nil {
		return
	}
	if err := h.channel.Unsubscribe(ctx); err != nil {
		r.log.Warn("realtime.unsubscribe.fail", "key", key.String(), "err", err)
	}
	r.obs.SubscriptionClosed()
	r.log.Info("realtime.unsubscribe", "key", key.String())
}

// UnsubscribeAll unsubscribes every registered key.
func (r *Registry) UnsubscribeAll(ctx context.Context) {
	for _, k := range r.Keys() {
		r.Unsubscribe(ctx, k)
	}
}

// Broadcast sends event on key's channel. It returns false, after logging,
// when key has no live channel or the send fails. Nothing is queued.
func (r *Registry) Broadcast(ctx context.Context, key Key, event string, payload any) bool {
	r.mu.Lock()
	h, ok := r.entries[key]
	r.mu.Unlock()

	if !ok || !h.live() {
		r.log.Warn("realtime.broadcast.channel_not_found", "key", key.String(), "event", event, "err", ErrChannelNotFound)
		r.obs.BroadcastNotFound()
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.channel.Send(sctx, event, payload); err != nil {
		r.log.Warn("realtime.broadcast.fail", "key", key.String(), "event", event, "err", err)
		return false
	}
	return true
}

// Len returns the number of registered keys, including in-flight reservations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the registered keys in channel-name order.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	out := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChannelName() < out[j].ChannelName() })
	return out
}
