package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name string

	mu           sync.Mutex
	onChange     []RawChangeFunc
	onBroadcast  map[string][]BroadcastFunc
	sent         []string
	subscribed   bool
	unsubscribed int
	subscribeErr error
}

func (c *fakeChannel) OnChange(_, _ string, cb RawChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, cb)
}

func (c *fakeChannel) OnBroadcast(event string, cb BroadcastFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onBroadcast == nil {
		c.onBroadcast = make(map[string][]BroadcastFunc)
	}
	c.onBroadcast[event] = append(c.onBroadcast[event], cb)
}

func (c *fakeChannel) Subscribe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subscribed = true
	return nil
}

func (c *fakeChannel) Send(_ context.Context, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return nil
}

func (c *fakeChannel) Unsubscribe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed++
	return nil
}

func (c *fakeChannel) emitChange(raw string) {
	c.mu.Lock()
	cbs := append([]RawChangeFunc(nil), c.onChange...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(json.RawMessage(raw))
	}
}

func (c *fakeChannel) emitBroadcast(event, raw string) {
	c.mu.Lock()
	cbs := append([]BroadcastFunc(nil), c.onBroadcast["*"]...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(event, json.RawMessage(raw))
	}
}

type fakeBackend struct {
	opens atomic.Int32

	// gate, when set, blocks OpenChannel until closed.
	gate         chan struct{}
	openErr      error
	subscribeErr error

	mu       sync.Mutex
	channels []*fakeChannel
}

func (b *fakeBackend) OpenChannel(ctx context.Context, name string) (Channel, error) {
	b.opens.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.openErr != nil {
		return nil, b.openErr
	}
	ch := &fakeChannel{name: name, subscribeErr: b.subscribeErr}
	b.mu.Lock()
	b.channels = append(b.channels, ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *fakeBackend) last() *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[len(b.channels)-1]
}

type countingObserver struct {
	opened, closed, dup, notFound atomic.Int32
}

func (o *countingObserver) SubscriptionOpened()    { o.opened.Add(1) }
func (o *countingObserver) SubscriptionClosed()    { o.closed.Add(1) }
func (o *countingObserver) DuplicateSubscription() { o.dup.Add(1) }
func (o *countingObserver) BroadcastNotFound()     { o.notFound.Add(1) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var coursesKey = Key{Scope: "courses", Filter: "id=eq.42"}

func TestKeyChannelName(t *testing.T) {
	assert.Equal(t, "kb:courses:id=eq.42", coursesKey.ChannelName())
	assert.Equal(t, "kb:orders", Key{Scope: "orders"}.ChannelName())
}

func TestSubscribe_DuplicateOpensOneChannel(t *testing.T) {
	b := &fakeBackend{}
	obs := &countingObserver{}
	r := NewRegistry(quietLogger(), b, WithObserver(obs))
	ctx := context.Background()

	var first, second atomic.Int32
	h1, err := r.Subscribe(ctx, coursesKey, EventAll, func(Change) { first.Add(1) })
	require.NoError(t, err)
	h2, err := r.Subscribe(ctx, coursesKey, EventInsert, func(Change) { second.Add(1) })
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, int32(1), b.opens.Load())
	assert.Equal(t, int32(1), obs.dup.Load())
	assert.Equal(t, 1, h1.Callbacks(), "duplicate callback is dropped")
	assert.Equal(t, 1, r.Len())

	b.last().emitChange(`{"eventType":"INSERT","table":"courses","new":{"id":42}}`)
	b.last().emitChange(`{"eventType":"UPDATE","table":"courses","new":{"id":42}}`)

	assert.Equal(t, int32(2), first.Load())
	assert.Zero(t, second.Load())
}

func TestSubscribe_MergedDuplicates(t *testing.T) {
	b := &fakeBackend{}
	r := NewRegistry(quietLogger(), b, WithMergedDuplicates())
	ctx := context.Background()

	var first, second atomic.Int32
	h1, err := r.Subscribe(ctx, coursesKey, EventAll, func(Change) { first.Add(1) })
	require.NoError(t, err)
	h2, err := r.Subscribe(ctx, coursesKey, EventInsert, func(Change) { second.Add(1) })
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, int32(1), b.opens.Load())
	assert.Equal(t, 2, h1.Callbacks())

	b.last().emitChange(`{"eventType":"INSERT","table":"courses","new":{"id":42}}`)
	b.last().emitChange(`{"eventType":"UPDATE","table":"courses","new":{"id":42}}`)

	assert.Equal(t, int32(2), first.Load())
	assert.Equal(t, int32(1), second.Load(), "INSERT-only callback skips UPDATE")
}

func TestSubscribe_UnsubscribeThenResubscribeOpensOnce(t *testing.T) {
	b := &fakeBackend{}
	obs := &countingObserver{}
	r := NewRegistry(quietLogger(), b, WithObserver(obs))
	ctx := context.Background()

	_, err := r.Subscribe(ctx, coursesKey, EventAll, func(Change) {})
	require.NoError(t, err)
	first := b.last()

	r.Unsubscribe(ctx, coursesKey)
	assert.Equal(t, 1, first.unsubscribed)
	assert.Equal(t, 0, r.Len())

	_, err = r.Subscribe(ctx, coursesKey, EventAll, func(Change) {})
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.opens.Load())
	assert.NotSame(t, first, b.last())
	assert.Equal(t, int32(2), obs.opened.Load())
	assert.Equal(t, int32(1), obs.closed.Load())
}

func TestSubscribe_ConcurrentCallersShareReservation(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	r := NewRegistry(quietLogger(), b)
	ctx := context.Background()

	const callers = 8
	handles := make(chan *Handle, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Subscribe(ctx, coursesKey, EventAll, func(Change) {})
			assert.NoError(t, err)
			handles <- h
		}()
	}

	require.Eventually(t, func() bool { return b.opens.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, r.Len(), "key reserved while the channel opens")
	close(b.gate)
	wg.Wait()
	close(handles)

	var first *Handle
	for h := range handles {
		if first == nil {
			first = h
		}
		assert.Same(t, first, h)
	}
	assert.Equal(t, int32(1), b.opens.Load())
	assert.Equal(t, 1, first.Callbacks())
}

func TestSubscribe_WaiterRetriesAfterCreatorCancels(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	r := NewRegistry(quietLogger(), b)

	creatorCtx, cancel := context.WithCancel(context.Background())
	creatorErr := make(chan error, 1)
	go func() {
		_, err := r.Subscribe(creatorCtx, coursesKey, EventAll, func(Change) {})
		creatorErr <- err
	}()
	require.Eventually(t, func() bool { return b.opens.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		h   *Handle
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		h, err := r.Subscribe(context.Background(), coursesKey, EventAll, func(Change) {})
		waiter <- result{h, err}
	}()
	// Let the waiter block on the reservation.
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-creatorErr, context.Canceled)

	close(b.gate)
	got := <-waiter
	require.NoError(t, got.err)
	require.NotNil(t, got.h)
	assert.Equal(t, int32(2), b.opens.Load())
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Broadcast(context.Background(), coursesKey, "typing", nil))
}

func TestSubscribe_OpenFailureReleasesKey(t *testing.T) {
	b := &fakeBackend{openErr: errors.New("socket closed")}
	r := NewRegistry(quietLogger(), b)
	ctx := context.Background()

	_, err := r.Subscribe(ctx, coursesKey, EventAll, func(Change) {})
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())

	b.openErr = nil
	_, err = r.Subscribe(ctx, coursesKey, EventAll, func(Change) {})
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.opens.Load())
}

func TestSubscribe_JoinFailureClosesChannel(t *testing.T) {
	b := &fakeBackend{subscribeErr: ErrJoinRejected}
	r := NewRegistry(quietLogger(), b)

	_, err := r.Subscribe(context.Background(), coursesKey, EventAll, func(Change) {})
	require.ErrorIs(t, err, ErrJoinRejected)
	assert.Equal(t, 1, b.last().unsubscribed)
	assert.Equal(t, 0, r.Len())
}

func TestSubscribe_EmptyScope(t *testing.T) {
	r := NewRegistry(quietLogger(), &fakeBackend{})
	_, err := r.Subscribe(context.Background(), Key{Scope: " "}, EventAll, nil)
	assert.Error(t, err)
}

func TestUnsubscribe_AbsentKeyIsNoop(t *testing.T) {
	obs := &countingObserver{}
	r := NewRegistry(quietLogger(), &fakeBackend{}, WithObserver(obs))
	r.Unsubscribe(context.Background(), coursesKey)
	assert.Zero(t, obs.closed.Load())
}

func TestUnsubscribeAll(t *testing.T) {
	b := &fakeBackend{}
	r := NewRegistry(quietLogger(), b)
	ctx := context.Background()

	for _, k := range []Key{{Scope: "orders"}, {Scope: "courses"}, coursesKey} {
		_, err := r.Subscribe(ctx, k, EventAll, func(Change) {})
		require.NoError(t, err)
	}
	assert.Equal(t, []Key{{Scope: "courses"}, coursesKey, {Scope: "orders"}}, r.Keys())

	r.UnsubscribeAll(ctx)
	assert.Equal(t, 0, r.Len())
	for _, ch := range b.channels {
		assert.Equal(t, 1, ch.unsubscribed, ch.name)
	}
}

func TestBroadcast(t *testing.T) {
	b := &fakeBackend{}
	obs := &countingObserver{}
	r := NewRegistry(quietLogger(), b, WithObserver(obs))
	ctx := context.Background()

	var called atomic.Int32
	assert.NotPanics(t, func() {
		assert.False(t, r.Broadcast(ctx, coursesKey, "typing", map[string]string{"u": "1"}))
	})
	assert.Equal(t, int32(1), obs.notFound.Load())
	assert.Zero(t, b.opens.Load())

	h, err := r.Subscribe(ctx, coursesKey, EventAll, func(Change) { called.Add(1) })
	require.NoError(t, err)

	assert.True(t, r.Broadcast(ctx, coursesKey, "typing", nil))
	assert.Equal(t, []string{"typing"}, b.last().sent)
	assert.Zero(t, called.Load(), "broadcast does not invoke change callbacks")

	var got []string
	h.Broadcasts("typing", func(ev string, _ json.RawMessage) { got = append(got, ev) })
	h.Broadcasts("*", func(ev string, _ json.RawMessage) { got = append(got, "*"+ev) })
	b.last().emitBroadcast("typing", `{}`)
	b.last().emitBroadcast("other", `{}`)
	assert.Equal(t, []string{"typing", "*typing", "*other"}, got)
}

func TestBroadcast_PendingReservationIsNotLive(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	r := NewRegistry(quietLogger(), b)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Subscribe(ctx, coursesKey, EventAll, func(Change) {})
	}()
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, time.Millisecond)

	assert.False(t, r.Broadcast(ctx, coursesKey, "typing", nil))
	close(b.gate)
	<-done
	assert.True(t, r.Broadcast(ctx, coursesKey, "typing", nil))
}

func TestDispatch_UsesClockForMissingTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := &fakeBackend{}
	r := NewRegistry(quietLogger(), b, WithRegistryClock(clock))

	var got Change
	_, err := r.Subscribe(context.Background(), Key{Scope: "lessons"}, EventAll, func(c Change) { got = c })
	require.NoError(t, err)

	b.last().emitChange(`{"type":"DELETE","old_record":{"id":"l1"}}`)
	assert.Equal(t, EventDelete, got.EventType)
	assert.Equal(t, "lessons", got.ResourceScope)
	assert.True(t, clock.Now().Equal(got.Timestamp))
	assert.Equal(t, "l1", got.Old["id"])

	// Unknown events are dropped without reaching callbacks.
	got = Change{}
	b.last().emitChange(`{"eventType":"TRUNCATE"}`)
	assert.Equal(t, Change{}, got)
}
