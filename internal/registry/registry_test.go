package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nkkko/liveflow/internal/backoff"
	"github.com/nkkko/liveflow/internal/transport"
	"github.com/nkkko/liveflow/pkg/proto"
)

func TestMain(m *testing.M) {
	// Disable logging for tests
	log.Logger = zerolog.Nop()
	goleak.VerifyTestMain(m)
}

// fakeConn stands in for a stream connection; tests push events through its handler
type fakeConn struct {
	cfg transport.ConnConfig

	mu         sync.Mutex
	opens      int
	closes     int
	reconnects int
	status     proto.Status
	err        error
}

func (c *fakeConn) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.closes == 0 {
		c.status = proto.Status{State: proto.StateConnected}
	}
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.status = proto.Status{State: proto.StateDisconnected}
}

func (c *fakeConn) Wait() {}

func (c *fakeConn) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
}

func (c *fakeConn) Status() proto.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) exhaust() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = &backoff.RetryExhaustedError{MaxRetries: 5}
	c.status = proto.Status{State: proto.StateDisconnected, RetryCount: 5, LastError: c.err.Error()}
}

func (c *fakeConn) counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

func (c *fakeConn) emit(ev proto.ChangeEvent) {
	c.cfg.Handler(ev)
}

// fakeFactory records every connection the registry creates
type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) New(cfg transport.ConnConfig) Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{cfg: cfg}
	f.conns = append(f.conns, c)
	return c
}

func (f *fakeFactory) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func newTestRegistry(opts ...Option) (*Registry, *fakeFactory) {
	f := &fakeFactory{}
	opts = append([]Option{WithConnFactory(f.New)}, opts...)
	return New(DefaultConfig(), transport.NewSSEOpener(), opts...), f
}

func noop(proto.ChangeEvent) {}

func TestRegistrySharesConnection(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	// Same topics in any order and with duplicates share one key
	filters := [][]string{
		{"jobs"},
		{"jobs", "jobs"},
		{" jobs "},
		{"jobs,"},
		{"jobs"},
	}
	for i, fl := range filters {
		require.NoError(t, r.Subscribe(fmt.Sprintf("s%d", i), SubscribeOptions{Filters: fl, ScopeID: "wf-1", OnEvent: noop}))
	}

	conns := f.all()
	require.Len(t, conns, 1, "N subscribers with the same key share one connection")
	opens, closes := conns[0].counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 0, closes)
	assert.Equal(t, "http://localhost:8000/api/v1/sse/events?filters=jobs&scope_id=wf-1", conns[0].cfg.URL)

	// N-1 leave, the connection stays
	for i := 0; i < 4; i++ {
		r.Unsubscribe(fmt.Sprintf("s%d", i))
	}
	_, closes = conns[0].counts()
	assert.Equal(t, 0, closes)
	assert.True(t, r.Status("s4").Connected())

	// the last one closes it
	r.Unsubscribe("s4")
	_, closes = conns[0].counts()
	assert.Equal(t, 1, closes)
	assert.Empty(t, r.Stats().Connections)
	assert.Equal(t, proto.StateDisconnected, r.Status("s4").State)
}

func TestRegistryDistinctKeysGetDistinctConnections(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	require.NoError(t, r.Subscribe("a", SubscribeOptions{Filters: []string{"jobs"}, ScopeID: "wf-1", OnEvent: noop}))
	require.NoError(t, r.Subscribe("b", SubscribeOptions{Filters: []string{"jobs"}, ScopeID: "wf-2", OnEvent: noop}))
	require.NoError(t, r.Subscribe("c", SubscribeOptions{Filters: []string{"jobs", "workflows"}, ScopeID: "wf-1", OnEvent: noop}))
	assert.Len(t, f.all(), 3)

	stats := r.Stats()
	require.Len(t, stats.Connections, 3)
	assert.Equal(t, 3, stats.Subscribers)
	// sorted by key string; ',' sorts before ':'
	assert.Equal(t, "jobs,workflows:wf-1", stats.Connections[0].Key.String())
	assert.Equal(t, "jobs:wf-1", stats.Connections[1].Key.String())
	assert.Equal(t, "jobs:wf-2", stats.Connections[2].Key.String())
}

func TestRegistryFanOut(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	var mu sync.Mutex
	var got []string
	record := func(id string) func(proto.ChangeEvent) {
		return func(ev proto.ChangeEvent) {
			mu.Lock()
			got = append(got, id+":"+ev.RecordID)
			mu.Unlock()
		}
	}

	opts := func(id string) SubscribeOptions {
		return SubscribeOptions{Filters: []string{"jobs"}, ScopeID: "wf-1", OnEvent: record(id)}
	}
	require.NoError(t, r.Subscribe("s1", opts("s1")))
	conn := f.all()[0]
	conn.emit(proto.ChangeEvent{RecordID: "1"})

	// A later joiner shares the connection and hears subsequent events
	require.NoError(t, r.Subscribe("s2", opts("s2")))
	conn.emit(proto.ChangeEvent{RecordID: "2"})
	conn.emit(proto.ChangeEvent{RecordID: "3"})

	assert.Len(t, f.all(), 1)
	assert.Equal(t, []string{"s1:1", "s1:2", "s2:2", "s1:3", "s2:3"}, got)
	assert.EqualValues(t, 3, r.Stats().Connections[0].Events)
}

func TestRegistryUnsubscribeIsIdempotent(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	calls := 0
	require.NoError(t, r.Subscribe("keep", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: func(proto.ChangeEvent) { calls++ }}))
	require.NoError(t, r.Subscribe("gone", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: noop}))

	r.Unsubscribe("gone")
	r.Unsubscribe("gone")
	r.Unsubscribe("never-subscribed")

	f.all()[0].emit(proto.ChangeEvent{})
	assert.Equal(t, 1, calls)
	_, closes := f.all()[0].counts()
	assert.Equal(t, 0, closes)
}

func TestRegistryReentrantUnsubscribe(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	var got []string
	require.NoError(t, r.Subscribe("s1", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: func(proto.ChangeEvent) {
		got = append(got, "s1")
		// tear down self and the next subscriber from inside the callback
		r.Unsubscribe("s1")
		r.Unsubscribe("s2")
	}}))
	require.NoError(t, r.Subscribe("s2", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: func(proto.ChangeEvent) {
		got = append(got, "s2")
	}}))

	conn := f.all()[0]
	conn.emit(proto.ChangeEvent{})

	assert.Equal(t, []string{"s1"}, got, "a subscriber removed mid-dispatch is skipped")
	_, closes := conn.counts()
	assert.Equal(t, 1, closes)

	// events from the closed connection go nowhere
	conn.emit(proto.ChangeEvent{})
	assert.Equal(t, []string{"s1"}, got)
}

func TestRegistryReentrantSubscribe(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	joined := false
	require.NoError(t, r.Subscribe("s1", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: func(proto.ChangeEvent) {
		if !joined {
			joined = true
			require.NoError(t, r.Subscribe("s2", SubscribeOptions{Filters: []string{"workflows"}, OnEvent: noop}))
		}
	}}))

	f.all()[0].emit(proto.ChangeEvent{})
	assert.Len(t, f.all(), 2)
	assert.True(t, r.Status("s2").Connected())
}

func TestRegistryMoveSubscriber(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	require.NoError(t, r.Subscribe("s1", SubscribeOptions{Filters: []string{"jobs"}, ScopeID: "wf-1", OnEvent: noop}))
	first := f.all()[0]

	// changing scope is leave-then-join
	require.NoError(t, r.Subscribe("s1", SubscribeOptions{Filters: []string{"jobs"}, ScopeID: "wf-2", OnEvent: noop}))
	require.Len(t, f.all(), 2)
	_, closes := first.counts()
	assert.Equal(t, 1, closes)

	info, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, proto.NewSubscriptionKey([]string{"jobs"}, "wf-2"), info.Key)

	// resubscribing under the same key only swaps the callback
	called := false
	require.NoError(t, r.Subscribe("s1", SubscribeOptions{Filters: []string{"jobs"}, ScopeID: "wf-2", OnEvent: func(proto.ChangeEvent) { called = true }}))
	assert.Len(t, f.all(), 2)
	f.all()[1].emit(proto.ChangeEvent{})
	assert.True(t, called)
}

func TestRegistryPanickingSubscriber(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	reached := false
	require.NoError(t, r.Subscribe("bad", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: func(proto.ChangeEvent) { panic("boom") }}))
	require.NoError(t, r.Subscribe("good", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: func(proto.ChangeEvent) { reached = true }}))

	assert.NotPanics(t, func() { f.all()[0].emit(proto.ChangeEvent{}) })
	assert.True(t, reached)
}

func TestRegistryBackoffOverrideAppliesToCreator(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	require.NoError(t, r.Subscribe("first", SubscribeOptions{
		Filters: []string{"jobs"}, OnEvent: noop,
		Backoff: backoff.Config{MaxRetries: 9},
	}))
	require.NoError(t, r.Subscribe("second", SubscribeOptions{
		Filters: []string{"jobs"}, OnEvent: noop,
		Backoff: backoff.Config{MaxRetries: 1},
	}))

	conns := f.all()
	require.Len(t, conns, 1)
	assert.Equal(t, 9, conns[0].cfg.Backoff.MaxRetries)
	assert.Equal(t, 3*time.Second, conns[0].cfg.Backoff.ReconnectInterval)
}

func TestRegistryStatusAndReconnect(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	assert.Equal(t, proto.Status{State: proto.StateDisconnected}, r.Status("nobody"))
	assert.True(t, errors.Is(r.Reconnect("nobody"), ErrUnknownSubscriber))

	require.NoError(t, r.Subscribe("s1", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: noop}))
	require.NoError(t, r.Reconnect("s1"))
	assert.Equal(t, 1, f.all()[0].reconnects)
}

func TestRegistryRejectsInvalidSubscriptions(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown(context.Background())

	assert.ErrorIs(t, r.Subscribe("", SubscribeOptions{OnEvent: noop}), ErrInvalidSubscription)
	assert.ErrorIs(t, r.Subscribe("x", SubscribeOptions{}), ErrInvalidSubscription)
}

func TestRegistryShutdown(t *testing.T) {
	r, f := newTestRegistry()

	require.NoError(t, r.Subscribe("a", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: noop}))
	require.NoError(t, r.Subscribe("b", SubscribeOptions{Filters: []string{"workflows"}, OnEvent: noop}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	for _, c := range f.all() {
		_, closes := c.counts()
		assert.Equal(t, 1, closes)
	}
	assert.ErrorIs(t, r.Subscribe("c", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: noop}), ErrClosed)

	// Shutdown twice is fine, and later unsubscribes are no-ops
	assert.NoError(t, r.Shutdown(ctx))
	r.Unsubscribe("a")
}

func TestRegistryKillSwitchReopens(t *testing.T) {
	sw := backoff.NewSwitch(true)
	r, f := newTestRegistry(WithSwitch(sw))
	defer r.Shutdown(context.Background())

	require.NoError(t, r.Subscribe("a", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: noop}))
	conn := f.all()[0]
	assert.Same(t, sw, conn.cfg.Switch)

	sw.Set(false)
	sw.Set(true)
	opens, _ := conn.counts()
	assert.Equal(t, 2, opens)
}

func TestRegistryKillSwitchLeavesExhaustedConnections(t *testing.T) {
	sw := backoff.NewSwitch(true)
	r, f := newTestRegistry(WithSwitch(sw))
	defer r.Shutdown(context.Background())

	require.NoError(t, r.Subscribe("a", SubscribeOptions{Filters: []string{"jobs"}, OnEvent: noop}))
	require.NoError(t, r.Subscribe("b", SubscribeOptions{Filters: []string{"workflows"}, OnEvent: noop}))
	conns := f.all()
	require.Len(t, conns, 2)
	conns[0].exhaust()

	sw.Set(false)
	sw.Set(true)
	opens, _ := conns[0].counts()
	assert.Equal(t, 1, opens, "an exhausted connection only leaves through Reconnect")
	opens, _ = conns[1].counts()
	assert.Equal(t, 2, opens)
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r, f := newTestRegistry()
	defer r.Shutdown(context.Background())

	// Subscribers race to join and leave the same key
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			for j := 0; j < 20; j++ {
				assert.NoError(t, r.Subscribe(id, SubscribeOptions{Filters: []string{"jobs"}, ScopeID: "wf-1", OnEvent: noop}))
				r.Unsubscribe(id)
			}
		}(i)
	}
	wg.Wait()

	// No dangling connection: every connection created was closed exactly once
	assert.Empty(t, r.Stats().Connections)
	for _, c := range f.all() {
		_, closes := c.counts()
		assert.Equal(t, 1, closes)
	}
}
