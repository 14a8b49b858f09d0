// Package registry multiplexes logical subscribers onto shared upstream connections.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/nkkko/liveflow/internal/backoff"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/metrics"
	"github.com/nkkko/liveflow/internal/transport"
	"github.com/nkkko/liveflow/pkg/proto"
)

var (
	// ErrClosed is returned by Subscribe after Shutdown
	ErrClosed = errors.New("registry closed")
	// ErrUnknownSubscriber is returned by calls that need an existing subscriber
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	// ErrInvalidSubscription is returned for an empty id or a nil callback
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Connection is what the registry needs from a stream connection. *transport.Conn implements it.
type Connection interface {
	Open()
	Close()
	Wait()
	Reconnect()
	Status() proto.Status
	// Err is the last recorded failure; backoff.ErrMaxRetries once retries are exhausted
	Err() error
}

// ConnFactory builds a connection from its description
type ConnFactory func(cfg transport.ConnConfig) Connection

// Config contains registry configuration
type Config struct {
	// EventsURL is the stream endpoint; filters and scope are appended per key
	EventsURL string
	// ScopeParam is the query parameter carrying the scope id
	ScopeParam string
	// Backoff is the default retry policy of new connections
	Backoff backoff.Config
}

// DefaultConfig returns a default registry configuration
func DefaultConfig() Config {
	return Config{
		EventsURL:  "http://localhost:8000/api/v1/sse/events",
		ScopeParam: "scope_id",
		Backoff:    backoff.DefaultConfig(),
	}
}

// SubscribeOptions describes one subscriber's interest
type SubscribeOptions struct {
	Filters []string
	ScopeID string
	OnEvent func(proto.ChangeEvent)
	// Backoff overrides non-zero fields of the registry policy. It only applies when this
	// subscription is the one that creates the connection; joiners share the existing policy.
	Backoff backoff.Config
}

// entry is one live connection and the subscribers multiplexed onto it
type entry struct {
	key         proto.SubscriptionKey
	url         string
	conn        Connection
	subscribers []string // join order
	callbacks   map[string]func(proto.ChangeEvent)
	created     time.Time
	events      atomic.Uint64

	stateMu sync.Mutex
	state   proto.ConnState
	removed bool
}

// Option configures a Registry
type Option func(*Registry)

// WithClock sets the clock handed to connections and their backoff controllers
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		r.clock = clk
	}
}

// WithSwitch binds every connection to the live-updates kill switch
func WithSwitch(s *backoff.Switch) Option {
	return func(r *Registry) {
		r.gate = s
	}
}

// WithConnFactory replaces the connection constructor
func WithConnFactory(f ConnFactory) Option {
	return func(r *Registry) {
		r.newConn = f
	}
}

// WithLogger sets the registry's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry guarantees at most one live connection per subscription key and fans each
// connection's events out to every subscriber currently joined to it.
type Registry struct {
	config  Config
	opener  transport.Opener
	clock   clock.Clock
	gate    *backoff.Switch
	newConn ConnFactory
	logger  zerolog.Logger
	unwatch func()

	mu     sync.RWMutex
	conns  map[proto.SubscriptionKey]*entry
	owners map[string]proto.SubscriptionKey // subscriber id -> key
	closed bool
}

// New creates a registry that opens streams with opener
func New(config Config, opener transport.Opener, opts ...Option) *Registry {
	r := &Registry{
		config: config,
		opener: opener,
		clock:  clock.WallClock,
		logger: logging.Component("registry"),
		conns:  make(map[proto.SubscriptionKey]*entry),
		owners: make(map[string]proto.SubscriptionKey),
	}
	r.newConn = func(cfg transport.ConnConfig) Connection {
		return transport.NewConn(cfg)
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.gate != nil {
		// turning live updates back on reopens every connection that has not given up;
		// exhausted ones wait for an explicit Reconnect
		r.unwatch = r.gate.OnChange(func(enabled bool) {
			if !enabled {
				return
			}
			for _, conn := range r.connections() {
				if errors.Is(conn.Err(), backoff.ErrMaxRetries) {
					continue
				}
				conn.Open()
			}
		})
	}
	return r
}

// Subscribe registers id for events matching the filters and scope. If id is already
// subscribed under another key it leaves that key first; under the same key its callback
// is replaced. A connection is opened only when none exists for the key.
func (r *Registry) Subscribe(id string, opts SubscribeOptions) error {
	if id == "" || opts.OnEvent == nil {
		return ErrInvalidSubscription
	}
	key := proto.NewSubscriptionKey(opts.Filters, opts.ScopeID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	if current, ok := r.owners[id]; ok && current == key {
		r.conns[key].callbacks[id] = opts.OnEvent
		r.mu.Unlock()
		return nil
	}
	orphan := r.removeLocked(id)

	e, ok := r.conns[key]
	created := false
	if !ok {
		var err error
		e, err = r.createLocked(key, opts.Backoff)
		if err != nil {
			r.mu.Unlock()
			r.closeConn(orphan)
			return err
		}
		created = true
	}
	e.subscribers = append(e.subscribers, id)
	e.callbacks[id] = opts.OnEvent
	r.owners[id] = key
	subscribers := len(e.subscribers)
	r.mu.Unlock()

	metrics.GetMetrics().SubscribersActive.Inc()
	r.closeConn(orphan)

	r.logger.Debug().
		Str("subscriber_id", id).
		Str("key", key.String()).
		Int("subscribers", subscribers).
		Bool("new_connection", created).
		Msg("Subscriber joined")

	if created {
		e.conn.Open()
	}
	return nil
}

// createLocked builds and registers the entry for key. The caller opens it after unlocking.
func (r *Registry) createLocked(key proto.SubscriptionKey, override backoff.Config) (*entry, error) {
	url, err := transport.BuildURL(r.config.EventsURL, key, r.config.ScopeParam)
	if err != nil {
		return nil, err
	}

	e := &entry{
		key:       key,
		url:       url,
		callbacks: make(map[string]func(proto.ChangeEvent)),
		created:   r.clock.Now(),
		state:     proto.StateDisconnected,
	}
	logger := r.logger.With().Str("key", key.String()).Logger()
	e.conn = r.newConn(transport.ConnConfig{
		Key:      key,
		URL:      url,
		Opener:   r.opener,
		Handler:  func(ev proto.ChangeEvent) { r.dispatch(e, ev) },
		Backoff:  r.config.Backoff.Merge(override),
		Clock:    r.clock,
		Switch:   r.gate,
		OnStatus: func(st proto.Status) { r.recordState(e, st.State) },
		Logger:   &logger,
	})
	r.conns[key] = e

	m := metrics.GetMetrics()
	m.ConnectionsActive.Inc()
	m.ConnectionState.WithLabelValues(e.state.String()).Inc()
	r.logger.Info().Str("key", key.String()).Str("url", url).Msg("Connection created")
	return e, nil
}

// removeLocked detaches id and returns the connection to close if id was its last subscriber
func (r *Registry) removeLocked(id string) Connection {
	key, ok := r.owners[id]
	if !ok {
		return nil
	}
	delete(r.owners, id)
	metrics.GetMetrics().SubscribersActive.Dec()

	e, ok := r.conns[key]
	if !ok {
		return nil
	}
	delete(e.callbacks, id)
	for i, sid := range e.subscribers {
		if sid == id {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			break
		}
	}
	if len(e.subscribers) > 0 {
		return nil
	}

	delete(r.conns, key)
	r.retire(e)
	r.logger.Info().Str("key", key.String()).Msg("Last subscriber left, closing connection")
	return e.conn
}

// retire takes a removed entry out of the metrics
func (r *Registry) retire(e *entry) {
	e.stateMu.Lock()
	e.removed = true
	state := e.state
	e.stateMu.Unlock()

	m := metrics.GetMetrics()
	m.ConnectionsActive.Dec()
	m.ConnectionState.WithLabelValues(state.String()).Dec()
}

func (r *Registry) recordState(e *entry, state proto.ConnState) {
	e.stateMu.Lock()
	if e.removed || e.state == state {
		e.stateMu.Unlock()
		return
	}
	old := e.state
	e.state = state
	e.stateMu.Unlock()

	g := metrics.GetMetrics().ConnectionState
	g.WithLabelValues(old.String()).Dec()
	g.WithLabelValues(state.String()).Inc()
}

func (r *Registry) closeConn(conn Connection) {
	if conn != nil {
		conn.Close()
	}
}

// Unsubscribe removes id. Unknown ids are ignored, so it is safe to call twice or after
// the connection was already torn down. Removing the last subscriber closes the connection.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	conn := r.removeLocked(id)
	r.mu.Unlock()

	r.closeConn(conn)
	r.logger.Debug().Str("subscriber_id", id).Msg("Subscriber left")
}

// dispatch fans ev out to e's subscribers in join order. Callbacks run without the lock
// held and may subscribe or unsubscribe; a subscriber removed mid-dispatch is skipped.
func (r *Registry) dispatch(e *entry, ev proto.ChangeEvent) {
	start := time.Now()

	r.mu.RLock()
	if r.conns[e.key] != e {
		r.mu.RUnlock()
		return
	}
	ids := make([]string, len(e.subscribers))
	copy(ids, e.subscribers)
	r.mu.RUnlock()

	e.events.Add(1)
	for _, id := range ids {
		r.mu.RLock()
		cb, ok := e.callbacks[id]
		live := r.conns[e.key] == e
		r.mu.RUnlock()
		if !ok || !live {
			continue
		}
		r.invoke(id, cb, ev)
	}

	metrics.GetMetrics().DispatchDuration.Observe(time.Since(start).Seconds())
}

// invoke keeps a panicking subscriber from taking down the connection's pump
func (r *Registry) invoke(id string, cb func(proto.ChangeEvent), ev proto.ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("subscriber_id", id).
				Str("event", ev.Name.String()).
				Interface("panic", rec).
				Msg("Subscriber callback panicked")
		}
	}()
	cb(ev)
}

// Status returns the status of the connection serving id, or disconnected if there is none
func (r *Registry) Status(id string) proto.Status {
	conn := r.connFor(id)
	if conn == nil {
		return proto.Status{State: proto.StateDisconnected}
	}
	return conn.Status()
}

// Reconnect manually reconnects the connection serving id with a fresh retry budget
func (r *Registry) Reconnect(id string) error {
	conn := r.connFor(id)
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}
	conn.Reconnect()
	return nil
}

func (r *Registry) connFor(id string) Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.owners[id]
	if !ok {
		return nil
	}
	if e, ok := r.conns[key]; ok {
		return e.conn
	}
	return nil
}

func (r *Registry) connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Connection, 0, len(r.conns))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	return conns
}

// SubscriberInfo describes one subscriber
type SubscriberInfo struct {
	ID     string                `json:"id"`
	Key    proto.SubscriptionKey `json:"key"`
	Status proto.Status          `json:"status"`
}

// Lookup returns what id is subscribed to
func (r *Registry) Lookup(id string) (SubscriberInfo, bool) {
	r.mu.RLock()
	key, ok := r.owners[id]
	var conn Connection
	if ok {
		conn = r.conns[key].conn
	}
	r.mu.RUnlock()

	if !ok {
		return SubscriberInfo{}, false
	}
	return SubscriberInfo{ID: id, Key: key, Status: conn.Status()}, true
}

// ConnectionStats describes one live connection
type ConnectionStats struct {
	Key         proto.SubscriptionKey `json:"key"`
	URL         string                `json:"url"`
	Subscribers []string              `json:"subscribers"`
	Status      proto.Status          `json:"status"`
	Events      uint64                `json:"events"`
	Created     time.Time             `json:"created"`
}

// Stats is a snapshot of the registry
type Stats struct {
	Connections []ConnectionStats `json:"connections"`
	Subscribers int               `json:"subscribers"`
}

// Stats returns a snapshot of every connection, ordered by key
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.conns))
	subs := make(map[*entry][]string, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
		subs[e] = append([]string(nil), e.subscribers...)
	}
	total := len(r.owners)
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key.String() < entries[j].key.String()
	})

	stats := Stats{Connections: make([]ConnectionStats, 0, len(entries)), Subscribers: total}
	for _, e := range entries {
		stats.Connections = append(stats.Connections, ConnectionStats{
			Key:         e.key,
			URL:         e.url,
			Subscribers: subs[e],
			Status:      e.conn.Status(),
			Events:      e.events.Load(),
			Created:     e.created,
		})
	}
	return stats
}

// Shutdown closes every connection and rejects further subscriptions. It waits for the
// connections' goroutines until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("Shutting down registry")

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]Connection, 0, len(r.conns))
	for key, e := range r.conns {
		conns = append(conns, e.conn)
		r.retire(e)
		delete(r.conns, key)
	}
	metrics.GetMetrics().SubscribersActive.Sub(float64(len(r.owners)))
	r.owners = make(map[string]proto.SubscriptionKey)
	unwatch := r.unwatch
	r.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		for _, conn := range conns {
			conn.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
