package invalidator

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/nkkko/liveflow/internal/metrics"
	"github.com/nkkko/liveflow/pkg/proto"
)

// defaultMaxBatch bounds the events retained per bucket; the count keeps going past it
const defaultMaxBatch = 256

// AggregateKey is the coalescing key of an Aggregator
type AggregateKey struct {
	EventType string
	ScopeID   string
}

// String returns "type:scope"
func (k AggregateKey) String() string {
	return k.EventType + ":" + k.ScopeID
}

// debounceKey is unambiguous even when EventType contains a colon
func (k AggregateKey) debounceKey() string {
	return k.EventType + "\x00" + k.ScopeID
}

// KeyOf is the default key: the event's resource and scope
func KeyOf(ev proto.ChangeEvent) AggregateKey {
	return AggregateKey{EventType: ev.Resource, ScopeID: ev.ScopeID}
}

// Batch is what an Aggregator hands to its action when a bucket fires
type Batch struct {
	Key AggregateKey
	// Count is the number of events coalesced, which may exceed len(Events)
	Count  int
	Events []proto.ChangeEvent
	First  time.Time
	Last   time.Time
}

type bucket struct {
	count  int
	events []proto.ChangeEvent
	first  time.Time
	last   time.Time
}

// Aggregator debounces per (event type, scope) and remembers the events of each pending bucket.
// A burst on one scope never delays or absorbs a pending bucket of another scope.
type Aggregator struct {
	mu       sync.Mutex
	deb      *Debouncer
	clock    clock.Clock
	delay    time.Duration
	action   func(Batch)
	buckets  map[AggregateKey]*bucket
	maxBatch int
}

// NewAggregator creates an aggregator that runs action delay after the last event of each bucket.
// A nil clock uses the wall clock.
func NewAggregator(clk clock.Clock, delay time.Duration, action func(Batch)) *Aggregator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Aggregator{
		deb:      newDebouncer(clk, "aggregate"),
		clock:    clk,
		delay:    delay,
		action:   action,
		buckets:  make(map[AggregateKey]*bucket),
		maxBatch: defaultMaxBatch,
	}
}

// Add files ev under KeyOf(ev)
func (a *Aggregator) Add(ev proto.ChangeEvent) {
	a.AddKeyed(KeyOf(ev), ev)
}

// AddKeyed files ev under key and restarts key's timer
func (a *Aggregator) AddKeyed(key AggregateKey, ev proto.ChangeEvent) {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{first: now}
		a.buckets[key] = b
	}
	b.count++
	b.last = now
	if len(b.events) < a.maxBatch {
		b.events = append(b.events, ev)
	}
	metrics.GetMetrics().AggregatorPending.Set(float64(len(a.buckets)))

	a.deb.Schedule(key.debounceKey(), a.delay, func() { a.fire(key) })
}

func (a *Aggregator) fire(key AggregateKey) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if ok {
		delete(a.buckets, key)
	}
	metrics.GetMetrics().AggregatorPending.Set(float64(len(a.buckets)))
	a.mu.Unlock()

	if !ok {
		return
	}
	metrics.GetMetrics().AggregatorBatchSize.Observe(float64(b.count))
	a.action(Batch{Key: key, Count: b.count, Events: b.events, First: b.first, Last: b.last})
}

// Pending returns the number of events waiting under key
func (a *Aggregator) Pending(key AggregateKey) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[key]; ok {
		return b.count
	}
	return 0
}

// Keys returns the pending keys, sorted
func (a *Aggregator) Keys() []AggregateKey {
	a.mu.Lock()
	keys := make([]AggregateKey, 0, len(a.buckets))
	for k := range a.buckets {
		keys = append(keys, k)
	}
	a.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EventType != keys[j].EventType {
			return keys[i].EventType < keys[j].EventType
		}
		return keys[i].ScopeID < keys[j].ScopeID
	})
	return keys
}

// Cancel drops key's bucket without firing it
func (a *Aggregator) Cancel(key AggregateKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.buckets[key]
	delete(a.buckets, key)
	a.deb.Cancel(key.debounceKey())
	return ok
}

// Stop drops every bucket and waits for running actions
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.buckets = make(map[AggregateKey]*bucket)
	a.mu.Unlock()
	a.deb.Stop()
}
