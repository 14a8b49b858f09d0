// Package invalidator coalesces bursts of change events into delayed cache invalidations.
package invalidator

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/metrics"
)

// pending is one scheduled invalidation. Its address identifies the schedule, so a timer
// that fires after being replaced finds a different pointer in the map and does nothing.
type pending struct {
	timer  clock.Timer
	dueAt  time.Time
	action func()
}

// Debouncer runs at most one pending action per key, fired a fixed delay after the most
// recent Schedule for that key. Keys are independent of each other.
type Debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	pending map[string]*pending
	stopped bool
	label   string
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewDebouncer creates a debouncer. A nil clock uses the wall clock.
func NewDebouncer(clk clock.Clock) *Debouncer {
	return newDebouncer(clk, "debounce")
}

func newDebouncer(clk clock.Clock, label string) *Debouncer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Debouncer{
		clock:   clk,
		pending: make(map[string]*pending),
		label:   label,
		logger:  logging.Component("invalidator"),
	}
}

// Schedule arranges for action to run delay from now under key, cancelling any action
// already pending for key. It reports whether a pending action was replaced.
func (d *Debouncer) Schedule(key string, delay time.Duration, action func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}

	m := metrics.GetMetrics()
	replaced := false
	if old, ok := d.pending[key]; ok {
		old.timer.Stop()
		replaced = true
		m.InvalidationsCoalesced.WithLabelValues(d.label).Inc()
	}

	p := &pending{dueAt: d.clock.Now().Add(delay), action: action}
	p.timer = d.clock.AfterFunc(delay, func() { d.fire(key, p) })
	d.pending[key] = p
	m.InvalidationsScheduled.WithLabelValues(d.label).Inc()

	d.logger.Debug().Str("key", key).Dur("delay", delay).Bool("replaced", replaced).Msg("Invalidation scheduled")
	return replaced
}

func (d *Debouncer) fire(key string, p *pending) {
	d.mu.Lock()
	if d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	metrics.GetMetrics().InvalidationsFired.WithLabelValues(d.label).Inc()
	d.logger.Debug().Str("key", key).Msg("Invalidation fired")
	p.action()
}

// Cancel drops the pending action for key. It reports whether one was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	return true
}

// Pending returns the due time of key's pending action
func (d *Debouncer) Pending(key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		return time.Time{}, false
	}
	return p.dueAt, true
}

// Len returns the number of pending actions
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush runs every pending action now, in no particular order
func (d *Debouncer) Flush() {
	d.mu.Lock()
	actions := make([]func(), 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		actions = append(actions, p.action)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, action := range actions {
		metrics.GetMetrics().InvalidationsFired.WithLabelValues(d.label).Inc()
		action()
	}
}

// Stop cancels every pending action, refuses new ones and waits for running actions to return
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
