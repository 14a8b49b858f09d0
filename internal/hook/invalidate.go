package hook

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkkko/liveflow/internal/invalidator"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/pkg/proto"
)

var tracer = otel.Tracer("github.com/nkkko/liveflow/internal/hook")

// Cache is the query cache collaborator. Invalidate is fire-and-forget.
type Cache interface {
	Invalidate(ctx context.Context, key string)
}

// InvalidateFunc maps a significant event to the cache key it should refresh
type InvalidateFunc func(ev proto.ChangeEvent) (cacheKey string, ok bool)

// InvalidateOptions configures an invalidating hook
type InvalidateOptions struct {
	Options

	// InvalidateOn picks the cache key for an event; false means leave the cache alone
	InvalidateOn InvalidateFunc
	// Delay is the debounce window per cache key
	Delay time.Duration
	Cache Cache

	// Debouncer is shared across hooks when set; otherwise the hook gets its own
	Debouncer *invalidator.Debouncer
	// Aggregate coalesces per (resource, scope) instead of per cache key
	Aggregate bool
	Clock     clock.Clock
}

// ErrNoCache is returned when an invalidating hook is built without a cache or key mapping
var ErrNoCache = errors.New("invalidating hook needs a cache and an InvalidateOn mapping")

// NewInvalidating creates a hook whose significant events schedule debounced cache
// invalidations. Raw events still reach opts.OnEvent. Pending invalidations outlive the
// hook: closing it does not cancel them.
func NewInvalidating(reg Registry, opts InvalidateOptions, hopts ...Option) (*Hook, error) {
	if opts.Cache == nil || opts.InvalidateOn == nil {
		return nil, ErrNoCache
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var schedule func(ev proto.ChangeEvent)
	if opts.Aggregate {
		agg := invalidator.NewAggregator(clk, opts.Delay, func(b invalidator.Batch) {
			seen := make(map[string]bool)
			for _, ev := range b.Events {
				if key, ok := opts.InvalidateOn(ev); ok && !seen[key] {
					seen[key] = true
					invalidate(opts.Cache, key, b.Count)
				}
			}
		})
		schedule = func(ev proto.ChangeEvent) {
			if _, ok := opts.InvalidateOn(ev); ok {
				agg.Add(ev)
			}
		}
	} else {
		deb := opts.Debouncer
		if deb == nil {
			deb = invalidator.NewDebouncer(clk)
		}
		schedule = func(ev proto.ChangeEvent) {
			key, ok := opts.InvalidateOn(ev)
			if !ok {
				return
			}
			deb.Schedule(key, opts.Delay, func() { invalidate(opts.Cache, key, 1) })
		}
	}

	base := opts.Options
	downstream := base.OnSignificant
	base.OnSignificant = func(ev proto.ChangeEvent) {
		if downstream != nil {
			downstream(ev)
		}
		schedule(ev)
	}
	return New(reg, base, hopts...)
}

// invalidate runs one cache invalidation inside a span
func invalidate(cache Cache, key string, events int) {
	ctx, span := tracer.Start(context.Background(), "hook.invalidate",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int("events.coalesced", events),
		))
	defer span.End()

	logging.FromContext(ctx).Debug().Str("cache_key", key).Int("events", events).Msg("Invalidating cache")
	cache.Invalidate(ctx, key)
}

// CacheFunc adapts a function to Cache
type CacheFunc func(ctx context.Context, key string)

// Invalidate implements Cache
func (f CacheFunc) Invalidate(ctx context.Context, key string) {
	f(ctx, key)
}

// ScopedKey is an InvalidateFunc producing "<resource>:<scope>" for events with a scope
// and "<resource>" otherwise, limited to the given resources when any are listed.
func ScopedKey(resources ...string) InvalidateFunc {
	allowed := make(map[string]bool, len(resources))
	for _, r := range resources {
		allowed[r] = true
	}
	return func(ev proto.ChangeEvent) (string, bool) {
		if ev.Resource == "" || (len(allowed) > 0 && !allowed[ev.Resource]) {
			return "", false
		}
		if ev.ScopeID == "" {
			return ev.Resource, true
		}
		return ev.Resource + ":" + ev.ScopeID, true
	}
}
