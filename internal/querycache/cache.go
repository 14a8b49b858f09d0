// Package querycache is the keyed query-result cache that live updates invalidate. Active
// queries registered with Observe are refetched in the background after invalidation;
// concurrent fetches of one key share a single call.
package querycache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/metrics"
	"github.com/nkkko/liveflow/internal/telemetry"
)

// Fetcher loads the current result of a query
type Fetcher func(ctx context.Context) ([]byte, error)

// Query is an active query kept fresh by the cache
type Query struct {
	Fetch Fetcher
	Tags  []string
	// OnData receives every successful (re)fetch
	OnData func(value []byte)
	// OnError receives fetch failures; the cached value stays invalidated
	OnError func(err error)
}

// Config contains cache configuration
type Config struct {
	// Size is the number of in-memory entries
	Size int
	// Expiration bounds how long an entry is served without invalidation; zero never expires
	Expiration time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Size:       1024,
		Expiration: 30 * time.Second,
	}
}

// ErrClosed is returned by fetches on a closed cache
var ErrClosed = errors.New("query cache closed")

// Option configures a Cache
type Option func(*Cache)

// WithClock sets the clock used for expiry
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// WithStore adds a second tier consulted on in-memory misses
func WithStore(s Store) Option {
	return func(c *Cache) {
		c.store = s
	}
}

// WithLogger overrides the component logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      []byte
	tags       []string
	expiration time.Time // zero never expires
}

type observer struct {
	query Query
}

// Cache is a caching layer for query results
type Cache struct {
	config  Config
	entries *lru.TwoQueueCache
	clock   clock.Clock
	store   Store
	logger  zerolog.Logger
	group   singleflight.Group
	metrics *metrics.Metrics

	mu        sync.Mutex
	observers map[string][]*observer
	// gens counts invalidations per key; a fetch only caches if none happened while it ran
	gens   map[string]uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache
func New(config Config, opts ...Option) (*Cache, error) {
	if config.Size <= 0 {
		config.Size = DefaultConfig().Size
	}
	entries, err := lru.New2Q(config.Size)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		config:    config,
		entries:   entries,
		clock:     clock.WallClock,
		logger:    logging.Component("querycache"),
		metrics:   metrics.GetMetrics(),
		observers: make(map[string][]*observer),
		gens:      make(map[string]uint64),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached value for key
func (c *Cache) Get(key string) ([]byte, bool) {
	if value, found := c.entries.Get(key); found {
		item := value.(cacheItem)
		if item.expiration.IsZero() || c.clock.Now().Before(item.expiration) {
			c.metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
			return item.value, true
		}
		c.entries.Remove(key)
		c.metrics.CacheOperations.WithLabelValues("get", "expired").Inc()
		c.metrics.CacheEntries.Set(float64(c.entries.Len()))
		return nil, false
	}

	if c.store != nil {
		value, err := c.store.Get(key)
		if err == nil {
			c.entries.Add(key, cacheItem{value: value, expiration: c.expiry()})
			c.metrics.CacheOperations.WithLabelValues("get", "store_hit").Inc()
			c.metrics.CacheEntries.Set(float64(c.entries.Len()))
			return value, true
		}
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Query store read failed")
		}
	}

	c.metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
	return nil, false
}

func (c *Cache) expiry() time.Time {
	if c.config.Expiration <= 0 {
		return time.Time{}
	}
	return c.clock.Now().Add(c.config.Expiration)
}

// Set stores value under key with the given tags
func (c *Cache) Set(key string, value []byte, tags ...string) {
	c.entries.Add(key, cacheItem{
		value:      value,
		tags:       tags,
		expiration: c.expiry(),
	})
	c.metrics.CacheOperations.WithLabelValues("set", "ok").Inc()
	c.metrics.CacheEntries.Set(float64(c.entries.Len()))

	if c.store != nil {
		if err := c.store.Put(key, value, c.config.Expiration); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Query store write failed")
		}
	}
}

// Fetch returns the cached value for key, calling fetch on a miss. Concurrent misses for
// the same key share one call.
func (c *Cache) Fetch(ctx context.Context, key string, fetch Fetcher, tags ...string) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if value, ok := c.Get(key); ok {
		return value, nil
	}
	return c.load(ctx, key, fetch, tags)
}

func (c *Cache) load(ctx context.Context, key string, fetch Fetcher, tags []string) ([]byte, error) {
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		ctx, span := telemetry.StartSpan(ctx, "querycache.fetch", attribute.String("cache.key", key))
		defer span.End()

		c.mu.Lock()
		gen := c.gens[key]
		c.mu.Unlock()

		start := time.Now()
		value, err := fetch(ctx)
		c.metrics.CacheFetchDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.MarkSpanError(ctx, err)
			c.metrics.CacheOperations.WithLabelValues("fetch", "error").Inc()
			return nil, err
		}
		c.metrics.CacheOperations.WithLabelValues("fetch", "ok").Inc()

		c.mu.Lock()
		stale := c.gens[key] != gen
		c.mu.Unlock()
		if stale {
			// invalidated mid-flight; the value predates the change
			c.metrics.CacheOperations.WithLabelValues("fetch", "stale").Inc()
			return value, nil
		}
		c.Set(key, value, tags...)
		return value, nil
	})
	if shared {
		c.metrics.CacheOperations.WithLabelValues("fetch", "shared").Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Observe registers an active query under key and fetches it in the background. Every
// invalidation of key, directly or by tag, refetches it until the returned cancel is called.
func (c *Cache) Observe(key string, q Query) (cancel func()) {
	o := &observer{query: q}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.observers[key] = append(c.observers[key], o)
	c.mu.Unlock()

	c.refresh(key, []*observer{o}, false)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.observers[key]
			for i, cur := range list {
				if cur == o {
					list = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(c.observers, key)
			} else {
				c.observers[key] = list
			}
		})
	}
}

// Invalidate drops key and refetches it in the background if it is observed. It never
// blocks on the fetch.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.entries.Remove(key)
	if c.store != nil {
		if err := c.store.Delete(key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Query store delete failed")
		}
	}
	c.metrics.CacheOperations.WithLabelValues("invalidate", "ok").Inc()
	c.metrics.CacheEntries.Set(float64(c.entries.Len()))

	c.mu.Lock()
	c.gens[key]++
	obs := append([]*observer(nil), c.observers[key]...)
	c.mu.Unlock()
	// later fetches must not join a call that started before the change
	c.group.Forget(key)

	logging.FromContext(ctx).Debug().Str("key", key).Int("observers", len(obs)).Msg("Query invalidated")
	if len(obs) > 0 {
		c.refresh(key, obs, true)
	}
}

// InvalidateTag invalidates every cached or observed key carrying tag
func (c *Cache) InvalidateTag(ctx context.Context, tag string) {
	keys := make(map[string]bool)
	for _, k := range c.entries.Keys() {
		value, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		if hasTag(value.(cacheItem).tags, tag) {
			keys[k.(string)] = true
		}
	}

	c.mu.Lock()
	for key, list := range c.observers {
		for _, o := range list {
			if hasTag(o.query.Tags, tag) {
				keys[key] = true
				break
			}
		}
	}
	c.mu.Unlock()

	c.metrics.CacheOperations.WithLabelValues("invalidate_tag", "ok").Inc()
	for key := range keys {
		c.Invalidate(ctx, key)
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// refresh fetches key once for all observers in the background. A forced refresh skips
// the cached value.
func (c *Cache) refresh(key string, obs []*observer, force bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		q := obs[0].query
		var value []byte
		var err error
		if force {
			value, err = c.load(c.ctx, key, q.Fetch, q.Tags)
		} else {
			value, err = c.Fetch(c.ctx, key, q.Fetch, q.Tags...)
		}

		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Query refetch failed")
		}
		for _, o := range obs {
			switch {
			case err != nil && o.query.OnError != nil:
				o.query.OnError(err)
			case err == nil && o.query.OnData != nil:
				o.query.OnData(value)
			}
		}
	}()
}

// Len returns the number of in-memory entries
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Clear empties the in-memory tier
func (c *Cache) Clear() {
	c.entries.Purge()
	c.metrics.CacheOperations.WithLabelValues("clear", "ok").Inc()
	c.metrics.CacheEntries.Set(0)
}

// Close cancels background fetches, waits for them and closes the store
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.observers = make(map[string][]*observer)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if c.store != nil {
		return c.store.Close()
	}
	return nil
}
