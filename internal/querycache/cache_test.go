package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Logger = zerolog.Nop()
	m.Run()
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	c, err := New(Config{Size: 16, Expiration: time.Minute}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// counter returns a fetcher producing "<name>-<n>" and the number of calls so far
func counter(name string) (Fetcher, func() int) {
	var n atomic.Int64
	return func(context.Context) ([]byte, error) {
			return []byte(fmt.Sprintf("%s-%d", name, n.Add(1))), nil
		}, func() int {
			return int(n.Load())
		}
}

func TestCacheSetGetExpiry(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	c := newTestCache(t, WithClock(clk))

	_, ok := c.Get("jobs")
	assert.False(t, ok)

	c.Set("jobs", []byte("v1"), "job")
	value, ok := c.Get("jobs")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)
	assert.Equal(t, 1, c.Len())

	clk.Advance(time.Minute)
	_, ok = c.Get("jobs")
	assert.False(t, ok, "entry expires after the configured expiration")
	assert.Equal(t, 0, c.Len())
}

func TestCacheFetchSharesCalls(t *testing.T) {
	c := newTestCache(t)

	release := make(chan struct{})
	var calls atomic.Int64
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("rows"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), "workflows", fetch)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, []byte("rows"), v)
	}
}

func TestCacheFetchError(t *testing.T) {
	c := newTestCache(t)
	boom := errors.New("boom")

	_, err := c.Fetch(context.Background(), "jobs", func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("jobs")
	assert.False(t, ok, "failed fetches are not cached")
}

func TestCacheInvalidateTag(t *testing.T) {
	c := newTestCache(t)

	c.Set("jobs:wf-1", []byte("a"), "job")
	c.Set("jobs:wf-2", []byte("b"), "job")
	c.Set("workflows", []byte("c"), "workflow")

	c.InvalidateTag(context.Background(), "job")

	_, ok := c.Get("jobs:wf-1")
	assert.False(t, ok)
	_, ok = c.Get("jobs:wf-2")
	assert.False(t, ok)
	_, ok = c.Get("workflows")
	assert.True(t, ok)

	// unknown keys and tags are no-ops
	c.Invalidate(context.Background(), "missing")
	c.InvalidateTag(context.Background(), "missing")
}

func TestCacheObserveRefetchesOnInvalidate(t *testing.T) {
	c := newTestCache(t)
	fetch, calls := counter("wf")

	data := make(chan string, 4)
	cancel := c.Observe("workflows", Query{
		Fetch:  fetch,
		Tags:   []string{"workflow"},
		OnData: func(v []byte) { data <- string(v) },
	})

	assert.Equal(t, "wf-1", <-data)

	c.Invalidate(context.Background(), "workflows")
	assert.Equal(t, "wf-2", <-data)

	c.InvalidateTag(context.Background(), "workflow")
	assert.Equal(t, "wf-3", <-data)

	cancel()
	cancel()
	c.Invalidate(context.Background(), "workflows")
	assert.Never(t, func() bool { return len(data) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 3, calls())
}

func TestCacheInvalidateDuringFetchRefetches(t *testing.T) {
	c := newTestCache(t)

	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []byte("before"), nil
		}
		return []byte("after"), nil
	}

	data := make(chan string, 4)
	cancel := c.Observe("jobs:wf-1", Query{Fetch: fetch, OnData: func(v []byte) { data <- string(v) }})
	defer cancel()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// the change lands while the first fetch is in flight
	c.Invalidate(context.Background(), "jobs:wf-1")
	assert.Equal(t, "after", <-data)
	assert.Equal(t, int32(2), calls.Load())

	close(release)
	assert.Equal(t, "before", <-data)

	value, ok := c.Get("jobs:wf-1")
	require.True(t, ok)
	assert.Equal(t, []byte("after"), value)
}

func TestCacheObserveError(t *testing.T) {
	c := newTestCache(t)
	boom := errors.New("boom")

	errs := make(chan error, 1)
	cancel := c.Observe("jobs", Query{
		Fetch:   func(context.Context) ([]byte, error) { return nil, boom },
		OnError: func(err error) { errs <- err },
	})
	defer cancel()

	assert.ErrorIs(t, <-errs, boom)
}

func TestCacheClosed(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	fetch, _ := counter("x")
	_, err = c.Fetch(context.Background(), "k", fetch)
	assert.ErrorIs(t, err, ErrClosed)

	cancel := c.Observe("k", Query{Fetch: fetch})
	cancel()
}

func TestCacheBadgerStore(t *testing.T) {
	store, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get("jobs")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := New(Config{Size: 4}, WithStore(store))
	require.NoError(t, err)
	first.Set("jobs", []byte("persisted"))

	// a second cache over the same store starts warm
	second, err := New(Config{Size: 4}, WithStore(store))
	require.NoError(t, err)
	value, ok := second.Get("jobs")
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), value)

	second.Invalidate(context.Background(), "jobs")
	_, err = store.Get("jobs")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, store.Delete("missing"))
}
