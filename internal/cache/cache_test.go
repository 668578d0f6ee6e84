package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acnh-api/acnh-api-public/internal/designs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock hands out strictly increasing instants.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// fakeFetcher serves canned entries and counts upstream fetches.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	err     error
	entries map[int64]func() *designs.Entry
}

func (f *fakeFetcher) Fetch(ctx context.Context, img designs.DesignImage) (*designs.Entry, error) {
	f.mu.Lock()
	f.calls++
	delay, err := f.delay, f.err
	build := f.entries[img.ImageID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, fmt.Errorf("no canned entry for image %d", img.ImageID)
	}
	return build(), nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// entryOf builds an entry whose single layer weighs size bytes. required > 1
// makes it partial.
func entryOf(id int64, size int, required int) *designs.Entry {
	return &designs.Entry{
		Image: designs.DesignImage{ImageID: id, DesignsRequired: required},
		Layers: []designs.Layer{{
			Position:   0,
			DesignCode: designs.DesignCode(id),
			PNG:        make([]byte, size),
		}},
		FetchedAt: time.Now(),
	}
}

func cached(c *Cache) []int64 {
	var ids []int64
	for id := int64(0); id < 20; id++ {
		if _, ok := c.Get(id); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(&fakeFetcher{}, Options{BudgetBytes: 1 << 20, Now: newFakeClock().Now})

	entry := entryOf(1, 64, 1)
	entry.Layers[0].PNG[0] = 0xAB
	entry.Preview = []byte("preview")
	c.Put(entry)

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, entry.Layers, got.Layers)
	assert.Equal(t, entry.Preview, got.Preview)
	assert.Equal(t, 1, got.Completeness())
	assert.False(t, got.Partial())
	assert.Equal(t, int64(64+len("preview")), c.UsedBytes())

	_, ok = c.Get(2)
	assert.False(t, ok)
}

func TestEvictionOrderIsLeastRecentCompleteFirst(t *testing.T) {
	clock := newFakeClock()
	c := New(&fakeFetcher{}, Options{BudgetBytes: 100, Now: clock.Now})

	c.Put(entryOf(9, 10, 2)) // partial, oldest of all
	c.Put(entryOf(1, 30, 1)) // A
	c.Put(entryOf(2, 30, 1)) // B
	c.Put(entryOf(3, 30, 1)) // C
	require.Equal(t, int64(100), c.UsedBytes())

	// Over budget: A is the least recently accessed complete entry.
	c.Put(entryOf(4, 30, 1))
	assert.Equal(t, []int64{2, 3, 4, 9}, cached(c))

	// The partial entry stays put even though it is older than everything.
	c.Put(entryOf(5, 30, 1))
	assert.Equal(t, []int64{3, 4, 5, 9}, cached(c))
}

func TestEvictionSparesPartialUntilNoCompleteRemain(t *testing.T) {
	clock := newFakeClock()
	c := New(&fakeFetcher{}, Options{BudgetBytes: 100, Now: clock.Now})

	c.Put(entryOf(9, 10, 2)) // partial
	c.Put(entryOf(1, 40, 1))
	c.Put(entryOf(2, 40, 1))

	// Only the freshly inserted entry and the partial can fit; both complete
	// entries go first, then the partial.
	c.Put(entryOf(3, 95, 1))
	ids := cached(c)
	assert.Equal(t, []int64{3}, ids)
	assert.Equal(t, int64(95), c.UsedBytes())
}

func TestGetBumpsRecency(t *testing.T) {
	clock := newFakeClock()
	c := New(&fakeFetcher{}, Options{BudgetBytes: 90, Now: clock.Now})

	c.Put(entryOf(1, 30, 1))
	c.Put(entryOf(2, 30, 1))
	c.Put(entryOf(3, 30, 1))

	// Touching 1 makes 2 the eviction victim.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Put(entryOf(4, 30, 1))
	assert.Equal(t, []int64{1, 3, 4}, cached(c))
}

func TestPutReplacesAndReaccounts(t *testing.T) {
	c := New(&fakeFetcher{}, Options{BudgetBytes: 1 << 20, Now: newFakeClock().Now})

	c.Put(entryOf(1, 100, 1))
	require.Equal(t, int64(100), c.UsedBytes())

	c.Put(entryOf(1, 40, 1))
	assert.Equal(t, int64(40), c.UsedBytes())
	assert.Equal(t, 1, c.Len())
}

func TestGetReturnsDetachedEntry(t *testing.T) {
	clock := newFakeClock()
	c := New(&fakeFetcher{}, Options{BudgetBytes: 1 << 20, Now: clock.Now})

	c.Put(entryOf(1, 64, 1))

	first, ok := c.Get(1)
	require.True(t, ok)
	stamp := first.LastAccess()

	// Later recency bumps happen on the cache's copy, not on entries
	// already handed out.
	second, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, stamp, first.LastAccess())
	assert.True(t, second.LastAccess().After(stamp))

	// Mutating a returned entry must not reach the cached one.
	first.Image.ImageName = "scribbled"
	third, ok := c.Get(1)
	require.True(t, ok)
	assert.Empty(t, third.Image.ImageName)
}

func TestGetNeverFetches(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := New(fetcher, Options{BudgetBytes: 1 << 20})

	_, ok := c.Get(1)
	assert.False(t, ok)
	assert.Zero(t, fetcher.fetchCount())
}

func TestInvalidateAndRecreate(t *testing.T) {
	fetcher := &fakeFetcher{entries: map[int64]func() *designs.Entry{
		1: func() *designs.Entry { return entryOf(1, 50, 1) },
	}}
	c := New(fetcher, Options{BudgetBytes: 1 << 20, Now: newFakeClock().Now})

	c.Put(entryOf(1, 10, 2)) // stale partial entry

	entry, err := c.InvalidateAndRecreate(context.Background(), designs.DesignImage{ImageID: 1})
	require.NoError(t, err)
	assert.False(t, entry.Partial())

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, entry.Layers, got.Layers)
	assert.Equal(t, 1, fetcher.fetchCount())
}

func TestRecreateIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{entries: map[int64]func() *designs.Entry{
		1: func() *designs.Entry { return entryOf(1, 50, 1) },
	}}
	c := New(fetcher, Options{BudgetBytes: 1 << 20, Now: newFakeClock().Now})

	first, err := c.InvalidateAndRecreate(context.Background(), designs.DesignImage{ImageID: 1})
	require.NoError(t, err)
	second, err := c.InvalidateAndRecreate(context.Background(), designs.DesignImage{ImageID: 1})
	require.NoError(t, err)

	assert.Equal(t, first.Completeness(), second.Completeness())
	assert.Equal(t, first.Layers, second.Layers)
	assert.Equal(t, 2, fetcher.fetchCount())
}

func TestConcurrentRecreatesShareOneFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		delay: 20 * time.Millisecond,
		entries: map[int64]func() *designs.Entry{
			1: func() *designs.Entry { return entryOf(1, 50, 1) },
		},
	}
	c := New(fetcher, Options{BudgetBytes: 1 << 20, Now: newFakeClock().Now})

	var wg sync.WaitGroup
	results := make([]*designs.Entry, 16)
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.InvalidateAndRecreate(context.Background(), designs.DesignImage{ImageID: 1})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fetcher.fetchCount())
	for _, entry := range results {
		assert.Same(t, results[0], entry)
	}
}

func TestFailedRecreateLeavesOthersIntact(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	c := New(fetcher, Options{BudgetBytes: 1 << 20, Now: newFakeClock().Now})

	c.Put(entryOf(1, 50, 1))
	c.Put(entryOf(2, 50, 1))

	_, err := c.InvalidateAndRecreate(context.Background(), designs.DesignImage{ImageID: 1})
	require.Error(t, err)

	_, ok := c.Get(1)
	assert.False(t, ok, "failed recreate must leave the slot absent")
	got, ok := c.Get(2)
	require.True(t, ok, "other entries must be untouched")
	assert.Equal(t, 1, got.Completeness())
}

func TestEvictReportsWork(t *testing.T) {
	clock := newFakeClock()
	c := New(&fakeFetcher{}, Options{BudgetBytes: 1 << 20, Now: clock.Now})

	c.Put(entryOf(1, 60, 1))
	c.Put(entryOf(2, 60, 1))

	// Shrink the budget after the fact, the way a gc run against a
	// reconfigured limit would.
	c.opts.BudgetBytes = 100
	evicted, freed := c.Evict()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, int64(60), freed)
	assert.Equal(t, []int64{2}, cached(c))
}
