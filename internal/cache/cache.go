// Package cache keeps decoded design entries in memory under a byte budget.
// Reads never touch the network; only an explicit recreate re-fetches.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/acnh-api/acnh-api-public/internal/designs"
	"github.com/acnh-api/acnh-api-public/internal/logging"
)

// Fetcher re-materializes an entry from upstream. Satisfied by
// *designs.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, img designs.DesignImage) (*designs.Entry, error)
}

// Options configures a Cache.
type Options struct {
	// BudgetBytes bounds the total decoded image data held. Zero or
	// negative means unbounded.
	BudgetBytes int64

	// Now is the clock used for recency accounting. Defaults to time.Now.
	Now func() time.Time
}

// Cache is a byte-budgeted store of design entries keyed by image id.
// Entries are replaced whole: a reader either sees the previous entry or the
// new one, never a mix.
type Cache struct {
	fetcher Fetcher
	opts    Options

	group singleflight.Group

	mu      sync.Mutex
	entries map[int64]*designs.Entry
	used    int64
}

// New builds a Cache backed by the given fetcher.
func New(fetcher Fetcher, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		fetcher: fetcher,
		opts:    opts,
		entries: make(map[int64]*designs.Entry),
	}
}

// Get returns the cached entry for an image id, bumping its recency. It
// never fetches. The returned entry is a detached snapshot: the cache keeps
// stamping recency on its own copy, so readers never race with it. Layer and
// preview bytes are shared and treated as immutable once decoded.
func (c *Cache) Get(imageID int64) (*designs.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[imageID]
	if !ok {
		return nil, false
	}
	entry.Touch(c.opts.Now())
	out := *entry
	return &out, true
}

// Put stores an entry, replacing any previous one for the same image, then
// evicts until the budget holds again. The entry just stored is never the
// eviction victim of its own insert.
func (c *Cache) Put(entry *designs.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(entry)
}

func (c *Cache) putLocked(entry *designs.Entry) {
	// Store a private copy: the caller keeps its pointer, and the cache's
	// recency stamps never touch an entry anyone else can see.
	stored := *entry
	id := stored.Image.ImageID
	if prev, ok := c.entries[id]; ok {
		c.used -= prev.Size()
	}
	stored.Touch(c.opts.Now())
	c.entries[id] = &stored
	c.used += stored.Size()
	c.evictLocked(id)
}

// Delete drops an entry, if present.
func (c *Cache) Delete(imageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(imageID)
}

func (c *Cache) deleteLocked(imageID int64) {
	if entry, ok := c.entries[imageID]; ok {
		c.used -= entry.Size()
		delete(c.entries, imageID)
	}
}

// Evict enforces the budget immediately and reports what it removed.
func (c *Cache) Evict() (evicted int, freed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before, beforeBytes := len(c.entries), c.used
	c.evictLocked(-1)
	return before - len(c.entries), beforeBytes - c.used
}

// evictLocked removes entries until used fits the budget. Victims are the
// least recently accessed complete entries; partial entries only go when no
// complete entry remains. protect is exempt for the duration of one insert.
func (c *Cache) evictLocked(protect int64) {
	if c.opts.BudgetBytes <= 0 {
		return
	}
	for c.used > c.opts.BudgetBytes {
		victim, ok := c.victimLocked(protect)
		if !ok {
			return
		}
		entry := c.entries[victim]
		logging.Cache("evicting image %d (%d bytes, complete=%v, last access %s)",
			victim, entry.Size(), !entry.Partial(), entry.LastAccess().Format(time.RFC3339))
		c.deleteLocked(victim)
	}
}

func (c *Cache) victimLocked(protect int64) (int64, bool) {
	pick := func(wantPartial bool) (int64, bool) {
		var (
			id   int64
			best *designs.Entry
		)
		for key, entry := range c.entries {
			if key == protect || entry.Partial() != wantPartial {
				continue
			}
			if best == nil || entry.LastAccess().Before(best.LastAccess()) {
				id, best = key, entry
			}
		}
		return id, best != nil
	}
	if id, ok := pick(false); ok {
		return id, true
	}
	return pick(true)
}

// InvalidateAndRecreate drops the slot for an image and fetches it fresh.
// Concurrent recreates of the same image share one upstream fetch. A failed
// fetch leaves the slot absent and every other entry untouched.
func (c *Cache) InvalidateAndRecreate(ctx context.Context, img designs.DesignImage) (*designs.Entry, error) {
	c.Delete(img.ImageID)

	key := strconv.FormatInt(img.ImageID, 10)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		entry, err := c.fetcher.Fetch(context.WithoutCancel(ctx), img)
		if err != nil {
			return nil, err
		}
		c.Put(entry)
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*designs.Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many entries are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// UsedBytes reports the accounted size of all cached entries.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// BudgetBytes reports the configured budget.
func (c *Cache) BudgetBytes() int64 { return c.opts.BudgetBytes }
