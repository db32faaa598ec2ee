package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options bounds the cache. A zero NegativeTTL means failed loads are not stored.
type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

// Hooks are optional callbacks for hit/miss accounting.
type Hooks struct {
	OnHit  func()
	OnMiss func()
}

// Loader fetches the value for key. ok=false marks a negative result.
type Loader[V any] func(ctx context.Context, key string) (V, bool, error)

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
	negative  bool
}

// Cache is a TTL cache whose concurrent misses for one key share a single load.
type Cache[V any] struct {
	mu    sync.Mutex
	items map[string]*entry[V]
	order []string
	opts  Options
	hooks Hooks
	sf    singleflight.Group
	now   func() time.Time
}

func New[V any](opts Options, hooks Hooks) *Cache[V] {
	return &Cache[V]{
		items: make(map[string]*entry[V]),
		opts:  opts,
		hooks: hooks,
		now:   time.Now,
	}
}

type loadResult[V any] struct {
	val V
	ok  bool
	err error
}

// Get returns the cached value or loads it. Concurrent callers for the same
// missing key wait on one loader call.
func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		if c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			if c.hooks.OnHit != nil {
				c.hooks.OnHit()
			}
			if e.negative {
				var zero V
				return zero, false, e.err
			}
			return e.value, true, nil
		}
		c.deleteLocked(key)
	}
	c.mu.Unlock()

	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss()
	}
	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult[V]{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult[V])
	if !res.ok {
		var zero V
		return zero, false, res.err
	}
	return res.val, true, nil
}

func (c *Cache[V]) store(key string, val V, ok bool, err error) {
	now := c.now()
	e := &entry[V]{}
	if ok {
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
	} else {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		e.err = err
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, e)
}

// Set stores a value with an explicit ttl.
func (c *Cache[V]) Set(key string, val V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, &entry[V]{value: val, expiresAt: c.now().Add(ttl)})
}

// Peek returns a live positive entry without loading.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok || e.negative || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	c.deleteLocked(key)
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included until they are touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) putLocked(key string, e *entry[V]) {
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	// FIFO eviction
	for c.opts.MaxEntries > 0 && len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}

func (c *Cache[V]) deleteLocked(key string) {
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
