// Package windowcache bounds the per-offset data behind a scrolling calendar.
//
// Entries are keyed by a signed offset from the current week (or day). The
// cache is pure LRU: once it holds more than its capacity it drops the least
// recently used half in one go, so eviction does not run again on the next
// insert.
package windowcache

import (
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the number of offsets kept before trimming.
const DefaultCapacity = 30

// ComputeFunc builds the value for an offset. It may call Get on the same
// cache for other offsets.
type ComputeFunc[T any] func(offset int) (T, error)

type entry[T any] struct {
	data       T
	lastAccess time.Time
	seq        uint64
}

// Cache maps offsets to computed values. The zero value is not usable; use New.
type Cache[T any] struct {
	compute  ComputeFunc[T]
	capacity int
	now      func() time.Time
	onError  func(offset int, err error)

	mu      sync.Mutex
	entries map[int]*entry[T]
	seq     uint64
	closed  bool
}

type Option func(*options)

type options struct {
	capacity int
	now      func() time.Time
	onError  func(int, error)
}

// WithCapacity sets the entry bound. Values below 2 are raised to 2.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithClock replaces time.Now for access timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithErrorHandler is told about every failed compute before the fallback
// value is returned.
func WithErrorHandler(fn func(offset int, err error)) Option {
	return func(o *options) { o.onError = fn }
}

func New[T any](compute ComputeFunc[T], opts ...Option) *Cache[T] {
	o := options{capacity: DefaultCapacity, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity < 2 {
		o.capacity = 2
	}
	return &Cache[T]{
		compute:  compute,
		capacity: o.capacity,
		now:      o.now,
		onError:  o.onError,
		entries:  make(map[int]*entry[T]),
	}
}

// Get returns the value for offset, computing it on a miss. When compute
// fails the value for offset 0 is returned instead and nothing is stored for
// offset. The lock is never held while computing.
func (c *Cache[T]) Get(offset int) T {
	c.mu.Lock()
	if e, ok := c.entries[offset]; ok {
		c.touch(e)
		data := e.data
		c.mu.Unlock()
		return data
	}
	c.mu.Unlock()

	data, err := c.compute(offset)
	if err != nil {
		if c.onError != nil {
			c.onError(offset, err)
		}
		if offset == 0 {
			var zero T
			return zero
		}
		return c.Get(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return data
	}
	if e, ok := c.entries[offset]; ok {
		// A reentrant or concurrent compute stored it first; keep that one.
		c.touch(e)
		return e.data
	}
	e := &entry[T]{data: data}
	c.touch(e)
	c.entries[offset] = e
	if len(c.entries) > c.capacity {
		c.trimLocked()
	}
	return data
}

func (c *Cache[T]) touch(e *entry[T]) {
	c.seq++
	e.seq = c.seq
	e.lastAccess = c.now()
}

// Trim drops the least recently used half of the capacity if the cache is
// over capacity.
func (c *Cache[T]) Trim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > c.capacity {
		c.trimLocked()
	}
}

func (c *Cache[T]) trimLocked() {
	type aged struct {
		offset int
		at     time.Time
		seq    uint64
	}
	all := make([]aged, 0, len(c.entries))
	for off, e := range c.entries {
		all = append(all, aged{off, e.lastAccess, e.seq})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.Before(all[j].at)
		}
		return all[i].seq < all[j].seq
	})
	drop := c.capacity / 2
	if excess := len(all) - c.capacity; excess > drop {
		drop = excess
	}
	for _, a := range all[:drop] {
		delete(c.entries, a.offset)
	}
}

// Len returns the number of cached offsets.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate forgets every cached offset.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]*entry[T])
}

// Close empties the cache and stops it from storing anything again. Get
// keeps working but always computes.
func (c *Cache[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = make(map[int]*entry[T])
}
