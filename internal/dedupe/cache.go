// ABOUTME: Thread-safe TTL cache for dropping redelivered inbound events.
// ABOUTME: Keys are tenant-scoped so identical channel message ids never collide across tenants.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies one inbound channel message. TenantID is part of the key so
// two tenants can receive the same channel message id independently.
type Key struct {
	TenantID  string
	ChannelID string
	MessageID string
}

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a TTL-based, size-limited set of recently seen keys.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[Key]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine removes expired entries once a minute.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[Key]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanup(time.Minute)
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.now().Sub(entry.seenAt) < c.ttl
}

// CheckAndMark atomically checks whether key was seen and marks it if not.
// Returns true for a duplicate.
func (c *Cache) CheckAndMark(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.seenAt) < c.ttl {
			return true
		}
		// expired: refresh in place
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[key] = &cacheEntry{
		seenAt:  now,
		element: c.order.PushBack(key),
	}
	return false
}

// Forget removes key so a later redelivery is accepted. Used when processing
// of a marked event failed before it was persisted.
func (c *Cache) Forget(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(Key)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Prune()
		case <-c.done:
			return
		}
	}
}

// Prune removes all expired entries.
func (c *Cache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.seenAt) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
