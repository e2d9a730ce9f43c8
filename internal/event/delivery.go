package event

import (
	"sync"
	"time"
)

// DeliveryCache remembers delivery IDs that were already applied. Entries
// expire after the TTL, and Mark sweeps them at most once per TTL so the
// cache stays bounded without an external pruner.
type DeliveryCache struct {
	ttl   time.Duration
	seen  map[string]time.Time
	swept time.Time
	mu    sync.Mutex
	now   func() time.Time
}

// NewDeliveryCache creates a cache whose entries live for ttl.
func NewDeliveryCache(ttl time.Duration) *DeliveryCache {
	return &DeliveryCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen reports whether id was marked within the TTL. Empty IDs are never seen.
func (c *DeliveryCache) Seen(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[id]
	if !ok {
		return false
	}
	if c.now().Sub(at) >= c.ttl {
		delete(c.seen, id)
		return false
	}
	return true
}

// Mark records id as applied.
func (c *DeliveryCache) Mark(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.swept) >= c.ttl {
		c.sweep(now)
	}
	c.seen[id] = now
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *DeliveryCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweep(c.now())
}

func (c *DeliveryCache) sweep(now time.Time) int {
	c.swept = now
	threshold := now.Add(-c.ttl)
	dropped := 0
	for id, at := range c.seen {
		if !at.After(threshold) {
			delete(c.seen, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked IDs, expired or not.
func (c *DeliveryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
