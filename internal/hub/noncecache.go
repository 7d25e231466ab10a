package hub

import (
	"sync"
	"time"
)

// pruneThreshold triggers an opportunistic sweep of expired entries.
const pruneThreshold = 4096

// NonceCache is a process-local pre-filter in front of the durable nonce
// table. It rejects obvious replays without a database round trip.
//
// The cache is best effort: it is empty after a restart and is never
// consulted as the source of truth. The durable insert with its unique
// constraint is what actually enforces single use, so losing this state
// costs one extra query per replay, never a missed detection.
type NonceCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time // key → expiry
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewNonceCache creates a cache whose entries live for the given TTL.
// The TTL should match the timestamp skew band: anything older is
// rejected as stale before the nonce is consulted.
func NewNonceCache(ttl time.Duration) *NonceCache {
	return &NonceCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// Seen reports whether the nonce was already recorded for this serial.
func (c *NonceCache) Seen(serial, nonce string) bool {
	key := serial + "|" + nonce

	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.seen[key]
	if !ok {
		return false
	}
	if c.nowFunc().After(expiry) {
		delete(c.seen, key)
		return false
	}
	return true
}

// Record marks a nonce as used for this serial.
func (c *NonceCache) Record(serial, nonce string) {
	key := serial + "|" + nonce
	now := c.nowFunc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.seen) >= pruneThreshold {
		for k, expiry := range c.seen {
			if now.After(expiry) {
				delete(c.seen, k)
			}
		}
	}

	c.seen[key] = now.Add(c.ttl)
}

// Len returns the number of cached entries, expired ones included.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
