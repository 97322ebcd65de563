// Package idempotency replays cached responses for repeated requests that
// carry the same Idempotency-Key, so client retries never double-spend a
// family's token balance.
package idempotency

import (
	"sync"
	"time"
)

// Entry is one cached response.
type Entry struct {
	Response   []byte
	StatusCode int
	Headers    map[string]string
	expiresAt  time.Time
}

// Cache is an in-memory TTL cache of responses by idempotency key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	maxKeys int
	stop    chan struct{}

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewCache creates a cache with the given entry TTL.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		maxKeys: 10000,
		stop:    make(chan struct{}),
		nowFunc: time.Now,
	}
	go c.cleanup()
	return c
}

// Get returns the cached entry for key if present and unexpired.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.nowFunc().After(e.expiresAt) {
		return Entry{}, false
	}
	return e, true
}

// Set stores a response under key.
func (c *Cache) Set(key string, response []byte, statusCode int, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxKeys {
		c.evictOldest()
	}
	c.entries[key] = Entry{
		Response:   response,
		StatusCode: statusCode,
		Headers:    headers,
		expiresAt:  c.nowFunc().Add(c.ttl),
	}
}

// evictOldest removes the entry closest to expiry. Must be called with
// c.mu held.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expiresAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Stop terminates the background cleanup goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := c.nowFunc()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
