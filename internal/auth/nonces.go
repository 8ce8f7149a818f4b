// ABOUTME: Bounded TTL set of used nonces for replay protection
// ABOUTME: Insertion-ordered so the oldest nonce is evicted first when full

package auth

import (
	"container/list"
	"sync"
	"time"
)

type nonceEntry struct {
	seen    time.Time
	element *list.Element
}

// NonceCache remembers nonces for a TTL, holding at most maxSize entries.
type NonceCache struct {
	mu      sync.Mutex
	seen    map[string]*nonceEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// NewNonceCache creates a cache and starts its background sweeper.
func NewNonceCache(ttl time.Duration, maxSize int) *NonceCache {
	c := &NonceCache{
		seen:    make(map[string]*nonceEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark reports whether key was already seen within the TTL. If not,
// it records key. Check and record happen under one lock.
func (c *NonceCache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		c.order.Remove(e.element)
		delete(c.seen, key)
	}

	for len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		k, _ := front.Value.(string)
		c.order.Remove(front)
		delete(c.seen, k)
	}

	c.seen[key] = &nonceEntry{seen: now, element: c.order.PushBack(key)}
	return false
}

// Len returns the number of tracked nonces.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *NonceCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries older than the TTL. Entries are in insertion order,
// so it stops at the first live one.
func (c *NonceCache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; e = c.order.Front() {
		k, _ := e.Value.(string)
		if now.Sub(c.seen[k].seen) < c.ttl {
			return
		}
		c.order.Remove(e)
		delete(c.seen, k)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *NonceCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
