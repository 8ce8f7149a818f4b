// ABOUTME: Tests for the nonce replay cache
// ABOUTME: Covers TTL expiry, capacity eviction and concurrent marking

package auth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestCache(t *testing.T, ttl time.Duration, size int) (*NonceCache, *time.Time) {
	t.Helper()
	c := NewNonceCache(ttl, size)
	t.Cleanup(c.Close)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestNonceCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("a"))
	assert.True(t, c.CheckAndMark("a"))
	assert.False(t, c.CheckAndMark("b"))
}

func TestNonceCache_ExpiresAfterTTL(t *testing.T) {
	c, now := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("a"))
	*now = now.Add(2 * time.Minute)
	assert.False(t, c.CheckAndMark("a"), "expired nonce is accepted again")
	assert.Equal(t, 1, c.Len())
}

func TestNonceCache_EvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	for _, k := range []string{"a", "b", "c", "d"} {
		assert.False(t, c.CheckAndMark(k))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("a"), "oldest was evicted")
	assert.True(t, c.CheckAndMark("d"))
}

func TestNonceCache_Expire(t *testing.T) {
	c, now := newTestCache(t, time.Minute, 10)

	c.CheckAndMark("old")
	*now = now.Add(45 * time.Second)
	c.CheckAndMark("new")
	*now = now.Add(30 * time.Second)

	c.expire()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.CheckAndMark("new"))
}

func TestNonceCache_ConcurrentMarkOnce(t *testing.T) {
	c := NewNonceCache(time.Minute, 1000)
	defer c.Close()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("shared") {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestNonceCache_CloseTwice(t *testing.T) {
	c := NewNonceCache(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
	assert.False(t, c.CheckAndMark("after-close"))
}
