// ABOUTME: Tests for the idempotency index used to deduplicate run submissions
// ABOUTME: Validates first-writer-wins, TTL expiry, eviction, sweeping, and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedIndex(ttl time.Duration, maxSize int) (*Index, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	idx := New(ttl, maxSize)
	idx.now = clock.Now
	return idx, clock
}

func TestIndex_Lookup_Unknown(t *testing.T) {
	idx := New(0, 0)
	defer idx.Close()

	_, ok := idx.Lookup("never-claimed")
	assert.False(t, ok)
}

func TestIndex_Claim_FirstWriterWins(t *testing.T) {
	idx := New(0, 0)
	defer idx.Close()

	owner, claimed := idx.Claim("key", "run-1")
	assert.True(t, claimed)
	assert.Equal(t, "run-1", owner)

	owner, claimed = idx.Claim("key", "run-2")
	assert.False(t, claimed)
	assert.Equal(t, "run-1", owner)

	runID, ok := idx.Lookup("key")
	require.True(t, ok)
	assert.Equal(t, "run-1", runID)
}

func TestIndex_NoTTLNeverExpires(t *testing.T) {
	idx, clock := newClockedIndex(0, 0)
	defer idx.Close()

	idx.Claim("key", "run-1")
	clock.Advance(365 * 24 * time.Hour)

	runID, ok := idx.Lookup("key")
	require.True(t, ok)
	assert.Equal(t, "run-1", runID)
}

func TestIndex_TTLExpiry(t *testing.T) {
	idx, clock := newClockedIndex(time.Hour, 0)
	defer idx.Close()

	idx.Claim("key", "run-1")
	clock.Advance(59 * time.Minute)
	_, ok := idx.Lookup("key")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = idx.Lookup("key")
	assert.False(t, ok, "claim should expire after ttl")

	owner, claimed := idx.Claim("key", "run-2")
	assert.True(t, claimed, "expired key can be claimed again")
	assert.Equal(t, "run-2", owner)
	assert.Equal(t, 1, idx.Len())
}

func TestIndex_EvictsOldestAtCapacity(t *testing.T) {
	idx := New(0, 3)
	defer idx.Close()

	idx.Claim("key-1", "run-1")
	idx.Claim("key-2", "run-2")
	idx.Claim("key-3", "run-3")
	idx.Claim("key-4", "run-4")

	assert.Equal(t, 3, idx.Len())
	_, ok := idx.Lookup("key-1")
	assert.False(t, ok, "oldest claim should be evicted")
	for _, key := range []string{"key-2", "key-3", "key-4"} {
		_, ok := idx.Lookup(key)
		assert.True(t, ok, key)
	}
}

func TestIndex_RepeatClaimDoesNotRefreshOrder(t *testing.T) {
	idx := New(0, 2)
	defer idx.Close()

	idx.Claim("key-1", "run-1")
	idx.Claim("key-2", "run-2")
	idx.Claim("key-1", "run-x")
	idx.Claim("key-3", "run-3")

	_, ok := idx.Lookup("key-1")
	assert.False(t, ok, "a losing claim must not move the key to the back")
}

func TestIndex_Sweep(t *testing.T) {
	idx, clock := newClockedIndex(time.Hour, 0)
	defer idx.Close()

	idx.Claim("old-1", "run-1")
	idx.Claim("old-2", "run-2")
	clock.Advance(30 * time.Minute)
	idx.Claim("fresh", "run-3")
	clock.Advance(45 * time.Minute)

	idx.sweep()

	assert.Equal(t, 1, idx.Len())
	_, ok := idx.Lookup("fresh")
	assert.True(t, ok)
}

func TestIndex_ConcurrentClaimsAgree(t *testing.T) {
	idx := New(0, 0)
	defer idx.Close()

	const racers = 50
	owners := make([]string, racers)
	wins := make([]bool, racers)

	var wg sync.WaitGroup
	for n := 0; n < racers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owners[n], wins[n] = idx.Claim("shared", fmt.Sprintf("run-%d", n))
		}(n)
	}
	wg.Wait()

	winners := 0
	for n := 0; n < racers; n++ {
		if wins[n] {
			winners++
		}
		assert.Equal(t, owners[0], owners[n])
	}
	assert.Equal(t, 1, winners)
}

func TestIndex_Close(t *testing.T) {
	idx := New(time.Minute, 10)

	idx.Close()
	assert.NotPanics(t, idx.Close)
}

func TestCleanupInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, cleanupInterval(10*time.Second))
	assert.Equal(t, time.Minute, cleanupInterval(24*time.Hour))
}
