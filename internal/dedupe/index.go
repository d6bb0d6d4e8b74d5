// ABOUTME: Thread-safe idempotency index mapping client keys to run IDs
// ABOUTME: First writer wins; optional TTL expiry and size-bounded eviction

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// indexEntry stores the owning run, claim time, and list element for a key.
type indexEntry struct {
	runID     string
	claimedAt time.Time
	element   *list.Element
}

// Index records which run owns each idempotency key. Claim is an atomic
// insert-if-absent so concurrent submissions with the same key agree on a
// single owner.
//
// A zero ttl keeps claims forever and a zero maxSize never evicts. When
// bounded, the oldest claim is evicted first, using a doubly-linked list of
// keys in claim order for O(1) eviction.
type Index struct {
	mu      sync.RWMutex
	owners  map[string]*indexEntry
	order   *list.List // keys in claim order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates an index. When ttl is positive a background goroutine
// periodically removes expired claims; call Close to stop it.
func New(ttl time.Duration, maxSize int) *Index {
	idx := &Index{
		owners:  make(map[string]*indexEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go idx.cleanup(cleanupInterval(ttl))
	}
	return idx
}

// Lookup returns the run that owns key, if the claim is live.
func (i *Index) Lookup(key string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	entry, ok := i.owners[key]
	if !ok || i.expired(entry) {
		return "", false
	}
	return entry.runID, true
}

// Claim maps key to runID unless a live claim already exists. It returns the
// owning run and whether this call became the owner.
func (i *Index) Claim(key, runID string) (owner string, claimed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if entry, ok := i.owners[key]; ok {
		if !i.expired(entry) {
			return entry.runID, false
		}
		i.removeLocked(key, entry)
	}

	if i.maxSize > 0 && len(i.owners) >= i.maxSize {
		i.evictOldest()
	}

	elem := i.order.PushBack(key)
	i.owners[key] = &indexEntry{
		runID:     runID,
		claimedAt: i.now(),
		element:   elem,
	}
	return runID, true
}

// Len returns the number of stored claims, including expired ones not yet
// swept.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.owners)
}

func (i *Index) expired(entry *indexEntry) bool {
	return i.ttl > 0 && i.now().Sub(entry.claimedAt) >= i.ttl
}

// removeLocked must be called with mu held.
func (i *Index) removeLocked(key string, entry *indexEntry) {
	i.order.Remove(entry.element)
	delete(i.owners, key)
}

// evictOldest must be called with mu held.
func (i *Index) evictOldest() {
	front := i.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	i.order.Remove(front)
	delete(i.owners, key)
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

func (i *Index) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.sweep()
		case <-i.done:
			return
		}
	}
}

// sweep removes expired claims. Claims are ordered oldest first, so it stops
// at the first live one.
func (i *Index) sweep() {
	i.mu.Lock()
	defer i.mu.Unlock()

	for e := i.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := i.owners[key]
		if entry == nil || !i.expired(entry) {
			return
		}
		next := e.Next()
		i.removeLocked(key, entry)
		e = next
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (i *Index) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.closed {
		close(i.done)
		i.closed = true
	}
}
