package key

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// validationCacheSize bounds the LRU so a key-spraying client cannot
// grow it without limit.
const validationCacheSize = 1000

// validationCache memoizes successful validations so the argon2id
// verify (tens of milliseconds by design) runs once per key, not per
// request. Entries are keyed by the xxhash of the plaintext: the
// plaintext itself is never held as a map key.
//
// Rotate and Revoke call Clear synchronously before returning, so a
// cache hit is always for a currently active key.
type validationCache struct {
	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List // front = most recent
}

type cacheEntry struct {
	sum   uint64
	keyID string
}

func newValidationCache() *validationCache {
	return &validationCache{
		entries: make(map[uint64]*list.Element, validationCacheSize),
		order:   list.New(),
	}
}

func (c *validationCache) get(plaintext string) (string, bool) {
	sum := xxhash.Sum64String(plaintext)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[sum]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(cacheEntry).keyID, true
}

func (c *validationCache) put(plaintext, keyID string) {
	sum := xxhash.Sum64String(plaintext)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[sum]; ok {
		el.Value = cacheEntry{sum: sum, keyID: keyID}
		c.order.MoveToFront(el)
		return
	}
	c.entries[sum] = c.order.PushFront(cacheEntry{sum: sum, keyID: keyID})
	if c.order.Len() > validationCacheSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(cacheEntry).sum)
	}
}

// Clear drops every entry. Called synchronously on rotate and revoke so
// a revoked key cannot authenticate via a stale hit.
func (c *validationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element, validationCacheSize)
	c.order.Init()
}

func (c *validationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
