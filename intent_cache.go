package cauce

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	defaultIntentCacheSize = 1000
	defaultIntentCacheTTL  = 60 * time.Second
)

// IntentCache is a bounded LRU with TTL for intent results. Keys combine the
// normalized utterance with the context subset that affects routing, so a
// replayed message in the same situation resolves without analyzer calls.
// All operations run under a single mutex; entries are process-local and
// recreated on restart.
type IntentCache struct {
	mu     sync.Mutex
	max    int
	ttl    time.Duration
	ll     *list.List // front is MRU
	items  map[string]*list.Element
	hits   uint64
	misses uint64
	now    func() time.Time
}

type intentCacheEntry struct {
	key        string
	value      IntentResult
	insertedAt time.Time
}

// NewIntentCache creates a cache with the given capacity and TTL.
// Non-positive arguments fall back to 1000 entries and 60 seconds.
func NewIntentCache(max int, ttl time.Duration) *IntentCache {
	if max <= 0 {
		max = defaultIntentCacheSize
	}
	if ttl <= 0 {
		ttl = defaultIntentCacheTTL
	}
	return &IntentCache{
		max:   max,
		ttl:   ttl,
		ll:    list.New(),
		items: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Key builds the deterministic cache key: md5 of the normalized message plus
// the sorted-JSON routing context subset.
func (c *IntentCache) Key(message string, conv ConversationData) string {
	subset, _ := json.Marshal(map[string]string{
		"language":       conv.Language,
		"user_tier":      conv.UserTier,
		"previous_agent": conv.PreviousAgent,
	})
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(message)) + "|" + string(subset)))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for key. Expired entries are evicted before
// lookup; a hit moves the entry to most-recently-used.
func (c *IntentCache) Get(key string) (IntentResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return IntentResult{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return el.Value.(*intentCacheEntry).value, true
}

// Set stores a result under key, restarting its TTL. At capacity the
// least-recently-used entry is evicted first.
func (c *IntentCache) Set(key string, v IntentResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*intentCacheEntry)
		ent.value = v
		ent.insertedAt = c.now()
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.max {
		c.evictOldestLocked()
	}
	el := c.ll.PushFront(&intentCacheEntry{key: key, value: v, insertedAt: c.now()})
	c.items[key] = el
}

// Stats returns hit/miss counters and the current size.
func (c *IntentCache) Stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.ll.Len()
}

func (c *IntentCache) purgeExpiredLocked() {
	cutoff := c.now().Add(-c.ttl)
	for el := c.ll.Back(); el != nil; {
		ent := el.Value.(*intentCacheEntry)
		prev := el.Prev()
		if ent.insertedAt.Before(cutoff) || ent.insertedAt.Equal(cutoff) {
			c.ll.Remove(el)
			delete(c.items, ent.key)
		}
		el = prev
	}
}

func (c *IntentCache) evictOldestLocked() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	ent := el.Value.(*intentCacheEntry)
	c.ll.Remove(el)
	delete(c.items, ent.key)
}
