package authz

import (
	"container/list"
	"sync"
	"time"

	"github.com/upb/governed-core/models"
)

// IndexedRule is a rule together with its position in the rule table
type IndexedRule struct {
	Index int
	Rule  models.Rule
}

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	role       string
	rules      []IndexedRule
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.insertedAt) > ttl
}

// RuleCache is an in-memory LRU cache with TTL holding the rules that apply
// to each role, in table order. Safe for concurrent use.
type RuleCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
}

// NewRuleCache creates a new RuleCache with specified max size and TTL
func NewRuleCache(maxSize int, ttl time.Duration) *RuleCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &RuleCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves the rules for a role. ok is false on a miss or expiry.
func (c *RuleCache) Get(role string) ([]IndexedRule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[role]
	if !exists || entry.isExpired(c.now(), c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(role)
		}
		return nil, false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.rules, true
}

// Set stores the rules for a role
func (c *RuleCache) Set(role string, rules []IndexedRule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[role]; exists {
		entry.rules = rules
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		role:       role,
		rules:      rules,
		insertedAt: c.now(),
	}
	entry.element = c.lruList.PushFront(role)
	c.entries[role] = entry
}

// Invalidate removes one role's entry
func (c *RuleCache) Invalidate(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(role)
}

// Clear removes all entries from the cache
func (c *RuleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// Stats returns cache statistics
func (c *RuleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rate float64
	if total := c.hits + c.misses; total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: rate,
	}
}

// CleanupExpired removes all expired entries and returns how many were dropped
func (c *RuleCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expired := make([]string, 0)
	for role, entry := range c.entries {
		if entry.isExpired(now, c.ttl) {
			expired = append(expired, role)
		}
	}
	for _, role := range expired {
		c.removeEntry(role)
	}
	return len(expired)
}

// StartCleanupWorker periodically drops expired entries until stopCh closes
func (c *RuleCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

// removeEntry must be called with lock held
func (c *RuleCache) removeEntry(role string) {
	if entry, exists := c.entries[role]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, role)
	}
}

// evictLRU must be called with lock held
func (c *RuleCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	role := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, role)
}
