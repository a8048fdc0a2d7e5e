package rules

import (
	"sync"
	"time"
)

// InMemoryCandidateCache is a simple in-memory implementation of
// CandidateCache. Thread-safe for concurrent access.
type InMemoryCandidateCache struct {
	entries map[EventType]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// NewInMemoryCandidateCache creates a new in-memory candidate cache.
func NewInMemoryCandidateCache(config CacheConfig) *InMemoryCandidateCache {
	return &InMemoryCandidateCache{
		entries: make(map[EventType]cacheEntry),
		config:  config,
	}
}

// Get retrieves cached rules for an event type.
// Returns nil if there is no entry or the entry has expired.
func (c *InMemoryCandidateCache) Get(event EventType) []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[event]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}

	// Return copy to prevent external modifications
	rulesCopy := make([]*Rule, len(entry.rules))
	copy(rulesCopy, entry.rules)
	return rulesCopy
}

// Set stores the candidate list for an event type.
func (c *InMemoryCandidateCache) Set(event EventType, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*Rule, len(rules))
	copy(stored, rules)
	c.entries[event] = cacheEntry{rules: stored, cachedAt: time.Now()}
}

// Invalidate clears the given event types, or the whole cache when called
// with no arguments.
func (c *InMemoryCandidateCache) Invalidate(events ...EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(events) == 0 {
		c.entries = make(map[EventType]cacheEntry)
		return
	}
	for _, event := range events {
		delete(c.entries, event)
	}
}
