package rules

import "time"

// CandidateCache caches candidate rule lists keyed by trigger event type.
// Caching is an optimization only; the repository stays correct without it.
type CandidateCache interface {
	// Get retrieves cached rules for an event type, nil on miss or expiry.
	Get(event EventType) []*Rule

	// Set stores the candidate list for an event type.
	Set(event EventType, rules []*Rule)

	// Invalidate clears the given event types, or everything when called
	// with no arguments.
	Invalidate(events ...EventType)
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for candidate caching.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // No TTL - only invalidate on mutations
	}
}
