package cache

import (
	"encoding/json"
	"time"
)

// DefaultTTL is how long a range result stays cached.
const DefaultTTL = 24 * time.Hour

// CacheEntry is one cached single-range list call.
type CacheEntry struct {
	// Records are the raw bill objects returned for the range.
	Records []json.RawMessage `json:"records"`

	// Count is the API's pagination.count for the range.
	Count int `json:"count"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this response.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
