package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// keyTimeLayout renders range bounds in cache keys.
const keyTimeLayout = "20060102T150405Z"

// CacheKey identifies one cached range query.
type CacheKey struct {
	// Resource is the listed collection (e.g. "bill").
	Resource string

	// Start and End bound the queried window.
	Start time.Time
	End   time.Time

	// Params are further query parameters that change the result (e.g. limit).
	Params map[string]string
}

// String generates a deterministic cache key string.
// Format: harvest:resource:start:end:param1=val1:param2=val2
//
// Example:
//
//	harvest:bill:20200101T000000Z:20200201T000000Z:limit=250
func (k CacheKey) String() string {
	parts := []string{"harvest"}

	if resource := strings.Trim(k.Resource, "/"); resource != "" {
		parts = append(parts, resource)
	}

	parts = append(parts, k.Start.UTC().Format(keyTimeLayout), k.End.UTC().Format(keyTimeLayout))

	if len(k.Params) > 0 {
		keys := make([]string, 0, len(k.Params))
		for key := range k.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.Params[key]))
		}
	}

	return strings.Join(parts, ":")
}
