package cache

import (
	"fmt"
	"sort"
	"strings"
)

// CacheKey identifies the next-refresh marker of one collector.
type CacheKey struct {
	// Collector is the collector name (e.g., "market_orders")
	Collector string

	// PathParams distinguish collectors sharing a name (e.g., {"region_id": "10000002"})
	PathParams map[string]string

	// CharacterID is the character ID for authenticated collectors (0 for public)
	CharacterID int64
}

// String generates a deterministic key string.
// Format: esi:expiry:collector:param1=val1:char=123456
//
// Example:
//
//	esi:expiry:market_orders:region_id=10000002
func (k CacheKey) String() string {
	parts := []string{"esi", "expiry"}

	if name := strings.TrimSpace(k.Collector); name != "" {
		parts = append(parts, name)
	}

	if len(k.PathParams) > 0 {
		keys := make([]string, 0, len(k.PathParams))
		for key := range k.PathParams {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.PathParams[key]))
		}
	}

	if k.CharacterID > 0 {
		parts = append(parts, fmt.Sprintf("char=%d", k.CharacterID))
	}

	return strings.Join(parts, ":")
}
