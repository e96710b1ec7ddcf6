package cache

import (
	"time"
)

// ExpiryEntry is the persisted next-refresh marker of one collector.
type ExpiryEntry struct {
	// Expires is the instant before which the collector must not run again.
	Expires time.Time `json:"expires"`

	// Pages and ExpectedPages describe the run that produced the marker.
	Pages         int `json:"pages"`
	ExpectedPages int `json:"expected_pages"`

	// RecordedAt is when the marker was written.
	RecordedAt time.Time `json:"recorded_at"`
}

// IsExpired returns true if the marker no longer blocks a run.
func (e *ExpiryEntry) IsExpired() bool {
	return !time.Now().Before(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *ExpiryEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
