package cache

import (
	"net/http"
	"time"
)

// HeaderExpires is the response header carrying the cache expiry.
const HeaderExpires = "Expires"

// ParseExpires parses the expires header, e.g. "Wed, 21 Oct 2024 07:28:00 GMT".
// It reports false when the header is missing or malformed.
func ParseExpires(headers http.Header) (time.Time, bool) {
	if headers == nil {
		return time.Time{}, false
	}
	raw := headers.Get(HeaderExpires)
	if raw == "" {
		return time.Time{}, false
	}
	expires, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return expires.UTC(), true
}

// MaxExpires returns the latest parseable expiry among headers.
func MaxExpires(headers ...http.Header) (time.Time, bool) {
	var (
		latest time.Time
		found  bool
	)
	for _, h := range headers {
		expires, ok := ParseExpires(h)
		if !ok {
			continue
		}
		if !found || expires.After(latest) {
			latest = expires
			found = true
		}
	}
	return latest, found
}
