package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates no next-refresh marker exists for the key
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored marker is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager stores next-refresh markers in Redis.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get retrieves the marker for key.
// Returns ErrCacheMiss if the key doesn't exist or the marker has expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*ExpiryEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			ExpiryMisses.Inc()
			return nil, ErrCacheMiss
		}
		ExpiryErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry ExpiryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		ExpiryErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		ExpiryMisses.Inc()
		return nil, ErrCacheMiss
	}

	ExpiryHits.Inc()
	return &entry, nil
}

// Set stores a marker with a Redis TTL equal to the time left until it expires.
// Markers already in the past are not stored.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *ExpiryEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		ExpiryErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		ExpiryErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a marker, making the collector due immediately.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		ExpiryErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// NextRefresh returns the stored next-refresh instant, if any.
func (m *Manager) NextRefresh(ctx context.Context, key CacheKey) (time.Time, bool, error) {
	entry, err := m.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return entry.Expires, true, nil
}

// Due reports whether the collector identified by key may run at now.
func (m *Manager) Due(ctx context.Context, key CacheKey, now time.Time) (bool, error) {
	next, ok, err := m.NextRefresh(ctx, key)
	if err != nil {
		return false, err
	}
	return !ok || !now.Before(next), nil
}
