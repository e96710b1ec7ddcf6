// Package cache derives and persists ESI cache-expiry timestamps.
//
// Every ESI response carries an expires header saying when the data behind
// it may change. A collector run takes the latest expiry across all pages it
// fetched and must not run again before that instant. This package parses
// those headers and keeps the per-collector "next refresh" marker in Redis so
// that schedulers on any host agree on it.
//
// # Parsing
//
//	expires, ok := cache.ParseExpires(resp.Header)
//	latest, ok := cache.MaxExpires(headers...)
//
// A missing or malformed header yields ok == false; it never falls back to a
// guessed TTL because the value gates the next scheduled run.
//
// # Next-refresh markers
//
//	manager := cache.NewManager(redisClient)
//	key := cache.CacheKey{Collector: "market_orders", PathParams: map[string]string{"region_id": "10000002"}}
//
//	if err := manager.Set(ctx, key, &cache.ExpiryEntry{Expires: expires}); err != nil {
//		return err
//	}
//
//	due, err := manager.Due(ctx, key, time.Now())
//
// Entries are stored with a Redis TTL equal to the time left until expiry, so
// an absent key means the collector is due.
//
// # Metrics
//
//   - esi_expiry_hits_total - next-refresh marker found and still in the future
//   - esi_expiry_misses_total - no marker (collector due)
//   - esi_expiry_errors_total{operation} - Redis operation errors
package cache
