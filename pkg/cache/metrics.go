package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExpiryHits counts lookups that found a future next-refresh marker
	ExpiryHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_expiry_hits_total",
			Help: "Total number of next-refresh markers found in Redis",
		},
	)

	// ExpiryMisses counts lookups without a marker
	ExpiryMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_expiry_misses_total",
			Help: "Total number of next-refresh lookups without a marker",
		},
	)

	// ExpiryErrors tracks marker operation errors
	ExpiryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esi_expiry_errors_total",
			Help: "Total number of next-refresh marker operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
