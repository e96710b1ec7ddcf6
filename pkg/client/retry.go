package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	esiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	esiRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"error_class"})

	esiRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// BackoffUnit is the time unit of the 2^attempt backoff.
	BackoffUnit time.Duration

	// MaxBackoff caps a single backoff. Zero means uncapped.
	MaxBackoff time.Duration

	// CourtesyDelay is slept before every attempt, including the first.
	CourtesyDelay time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   8,
		BackoffUnit:   1 * time.Second,
		CourtesyDelay: 100 * time.Millisecond,
	}
}

// Backoff returns the delay after the given zero-based attempt: 2^attempt units.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.BackoffUnit << uint(attempt)
	if c.MaxBackoff > 0 && (backoff > c.MaxBackoff || backoff <= 0) {
		return c.MaxBackoff
	}
	return backoff
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext is the production Sleeper.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Result is the outcome of one dispatched request.
// Response is non-nil exactly when the request ended with status 200.
type Result struct {
	Response *Response
	Class    ErrorClass
	Attempts int
	Err      error
}

// OK reports whether the request produced a 200 response.
func (r Result) OK() bool {
	return r.Response != nil
}

// attemptOutcome is what a single attempt reports back to the retry loop.
type attemptOutcome struct {
	resp  *Response
	class ErrorClass
	err   error
}

// retryWithBackoff runs fn until it succeeds, fails with a non-retryable class,
// or MaxAttempts is reached. The courtesy delay precedes every attempt and the
// backoff follows every retryable failure, the last one included.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, sleep Sleeper, logger zerolog.Logger, fn func(ctx context.Context, attempt int) attemptOutcome) Result {
	var last attemptOutcome

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := sleep(ctx, cfg.CourtesyDelay); err != nil {
			return cancelled(attempt, last.class, err)
		}

		out := fn(ctx, attempt)
		if out.err == nil {
			if attempt > 0 {
				logger.Info().
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return Result{Response: out.resp, Attempts: attempt + 1}
		}

		last = out
		if !shouldRetry(out.class) {
			return Result{Class: out.class, Attempts: attempt + 1, Err: out.err}
		}

		backoff := cfg.Backoff(attempt)
		esiRetriesTotal.WithLabelValues(string(out.class)).Inc()
		esiRetryBackoffSeconds.WithLabelValues(string(out.class)).Observe(backoff.Seconds())

		logger.Debug().
			Str("error_class", string(out.class)).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", backoff).
			Err(out.err).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, backoff); err != nil {
			return cancelled(attempt+1, out.class, err)
		}
	}

	esiRetryExhaustedTotal.WithLabelValues(string(last.class)).Inc()
	logger.Warn().
		Str("error_class", string(last.class)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return Result{
		Class:    last.class,
		Attempts: cfg.MaxAttempts,
		Err:      fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, cfg.MaxAttempts, last.err),
	}
}

func cancelled(attempts int, class ErrorClass, err error) Result {
	return Result{
		Class:    class,
		Attempts: attempts,
		Err:      fmt.Errorf("%w: %v", ErrContextCancelled, err),
	}
}
