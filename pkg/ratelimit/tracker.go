package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	esiErrorsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esi_errors_remaining",
		Help: "Number of errors remaining in current ESI error limit window",
	})

	esiRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to critical error limit",
	})

	esiRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esi_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to warning error limit",
	})
)

// Config holds tracker configuration.
type Config struct {
	KeyPrefix     string
	Thresholds    Thresholds
	ThrottleDelay time.Duration
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "esi:error_limit",
		Thresholds:    DefaultThresholds(),
		ThrottleDelay: time.Second,
	}
}

// Tracker shares the ESI error-limit state between collector processes
// through Redis. It implements client.Gate.
type Tracker struct {
	redis  *redis.Client
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new error-limit tracker.
func NewTracker(redisClient *redis.Client, config Config, logger zerolog.Logger) *Tracker {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = DefaultThresholds()
	}
	return &Tracker{
		redis:  redisClient,
		config: config,
		logger: logger.With().Str("component", "error-limit").Logger(),
		now:    time.Now,
	}
}

// State returns the current window. Once the window has reset, or when
// nothing was observed yet, the state is unknown and treated as healthy.
func (t *Tracker) State(ctx context.Context) (State, error) {
	remain, err := t.redis.Get(ctx, t.config.KeyPrefix+keyErrorsRemaining).Int()
	if errors.Is(err, redis.Nil) {
		return unknownState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("get errors remaining: %w", err)
	}

	reset, err := t.redis.Get(ctx, t.config.KeyPrefix+keyResetTimestamp).Int64()
	if errors.Is(err, redis.Nil) {
		return unknownState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("get reset timestamp: %w", err)
	}

	state := State{ErrorsRemaining: remain, ResetAt: time.Unix(reset, 0), Known: true}
	if !t.now().Before(state.ResetAt) {
		return unknownState(), nil
	}
	return state, nil
}

// Observe records the error-limit headers of a response.
// Responses without the headers are ignored.
func (t *Tracker) Observe(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderErrorLimitRemain)
	if remainStr == "" {
		return nil
	}
	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderErrorLimitRemain, err)
	}

	resetStr := headers.Get(HeaderErrorLimitReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderErrorLimitReset)
	}
	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderErrorLimitReset, err)
	}

	window := time.Duration(resetSeconds) * time.Second
	state := State{ErrorsRemaining: remain, ResetAt: t.now().Add(window), Known: true}

	// keys outlive the window by a second so a reset is never missed
	ttl := window + time.Second
	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, t.config.KeyPrefix+keyErrorsRemaining, remain, ttl)
	pipe.Set(ctx, t.config.KeyPrefix+keyResetTimestamp, state.ResetAt.Unix(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store error limit state in redis: %w", err)
	}

	esiErrorsRemaining.Set(float64(remain))

	th := t.config.Thresholds
	switch {
	case state.Blocked(th):
		t.logger.Error().Int("errors_remaining", remain).Time("reset_at", state.ResetAt).
			Msg("ESI error limit CRITICAL - requests will be blocked")
	case state.Throttled(th):
		t.logger.Warn().Int("errors_remaining", remain).Time("reset_at", state.ResetAt).
			Msg("ESI error limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().Int("errors_remaining", remain).Bool("is_healthy", state.Healthy(th)).
			Msg("ESI error limit state updated")
	}
	return nil
}

// Allow reports whether a request may be sent. In the warning band it waits
// ThrottleDelay before allowing.
func (t *Tracker) Allow(ctx context.Context) (bool, error) {
	state, err := t.State(ctx)
	if err != nil {
		return false, fmt.Errorf("get error limit state: %w", err)
	}

	th := t.config.Thresholds
	if state.Blocked(th) {
		t.logger.Error().
			Int("errors_remaining", state.ErrorsRemaining).
			Dur("wait_duration", state.TimeUntilReset(t.now())).
			Msg("ESI error limit critical - blocking request")
		esiRateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.Throttled(th) && t.config.ThrottleDelay > 0 {
		t.logger.Warn().
			Int("errors_remaining", state.ErrorsRemaining).
			Msg("ESI error limit warning - throttling request")
		esiRateLimitThrottlesTotal.Inc()

		timer := time.NewTimer(t.config.ThrottleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	return true, nil
}
