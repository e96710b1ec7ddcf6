// Package collector runs one extract-transform-load cycle per call.
//
// A Collector binds an endpoint descriptor to three capabilities: a page
// fetcher, a transformer and a loader. Run moves through
// Idle → Extracting → Transforming → Loading → Done, or to Failed on the first
// unrecovered error, and returns the instant before which the endpoint should
// not be collected again.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/eve-esi-collector/pkg/cache"
	"github.com/Sternrassler/eve-esi-collector/pkg/client"
	"github.com/Sternrassler/eve-esi-collector/pkg/pagination"
	"github.com/Sternrassler/eve-esi-collector/pkg/schema"
	"github.com/Sternrassler/eve-esi-collector/pkg/transform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	// ErrTransform wraps transformer failures.
	ErrTransform = errors.New("transform failed")

	// ErrLoad wraps loader failures.
	ErrLoad = errors.New("load failed")

	// ErrAuth wraps failures to obtain the run's token.
	ErrAuth = errors.New("no usable token")
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_collector_runs_total",
		Help: "Total collector runs by collector and final state",
	}, []string{"collector", "state"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_collector_run_duration_seconds",
		Help:    "Collector run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"collector"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_collector_records_total",
		Help: "Total records produced by collector",
	}, []string{"collector"})
)

// Fetcher extracts every page of an endpoint. *pagination.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, desc client.RequestDescriptor) pagination.Batch
}

// Loader persists records. *store.Loader implements it.
type Loader interface {
	Load(ctx context.Context, records []schema.Record, purge bool) error
}

// TokenFunc returns the token for one run. *auth.TokenStore provides one per
// character through Source.
type TokenFunc func(ctx context.Context) (*oauth2.Token, error)

// Hook runs after a successful load.
type Hook func(ctx context.Context, result RunResult) error

// Config describes one collector.
type Config struct {
	Name       string
	Descriptor client.RequestDescriptor

	// Purge empties the table before every load.
	Purge bool

	// RefreshShift is added to the cache expiry of every run.
	RefreshShift time.Duration

	// After is optional. Its error is logged and does not fail the run.
	After Hook

	// Token is optional. It is called at the start of every run and the
	// token is sent with each of that run's requests.
	Token TokenFunc
}

// RunResult summarizes a collector run.
type RunResult struct {
	State State

	// NextRefresh is valid only when HasNextRefresh is set.
	NextRefresh    time.Time
	HasNextRefresh bool

	Pages         int
	ExpectedPages int
	Records       int
	Elapsed       time.Duration
}

// Collector is one configured ETL job.
type Collector struct {
	config      Config
	fetcher     Fetcher
	transformer transform.Transformer
	loader      Loader
	state       atomic.Int32
	logger      zerolog.Logger
}

// New creates a collector.
func New(config Config, fetcher Fetcher, transformer transform.Transformer, loader Loader) (*Collector, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("collector name is required")
	}
	if config.Descriptor.Path == "" {
		return nil, fmt.Errorf("collector %s: descriptor path is required", config.Name)
	}
	if fetcher == nil || transformer == nil || loader == nil {
		return nil, fmt.Errorf("collector %s: fetcher, transformer and loader are required", config.Name)
	}
	if config.RefreshShift < 0 {
		return nil, fmt.Errorf("collector %s: refresh shift must be >= 0 (got %s)", config.Name, config.RefreshShift)
	}

	return &Collector{
		config:      config,
		fetcher:     fetcher,
		transformer: transformer,
		loader:      loader,
		logger:      log.With().Str("component", "collector").Str("collector", config.Name).Logger(),
	}, nil
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.config.Name
}

// State returns the phase of the current or last run.
func (c *Collector) State() State {
	return State(c.state.Load())
}

func (c *Collector) enter(s State) {
	c.state.Store(int32(s))
}

// Run performs one extract-transform-load cycle. An empty extraction ends
// in Done without transforming, loading or a next refresh.
func (c *Collector) Run(ctx context.Context) (RunResult, error) {
	start := time.Now()
	c.logger.Info().Str("endpoint", c.config.Descriptor.Path).Msg("Began ETL process")

	var result RunResult
	finish := func(state State, err error) (RunResult, error) {
		c.enter(state)
		result.State = state
		result.Elapsed = time.Since(start)
		runsTotal.WithLabelValues(c.config.Name, state.String()).Inc()
		runDuration.WithLabelValues(c.config.Name).Observe(result.Elapsed.Seconds())

		if err != nil {
			c.logger.Error().Err(err).Dur("elapsed", result.Elapsed).Msg("ETL failed")
			return result, err
		}
		event := c.logger.Info().
			Int("pages", result.Pages).
			Int("expected_pages", result.ExpectedPages).
			Int("records", result.Records).
			Dur("elapsed", result.Elapsed)
		if result.HasNextRefresh {
			event = event.Time("next_refresh", result.NextRefresh)
		}
		event.Msg("ETL complete")
		return result, nil
	}

	if c.config.Token != nil {
		tok, err := c.config.Token(ctx)
		if err != nil {
			return finish(StateFailed, fmt.Errorf("%w: %w", ErrAuth, err))
		}
		ctx = client.WithToken(ctx, tok)
	}

	c.enter(StateExtracting)
	batch := c.fetcher.Fetch(ctx, c.config.Descriptor)
	result.Pages = len(batch.Responses)
	result.ExpectedPages = batch.ExpectedPages
	if batch.Empty() {
		if err := ctx.Err(); err != nil {
			return finish(StateFailed, err)
		}
		c.logger.Info().Msg("Nothing extracted, skipping transform and load")
		return finish(StateDone, nil)
	}
	if !batch.Complete() {
		c.logger.Warn().
			Int("pages", result.Pages).
			Int("expected_pages", result.ExpectedPages).
			Msg("Partial batch, loading the pages that succeeded")
	}

	c.enter(StateTransforming)
	records, err := transform.Flatten(c.transformer, batch.Responses)
	if err != nil {
		return finish(StateFailed, fmt.Errorf("%w: %v", ErrTransform, err))
	}
	result.Records = len(records)
	recordsTotal.WithLabelValues(c.config.Name).Add(float64(len(records)))

	c.enter(StateLoading)
	if err := c.loader.Load(ctx, records, c.config.Purge); err != nil {
		return finish(StateFailed, fmt.Errorf("%w: %w", ErrLoad, err))
	}

	headers := make([]http.Header, len(batch.Responses))
	for i, resp := range batch.Responses {
		headers[i] = resp.Header
	}
	if expires, ok := cache.MaxExpires(headers...); ok {
		result.NextRefresh = expires.Add(c.config.RefreshShift)
		result.HasNextRefresh = true
	}

	if c.config.After != nil {
		if err := c.config.After(ctx, result); err != nil {
			c.logger.Warn().Err(err).Msg("Post-load hook failed")
		}
	}

	return finish(StateDone, nil)
}
