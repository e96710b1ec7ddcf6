package pagination

import (
	"context"
	"strconv"
	"time"

	"github.com/Sternrassler/eve-esi-collector/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_pages_fetched_total",
		Help: "Total pages fetched successfully by endpoint",
	}, []string{"endpoint"})

	pagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_pages_dropped_total",
		Help: "Total pages dropped from a batch after their request failed",
	}, []string{"endpoint"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_batch_duration_seconds",
		Help:    "Duration of a complete paginated fetch by endpoint",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"endpoint"})
)

// Dispatcher issues a single request. *client.Requester implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, desc client.RequestDescriptor) client.Result
}

// Config holds fetcher configuration.
type Config struct {
	// MaxConcurrency is the number of workers fetching pages 2..N.
	MaxConcurrency int

	// PageParam is the query parameter carrying the page number.
	PageParam string

	// Verbose logs every dropped page at warn level.
	Verbose bool

	// MaxPages caps the X-Pages count a first page may announce.
	MaxPages int
}

// DefaultMaxPages is the page cap used when none is configured.
const DefaultMaxPages = 2000

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: DefaultWorkers,
		PageParam:      "page",
		MaxPages:       DefaultMaxPages,
	}
}

// Batch is the outcome of one paginated fetch.
type Batch struct {
	// Responses holds only successful pages, in no particular order.
	Responses []*client.Response

	// Expires is the first page's expiry; valid only when HasExpires is set.
	Expires    time.Time
	HasExpires bool

	// ExpectedPages is the X-Pages count reported by the first page capped
	// at Config.MaxPages, or 0 when the first page failed.
	ExpectedPages int

	// ReportedPages is the uncapped X-Pages count.
	ReportedPages int
}

// Empty reports whether the batch carries no responses.
func (b Batch) Empty() bool {
	return len(b.Responses) == 0
}

// Complete reports whether every expected page was fetched.
func (b Batch) Complete() bool {
	return !b.Empty() && len(b.Responses) == b.ExpectedPages
}

// Fetcher fetches every page of a paginated endpoint.
type Fetcher struct {
	dispatcher Dispatcher
	config     Config
	logger     zerolog.Logger
}

// NewFetcher creates a new page fetcher.
func NewFetcher(dispatcher Dispatcher, config Config) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultWorkers
	}
	if config.PageParam == "" {
		config.PageParam = "page"
	}
	if config.MaxPages <= 0 {
		config.MaxPages = DefaultMaxPages
	}

	return &Fetcher{
		dispatcher: dispatcher,
		config:     config,
		logger:     log.With().Str("component", "page-fetcher").Logger(),
	}
}

// Fetch requests page 1, then fans out pages 2..X-Pages across the worker pool.
// Failed pages are dropped; a failed first page yields an empty batch.
func (f *Fetcher) Fetch(ctx context.Context, desc client.RequestDescriptor) Batch {
	start := time.Now()
	logger := f.logger.With().Str("endpoint", desc.Path).Logger()

	first := f.dispatcher.Dispatch(ctx, desc)
	if !first.OK() {
		pagesDroppedTotal.WithLabelValues(desc.Path).Inc()
		logger.Warn().
			Err(first.Err).
			Str("error_class", string(first.Class)).
			Msg("First page failed, batch is empty")
		return Batch{}
	}
	pagesFetchedTotal.WithLabelValues(desc.Path).Inc()

	batch := Batch{
		Responses:     []*client.Response{first.Response},
		ExpectedPages: first.Response.PageCount(),
	}
	batch.ReportedPages = batch.ExpectedPages
	batch.Expires, batch.HasExpires = first.Response.Expires()

	if batch.ExpectedPages > f.config.MaxPages {
		logger.Warn().
			Int("reported_pages", batch.ReportedPages).
			Int("max_pages", f.config.MaxPages).
			Msg("X-Pages above the page cap, fetching the first pages only")
		batch.ExpectedPages = f.config.MaxPages
	}

	if batch.ExpectedPages == 1 {
		batchDuration.WithLabelValues(desc.Path).Observe(time.Since(start).Seconds())
		logger.Debug().Dur("duration", time.Since(start)).Msg("Fetch complete (single page)")
		return batch
	}

	logger.Info().
		Int("total_pages", batch.ExpectedPages).
		Int("workers", f.config.MaxConcurrency).
		Msg("Starting parallel page fetch")

	descs := make([]client.RequestDescriptor, 0, batch.ExpectedPages-1)
	for page := 2; page <= batch.ExpectedPages; page++ {
		descs = append(descs, desc.WithQuery(f.config.PageParam, strconv.Itoa(page)))
	}

	results := RunAll(ctx, f.config.MaxConcurrency, f.dispatcher.Dispatch, descs)

	dropped := 0
	for _, res := range results {
		if !res.OK() {
			dropped++
			pagesDroppedTotal.WithLabelValues(desc.Path).Inc()
			if f.config.Verbose {
				logger.Warn().
					Err(res.Err).
					Str("error_class", string(res.Class)).
					Int("attempts", res.Attempts).
					Msg("Page dropped")
			}
			continue
		}
		pagesFetchedTotal.WithLabelValues(desc.Path).Inc()
		batch.Responses = append(batch.Responses, res.Response)
	}

	batchDuration.WithLabelValues(desc.Path).Observe(time.Since(start).Seconds())

	event := logger.Info()
	if dropped > 0 {
		event = logger.Warn().Int("dropped", dropped)
	}
	event.
		Int("pages", len(batch.Responses)).
		Int("total", batch.ExpectedPages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return batch
}
