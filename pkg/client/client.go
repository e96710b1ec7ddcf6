// Package client provides the retrying ESI requester used by collectors.
//
// A Requester dispatches one descriptor at a time with a courtesy delay before
// every attempt and 2^attempt backoff on transient failures. It is safe for
// concurrent use: its configuration, default parameters and headers are fixed
// at construction and only read afterwards.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Prometheus metrics for ESI requests.
var (
	esiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_requests_total",
		Help: "Total ESI requests by endpoint and status",
	}, []string{"endpoint", "status"})

	esiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_request_duration_seconds",
		Help:    "ESI request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	esiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_errors_total",
		Help: "Total ESI errors by class",
	}, []string{"class"})
)

// Gate decides whether a request may go out and learns from response headers.
// ratelimit.Tracker implements it.
type Gate interface {
	Allow(ctx context.Context) (bool, error)
	Observe(ctx context.Context, headers http.Header) error
}

// Config holds the requester configuration.
type Config struct {
	// BaseURL is prepended to every descriptor path.
	BaseURL string

	// User-Agent header (REQUIRED by ESI)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// DefaultPathParams fill path placeholders not given by the descriptor.
	DefaultPathParams map[string]string

	// DefaultQueryParams are sent with every request, e.g. datasource=tranquility.
	DefaultQueryParams map[string]string

	// Token, when set, is sent as "Authorization: <type> <token>" on every request.
	Token *oauth2.Token

	// Retry controls attempts, backoff and the courtesy delay.
	Retry RetryConfig

	// Verbose logs full request/response detail for non-retryable failures.
	Verbose bool

	// HTTPClient is shared by all workers. Its timeout bounds a hung request.
	HTTPClient *http.Client

	// Gate is optional.
	Gate Gate

	// Sleeper replaces the real clock (for testing).
	Sleeper Sleeper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:            "https://esi.evetech.net/latest",
		UserAgent:          userAgent,
		DefaultQueryParams: map[string]string{"datasource": "tranquility"},
		Retry:              DefaultRetryConfig(),
	}
}

// Requester is the retrying ESI requester.
type Requester struct {
	httpClient  *http.Client
	baseURL     string
	userAgent   string
	authHeader  string
	pathParams  map[string]string
	queryParams map[string]string
	retry       RetryConfig
	verbose     bool
	gate        Gate
	sleep       Sleeper
	logger      zerolog.Logger
}

// New creates a new Requester.
func New(cfg Config) (*Requester, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	sleep := cfg.Sleeper
	if sleep == nil {
		sleep = sleepContext
	}

	var authHeader string
	if cfg.Token != nil && cfg.Token.AccessToken != "" {
		authHeader = cfg.Token.Type() + " " + cfg.Token.AccessToken
	}

	return &Requester{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:   cfg.UserAgent,
		authHeader:  authHeader,
		pathParams:  copyParams(cfg.DefaultPathParams),
		queryParams: copyParams(cfg.DefaultQueryParams),
		retry:       cfg.Retry,
		verbose:     cfg.Verbose,
		gate:        cfg.Gate,
		sleep:       sleep,
		logger:      log.With().Str("component", "esi-requester").Logger(),
	}, nil
}

type tokenKey struct{}

// WithToken returns a copy of ctx whose requests carry tok in place of the
// requester's configured token. Collectors resolve a token once per run and
// pass it this way, so a shared requester never changes.
func WithToken(ctx context.Context, tok *oauth2.Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// TokenFromContext returns the token set by WithToken.
func TokenFromContext(ctx context.Context) (*oauth2.Token, bool) {
	tok, ok := ctx.Value(tokenKey{}).(*oauth2.Token)
	return tok, ok && tok != nil && tok.AccessToken != ""
}

// SetLogger replaces the requester's logger.
func (r *Requester) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// Dispatch issues the described request with bounded retry.
// The result carries a response only for status 200; every other outcome is
// reported through Class and Err and never as a partial response.
func (r *Requester) Dispatch(ctx context.Context, desc RequestDescriptor) Result {
	path, err := renderPath(desc.Path, r.pathParams, desc.PathParams)
	if err != nil {
		return Result{Class: ErrorClassClient, Err: err}
	}

	var body []byte
	if desc.Body != nil {
		body, err = json.Marshal(desc.Body)
		if err != nil {
			return Result{Class: ErrorClassClient, Err: fmt.Errorf("%w: encode body: %v", ErrInvalidDescriptor, err)}
		}
	}

	query := mergeQuery(r.queryParams, desc.QueryParams)
	target := r.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	page := 1
	if p, err := strconv.Atoi(query.Get("page")); err == nil && p > 0 {
		page = p
	}

	logger := r.logger.With().Str("endpoint", desc.Path).Int("page", page).Logger()

	authHeader := r.authHeader
	if tok, ok := TokenFromContext(ctx); ok {
		authHeader = tok.Type() + " " + tok.AccessToken
	}

	return retryWithBackoff(ctx, r.retry, r.sleep, logger, func(ctx context.Context, attempt int) attemptOutcome {
		return r.attempt(ctx, desc, target, body, authHeader, page, logger)
	})
}

// attempt performs a single HTTP round trip.
func (r *Requester) attempt(ctx context.Context, desc RequestDescriptor, target string, body []byte, authHeader string, page int, logger zerolog.Logger) attemptOutcome {
	if r.gate != nil {
		allowed, err := r.gate.Allow(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Error limit check failed, sending request anyway")
		} else if !allowed {
			esiRequestsTotal.WithLabelValues(desc.Path, "rate_limited").Inc()
			return attemptOutcome{class: ErrorClassRateLimit, err: ErrRequestBlocked}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, desc.method(), target, reader)
	if err != nil {
		return attemptOutcome{class: ErrorClassClient, err: fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)}
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	esiRequestDuration.WithLabelValues(desc.Path).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// cancellation is not a transport fault; stop without retrying
			return attemptOutcome{class: ErrorClassClient, err: fmt.Errorf("%w: %v", ErrContextCancelled, ctxErr)}
		}
		esiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		esiRequestsTotal.WithLabelValues(desc.Path, "network_error").Inc()
		logger.Warn().Err(err).Msg("Transport fault")
		return attemptOutcome{class: ErrorClassNetwork, err: err}
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		esiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		esiRequestsTotal.WithLabelValues(desc.Path, "network_error").Inc()
		logger.Warn().Err(err).Msg("Response body read failed")
		return attemptOutcome{class: ErrorClassNetwork, err: fmt.Errorf("read response body: %w", err)}
	}

	if r.gate != nil {
		if err := r.gate.Observe(ctx, resp.Header); err != nil {
			logger.Warn().Err(err).Msg("Failed to update error limit from headers")
		}
	}

	esiRequestsTotal.WithLabelValues(desc.Path, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusOK {
		return attemptOutcome{resp: &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       data,
			Page:       page,
		}}
	}

	class := classifyStatus(resp.StatusCode)
	esiErrorsTotal.WithLabelValues(string(class)).Inc()
	esiErr := &ESIError{
		StatusCode: resp.StatusCode,
		ErrorClass: class,
		Message:    resp.Status,
	}

	if class == ErrorClassServer {
		logger.Debug().Int("status", resp.StatusCode).Msg("Server error")
		return attemptOutcome{class: class, err: esiErr}
	}

	if r.verbose {
		logger.Warn().
			Str("method", desc.method()).
			Interface("path_params", desc.PathParams).
			Interface("query_params", desc.QueryParams).
			Interface("request_body", desc.Body).
			Int("status", resp.StatusCode).
			Str("response_body", string(data)).
			Msg("Request error, canceling request")
	} else {
		logger.Debug().Int("status", resp.StatusCode).Msg("Request error, canceling request")
	}
	return attemptOutcome{class: class, err: esiErr}
}

// IsCancelled reports whether a result ended because its context was done.
func IsCancelled(res Result) bool {
	return errors.Is(res.Err, ErrContextCancelled)
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
