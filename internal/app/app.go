// Package app builds the collectors described by the configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sternrassler/eve-esi-collector/internal/config"
	"github.com/Sternrassler/eve-esi-collector/pkg/auth"
	"github.com/Sternrassler/eve-esi-collector/pkg/cache"
	"github.com/Sternrassler/eve-esi-collector/pkg/client"
	"github.com/Sternrassler/eve-esi-collector/pkg/collector"
	"github.com/Sternrassler/eve-esi-collector/pkg/pagination"
	"github.com/Sternrassler/eve-esi-collector/pkg/ratelimit"
	"github.com/Sternrassler/eve-esi-collector/pkg/schema"
	"github.com/Sternrassler/eve-esi-collector/pkg/scheduler"
	"github.com/Sternrassler/eve-esi-collector/pkg/store"
	"github.com/Sternrassler/eve-esi-collector/pkg/transform"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	HTTPClient *http.Client
	Redis      *redis.Client
	Sleeper    client.Sleeper
	After      collector.Hook
}

// App owns the collectors and everything they share.
type App struct {
	Scheduler  *scheduler.Scheduler
	Collectors map[string]*collector.Collector

	config    *config.Config
	redis     *redis.Client
	ownsRedis bool
	loaders   []*store.Loader
	logger    zerolog.Logger
}

// New builds the app. All collectors share one requester; authenticated
// collectors read their character's token from Redis at the start of every
// run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		Collectors: make(map[string]*collector.Collector, len(cfg.Collectors)),
		config:     cfg,
		logger:     log.With().Str("component", "app").Logger(),
	}

	a.redis = opts.Redis
	if a.redis == nil && cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.ownsRedis = true
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	var (
		expiry scheduler.ExpiryStore
		tokens *auth.TokenStore
		gate   client.Gate
	)
	if a.redis != nil {
		expiry = cache.NewManager(a.redis)
		tokens = auth.NewTokenStore(a.redis, a.logger)
		if cfg.ESI.ErrorLimitGate {
			gate = ratelimit.NewTracker(a.redis, ratelimit.DefaultConfig(), a.logger)
		}
	}
	a.Scheduler = scheduler.New(expiry, a.logger)

	dialect, err := store.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	connector := store.DSNConnector{Dialect: dialect, DSN: cfg.Database.DSN}

	requester, err := a.requester(gate, opts)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	for _, cc := range cfg.Collectors {
		var token collector.TokenFunc
		if cc.CharacterID > 0 {
			if tokens == nil {
				_ = a.Close()
				return nil, fmt.Errorf("collector %s: authenticated collector requires redis", cc.Name)
			}
			token = tokens.Source(cc.CharacterID)
		}

		c, err := a.buildCollector(ctx, cc, requester, dialect, connector, opts.After, token)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("collector %s: %w", cc.Name, err)
		}
		a.Collectors[cc.Name] = c

		job := scheduler.Job{
			Runner:   c,
			Schedule: cc.Schedule,
			Key:      cache.CacheKey{Collector: cc.Name, PathParams: cc.PathParams, CharacterID: cc.CharacterID},
		}
		if err := a.Scheduler.Register(job); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	return a, nil
}

// requester builds the requester shared by every collector. It carries no
// token; authenticated runs attach theirs through the context.
func (a *App) requester(gate client.Gate, opts Options) (*client.Requester, error) {
	esi := a.config.ESI
	rc := client.DefaultConfig(esi.UserAgent)
	rc.BaseURL = esi.BaseURL
	rc.DefaultQueryParams = map[string]string{"datasource": esi.Datasource}
	rc.Retry = client.RetryConfig{
		MaxAttempts:   esi.MaxRetries,
		BackoffUnit:   esi.BackoffUnit,
		MaxBackoff:    esi.MaxBackoff,
		CourtesyDelay: esi.CourtesyDelay,
	}
	rc.Verbose = esi.Verbose
	rc.Gate = gate
	rc.Sleeper = opts.Sleeper
	rc.HTTPClient = opts.HTTPClient
	if rc.HTTPClient == nil {
		rc.HTTPClient = &http.Client{Timeout: esi.Timeout}
	}

	return client.New(rc)
}

func (a *App) buildCollector(ctx context.Context, cc config.CollectorConfig, requester *client.Requester, dialect store.Dialect, connector store.Connector, after collector.Hook, token collector.TokenFunc) (*collector.Collector, error) {
	s := cc.Schema()

	fetcher := pagination.NewFetcher(requester, pagination.Config{
		MaxConcurrency: a.config.ESI.Workers,
		PageParam:      "page",
		Verbose:        a.config.ESI.Verbose,
		MaxPages:       a.config.ESI.MaxPages,
	})

	mapper := transform.NewMapper(s)
	mapper.Root = cc.Root
	static, err := staticValues(s, cc)
	if err != nil {
		return nil, err
	}
	mapper.Static = static

	loader, err := store.NewLoader(s, dialect, connector, store.Config{
		MaxReconnects:  a.config.Database.MaxReconnects,
		ReconnectDelay: a.config.Database.ReconnectDelay,
	})
	if err != nil {
		return nil, err
	}
	a.loaders = append(a.loaders, loader)

	if a.config.Database.EnsureTables {
		if err := loader.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}

	return collector.New(collector.Config{
		Name:         cc.Name,
		Descriptor:   cc.Descriptor(),
		Purge:        cc.Purge,
		RefreshShift: cc.RefreshShift,
		After:        after,
		Token:        token,
	}, fetcher, mapper, loader)
}

// staticValues resolves static columns from the collector's path parameters,
// typed like their columns.
func staticValues(s schema.Schema, cc config.CollectorConfig) (map[string]any, error) {
	if len(cc.StaticColumns) == 0 {
		return nil, nil
	}

	types := make(map[string]schema.ColumnType, len(s.Columns))
	for _, c := range s.Columns {
		types[c.Name] = c.Type
	}

	out := make(map[string]any, len(cc.StaticColumns))
	for column, param := range cc.StaticColumns {
		typ, ok := types[column]
		if !ok {
			return nil, fmt.Errorf("static column %s is not declared", column)
		}
		raw, ok := cc.PathParams[strings.ToLower(param)]
		if !ok {
			return nil, fmt.Errorf("static column %s: path parameter %s is not set", column, param)
		}
		switch typ {
		case schema.TypeInteger, schema.TypeBigInt:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("static column %s: %w", column, err)
			}
			out[column] = n
		default:
			out[column] = raw
		}
	}
	return out, nil
}

// Run triggers the named collectors, or all of them when names is empty.
// Without force, collectors whose data has not expired are skipped.
func (a *App) Run(ctx context.Context, names []string, force bool) ([]scheduler.Outcome, error) {
	if len(names) == 0 {
		names = a.Scheduler.Names()
	}

	var (
		outcomes []scheduler.Outcome
		errs     []error
	)
	for _, name := range names {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		out, err := a.Scheduler.Trigger(ctx, name, force)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, out)
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("collector %s: %w", name, out.Err))
		}
	}
	return outcomes, errors.Join(errs...)
}

// Ping checks the shared Redis, if any.
func (a *App) Ping(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Ping(ctx).Err()
}

// Close releases database handles and the owned Redis client.
func (a *App) Close() error {
	var errs []error
	for _, l := range a.loaders {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.ownsRedis && a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
