// Package store persists collector records with idempotent merge semantics.
//
// A Loader writes one entity table. Every Load runs in a single transaction:
// an optional purge of the whole table followed by one upsert per record,
// keyed by the schema's primary key. Session or commit failures rebuild the
// connection and retry the whole load up to MaxReconnects times; statement
// failures roll back and are returned as ErrLoadFailed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/eve-esi-collector/pkg/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_load_total",
		Help: "Total loads by table and result",
	}, []string{"table", "result"})

	loadRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_load_records_total",
		Help: "Total records merged by table",
	}, []string{"table"})

	loadReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_load_reconnects_total",
		Help: "Total database session rebuilds by table",
	}, []string{"table"})

	loadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_load_duration_seconds",
		Help:    "Duration of a committed load by table",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})
)

// Config holds loader configuration.
type Config struct {
	// MaxReconnects bounds session rebuilds per Load.
	MaxReconnects int
	// ReconnectDelay is waited before each rebuild.
	ReconnectDelay time.Duration
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{
		MaxReconnects:  3,
		ReconnectDelay: time.Second,
	}
}

// Loader merges records into one table.
type Loader struct {
	schema    schema.Schema
	dialect   Dialect
	connector Connector
	config    Config

	upsertSQL string
	purgeSQL  string
	createSQL string

	mu     sync.Mutex
	db     *sql.DB
	logger zerolog.Logger
}

// NewLoader creates a loader for s.
func NewLoader(s schema.Schema, dialect Dialect, connector Connector, config Config) (*Loader, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if dialect == nil {
		return nil, fmt.Errorf("dialect is required")
	}
	if connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if config.MaxReconnects < 0 {
		return nil, fmt.Errorf("max reconnects must be >= 0 (got %d)", config.MaxReconnects)
	}

	return &Loader{
		schema:    s,
		dialect:   dialect,
		connector: connector,
		config:    config,
		upsertSQL: upsertStatement(dialect, s),
		purgeSQL:  purgeStatement(s),
		createSQL: createTableStatement(dialect, s),
		logger: log.With().
			Str("component", "loader").
			Str("table", s.Table).
			Logger(),
	}, nil
}

// Table returns the target table name.
func (l *Loader) Table() string {
	return l.schema.Table
}

// EnsureTable creates the target table when it does not exist.
func (l *Loader) EnsureTable(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	db, err := l.session(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoadConnectivity, err)
	}
	if _, err := db.ExecContext(ctx, l.createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", l.schema.Table, err)
	}
	return nil
}

// Load merges records into the table in one transaction. With purge set the
// table is emptied first inside the same transaction.
func (l *Loader) Load(ctx context.Context, records []schema.Record, purge bool) error {
	rows := make([][]any, len(records))
	for i, rec := range records {
		if _, ok := l.schema.Key(rec); !ok {
			loadsTotal.WithLabelValues(l.schema.Table, "invalid").Inc()
			return fmt.Errorf("%w: record %d for table %s", ErrMissingPrimaryKey, i, l.schema.Table)
		}
		rows[i] = l.row(rec)
	}

	if len(rows) == 0 && !purge {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= l.config.MaxReconnects; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if attempt > 0 {
			loadReconnectsTotal.WithLabelValues(l.schema.Table).Inc()
			l.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Int("max_reconnects", l.config.MaxReconnects).
				Msg("Rebuilding database session")
			l.reset()
			if err := sleep(ctx, l.config.ReconnectDelay); err != nil {
				return err
			}
		}

		db, err := l.session(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		err = l.loadOnce(ctx, db, rows, purge)
		if err == nil {
			loadsTotal.WithLabelValues(l.schema.Table, "success").Inc()
			loadRecordsTotal.WithLabelValues(l.schema.Table).Add(float64(len(rows)))
			loadDuration.WithLabelValues(l.schema.Table).Observe(time.Since(start).Seconds())
			l.logger.Debug().
				Int("records", len(rows)).
				Bool("purge", purge).
				Dur("duration", time.Since(start)).
				Msg("Load committed")
			return nil
		}

		var connErr *connectivityError
		if !errors.As(err, &connErr) {
			loadsTotal.WithLabelValues(l.schema.Table, "failed").Inc()
			l.logger.Error().Err(err).Msg("Load failed, transaction rolled back")
			return err
		}
		lastErr = err
	}

	loadsTotal.WithLabelValues(l.schema.Table, "connectivity").Inc()
	l.logger.Error().
		Err(lastErr).
		Int("max_reconnects", l.config.MaxReconnects).
		Msg("Giving up on database session")
	return fmt.Errorf("%w after %d reconnects: %w", ErrLoadConnectivity, l.config.MaxReconnects, lastErr)
}

func (l *Loader) loadOnce(ctx context.Context, db *sql.DB, rows [][]any, purge bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &connectivityError{op: "begin", err: err}
	}

	if purge {
		if _, err := tx.ExecContext(ctx, l.purgeSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: purge %s: %w", ErrLoadFailed, l.schema.Table, err)
		}
	}

	for i, args := range rows {
		if _, err := tx.ExecContext(ctx, l.upsertSQL, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: merge record %d into %s: %w", ErrLoadFailed, i, l.schema.Table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return &connectivityError{op: "commit", err: err}
	}
	return nil
}

func (l *Loader) row(rec schema.Record) []any {
	args := make([]any, len(l.schema.Columns))
	for i, c := range l.schema.Columns {
		args[i] = l.dialect.Value(rec[c.Name])
	}
	return args
}

// session returns the current handle, connecting when there is none.
func (l *Loader) session(ctx context.Context) (*sql.DB, error) {
	if l.db != nil {
		return l.db, nil
	}
	db, err := l.connector.Connect(ctx)
	if err != nil {
		return nil, &connectivityError{op: "connect", err: err}
	}
	l.db = db
	return db, nil
}

func (l *Loader) reset() {
	if l.db != nil {
		_ = l.db.Close()
		l.db = nil
	}
}

// Close releases the database handle.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
