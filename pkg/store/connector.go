package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DefaultBusyTimeout is how long a sqlite connection waits for another
// writer on the same file before reporting SQLITE_BUSY.
const DefaultBusyTimeout = 30 * time.Second

// Connector opens a database handle. The loader calls it again to rebuild
// the session after a connectivity fault.
type Connector interface {
	Connect(ctx context.Context) (*sql.DB, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (*sql.DB, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context) (*sql.DB, error) {
	return f(ctx)
}

// DSNConnector opens connections through database/sql.
type DSNConnector struct {
	Dialect Dialect
	DSN     string

	// BusyTimeout applies to sqlite only. Zero means DefaultBusyTimeout.
	BusyTimeout time.Duration
}

// Connect opens and pings the database.
func (c DSNConnector) Connect(ctx context.Context) (*sql.DB, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	dsn := c.DSN
	if c.Dialect.Name() == "sqlite" {
		timeout := c.BusyTimeout
		if timeout <= 0 {
			timeout = DefaultBusyTimeout
		}
		dsn = sqliteDSN(dsn, timeout)
	}

	db, err := sql.Open(c.Dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", c.Dialect.Name(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", c.Dialect.Name(), err)
	}

	if c.Dialect.Name() == "sqlite" {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(10 * time.Minute)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(time.Minute)
	}

	return db, nil
}

// sqliteDSN adds a busy timeout, WAL journaling and immediate write
// transactions to a sqlite DSN so that loaders of different collectors can
// share one database file. Settings already present in the DSN win.
func sqliteDSN(dsn string, busyTimeout time.Duration) string {
	var pragmas []string
	if !strings.Contains(dsn, "busy_timeout") {
		pragmas = append(pragmas, fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()))
	}
	if !strings.Contains(dsn, "journal_mode") && !strings.Contains(dsn, ":memory:") {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	if !strings.Contains(dsn, "_txlock") {
		pragmas = append(pragmas, "_txlock=immediate")
	}
	if len(pragmas) == 0 {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}
