package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Sternrassler/eve-esi-collector/pkg/schema"
)

func newSQLiteLoader(t *testing.T) (*Loader, *sql.DB) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "collector.db")
	loader, err := NewLoader(itemsSchema(), SQLite{}, DSNConnector{Dialect: SQLite{}, DSN: dsn}, Config{MaxReconnects: 1})
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	t.Cleanup(func() { _ = loader.Close() })

	if err := loader.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}

	// a second handle to inspect committed state; sqlite serializes the writers
	check, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = check.Close() })

	return loader, check
}

func rowsOf(t *testing.T, db *sql.DB) map[int64]string {
	t.Helper()

	rows, err := db.Query(`SELECT id, val FROM items`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var (
			id  int64
			val sql.NullString
		)
		if err := rows.Scan(&id, &val); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out[id] = val.String
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func TestLoad_LastWriteWinsWithinBatch(t *testing.T) {
	loader, check := newSQLiteLoader(t)

	records := []schema.Record{
		{"id": 1, "val": "a"},
		{"id": 1, "val": "b"},
	}
	if err := loader.Load(context.Background(), records, false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := rowsOf(t, check)
	if len(got) != 1 || got[1] != "b" {
		t.Errorf("rows = %v, want {1: b}", got)
	}
}

func TestLoad_MergeKeepsPriorRows(t *testing.T) {
	loader, check := newSQLiteLoader(t)
	ctx := context.Background()

	if err := loader.Load(ctx, []schema.Record{{"id": 1, "val": "a"}, {"id": 2, "val": "b"}}, false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := loader.Load(ctx, []schema.Record{{"id": 2, "val": "c"}, {"id": 3, "val": "d"}}, false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := rowsOf(t, check)
	want := map[int64]string{1: "a", 2: "c", 3: "d"}
	if len(got) != len(want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}
	for id, val := range want {
		if got[id] != val {
			t.Errorf("row %d = %q, want %q", id, got[id], val)
		}
	}
}

func TestLoad_Purge(t *testing.T) {
	tests := []struct {
		name    string
		records []schema.Record
		want    map[int64]string
	}{
		{name: "empty record set empties table", want: map[int64]string{}},
		{name: "table reflects exactly the input", records: []schema.Record{{"id": 9, "val": "z"}}, want: map[int64]string{9: "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader, check := newSQLiteLoader(t)
			ctx := context.Background()

			if err := loader.Load(ctx, []schema.Record{{"id": 1, "val": "a"}, {"id": 2, "val": "b"}}, false); err != nil {
				t.Fatalf("seed Load() error = %v", err)
			}
			if err := loader.Load(ctx, tt.records, true); err != nil {
				t.Fatalf("Load(purge) error = %v", err)
			}

			got := rowsOf(t, check)
			if len(got) != len(tt.want) {
				t.Fatalf("rows = %v, want %v", got, tt.want)
			}
			for id, val := range tt.want {
				if got[id] != val {
					t.Errorf("row %d = %q, want %q", id, got[id], val)
				}
			}
		})
	}
}

func TestLoad_MergeFailureRollsBack(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "collector.db")
	check, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer check.Close()

	if _, err := check.Exec(`CREATE TABLE items (id INTEGER NOT NULL PRIMARY KEY, val TEXT CHECK (val <> 'bad'))`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := check.Exec(`INSERT INTO items (id, val) VALUES (1, 'a')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	connects := 0
	connector := ConnectorFunc(func(ctx context.Context) (*sql.DB, error) {
		connects++
		return DSNConnector{Dialect: SQLite{}, DSN: dsn}.Connect(ctx)
	})
	loader, err := NewLoader(itemsSchema(), SQLite{}, connector, Config{MaxReconnects: 3})
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	defer loader.Close()

	err = loader.Load(context.Background(), []schema.Record{{"id": 2, "val": "ok"}, {"id": 3, "val": "bad"}}, true)
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("Load() error = %v, want ErrLoadFailed", err)
	}
	if connects != 1 {
		t.Errorf("connects = %d, statement failures must not reconnect", connects)
	}

	got := rowsOf(t, check)
	if len(got) != 1 || got[1] != "a" {
		t.Errorf("rows = %v, want the seeded row only", got)
	}
}

func TestLoad_MissingPrimaryKey(t *testing.T) {
	connects := 0
	connector := ConnectorFunc(func(ctx context.Context) (*sql.DB, error) {
		connects++
		return nil, errors.New("unreachable")
	})
	loader, err := NewLoader(itemsSchema(), SQLite{}, connector, DefaultConfig())
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}

	err = loader.Load(context.Background(), []schema.Record{{"val": "no key"}}, false)
	if !errors.Is(err, ErrMissingPrimaryKey) {
		t.Errorf("Load() error = %v, want ErrMissingPrimaryKey", err)
	}
	if connects != 0 {
		t.Errorf("connects = %d, want 0", connects)
	}
}

func TestLoad_EmptyWithoutPurgeIsNoop(t *testing.T) {
	connector := ConnectorFunc(func(ctx context.Context) (*sql.DB, error) {
		t.Fatal("Connect must not be called")
		return nil, nil
	})
	loader, err := NewLoader(itemsSchema(), SQLite{}, connector, DefaultConfig())
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	if err := loader.Load(context.Background(), nil, false); err != nil {
		t.Errorf("Load() error = %v", err)
	}
}

var errConnReset = errors.New("connection reset by peer")

const upsertItemsSQL = `INSERT INTO "items" ("id", "val") VALUES (?, ?) ON CONFLICT ("id") DO UPDATE SET "val" = excluded."val"`

// mockConnector hands out one sqlmock handle per Connect call.
type mockConnector struct {
	t     *testing.T
	dbs   []*sql.DB
	mocks []sqlmock.Sqlmock
	next  int
	fail  error
}

func newMockConnector(t *testing.T, n int) *mockConnector {
	t.Helper()
	c := &mockConnector{t: t}
	for i := 0; i < n; i++ {
		db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		if err != nil {
			t.Fatalf("sqlmock.New() error = %v", err)
		}
		c.dbs = append(c.dbs, db)
		c.mocks = append(c.mocks, mock)
	}
	return c
}

func (c *mockConnector) Connect(ctx context.Context) (*sql.DB, error) {
	if c.fail != nil {
		c.next++
		return nil, c.fail
	}
	if c.next >= len(c.dbs) {
		c.t.Fatalf("unexpected Connect call %d", c.next+1)
	}
	db := c.dbs[c.next]
	c.next++
	return db, nil
}

func (c *mockConnector) verify() {
	c.t.Helper()
	for i, m := range c.mocks {
		if err := m.ExpectationsWereMet(); err != nil {
			c.t.Errorf("session %d: %v", i+1, err)
		}
	}
}

func TestLoad_CommitFailureRebuildsSession(t *testing.T) {
	c := newMockConnector(t, 2)

	first := c.mocks[0]
	first.ExpectBegin()
	first.ExpectExec(`DELETE FROM "items"`).WillReturnResult(sqlmock.NewResult(0, 4))
	first.ExpectExec(upsertItemsSQL).WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))
	first.ExpectCommit().WillReturnError(errConnReset)
	first.ExpectClose()

	second := c.mocks[1]
	second.ExpectBegin()
	second.ExpectExec(`DELETE FROM "items"`).WillReturnResult(sqlmock.NewResult(0, 4))
	second.ExpectExec(upsertItemsSQL).WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))
	second.ExpectCommit()

	loader, err := NewLoader(itemsSchema(), SQLite{}, c, Config{MaxReconnects: 3})
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}

	if err := loader.Load(context.Background(), []schema.Record{{"id": int64(1), "val": "a"}}, true); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.next != 2 {
		t.Errorf("connects = %d, want 2", c.next)
	}
	c.verify()
}

func TestLoad_ReconnectCeiling(t *testing.T) {
	t.Run("connect keeps failing", func(t *testing.T) {
		c := &mockConnector{t: t, fail: errors.New("connection refused")}
		loader, err := NewLoader(itemsSchema(), SQLite{}, c, Config{MaxReconnects: 2})
		if err != nil {
			t.Fatalf("NewLoader() error = %v", err)
		}

		err = loader.Load(context.Background(), []schema.Record{{"id": 1, "val": "a"}}, false)
		if !errors.Is(err, ErrLoadConnectivity) {
			t.Fatalf("Load() error = %v, want ErrLoadConnectivity", err)
		}
		if c.next != 3 {
			t.Errorf("connects = %d, want 3 (initial + 2 reconnects)", c.next)
		}
	})

	t.Run("commit keeps failing", func(t *testing.T) {
		c := newMockConnector(t, 2)
		for i, m := range c.mocks {
			m.ExpectBegin()
			m.ExpectExec(upsertItemsSQL).WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))
			m.ExpectCommit().WillReturnError(errConnReset)
			if i == 0 {
				m.ExpectClose()
			}
		}

		loader, err := NewLoader(itemsSchema(), SQLite{}, c, Config{MaxReconnects: 1})
		if err != nil {
			t.Fatalf("NewLoader() error = %v", err)
		}

		err = loader.Load(context.Background(), []schema.Record{{"id": int64(1), "val": "a"}}, false)
		if !errors.Is(err, ErrLoadConnectivity) {
			t.Fatalf("Load() error = %v, want ErrLoadConnectivity", err)
		}
		c.verify()
	})
}

func TestLoad_ContextCancelled(t *testing.T) {
	c := newMockConnector(t, 1)
	loader, err := NewLoader(itemsSchema(), SQLite{}, c, DefaultConfig())
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = loader.Load(ctx, []schema.Record{{"id": 1, "val": "a"}}, false)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
}

func TestNewLoader_Validation(t *testing.T) {
	c := ConnectorFunc(func(ctx context.Context) (*sql.DB, error) { return nil, nil })

	if _, err := NewLoader(schema.Schema{Table: "x"}, SQLite{}, c, DefaultConfig()); !errors.Is(err, schema.ErrInvalidSchema) {
		t.Errorf("invalid schema: err = %v", err)
	}
	if _, err := NewLoader(itemsSchema(), nil, c, DefaultConfig()); err == nil {
		t.Error("nil dialect: expected error")
	}
	if _, err := NewLoader(itemsSchema(), SQLite{}, nil, DefaultConfig()); err == nil {
		t.Error("nil connector: expected error")
	}
	if _, err := NewLoader(itemsSchema(), SQLite{}, c, Config{MaxReconnects: -1}); err == nil {
		t.Error("negative reconnects: expected error")
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"esi.db", "esi.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"},
		{"file:esi.db?cache=shared", "file:esi.db?cache=shared&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"},
		{":memory:", ":memory:?_pragma=busy_timeout(5000)&_txlock=immediate"},
		{"esi.db?_pragma=busy_timeout(100)&_pragma=journal_mode(DELETE)&_txlock=deferred", "esi.db?_pragma=busy_timeout(100)&_pragma=journal_mode(DELETE)&_txlock=deferred"},
	}

	for _, tt := range tests {
		if got := sqliteDSN(tt.dsn, 5*time.Second); got != tt.want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestLoad_ConcurrentLoadersShareFile(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "collector.db")
	ctx := context.Background()

	loaders := make([]*Loader, 2)
	for i, table := range []string{"items", "items_b"} {
		s := itemsSchema()
		s.Table = table
		l, err := NewLoader(s, SQLite{}, DSNConnector{Dialect: SQLite{}, DSN: dsn}, Config{MaxReconnects: 1})
		if err != nil {
			t.Fatalf("NewLoader() error = %v", err)
		}
		t.Cleanup(func() { _ = l.Close() })
		if err := l.EnsureTable(ctx); err != nil {
			t.Fatalf("EnsureTable(%s) error = %v", table, err)
		}
		loaders[i] = l
	}

	records := make([]schema.Record, 200)
	for i := range records {
		records[i] = schema.Record{"id": int64(i), "val": fmt.Sprintf("v%d", i)}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*20)
	for _, l := range loaders {
		wg.Add(1)
		go func(l *Loader) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := l.Load(ctx, records, true); err != nil {
					errs <- fmt.Errorf("%s: %w", l.Table(), err)
				}
			}
		}(l)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Load() error = %v", err)
	}
}

func TestLoad_FailureKeepsCause(t *testing.T) {
	errConstraint := errors.New("constraint failed")

	tests := []struct {
		name   string
		purge  bool
		expect func(m sqlmock.Sqlmock)
	}{
		{
			name:  "purge",
			purge: true,
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(`DELETE FROM "items"`).WillReturnError(errConstraint)
				m.ExpectRollback()
			},
		},
		{
			name: "merge",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(upsertItemsSQL).WithArgs(int64(1), "a").WillReturnError(errConstraint)
				m.ExpectRollback()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newMockConnector(t, 1)
			tt.expect(c.mocks[0])

			loader, err := NewLoader(itemsSchema(), SQLite{}, c, DefaultConfig())
			if err != nil {
				t.Fatalf("NewLoader() error = %v", err)
			}

			err = loader.Load(context.Background(), []schema.Record{{"id": int64(1), "val": "a"}}, tt.purge)
			if !errors.Is(err, ErrLoadFailed) || !errors.Is(err, errConstraint) {
				t.Errorf("Load() error = %v, want ErrLoadFailed wrapping the driver error", err)
			}
			c.verify()
		})
	}

	t.Run("connectivity", func(t *testing.T) {
		refused := errors.New("connection refused")
		c := &mockConnector{t: t, fail: refused}
		loader, err := NewLoader(itemsSchema(), SQLite{}, c, Config{})
		if err != nil {
			t.Fatalf("NewLoader() error = %v", err)
		}

		err = loader.Load(context.Background(), []schema.Record{{"id": int64(1), "val": "a"}}, false)
		if !errors.Is(err, ErrLoadConnectivity) || !errors.Is(err, refused) {
			t.Errorf("Load() error = %v, want ErrLoadConnectivity wrapping the cause", err)
		}
	})
}
