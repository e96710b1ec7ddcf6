package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/eve-esi-collector/pkg/schema"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Dialect captures the SQL differences between supported engines.
type Dialect interface {
	// Name is the configuration name of the dialect.
	Name() string
	// DriverName is the database/sql driver name.
	DriverName() string
	// Placeholder returns the bind parameter for the 1-based index.
	Placeholder(index int) string
	// ColumnType maps a logical column type onto an engine type.
	ColumnType(t schema.ColumnType) string
	// Value converts a record value to its storage form.
	Value(v any) any
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", name)
	}
}

// SQLite is the dialect for modernc.org/sqlite.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite" }

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.TypeInteger, schema.TypeBigInt, schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Value stores booleans as 0/1 and timestamps as RFC3339Nano text.
func (SQLite) Value(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// Postgres is the dialect for pgx through database/sql.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }

func (Postgres) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeBigInt:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (Postgres) Value(v any) any { return v }

// quote quotes an identifier for both engines.
func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteAll(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = quote(id)
	}
	return strings.Join(quoted, ", ")
}

// upsertStatement builds an INSERT that overwrites every non-key column on
// primary key conflict.
func upsertStatement(d Dialect, s schema.Schema) string {
	cols := s.ColumnNames()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = d.Placeholder(i + 1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		quote(s.Table), quoteAll(cols), strings.Join(placeholders, ", "), quoteAll(s.PrimaryKey))

	nonKey := s.NonKeyColumns()
	if len(nonKey) == 0 {
		b.WriteString("DO NOTHING")
		return b.String()
	}

	sets := make([]string, len(nonKey))
	for i, c := range nonKey {
		sets[i] = fmt.Sprintf("%s = excluded.%s", quote(c), quote(c))
	}
	b.WriteString("DO UPDATE SET ")
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

func purgeStatement(s schema.Schema) string {
	return "DELETE FROM " + quote(s.Table)
}

func createTableStatement(d Dialect, s schema.Schema) string {
	defs := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		def := quote(c.Name) + " " + d.ColumnType(c.Type)
		if s.IsKey(c.Name) {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteAll(s.PrimaryKey)))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(s.Table), strings.Join(defs, ", "))
}
