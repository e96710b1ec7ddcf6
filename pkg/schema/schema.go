// Package schema declares the persisted shape of a collector's entity.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ColumnType is the logical type of a column.
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeBigInt    ColumnType = "bigint"
	TypeFloat     ColumnType = "float"
	TypeText      ColumnType = "text"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSON      ColumnType = "json"
)

// ErrInvalidSchema is returned by Validate.
var ErrInvalidSchema = errors.New("invalid schema")

// Column is one persisted attribute.
type Column struct {
	Name string
	Type ColumnType
	// Path is the JSON path the column is read from. Empty means Name.
	Path string
}

// SourcePath returns the JSON path of the column.
func (c Column) SourcePath() string {
	if c.Path != "" {
		return c.Path
	}
	return c.Name
}

// Schema describes one entity table.
type Schema struct {
	Table      string
	Columns    []Column
	PrimaryKey []string
}

// Record is one entity row keyed by column name.
type Record map[string]any

// Validate checks that the schema names a table, has columns and a primary
// key made only of declared columns.
func (s Schema) Validate() error {
	if strings.TrimSpace(s.Table) == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidSchema)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrInvalidSchema, s.Table)
	}
	if len(s.PrimaryKey) == 0 {
		return fmt.Errorf("%w: table %s has no primary key", ErrInvalidSchema, s.Table)
	}

	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: table %s has an unnamed column", ErrInvalidSchema, s.Table)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column %s", ErrInvalidSchema, c.Name)
		}
		seen[c.Name] = true
	}
	for _, k := range s.PrimaryKey {
		if !seen[k] {
			return fmt.Errorf("%w: primary key column %s is not declared", ErrInvalidSchema, k)
		}
	}
	return nil
}

// ColumnNames returns the column names in declaration order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IsKey reports whether name is part of the primary key.
func (s Schema) IsKey(name string) bool {
	for _, k := range s.PrimaryKey {
		if k == name {
			return true
		}
	}
	return false
}

// NonKeyColumns returns the columns outside the primary key.
func (s Schema) NonKeyColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if !s.IsKey(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

// Key returns the primary key values of r, in key order.
// ok is false when any key column is missing or nil.
func (s Schema) Key(r Record) (values []any, ok bool) {
	values = make([]any, len(s.PrimaryKey))
	for i, k := range s.PrimaryKey {
		v, present := r[k]
		if !present || v == nil {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}
