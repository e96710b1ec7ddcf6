// Package transform turns ESI response bodies into schema records.
package transform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/eve-esi-collector/pkg/client"
	"github.com/Sternrassler/eve-esi-collector/pkg/schema"
	"github.com/tidwall/gjson"
)

// ErrMalformedPayload is returned when a response body is not valid JSON.
var ErrMalformedPayload = errors.New("malformed payload")

// Transformer maps one response onto records.
type Transformer interface {
	Parse(resp *client.Response) ([]schema.Record, error)
}

// Func adapts a plain function to Transformer.
type Func func(resp *client.Response) ([]schema.Record, error)

// Parse calls f.
func (f Func) Parse(resp *client.Response) ([]schema.Record, error) {
	return f(resp)
}

// Flatten parses every response and concatenates the records, keeping the
// order within each response.
func Flatten(t Transformer, responses []*client.Response) ([]schema.Record, error) {
	var out []schema.Record
	for _, resp := range responses {
		records, err := t.Parse(resp)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", resp.Page, err)
		}
		out = append(out, records...)
	}
	return out, nil
}

// Mapper is a declarative Transformer. Every column is read from its gjson
// path relative to each item; items are the elements of the array found at
// Root (or the body itself). A body that is a single object yields one record.
type Mapper struct {
	Schema schema.Schema
	Root   string
	// Static values are set on every record, e.g. the region a market
	// endpoint was called for.
	Static map[string]any
}

// NewMapper creates a mapper for s.
func NewMapper(s schema.Schema) *Mapper {
	return &Mapper{Schema: s}
}

// Parse implements Transformer.
func (m *Mapper) Parse(resp *client.Response) ([]schema.Record, error) {
	if !gjson.ValidBytes(resp.Body) {
		return nil, ErrMalformedPayload
	}

	parsed := gjson.ParseBytes(resp.Body)
	if root := strings.TrimSpace(m.Root); root != "" {
		parsed = parsed.Get(root)
		if !parsed.Exists() {
			return nil, nil
		}
	}

	if !parsed.IsArray() {
		if !parsed.IsObject() {
			return nil, fmt.Errorf("%w: expected array or object, got %s", ErrMalformedPayload, parsed.Type)
		}
		rec, err := m.record(parsed)
		if err != nil {
			return nil, err
		}
		return []schema.Record{rec}, nil
	}

	items := parsed.Array()
	records := make([]schema.Record, 0, len(items))
	for i, item := range items {
		rec, err := m.record(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Mapper) record(item gjson.Result) (schema.Record, error) {
	rec := make(schema.Record, len(m.Schema.Columns)+len(m.Static))
	for k, v := range m.Static {
		rec[k] = v
	}
	for _, col := range m.Schema.Columns {
		if _, ok := m.Static[col.Name]; ok {
			continue
		}
		v, err := convert(item.Get(col.SourcePath()), col.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		rec[col.Name] = v
	}
	return rec, nil
}

func convert(res gjson.Result, typ schema.ColumnType) (any, error) {
	if !res.Exists() || res.Type == gjson.Null {
		return nil, nil
	}

	switch typ {
	case schema.TypeInteger, schema.TypeBigInt:
		return res.Int(), nil
	case schema.TypeFloat:
		return res.Float(), nil
	case schema.TypeBoolean:
		return res.Bool(), nil
	case schema.TypeTimestamp:
		ts, err := time.Parse(time.RFC3339, res.String())
		if err != nil {
			return nil, err
		}
		return ts.UTC(), nil
	case schema.TypeJSON:
		return res.Raw, nil
	default:
		return res.String(), nil
	}
}
