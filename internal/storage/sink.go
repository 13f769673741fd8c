// Package storage persists extraction results. Backends register a factory
// under a kind from an init function; storage/all imports every backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTable is used when SinkConfig.Table is empty.
const DefaultTable = "scrape_records"

// SinkConfig selects and configures a backend.
//
// Edge cases:
//   - Kind must match a registered backend.
//   - DSN is passed through unchanged; its meaning is backend-specific.
type SinkConfig struct {
	Kind  string
	DSN   string
	Table string
}

// TableName returns Table or DefaultTable.
func (c SinkConfig) TableName() string {
	if t := strings.TrimSpace(c.Table); t != "" {
		return t
	}
	return DefaultTable
}

// Row is one stored record. A failed item produces a single row with Error
// set and Data nil.
type Row struct {
	RunID       string
	ItemIndex   int
	RecordIndex int
	URL         string
	RuleSet     string

	// Data is the record as a JSON object.
	Data *string

	Error       string
	ExtractedAt time.Time
}

// Columns is the fixed column order used by every SQL backend.
var Columns = []string{
	"run_id",
	"item_index",
	"record_index",
	"url",
	"rule_set",
	"data",
	"error",
	"extracted_at",
}

// DedupeColumns identify a row. Rewriting a run is idempotent.
var DedupeColumns = []string{"run_id", "item_index", "record_index"}

// Values returns the row in Columns order. Empty Error and nil Data map to
// NULL.
func (r Row) Values() []any {
	var data, errText any
	if r.Data != nil {
		data = *r.Data
	}
	if r.Error != "" {
		errText = r.Error
	}
	return []any{
		r.RunID,
		int64(r.ItemIndex),
		int64(r.RecordIndex),
		r.URL,
		r.RuleSet,
		data,
		errText,
		r.ExtractedAt.UTC(),
	}
}

// Sink is a backend-agnostic destination for rows.
type Sink interface {
	// EnsureTable creates the destination if it does not exist.
	EnsureTable(ctx context.Context) error

	// WriteRows stores rows and returns how many were newly written. Rows
	// already present under the same dedupe key are skipped.
	WriteRows(ctx context.Context, rows []Row) (int64, error)

	Close() error
}

// Factory builds a Sink.
type Factory func(ctx context.Context, cfg SinkConfig) (Sink, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterSink registers a backend under kind.
//
// Panics:
//   - If kind is empty or f is nil.
//   - If kind is already registered.
func RegisterSink(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if kind == "" {
		panic("storage: RegisterSink called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterSink called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: sink already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// NewSink constructs a Sink using the registered factory for cfg.Kind.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing sink kind")
	}

	factoriesMu.RLock()
	f := factories[cfg.Kind]
	factoriesMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported sink kind=%s (registered: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, cfg)
}

// Kinds lists registered backends, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Chunks splits rows so that no statement exceeds maxParams bind parameters.
func Chunks(rows []Row, maxParams int) [][]Row {
	per := maxParams / len(Columns)
	if per < 1 {
		per = 1
	}
	var out [][]Row
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
