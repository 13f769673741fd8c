// Package jsonl writes rows as JSON lines to stdout or a file.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"scrapeline/internal/storage"
)

func init() {
	storage.RegisterSink("jsonl", New)
}

// Sink appends one JSON object per row. It does not dedupe.
type Sink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

type line struct {
	RunID       string          `json:"run_id"`
	ItemIndex   int             `json:"item_index"`
	RecordIndex int             `json:"record_index"`
	URL         string          `json:"url"`
	RuleSet     string          `json:"rule_set"`
	Data        json.RawMessage `json:"data"`
	Error       string          `json:"error,omitempty"`
	ExtractedAt time.Time       `json:"extracted_at"`
}

// New opens cfg.DSN for appending. An empty DSN or "-" means stdout.
func New(_ context.Context, cfg storage.SinkConfig) (storage.Sink, error) {
	if cfg.DSN == "" || cfg.DSN == "-" {
		return NewWriter(os.Stdout), nil
	}
	f, err := os.OpenFile(cfg.DSN, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := NewWriter(f)
	s.closer = f
	return s, nil
}

// NewWriter wraps w. Close flushes but does not close w.
func NewWriter(w io.Writer) *Sink {
	return &Sink{w: bufio.NewWriter(w)}
}

func (s *Sink) EnsureTable(context.Context) error { return nil }

func (s *Sink) WriteRows(ctx context.Context, rows []storage.Row) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	enc.SetEscapeHTML(false)

	var n int64
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		l := line{
			RunID:       r.RunID,
			ItemIndex:   r.ItemIndex,
			RecordIndex: r.RecordIndex,
			URL:         r.URL,
			RuleSet:     r.RuleSet,
			Data:        json.RawMessage("null"),
			Error:       r.Error,
			ExtractedAt: r.ExtractedAt.UTC(),
		}
		if r.Data != nil {
			l.Data = json.RawMessage(*r.Data)
		}
		if err := enc.Encode(l); err != nil {
			return n, err
		}
		n++
	}
	return n, s.w.Flush()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
