package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scrapeline/internal/engine"
	"scrapeline/internal/storage"
)

// NewRunID returns a fresh identifier for one Run's rows.
func NewRunID() string { return uuid.NewString() }

// RowsFromOutcomes flattens outcomes into sink rows in input order. A failed
// item yields one row carrying the error and no data; a successful item
// yields one row per record.
func RowsFromOutcomes(runID string, outcomes []Outcome, at time.Time) ([]storage.Row, error) {
	var rows []storage.Row
	for _, o := range outcomes {
		url := o.FinalURL
		if url == "" {
			url = o.URL
		}
		if !o.OK() {
			msg := o.Error.String()
			if o.Cause != nil {
				msg += ": " + o.Cause.Error()
			}
			rows = append(rows, storage.Row{
				RunID:       runID,
				ItemIndex:   o.Index,
				URL:         url,
				RuleSet:     o.RuleSet,
				Error:       msg,
				ExtractedAt: at,
			})
			continue
		}
		for j, rec := range o.Records {
			b, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("item %d record %d: %w", o.Index, j, err)
			}
			data := string(b)
			rows = append(rows, storage.Row{
				RunID:       runID,
				ItemIndex:   o.Index,
				RecordIndex: j,
				URL:         url,
				RuleSet:     o.RuleSet,
				Data:        &data,
				ExtractedAt: at,
			})
		}
	}
	return rows, nil
}

// Emit writes outcomes to sink and returns the number of new rows.
func Emit(ctx context.Context, sink storage.Sink, runID string, outcomes []Outcome, at time.Time) (int64, error) {
	rows, err := RowsFromOutcomes(runID, outcomes, at)
	if err != nil {
		return 0, err
	}
	if err := sink.EnsureTable(ctx); err != nil {
		return 0, err
	}
	return sink.WriteRows(ctx, rows)
}

// Result is the JSON shape of one outcome.
type Result struct {
	Index    int             `json:"index"`
	URL      string          `json:"url"`
	FinalURL string          `json:"final_url,omitempty"`
	RuleSet  string          `json:"rule_set,omitempty"`
	Records  []engine.Record `json:"records"`
	Error    string          `json:"error,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Attempts int             `json:"attempts"`
	Millis   int64           `json:"duration_ms"`
}

// ResultOf converts an outcome for printing.
func ResultOf(o Outcome) Result {
	r := Result{
		Index:    o.Index,
		URL:      o.URL,
		FinalURL: o.FinalURL,
		RuleSet:  o.RuleSet,
		Records:  o.Records,
		Error:    o.Error.String(),
		Attempts: o.Attempts,
		Millis:   o.Duration.Milliseconds(),
	}
	if r.Records == nil {
		r.Records = []engine.Record{}
	}
	if o.Cause != nil {
		r.Detail = o.Cause.Error()
	}
	return r
}
