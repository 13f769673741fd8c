package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapeline/internal/storage"
)

func strp(s string) *string { return &s }

func sampleRows() []storage.Row {
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	return []storage.Row{
		{RunID: "r1", ItemIndex: 0, RecordIndex: 0, URL: "http://a.test/", RuleSet: "books", Data: strp(`{"title":"A"}`), ExtractedAt: at},
		{RunID: "r1", ItemIndex: 0, RecordIndex: 1, URL: "http://a.test/", RuleSet: "books", Data: strp(`{"title":"B"}`), ExtractedAt: at},
		{RunID: "r1", ItemIndex: 1, RecordIndex: 0, URL: "http://b.test/", RuleSet: "books", Error: "fetch failed", ExtractedAt: at},
	}
}

func TestSink_WriteRowsIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := storage.NewSink(ctx, storage.SinkConfig{Kind: "sqlite", DSN: ":memory:", Table: "records"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.EnsureTable(ctx))
	require.NoError(t, s.EnsureTable(ctx))

	n, err := s.WriteRows(ctx, sampleRows())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = s.WriteRows(ctx, sampleRows())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	db := s.(*Sink).db
	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count))
	assert.Equal(t, 3, count)

	var (
		data    *string
		errText *string
		at      string
	)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT data, error, extracted_at FROM records WHERE item_index = 1`).Scan(&data, &errText, &at))
	assert.Nil(t, data)
	require.NotNil(t, errText)
	assert.Equal(t, "fetch failed", *errText)
	assert.Equal(t, "2024-05-06T07:08:09Z", at)
}

func TestSink_EmptyWrite(t *testing.T) {
	t.Parallel()

	s, err := New(context.Background(), storage.SinkConfig{DSN: ":memory:"})
	require.NoError(t, err)
	defer s.Close()

	n, err := s.WriteRows(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("scrape_records", sampleRows()[:2])
	assert.True(t, strings.HasPrefix(q, `INSERT OR IGNORE INTO "scrape_records" ("run_id", "item_index"`))
	assert.Equal(t, 2, strings.Count(q, "(?,?,?,?,?,?,?,?)"))
	require.Len(t, args, 16)
	assert.Equal(t, "2024-05-06T07:08:09Z", args[7])
	assert.Nil(t, args[6])
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	q := buildCreateSQL(`we"ird`)
	assert.Contains(t, q, `CREATE TABLE IF NOT EXISTS "we""ird"`)
	assert.Contains(t, q, `UNIQUE ("run_id", "item_index", "record_index")`)
}
