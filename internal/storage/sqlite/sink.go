package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scrapeline/internal/storage"
)

// SQLite caps bind parameters at 32766 on modern builds; stay well under.
const maxParams = 30000

// Sink implements storage.Sink for SQLite.
//
// SQLite has no native timestamp type, so extracted_at is stored as an
// RFC3339Nano string.
type Sink struct {
	db    *sql.DB
	table string
}

func init() {
	storage.RegisterSink("sqlite", New)
}

// New opens the database at cfg.DSN (":memory:" works).
func New(ctx context.Context, cfg storage.SinkConfig) (storage.Sink, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One connection: writes serialize anyway and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db, table: cfg.TableName()}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, buildCreateSQL(s.table)); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// WriteRows uses INSERT OR IGNORE against the UNIQUE dedupe constraint.
func (s *Sink) WriteRows(ctx context.Context, rows []storage.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, part := range storage.Chunks(rows, maxParams) {
		q, args := buildInsertSQL(s.table, part)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", s.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildCreateSQL(table string) string {
	parts := []string{
		`"run_id" TEXT NOT NULL`,
		`"item_index" INTEGER NOT NULL`,
		`"record_index" INTEGER NOT NULL`,
		`"url" TEXT NOT NULL`,
		`"rule_set" TEXT NOT NULL`,
		`"data" TEXT`,
		`"error" TEXT`,
		`"extracted_at" TEXT NOT NULL`,
	}
	var unique []string
	for _, c := range storage.DedupeColumns {
		unique = append(unique, sqlIdent(c))
	}
	parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(unique, ", ")))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(table), strings.Join(parts, ",\n  "))
}

// buildInsertSQL is pure so placeholder layout can be tested without a
// database.
func buildInsertSQL(table string, rows []storage.Row) (string, []any) {
	colList := make([]string, 0, len(storage.Columns))
	for _, c := range storage.Columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(storage.Columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(storage.Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, sqliteValues(row)...)
	}
	return b.String(), args
}

// sqliteValues swaps the timestamp for its text form.
func sqliteValues(r storage.Row) []any {
	v := r.Values()
	v[len(v)-1] = r.ExtractedAt.UTC().Format(time.RFC3339Nano)
	return v
}
