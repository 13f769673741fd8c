package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"scrapeline/internal/storage"
)

// SQL Server parameter limit is 2100.
const maxParams = 2000

// Sink implements storage.Sink for Microsoft SQL Server.
//
// Dedupe uses INSERT ... SELECT ... WHERE NOT EXISTS since SQL Server has no
// ON CONFLICT clause.
type Sink struct {
	db    dbConn
	table string
}

func init() {
	storage.RegisterSink("sqlserver", New)
}

// New opens cfg.DSN with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.SinkConfig) (storage.Sink, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Sink{db: raw, table: cfg.TableName()}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, buildCreateSQL(s.table)); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// WriteRows inserts in chunks that respect the parameter limit.
func (s *Sink) WriteRows(ctx context.Context, rows []storage.Row) (int64, error) {
	var total int64
	for _, part := range storage.Chunks(dedupeRows(rows), maxParams) {
		q, args := buildInsertNotExistsSQL(s.table, part)
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", s.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// dedupeRows keeps the first row per dedupe key. NOT EXISTS does not
// collapse duplicates within one VALUES source.
func dedupeRows(rows []storage.Row) []storage.Row {
	type key struct {
		run          string
		item, record int
	}
	seen := make(map[key]struct{}, len(rows))
	out := make([]storage.Row, 0, len(rows))
	for _, r := range rows {
		k := key{r.RunID, r.ItemIndex, r.RecordIndex}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// dbConn is the subset of *sql.DB the sink needs; tests substitute it.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes schema-qualified names: "dbo.records" -> [dbo].[records].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// sqlLiteral quotes s as an N'' string literal.
func sqlLiteral(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func buildCreateSQL(table string) string {
	pk := make([]string, 0, len(storage.DedupeColumns))
	for _, c := range storage.DedupeColumns {
		pk = append(pk, mssqlIdent(c))
	}
	parts := []string{
		"[run_id] NVARCHAR(64) NOT NULL",
		"[item_index] BIGINT NOT NULL",
		"[record_index] BIGINT NOT NULL",
		"[url] NVARCHAR(2048) NOT NULL",
		"[rule_set] NVARCHAR(256) NOT NULL",
		"[data] NVARCHAR(MAX) NULL",
		"[error] NVARCHAR(MAX) NULL",
		"[extracted_at] DATETIMEOFFSET NOT NULL",
		fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pk, ", ")),
	}
	return fmt.Sprintf(
		"IF OBJECT_ID(%s, N'U') IS NULL CREATE TABLE %s (\n  %s\n);",
		sqlLiteral(table), mssqlTableIdent(table), strings.Join(parts, ",\n  "),
	)
}

func buildInsertNotExistsSQL(table string, rows []storage.Row) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range storage.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}

	b.WriteString(") SELECT ")
	for i, c := range storage.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}

	b.WriteString(" FROM (VALUES ")
	args := make([]any, 0, len(rows)*len(storage.Columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, v := range row.Values() {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, v)
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS v(")
	for i, c := range storage.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")
	for i, dc := range storage.DedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}
