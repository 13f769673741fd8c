package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scrapeline/internal/storage"
)

// Postgres allows 65535 bind parameters per statement.
const maxParams = 65000

/*
Sink implements storage.Sink for Postgres.

Rows land in a table with a JSONB data column and a composite primary key
on the dedupe columns; inserts use ON CONFLICT DO NOTHING.
*/
type Sink struct {
	pool  *pgxpool.Pool
	table string
}

func init() {
	storage.RegisterSink("postgres", New)
}

// New creates a pool for cfg.DSN.
func New(ctx context.Context, cfg storage.SinkConfig) (storage.Sink, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Sink{pool: pool, table: cfg.TableName()}, nil
}

func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

func (s *Sink) EnsureTable(ctx context.Context) error {
	schemaSQL, tableSQL := buildCreateSQL(s.table)
	if schemaSQL != "" {
		if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", s.table, err)
		}
	}
	if _, err := s.pool.Exec(ctx, tableSQL); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) WriteRows(ctx context.Context, rows []storage.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var total int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, part := range storage.Chunks(rows, maxParams) {
			q, args := buildInsertSQL(s.table, part)
			tag, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("insert into %s: %w", s.table, err)
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// pgTableIdent quotes each part of a possibly schema-qualified name.
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// buildCreateSQL returns an optional CREATE SCHEMA and the CREATE TABLE.
func buildCreateSQL(table string) (schemaSQL, tableSQL string) {
	schema, _ := splitQualifiedName(table)
	if schema != "" {
		schemaSQL = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", pgIdent(schema))
	}

	pk := make([]string, 0, len(storage.DedupeColumns))
	for _, c := range storage.DedupeColumns {
		pk = append(pk, pgIdent(c))
	}
	parts := []string{
		`"run_id" TEXT NOT NULL`,
		`"item_index" BIGINT NOT NULL`,
		`"record_index" BIGINT NOT NULL`,
		`"url" TEXT NOT NULL`,
		`"rule_set" TEXT NOT NULL`,
		`"data" JSONB`,
		`"error" TEXT`,
		`"extracted_at" TIMESTAMPTZ NOT NULL`,
		fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pk, ", ")),
	}
	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", pgTableIdent(table), strings.Join(parts, ",\n  "))
	return schemaSQL, tableSQL
}

// buildInsertSQL constructs a single INSERT ... ON CONFLICT DO NOTHING with
// $n placeholders numbered across rows.
func buildInsertSQL(table string, rows []storage.Row) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range storage.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, v)
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	for i, c := range storage.DedupeColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") DO NOTHING;")
	return b.String(), args
}
