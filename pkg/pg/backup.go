package pg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// DumpMode selects what Dump writes
type DumpMode string

const (
	DumpFull       DumpMode = "full"
	DumpSchemaOnly DumpMode = "schema-only"
)

// DumpOptions configures Dump.
type DumpOptions struct {
	Mode     DumpMode
	Schemas  []string // Defaults to "public"
	Exclude  []string // Qualified table names skipped entirely, e.g. "public.job_archive"
	Parallel int      // Tables copied concurrently, 1 when not positive
}

// DumpStats summarizes a finished dump.
type DumpStats struct {
	Tables int
	Bytes  int64
}

// Table is a table included in a dump
type Table struct {
	Schema  string
	Name    string
	Columns []Column
}

// Column of a dumped table
type Column struct {
	Name    string
	Type    string
	NotNull bool
}

// QualifiedName returns the quoted schema-qualified table name.
func (t Table) QualifiedName() string {
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

// CreateStatement renders a minimal CREATE TABLE statement for the table.
// Constraints other than NOT NULL, indexes and defaults are not reproduced.
func (t Table) CreateStatement() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.QualifiedName())
	for i, c := range t.Columns {
		fmt.Fprintf(&b, "    %s %s", pgx.Identifier{c.Name}.Sanitize(), c.Type)
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		if i < len(t.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(");\n")
	return b.String()
}

// columnList returns the quoted, comma separated column names
func (t Table) columnList() string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = pgx.Identifier{c.Name}.Sanitize()
	}
	return strings.Join(names, ", ")
}

// Dump writes a plain SQL dump of the selected schemas to w.
// Table data is streamed with COPY ... TO STDOUT and rendered as COPY ... FROM stdin blocks,
// so the output restores with psql. Tables are copied concurrently into memory
// and written in name order.
func Dump(ctx context.Context, pool *pgxpool.Pool, w io.Writer, opts DumpOptions) (DumpStats, error) {
	if pool == nil {
		return DumpStats{}, ErrFailedToOpenDBConnection
	}
	if opts.Mode == "" {
		opts.Mode = DumpFull
	}
	if opts.Mode != DumpFull && opts.Mode != DumpSchemaOnly {
		return DumpStats{}, fmt.Errorf("%w: unknown mode %q", ErrDumpFailed, opts.Mode)
	}
	if len(opts.Schemas) == 0 {
		opts.Schemas = []string{"public"}
	}

	tables, err := ListTables(ctx, pool, opts.Schemas...)
	if err != nil {
		return DumpStats{}, errors.Join(ErrDumpFailed, err)
	}
	tables = excludeTables(tables, opts.Exclude)

	data := make([]bytes.Buffer, len(tables))
	if opts.Mode == DumpFull {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(opts.Parallel, 1))
		for i, t := range tables {
			g.Go(func() error {
				return copyTable(gctx, pool, t, &data[i])
			})
		}
		if err := g.Wait(); err != nil {
			return DumpStats{}, errors.Join(ErrDumpFailed, err)
		}
	}

	cw := &countingWriter{w: w}
	fmt.Fprintf(cw, "-- jobqueue %s dump\nSET client_encoding = 'UTF8';\n\n", opts.Mode)
	for i, t := range tables {
		fmt.Fprintf(cw, "CREATE SCHEMA IF NOT EXISTS %s;\n", pgx.Identifier{t.Schema}.Sanitize())
		io.WriteString(cw, t.CreateStatement())
		if opts.Mode == DumpFull {
			fmt.Fprintf(cw, "\nCOPY %s (%s) FROM stdin;\n", t.QualifiedName(), t.columnList())
			_, _ = data[i].WriteTo(cw)
			io.WriteString(cw, "\\.\n")
		}
		io.WriteString(cw, "\n")
	}
	if cw.err != nil {
		return DumpStats{}, errors.Join(ErrDumpFailed, cw.err)
	}

	return DumpStats{Tables: len(tables), Bytes: cw.n}, nil
}

// ListTables returns the base tables of the given schemas with their columns, ordered by name.
func ListTables(ctx context.Context, pool *pgxpool.Pool, schemas ...string) ([]Table, error) {
	rows, err := pool.Query(ctx, `
		SELECT n.nspname, c.relname, a.attname, format_type(a.atttypid, a.atttypmod), a.attnotnull
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped
		WHERE c.relkind = 'r' AND n.nspname::text = ANY($1)
		ORDER BY n.nspname, c.relname, a.attnum`, schemas)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var (
			schema, name string
			col          Column
		)
		if err := rows.Scan(&schema, &name, &col.Name, &col.Type, &col.NotNull); err != nil {
			return nil, err
		}
		if n := len(tables); n == 0 || tables[n-1].Schema != schema || tables[n-1].Name != name {
			tables = append(tables, Table{Schema: schema, Name: name})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, col)
	}
	return tables, rows.Err()
}

func copyTable(ctx context.Context, pool *pgxpool.Pool, t Table, buf *bytes.Buffer) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	sql := fmt.Sprintf("COPY %s (%s) TO STDOUT", t.QualifiedName(), t.columnList())
	if _, err := conn.Conn().PgConn().CopyTo(ctx, buf, sql); err != nil {
		return fmt.Errorf("copy %s: %w", t.QualifiedName(), err)
	}
	return nil
}

func excludeTables(tables []Table, exclude []string) []Table {
	if len(exclude) == 0 {
		return tables
	}
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	kept := tables[:0]
	for _, t := range tables {
		if !skip[t.Schema+"."+t.Name] {
			kept = append(kept, t)
		}
	}
	return kept
}

// countingWriter remembers the first write error so the dump loop stays linear
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
