// Package relational streams rows from the legacy MySQL observation and
// model databases.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Source runs statements on a MySQL connection pool.
type Source struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to MySQL with a data source name like
// "user:pass@tcp(host:3306)/db?parseTime=true".
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Source, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing pool.
func New(db *sql.DB, logger *slog.Logger) *Source {
	return &Source{db: db, logger: logger}
}

func (s *Source) Close() error {
	return s.db.Close()
}

// Rows rewrites the statement's SET prologue, runs it, and yields each row
// keyed by column name in result-set order. A failed query or scan is
// yielded as the final error.
func (s *Source) Rows(ctx context.Context, stmt string) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		query := Rewrite(stmt)
		start := time.Now()
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			yield(nil, fmt.Errorf("execute statement: %w", err))
			return
		}
		defer rows.Close()
		s.logger.Info("statement executed", "elapsed", time.Since(start).String())

		cols, err := rows.Columns()
		if err != nil {
			yield(nil, fmt.Errorf("read columns: %w", err))
			return
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}

		n := 0
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				yield(nil, fmt.Errorf("scan row %d: %w", n, err))
				return
			}
			row := make(map[string]any, len(cols))
			for i, c := range cols {
				row[c] = normalize(vals[i])
			}
			n++
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate rows: %w", err))
			return
		}
		s.logger.Debug("rows streamed", "rows", n)
	}
}

// normalize converts driver byte slices, which MySQL returns for both
// text and DECIMAL columns, to int64, float64 or string.
func normalize(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	s := string(b)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
