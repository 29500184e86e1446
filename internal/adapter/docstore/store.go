// Package docstore keeps documents as JSONB rows in PostgreSQL and serves
// the get, query and batched upsert operations the builders and the
// orchestrator need.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/couchcryptid/vxingest/internal/domain"
)

const (
	connectAttempts = 3
	connectBackoff  = 5 * time.Second

	// PostgreSQL query_canceled, raised by statement_timeout.
	pqQueryCanceled = "57014"
)

const (
	schemaStmt = `CREATE TABLE IF NOT EXISTS documents (
	id   text PRIMARY KEY,
	body jsonb NOT NULL
)`
	getStmt    = `SELECT body FROM documents WHERE id = $1`
	upsertStmt = `INSERT INTO documents (id, body) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`
)

// Options configures a Store.
type Options struct {
	DSN       string
	BatchSize int

	// MaxOpenConns bounds the pool. Workers open their own Store, so one
	// connection each is the usual setting.
	MaxOpenConns int
}

// Store is a document store backed by a single PostgreSQL table.
type Store struct {
	db        *sql.DB
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
	batchSize int
}

// Open connects to PostgreSQL, pinging up to three times five seconds
// apart before giving up.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := pingWithRetry(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, opts.BatchSize, logger), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, batchSize int, logger *slog.Logger) *Store {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Store{
		db:        db,
		breaker:   newBreaker(logger),
		logger:    logger,
		batchSize: batchSize,
	}
}

func newBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "docstore",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func pingWithRetry(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, connectBackoff)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		logger.Warn("document store not reachable", "attempt", attempt, "error", err)
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return fmt.Errorf("connect document store after %d attempts: %w", connectAttempts, err)
}

// EnsureSchema creates the documents table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaStmt)
	if err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get fetches one document by id. A missing id yields domain.ErrNotFound
// and does not count against the breaker.
func (s *Store) Get(ctx context.Context, id string) (domain.Document, error) {
	var body []byte
	_, err := s.breaker.Execute(func() (interface{}, error) {
		err := s.db.QueryRowContext(ctx, getStmt, id).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			body = nil
			return nil, nil
		}
		return nil, mapError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return decode(body)
}

// Query runs an ad hoc statement whose single column is a JSON object and
// returns one document per row. NULL rows are skipped.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) ([]domain.Document, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.query(ctx, stmt, args)
	})
	if err != nil {
		return nil, err
	}
	return res.([]domain.Document), nil
}

func (s *Store) query(ctx context.Context, stmt string, args []any) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, mapError(err)
		}
		if body == nil {
			continue
		}
		doc, err := decode(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return docs, nil
}

// Upsert writes the documents in transactions of at most BatchSize rows.
// Writes are last-write-wins per id.
func (s *Store) Upsert(ctx context.Context, docs []domain.Document) error {
	for _, batch := range batches(docs, s.batchSize) {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.upsertBatch(ctx, batch)
		})
		if err != nil {
			return fmt.Errorf("upsert %d documents: %w", len(batch), err)
		}
	}
	return nil
}

func (s *Store) upsertBatch(ctx context.Context, docs []domain.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertStmt)
	if err != nil {
		return mapError(err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		id := doc.ID()
		if id == "" {
			return fmt.Errorf("upsert: %w", domain.ErrNoDerivedID)
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, body); err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit())
}

func decode(body []byte) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// mapError turns statement timeouts into domain.ErrQueryTimeout so callers
// can retry them.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqQueryCanceled {
		return fmt.Errorf("%w: %s", domain.ErrQueryTimeout, pqErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrQueryTimeout, err)
	}
	return err
}

func batches(docs []domain.Document, size int) [][]domain.Document {
	var out [][]domain.Document
	for len(docs) > 0 {
		n := min(size, len(docs))
		out = append(out, docs[:n])
		docs = docs[n:]
	}
	return out
}
