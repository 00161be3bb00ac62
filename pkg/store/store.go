// Package store owns the embedded relational database backing the Cache
// Engine: a pooled connection manager, idempotent schema init, and the
// read/update primitives the rest of the pipeline is built on.
//
// Grounded on the teacher's pkg/backend/database.go (openSQLite, WAL +
// foreign_keys pragmas, migration-on-start), reworked from an Ent ORM
// client onto a direct database/sql.DB so that execute_query/
// execute_update can be exposed as the plain SQL primitives spec.md §4.1
// calls for (see DESIGN.md for why Ent was dropped).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/grokify/apibuddy/pkg/apierrors"
)

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint       TEXT PRIMARY KEY,
	domain            TEXT NOT NULL,
	status            INTEGER NOT NULL,
	headers_blob      BLOB NOT NULL,
	payload_blob      BLOB NOT NULL,
	compressed        INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	ttl_seconds       INTEGER NOT NULL,
	last_accessed_at  INTEGER NOT NULL,
	access_count      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_domain_created
	ON cache_entries (domain, created_at);
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER NOT NULL,
	applied_at INTEGER NOT NULL
);
`

// Config configures the Store.
type Config struct {
	// DatabasePath is a file path, or ":memory:" for an ephemeral database.
	DatabasePath string
	// MaxOpenConns bounds the connection pool (default: 8).
	MaxOpenConns int
	// Logger receives structured diagnostics (default: disabled logger).
	Logger zerolog.Logger
}

// Store is a pooled embedded-SQL connection manager.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and, if necessary, creates) the database at cfg.DatabasePath,
// applies pragmas for safe concurrent reads / serialized writes, and runs
// idempotent schema migration. A corrupt or unopenable database file is
// fatal — the error is returned directly, unwrapped by any retry.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.DatabasePath
	if dsn == "" || dsn == ":memory:" {
		// A private :memory: DSN would give each pooled connection its own
		// database; the shared cache keeps them talking to the same one.
		dsn = "file::memory:?cache=shared&mode=memory"
	} else {
		resolved, err := resolveDSN(dsn)
		if err != nil {
			return nil, &apierrors.StorageError{Op: "open", Err: err}
		}
		dsn = resolved
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &apierrors.StorageError{Op: "open", Err: err}
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, &apierrors.StorageError{Op: "pragma journal_mode", Err: err}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, &apierrors.StorageError{Op: "pragma foreign_keys", Err: err}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, &apierrors.StorageError{Op: "pragma busy_timeout", Err: err}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &apierrors.StorageError{Op: "schema init", Err: err}
	}

	s := &Store{db: db, logger: cfg.Logger}

	if err := s.recordSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) recordSchemaVersion() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&count); err != nil {
		return &apierrors.StorageError{Op: "schema version check", Err: err}
	}
	if count > 0 {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, schemaVersion, time.Now().UTC().Unix())
	if err != nil {
		return &apierrors.StorageError{Op: "schema version insert", Err: err}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for components that need to run
// their own prepared statements.
func (s *Store) DB() *sql.DB {
	return s.db
}

// isRetryable reports whether err represents transient lock contention
// that the retry loop in ExecuteUpdate should retry.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

const maxUpdateAttempts = 5

// ExecuteQuery runs a read-only query and hands the resulting *sql.Rows to
// fn, which is responsible for scanning and closing them. Reads may run
// concurrently with other reads and with in-flight updates (WAL mode).
func (s *Store) ExecuteQuery(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return &apierrors.StorageError{Op: "query", Err: err}
	}
	defer rows.Close()
	if err := fn(rows); err != nil {
		return err
	}
	return rows.Err()
}

// ExecuteUpdate wraps a single statement in a transaction and returns the
// number of rows affected. On a constraint violation it returns (0, nil)
// rather than an error. Transient lock contention is retried with bounded
// exponential backoff (at most maxUpdateAttempts attempts); exhausting
// retries surfaces as a *apierrors.StorageError.
func (s *Store) ExecuteUpdate(ctx context.Context, query string, args ...any) (int64, error) {
	var lastErr error

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		affected, err := s.executeUpdateOnce(ctx, query, args)
		if err == nil {
			return affected, nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return 0, nil
		}

		if !isRetryable(err) {
			return 0, &apierrors.StorageError{Op: "update", Err: err}
		}

		lastErr = err
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return 0, &apierrors.StorageError{Op: "update", Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	return 0, &apierrors.StorageError{Op: "update", Err: fmt.Errorf("exhausted retries: %w", lastErr)}
}

func (s *Store) executeUpdateOnce(ctx context.Context, query string, args []any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
