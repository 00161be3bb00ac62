package store

import (
	"context"
	"database/sql"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DatabasePath: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)

	var name string
	err := s.ExecuteQuery(context.Background(),
		`SELECT name FROM sqlite_master WHERE type='table' AND name='cache_entries'`,
		nil,
		func(rows *sql.Rows) error {
			if !rows.Next() {
				t.Fatal("expected cache_entries table to exist")
			}
			return rows.Scan(&name)
		},
	)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if name != "cache_entries" {
		t.Errorf("expected table name cache_entries, got %q", name)
	}
}

func TestExecuteUpdateInsertAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	affected, err := s.ExecuteUpdate(ctx,
		`INSERT INTO cache_entries
			(fingerprint, domain, status, headers_blob, payload_blob, compressed, created_at, ttl_seconds, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"fp1", "cn", 200, []byte("{}"), []byte("payload"), 0, 1000, 3600, 1000, 0,
	)
	if err != nil {
		t.Fatalf("ExecuteUpdate insert: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row affected, got %d", affected)
	}

	var count int
	err = s.ExecuteQuery(ctx, `SELECT COUNT(*) FROM cache_entries WHERE fingerprint = ?`, []any{"fp1"}, func(rows *sql.Rows) error {
		for rows.Next() {
			if err := rows.Scan(&count); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteQuery count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestExecuteUpdateDuplicateFingerprintIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insert := `INSERT OR IGNORE INTO cache_entries
		(fingerprint, domain, status, headers_blob, payload_blob, compressed, created_at, ttl_seconds, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.ExecuteUpdate(ctx, insert, "dup", "cn", 200, []byte("{}"), []byte("a"), 0, 1000, 3600, 1000, 0); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	affected, err := s.ExecuteUpdate(ctx, insert, "dup", "cn", 200, []byte("{}"), []byte("b"), 0, 2000, 3600, 2000, 0)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if affected != 0 {
		t.Errorf("expected 0 rows affected on duplicate insert, got %d", affected)
	}
}

func TestExecuteUpdatePlainInsertConstraintViolationIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insert := `INSERT INTO cache_entries
		(fingerprint, domain, status, headers_blob, payload_blob, compressed, created_at, ttl_seconds, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.ExecuteUpdate(ctx, insert, "dup-plain", "cn", 200, []byte("{}"), []byte("a"), 0, 1000, 3600, 1000, 0); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// A plain INSERT (no OR IGNORE/OR REPLACE) hitting the fingerprint
	// primary key must surface as (0, nil), not an error — spec.md §4.1.
	affected, err := s.ExecuteUpdate(ctx, insert, "dup-plain", "cn", 200, []byte("{}"), []byte("b"), 0, 2000, 3600, 2000, 0)
	if err != nil {
		t.Fatalf("expected constraint violation to be swallowed, got error: %v", err)
	}
	if affected != 0 {
		t.Errorf("expected 0 rows affected on constraint violation, got %d", affected)
	}
}
