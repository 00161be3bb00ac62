package store

import (
	"fmt"
	"net/url"
	"strings"
)

// resolveDSN turns a configured database path into a database/sql DSN for
// the sqlite3 driver. It accepts a bare file path (the common case), the
// special value ":memory:"/"" (handled by the caller), or a "sqlite://"
// URL carrying query-string pragmas, e.g.
// "sqlite:///var/lib/apibuddy/cache.db?_busy_timeout=5000".
//
// Narrowed from the teacher's pkg/backend/dburl.go ParseDatabaseURL, which
// also parsed postgres:// URLs for a pluggable multi-backend design; the
// Store here only ever talks to SQLite, so the postgres branch has no
// caller and was dropped (see DESIGN.md).
func resolveDSN(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("store: invalid database url: %w", err)
	}
	if u.Scheme != "sqlite" && u.Scheme != "sqlite3" {
		return "", fmt.Errorf("store: unsupported database scheme %q (only sqlite is supported)", u.Scheme)
	}

	path := u.Host + u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return "", fmt.Errorf("store: sqlite url %q has no path", raw)
	}

	dsn := path
	if u.RawQuery != "" {
		dsn += "?" + u.RawQuery
	}
	return dsn, nil
}
