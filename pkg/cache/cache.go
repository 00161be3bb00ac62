// Package cache implements the Cache Engine: freshness-aware lookup and
// storage of upstream responses keyed by content fingerprint, with
// flate compression and LRU eviction bounded by entry count.
//
// Grounded on the teacher's pkg/backend/memory.go LRUCertCache (eviction
// concept: bound a cache by a capacity, evict the coldest entry first);
// unlike that in-memory doubly-linked list, this cache's rows live in the
// Store, so "coldest" is resolved with a SQL ORDER BY last_accessed_at
// rather than a linked-list pointer walk (see DESIGN.md).
package cache

import (
	"bytes"
	"compress/flate"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/grokify/apibuddy/pkg/apierrors"
	"github.com/grokify/apibuddy/pkg/store"
)

// compressionThreshold is the payload size, in bytes, above which Store
// attempts flate compression before writing a row.
const compressionThreshold = 1024

// Entry is a cached upstream response.
type Entry struct {
	Fingerprint    string
	Domain         string
	Status         int
	Headers        map[string][]string
	Payload        []byte
	CreatedAt      time.Time
	TTLSeconds     int
	LastAccessedAt time.Time
	AccessCount    int64
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	EntryCount  int
	TotalBytes  int64
	DomainCount map[string]int
}

// Cache is the Cache Engine: a lookup/store layer over a Store, with
// freshness checks, compression, and LRU eviction.
type Cache struct {
	store   *store.Store
	maxSize int64
	maxRows int
	logger  zerolog.Logger
}

// Config configures a Cache.
type Config struct {
	Store *store.Store
	// MaxResponseSize bounds the size of a single cacheable response
	// (post-compression, as stored). Responses larger than this are never
	// cached; Store returns nil without error.
	MaxResponseSize int64
	// MaxEntries bounds the total number of cached rows. Exceeding it
	// triggers LRU eviction of the coldest rows by last_accessed_at.
	MaxEntries int
	Logger     zerolog.Logger
}

// New constructs a Cache over the given Store.
func New(cfg Config) *Cache {
	maxSize := cfg.MaxResponseSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxRows := cfg.MaxEntries
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &Cache{store: cfg.Store, maxSize: maxSize, maxRows: maxRows, logger: cfg.Logger}
}

type storedHeaders map[string][]string

// Lookup resolves a fingerprint to a cached Entry. A row whose age exceeds
// its TTL is stale: Lookup deletes it inline and reports a miss, so a
// stale row is never returned twice. A hit bumps last_accessed_at and
// access_count.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	var (
		domain         string
		status         int
		headersBlob    []byte
		payloadBlob    []byte
		compressed     int
		createdAt      int64
		ttlSeconds     int
		lastAccessedAt int64
		accessCount    int64
		found          bool
	)

	err := c.store.ExecuteQuery(ctx,
		`SELECT domain, status, headers_blob, payload_blob, compressed, created_at, ttl_seconds, last_accessed_at, access_count
		 FROM cache_entries WHERE fingerprint = ?`,
		[]any{fingerprint},
		func(rows *sql.Rows) error {
			if !rows.Next() {
				return nil
			}
			found = true
			return rows.Scan(&domain, &status, &headersBlob, &payloadBlob, &compressed, &createdAt, &ttlSeconds, &lastAccessedAt, &accessCount)
		},
	)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	createdTime := time.Unix(createdAt, 0).UTC()
	if time.Since(createdTime) >= time.Duration(ttlSeconds)*time.Second {
		// Stale: remove it now rather than let it linger until eviction.
		_, _ = c.store.ExecuteUpdate(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
		return nil, false, nil
	}

	payload, err := decompressIfNeeded(payloadBlob, compressed == 1)
	if err != nil {
		return nil, false, &apierrors.CacheError{Op: "decompress", Err: err}
	}

	var headers storedHeaders
	if err := json.Unmarshal(headersBlob, &headers); err != nil {
		return nil, false, &apierrors.CacheError{Op: "unmarshal headers", Err: err}
	}

	now := time.Now().UTC()
	_, _ = c.store.ExecuteUpdate(ctx,
		`UPDATE cache_entries SET last_accessed_at = ?, access_count = access_count + 1 WHERE fingerprint = ?`,
		now.Unix(), fingerprint,
	)

	return &Entry{
		Fingerprint:    fingerprint,
		Domain:         domain,
		Status:         status,
		Headers:        headers,
		Payload:        payload,
		CreatedAt:      createdTime,
		TTLSeconds:     ttlSeconds,
		LastAccessedAt: now,
		AccessCount:    accessCount + 1,
	}, true, nil
}

// Store writes a fresh response under fingerprint with the given
// domain-resolved ttlSeconds. A payload larger than MaxResponseSize (after
// compression is attempted) is silently not cached — the caller should
// treat the response as uncacheable, not as an error. After a successful
// write, Store enforces MaxEntries by evicting the coldest rows.
//
// Concurrent Store calls for the same fingerprint are idempotent: the
// underlying INSERT OR REPLACE means exactly one row exists afterward,
// with whichever writer's data landed last (last-writer-wins metadata).
func (c *Cache) Store(ctx context.Context, fingerprint, domain string, status int, headers map[string][]string, payload []byte, ttlSeconds int) error {
	headersBlob, err := json.Marshal(storedHeaders(headers))
	if err != nil {
		return &apierrors.CacheError{Op: "marshal headers", Err: err}
	}

	stored, isCompressed := compressIfWorthwhile(payload)
	if int64(len(stored)) > c.maxSize {
		c.logger.Debug().Str("fingerprint", fingerprint).Int("size", len(stored)).Msg("response exceeds max_cache_response_size, not caching")
		return nil
	}

	now := time.Now().UTC().Unix()
	compressedFlag := 0
	if isCompressed {
		compressedFlag = 1
	}

	_, err = c.store.ExecuteUpdate(ctx,
		`INSERT OR REPLACE INTO cache_entries
			(fingerprint, domain, status, headers_blob, payload_blob, compressed, created_at, ttl_seconds, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT access_count FROM cache_entries WHERE fingerprint = ?), 0))`,
		fingerprint, domain, status, headersBlob, stored, compressedFlag, now, ttlSeconds, now, fingerprint,
	)
	if err != nil {
		return err
	}

	return c.evictIfOverCapacity(ctx)
}

// evictIfOverCapacity deletes the coldest rows (lowest last_accessed_at)
// until the table is at or below maxRows.
func (c *Cache) evictIfOverCapacity(ctx context.Context) error {
	var total int
	err := c.store.ExecuteQuery(ctx, `SELECT COUNT(*) FROM cache_entries`, nil, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&total)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if total <= c.maxRows {
		return nil
	}

	excess := total - c.maxRows
	_, err = c.store.ExecuteUpdate(ctx,
		`DELETE FROM cache_entries WHERE fingerprint IN (
			SELECT fingerprint FROM cache_entries ORDER BY last_accessed_at ASC LIMIT ?
		)`, excess,
	)
	return err
}

// Clear removes cached rows. If domain is non-empty, only that domain's
// rows are removed; otherwise the entire cache is cleared.
func (c *Cache) Clear(ctx context.Context, domain string) error {
	if domain == "" {
		_, err := c.store.ExecuteUpdate(ctx, `DELETE FROM cache_entries`)
		return err
	}
	_, err := c.store.ExecuteUpdate(ctx, `DELETE FROM cache_entries WHERE domain = ?`, domain)
	return err
}

// Stats returns current occupancy.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{DomainCount: map[string]int{}}

	err := c.store.ExecuteQuery(ctx, `SELECT domain, COUNT(*), SUM(LENGTH(payload_blob)) FROM cache_entries GROUP BY domain`, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			var domain string
			var count int
			var bytesSum sql.NullInt64
			if err := rows.Scan(&domain, &count, &bytesSum); err != nil {
				return err
			}
			stats.DomainCount[domain] = count
			stats.EntryCount += count
			stats.TotalBytes += bytesSum.Int64
		}
		return nil
	})
	return stats, err
}

func compressIfWorthwhile(payload []byte) ([]byte, bool) {
	if len(payload) <= compressionThreshold {
		return payload, false
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return payload, false
	}
	if _, err := w.Write(payload); err != nil {
		return payload, false
	}
	if err := w.Close(); err != nil {
		return payload, false
	}

	if buf.Len() >= len(payload) {
		// Compression didn't help (already-compressed payload); store raw.
		return payload, false
	}
	return buf.Bytes(), true
}

func decompressIfNeeded(blob []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return blob, nil
	}
	r := flate.NewReader(bytes.NewReader(blob))
	defer r.Close()
	return io.ReadAll(r)
}
