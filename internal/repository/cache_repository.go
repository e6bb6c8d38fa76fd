package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lifeline-offline/internal/domain"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS caches (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	cache     TEXT    NOT NULL,
	url       TEXT    NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT    NOT NULL,
	body      BLOB,
	size      INTEGER NOT NULL,
	cached_at INTEGER NOT NULL,
	PRIMARY KEY (cache, url)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_age ON cache_entries(cache, cached_at);
`

// CacheRepository persists URL -> response pairs grouped into named cache
// partitions.
type CacheRepository interface {
	Open(ctx context.Context, cache string, createdAt int64) error
	Match(ctx context.Context, cache, url string) (*domain.CachedResponse, error)
	Put(ctx context.Context, cache string, resp *domain.CachedResponse) error
	Delete(ctx context.Context, cache, url string) error
	Keys(ctx context.Context, cache string) ([]string, error)
	Trim(ctx context.Context, cache string, maxEntries int) (int64, error)
	DeleteOlderThan(ctx context.Context, cache string, cutoff int64) (int64, error)
	Clear(ctx context.Context, cache string) error
	Caches(ctx context.Context) ([]string, error)
	DeleteCache(ctx context.Context, cache string) error
	Usage(ctx context.Context) ([]domain.PartitionUsage, error)
	Close() error
}

type cacheRepository struct {
	db *sql.DB
}

func OpenCacheRepository(path string) (CacheRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply cache schema: %w", err)
	}

	return &cacheRepository{db: db}, nil
}

func (r *cacheRepository) Open(ctx context.Context, cache string, createdAt int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		cache, createdAt)
	if err != nil {
		return fmt.Errorf("failed to open cache %s: %w", cache, err)
	}
	return nil
}

func (r *cacheRepository) Match(ctx context.Context, cache, url string) (*domain.CachedResponse, error) {
	var (
		status   int
		header   string
		body     []byte
		cachedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT status, header, body, cached_at FROM cache_entries WHERE cache = ? AND url = ?`,
		cache, url).Scan(&status, &header, &body, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match %s in %s: %w", url, cache, err)
	}

	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cached body: %w", err)
	}

	resp := &domain.CachedResponse{
		URL:      url,
		Status:   status,
		Header:   http.Header{},
		Body:     decoded,
		CachedAt: cachedAt,
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("failed to decode cached header: %w", err)
	}
	return resp, nil
}

func (r *cacheRepository) Put(ctx context.Context, cache string, resp *domain.CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	body := snappy.Encode(nil, resp.Body)
	size := len(resp.URL) + len(header) + len(body)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		cache, resp.CachedAt); err != nil {
		return fmt.Errorf("failed to open cache %s: %w", cache, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (cache, url, status, header, body, size, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache, url) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			size = excluded.size,
			cached_at = excluded.cached_at`,
		cache, resp.URL, resp.Status, string(header), body, size, resp.CachedAt); err != nil {
		return fmt.Errorf("failed to put %s in %s: %w", resp.URL, cache, err)
	}

	return tx.Commit()
}

func (r *cacheRepository) Delete(ctx context.Context, cache, url string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache = ? AND url = ?`, cache, url)
	return err
}

func (r *cacheRepository) Keys(ctx context.Context, cache string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT url FROM cache_entries WHERE cache = ? ORDER BY cached_at, url`, cache)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", cache, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		keys = append(keys, url)
	}
	return keys, rows.Err()
}

// Trim keeps the newest maxEntries entries of cache and deletes the rest.
func (r *cacheRepository) Trim(ctx context.Context, cache string, maxEntries int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE cache = ? AND url IN (
			SELECT url FROM cache_entries WHERE cache = ?
			ORDER BY cached_at DESC, url DESC LIMIT -1 OFFSET ?
		)`, cache, cache, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("failed to trim %s: %w", cache, err)
	}
	return res.RowsAffected()
}

func (r *cacheRepository) DeleteOlderThan(ctx context.Context, cache string, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE cache = ? AND cached_at < ?`, cache, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire %s: %w", cache, err)
	}
	return res.RowsAffected()
}

func (r *cacheRepository) Clear(ctx context.Context, cache string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache = ?`, cache)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", cache, err)
	}
	return nil
}

func (r *cacheRepository) Caches(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM caches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *cacheRepository) DeleteCache(ctx context.Context, cache string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache = ?`, cache); err != nil {
		return fmt.Errorf("failed to delete entries of %s: %w", cache, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, cache); err != nil {
		return fmt.Errorf("failed to delete cache %s: %w", cache, err)
	}
	return tx.Commit()
}

func (r *cacheRepository) Usage(ctx context.Context) ([]domain.PartitionUsage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.name, COUNT(e.url), COALESCE(SUM(e.size), 0)
		FROM caches c LEFT JOIN cache_entries e ON e.cache = c.name
		GROUP BY c.name ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute cache usage: %w", err)
	}
	defer rows.Close()

	var usage []domain.PartitionUsage
	for rows.Next() {
		var u domain.PartitionUsage
		if err := rows.Scan(&u.Name, &u.Entries, &u.Bytes); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (r *cacheRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}
