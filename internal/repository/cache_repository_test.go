package repository

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"lifeline-offline/internal/domain"
)

func openTestCache(t *testing.T) CacheRepository {
	t.Helper()
	repo, err := OpenCacheRepository(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func cached(url string, at int64) *domain.CachedResponse {
	return &domain.CachedResponse{
		URL:      url,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(`{"hotline":"988"}`),
		CachedAt: at,
	}
}

func TestCacheRepositoryPutMatch(t *testing.T) {
	repo := openTestCache(t)
	ctx := context.Background()

	if err := repo.Put(ctx, "lifeline-crisis-v1", cached("http://app/crisis", 10)); err != nil {
		t.Fatalf("put: %v", err)
	}

	resp, err := repo.Match(ctx, "lifeline-crisis-v1", "http://app/crisis")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if string(resp.Body) != `{"hotline":"988"}` || resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected cached response %+v", resp)
	}

	if _, err := repo.Match(ctx, "lifeline-static-v1", "http://app/crisis"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Fatalf("partitions must be isolated, got %v", err)
	}
}

func TestCacheRepositoryTrimAndExpire(t *testing.T) {
	repo := openTestCache(t)
	ctx := context.Background()

	for i, url := range []string{"http://app/a", "http://app/b", "http://app/c"} {
		if err := repo.Put(ctx, "dyn", cached(url, int64(i+1))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	removed, err := repo.Trim(ctx, "dyn", 2)
	if err != nil || removed != 1 {
		t.Fatalf("expected one trimmed entry, got %d (%v)", removed, err)
	}
	keys, err := repo.Keys(ctx, "dyn")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "http://app/b" {
		t.Fatalf("expected oldest entry trimmed, got %v", keys)
	}

	removed, err = repo.DeleteOlderThan(ctx, "dyn", 3)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired entry, got %d (%v)", removed, err)
	}
}

func TestCacheRepositoryCachesAndUsage(t *testing.T) {
	repo := openTestCache(t)
	ctx := context.Background()

	if err := repo.Open(ctx, "empty", 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.Put(ctx, "full", cached("http://app/x", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}

	usage, err := repo.Usage(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(usage) != 2 || usage[0].Name != "empty" || usage[0].Entries != 0 || usage[1].Entries != 1 || usage[1].Bytes == 0 {
		t.Fatalf("unexpected usage %+v", usage)
	}

	if err := repo.Clear(ctx, "full"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := repo.DeleteCache(ctx, "empty"); err != nil {
		t.Fatalf("delete cache: %v", err)
	}
	names, err := repo.Caches(ctx)
	if err != nil {
		t.Fatalf("caches: %v", err)
	}
	if len(names) != 1 || names[0] != "full" {
		t.Fatalf("expected only full to remain, got %v", names)
	}
}
