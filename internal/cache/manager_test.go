package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, version string) (*Manager, repository.CacheRepository) {
	t.Helper()
	repo, err := repository.OpenCacheRepository(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	m := NewManager(repo, Config{Version: version}, nil)
	require.NoError(t, m.Init(context.Background()))
	return m, repo
}

func response(url string, cachedAt int64) *domain.CachedResponse {
	return &domain.CachedResponse{
		URL:      url,
		Status:   http.StatusOK,
		Header:   http.Header{},
		Body:     []byte("ok"),
		CachedAt: cachedAt,
	}
}

func TestManager_FullName(t *testing.T) {
	m, _ := newTestManager(t, "v3")
	assert.Equal(t, "lifeline-crisis-v3", m.FullName(domain.CacheCrisis))
}

func TestManager_OpenUnknownPartition(t *testing.T) {
	m, _ := newTestManager(t, "v1")
	_, err := m.Open(context.Background(), "nope")
	assert.Error(t, err)
}

func TestPartition_ExpiresByAge(t *testing.T) {
	m, _ := newTestManager(t, "v1")
	ctx := context.Background()
	now := time.UnixMilli(10_000_000)
	m.now = func() time.Time { return now }

	p, err := m.Open(ctx, domain.CacheDynamic)
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, response("http://app/a", now.Add(-25*time.Hour).UnixMilli())))
	require.NoError(t, p.Put(ctx, response("http://app/b", now.Add(-time.Hour).UnixMilli())))

	_, err = p.Match(ctx, "http://app/a")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	got, err := p.Match(ctx, "http://app/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got.Body)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://app/b"}, keys)
}

func TestPartition_CrisisNeverExpires(t *testing.T) {
	m, _ := newTestManager(t, "v1")
	ctx := context.Background()

	p, err := m.Open(ctx, domain.CacheCrisis)
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, response("http://app/crisis", 1)))

	_, err = p.Match(ctx, "http://app/crisis")
	assert.NoError(t, err)

	removed, err := m.Expire(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPartition_TrimsToMaxEntries(t *testing.T) {
	repo, err := repository.OpenCacheRepository(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer repo.Close()

	m := NewManager(repo, Config{Policies: map[string]Policy{"tiny": {MaxEntries: 2}}}, nil)
	ctx := context.Background()
	require.NoError(t, m.Init(ctx))

	p, err := m.Open(ctx, "tiny")
	require.NoError(t, err)
	for i, url := range []string{"http://app/1", "http://app/2", "http://app/3"} {
		require.NoError(t, p.Put(ctx, response(url, int64(i+1))))
	}

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://app/2", "http://app/3"}, keys)
}

func TestManager_DeleteStaleKeepsCurrentVersion(t *testing.T) {
	m, repo := newTestManager(t, "v2")
	ctx := context.Background()

	require.NoError(t, repo.Open(ctx, "lifeline-static-v1", 1))
	require.NoError(t, repo.Open(ctx, "other-app-cache", 1))

	deleted, err := m.DeleteStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"lifeline-static-v1"}, deleted)

	names, err := repo.Caches(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "lifeline-static-v2")
	assert.Contains(t, names, "other-app-cache")
}

func TestManager_ClearPrefixedAndClearAll(t *testing.T) {
	m, repo := newTestManager(t, "v1")
	ctx := context.Background()
	require.NoError(t, repo.Open(ctx, "other-app-cache", 1))
	require.NoError(t, repo.Open(ctx, "lifeline-crisis-v0", 1))

	crisis, err := m.Open(ctx, domain.CacheCrisis)
	require.NoError(t, err)
	require.NoError(t, crisis.Put(ctx, response("http://app/crisis", m.now().UnixMilli())))

	deleted, err := m.ClearPrefixed(ctx)
	require.NoError(t, err)
	assert.Contains(t, deleted, "lifeline-crisis-v0")
	assert.NotContains(t, deleted, "lifeline-crisis-v1")
	names, err := repo.Caches(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lifeline-crisis-v1", "other-app-cache"}, names)

	_, err = m.ClearAll(ctx)
	require.NoError(t, err)
	names, err = repo.Caches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"lifeline-crisis-v1"}, names)

	got, err := crisis.Match(ctx, "http://app/crisis")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got.Body)
}

func TestManager_Dispose(t *testing.T) {
	m, _ := newTestManager(t, "v1")
	ctx := context.Background()

	p, err := m.Open(ctx, domain.CacheStatic)
	require.NoError(t, err)
	require.NoError(t, m.Dispose())

	_, err = p.Match(ctx, "http://app/x")
	assert.ErrorIs(t, err, domain.ErrDisposed)
	_, err = m.Open(ctx, domain.CacheStatic)
	assert.ErrorIs(t, err, domain.ErrDisposed)
	assert.ErrorIs(t, m.Init(ctx), domain.ErrDisposed)
}
