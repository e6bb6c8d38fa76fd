package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"lifeline-offline/internal/cache"
	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/repository"
	"lifeline-offline/internal/service"
	"lifeline-offline/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchableNetwork struct {
	client  *http.Client
	offline atomic.Bool
}

func (n *switchableNetwork) Do(req *http.Request) (*http.Response, error) {
	if n.offline.Load() {
		return nil, errors.New("network is unreachable")
	}
	return n.client.Do(req)
}

type upstream struct {
	mu       sync.Mutex
	broken   map[string]bool
	received []string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	u.mu.Lock()
	u.received = append(u.received, r.Method+" "+r.URL.Path)
	broken := u.broken[r.URL.Path]
	u.mu.Unlock()

	if broken {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("page " + r.URL.Path))
}

type fixture struct {
	worker  *Worker
	network *switchableNetwork
	origin  string
	caches  *cache.Manager
	sync    *service.SyncService
	up      *upstream
}

func newFixture(t *testing.T, broken ...string) *fixture {
	t.Helper()
	return newFixtureWithCrisis(t, []string{"/crisis", "/emergency"}, broken...)
}

func newFixtureWithCrisis(t *testing.T, crisisURLs []string, broken ...string) *fixture {
	t.Helper()
	up := &upstream{broken: map[string]bool{}}
	for _, p := range broken {
		up.broken[p] = true
	}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	network := &switchableNetwork{client: srv.Client()}
	dir := t.TempDir()

	db, err := repository.OpenDatabase(filepath.Join(dir, "lifeline.db"), domain.DefaultStores())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cacheRepo, err := repository.OpenCacheRepository(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	caches := cache.NewManager(cacheRepo, cache.Config{Version: "test"}, nil)
	t.Cleanup(func() { caches.Dispose() })

	partitions := strategy.PartitionFunc(func(ctx context.Context, name string) (strategy.Cache, error) {
		p, err := caches.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	router := strategy.NewRouter(strategy.NewExecutor(network, nil), partitions, strategy.DefaultRules(), srv.URL, nil)

	crisisCache, err := caches.Open(context.Background(), domain.CacheCrisis)
	require.NoError(t, err)
	crisis, err := service.NewCrisisService(crisisCache, network, srv.URL, service.CrisisConfig{
		URLs: crisisURLs,
	}, nil)
	require.NoError(t, err)

	syncService := service.NewSyncService(repository.NewQueueRepository(db), network, nil, nil, nil)

	w, err := New(caches, router, crisis, syncService, network, Config{Origin: srv.URL}, nil)
	require.NoError(t, err)
	t.Cleanup(w.Wait)

	return &fixture{worker: w, network: network, origin: srv.URL, caches: caches, sync: syncService, up: up}
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.worker.OnInstall(ctx))
	require.NoError(t, f.worker.OnActivate(ctx))
	f.worker.Wait()
}

func (f *fixture) request(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, f.origin+path, nil)
	} else {
		req, err = http.NewRequest(method, f.origin+path, strings.NewReader(body))
	}
	require.NoError(t, err)
	return req
}

func TestWorker_InstallCachesCrisisResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.worker.OnInstall(ctx))
	assert.Equal(t, StateInstalled, f.worker.State())

	crisis, err := f.caches.Open(ctx, domain.CacheCrisis)
	require.NoError(t, err)
	for _, path := range []string{"/crisis", "/emergency"} {
		resp, err := crisis.Match(ctx, f.origin+path)
		require.NoError(t, err, path)
		assert.Equal(t, "page "+path, string(resp.Body))
	}

	critical, err := f.caches.Open(ctx, domain.CacheCritical)
	require.NoError(t, err)
	_, err = critical.Match(ctx, f.origin+strategy.OfflinePage)
	assert.NoError(t, err)
}

func TestWorker_InstallFailsWithoutCrisisResources(t *testing.T) {
	f := newFixture(t, "/emergency")

	err := f.worker.OnInstall(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateRedundant, f.worker.State())
	assert.ErrorIs(t, f.worker.OnActivate(context.Background()), ErrNotInstalled)
}

func TestWorker_InstallToleratesMissingAppShell(t *testing.T) {
	f := newFixture(t, "/manifest.json")
	require.NoError(t, f.worker.OnInstall(context.Background()))
	assert.Equal(t, StateInstalled, f.worker.State())
}

func TestWorker_ActivateRequiresInstall(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.worker.OnActivate(context.Background()), ErrNotInstalled)
}

func TestWorker_OfflineReads(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.network.offline.Store(true)
	ctx := context.Background()

	resp := f.worker.OnFetch(ctx, f.request(t, http.MethodGet, "/crisis", ""))
	assert.Equal(t, strategy.SourceCache, resp.Source)
	assert.Equal(t, "page /crisis", string(resp.Body))

	nav := f.request(t, http.MethodGet, "/community", "")
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	resp = f.worker.OnFetch(ctx, nav)
	assert.Equal(t, strategy.SourceOffline, resp.Source)
	assert.Equal(t, "page "+strategy.OfflinePage, string(resp.Body))

	resp = f.worker.OnFetch(ctx, f.request(t, http.MethodGet, "/api/feed", ""))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestWorker_CustomCrisisURLServedOffline(t *testing.T) {
	f := newFixtureWithCrisis(t, []string{"/crisis", "/hotlines.json"})
	f.activate(t)
	f.network.offline.Store(true)

	resp := f.worker.OnFetch(context.Background(), f.request(t, http.MethodGet, "/hotlines.json", ""))
	assert.Equal(t, strategy.SourceCache, resp.Source)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "page /hotlines.json", string(resp.Body))
}

func TestWorker_GetBypassesRouterBeforeActivation(t *testing.T) {
	f := newFixture(t)

	resp := f.worker.OnFetch(context.Background(), f.request(t, http.MethodGet, "/community", ""))
	assert.Equal(t, strategy.SourceNetwork, resp.Source)
	assert.Equal(t, "page /community", string(resp.Body))
}

func TestWorker_OfflineCrisisPostIsQueued(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	ctx := context.Background()
	f.network.offline.Store(true)

	req := f.request(t, http.MethodPost, "/api/journal", `{"text":"I want to die"}`)
	req.Header.Set("Content-Type", "application/json")
	resp := f.worker.OnFetch(ctx, req)
	require.Equal(t, http.StatusAccepted, resp.Status)

	var ack domain.QueueAck
	require.NoError(t, json.Unmarshal(resp.Body, &ack))
	assert.True(t, ack.Queued)
	assert.Equal(t, domain.TagCrisis, ack.Tag)
	assert.Equal(t, QueuedMessage, ack.Message)

	pending, err := f.sync.Pending(ctx, domain.TagCrisis)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "application/json", pending[0].Request.Header["Content-Type"])

	f.network.offline.Store(false)
	result, err := f.worker.OnSync(ctx, domain.TagCrisis)
	require.NoError(t, err)
	assert.Len(t, result.Delivered, 1)
	assert.Contains(t, f.up.received, "POST /api/journal")
}

func TestWorker_OversizedWriteIsRejected(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	ctx := context.Background()
	body := strings.Repeat("x", maxWriteBody+1)

	resp := f.worker.OnFetch(ctx, f.request(t, http.MethodPost, "/api/journal", body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Status)
	assert.NotContains(t, f.up.received, "POST /api/journal")

	f.network.offline.Store(true)
	resp = f.worker.OnFetch(ctx, f.request(t, http.MethodPost, "/api/journal", body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Status)
	for _, tag := range []string{domain.TagCrisis, domain.TagCrisisReports, domain.TagWellnessData, domain.TagMessages} {
		pending, err := f.sync.Pending(ctx, tag)
		require.NoError(t, err)
		assert.Empty(t, pending, tag)
	}

	f.network.offline.Store(false)
	resp = f.worker.OnFetch(ctx, f.request(t, http.MethodPost, "/api/journal", strings.Repeat("x", maxWriteBody)))
	assert.Equal(t, http.StatusCreated, resp.Status)
}

func TestWorker_OfflineWriteWithoutRouteFails(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.network.offline.Store(true)

	resp := f.worker.OnFetch(context.Background(), f.request(t, http.MethodPost, "/api/profile", `{"name":"x"}`))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestWorker_Messages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.OnInstall(ctx))

	reply := f.worker.OnMessage(ctx, domain.WorkerMessage{ID: "m1", Type: domain.MessageSkipWaiting})
	assert.True(t, reply.Success)
	assert.Equal(t, "m1", reply.ID)
	assert.Equal(t, StateActivated, f.worker.State())

	reply = f.worker.OnMessage(ctx, domain.WorkerMessage{ID: "m2", Type: domain.MessageClearAllCaches})
	require.True(t, reply.Success, reply.Error)
	crisis, err := f.caches.Open(ctx, domain.CacheCrisis)
	require.NoError(t, err)
	_, err = crisis.Match(ctx, f.origin+"/crisis")
	assert.NoError(t, err, "crisis resources must be restored after clearing caches")

	payload, _ := json.Marshal(domain.CacheURLsPayload{URLs: []string{"/articles/1", "https://elsewhere.test/x"}})
	reply = f.worker.OnMessage(ctx, domain.WorkerMessage{ID: "m3", Type: domain.MessageCacheURLs, Payload: payload})
	require.True(t, reply.Success)
	report := reply.Data.(*domain.CrisisReport)
	assert.Equal(t, []string{f.origin + "/articles/1"}, report.Fetched)
	assert.Contains(t, report.Failed, "https://elsewhere.test/x")

	reply = f.worker.OnMessage(ctx, domain.WorkerMessage{ID: "m4", Type: "REBOOT"})
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Error)
}

func TestWorker_ClearCachesOfflineKeepsCrisisCopy(t *testing.T) {
	for _, msgType := range []domain.MessageType{domain.MessageClearCache, domain.MessageClearAllCaches} {
		t.Run(string(msgType), func(t *testing.T) {
			f := newFixture(t)
			f.activate(t)
			f.network.offline.Store(true)
			ctx := context.Background()

			reply := f.worker.OnMessage(ctx, domain.WorkerMessage{ID: "c1", Type: msgType})
			require.True(t, reply.Success, reply.Error)

			resp := f.worker.OnFetch(ctx, f.request(t, http.MethodGet, "/crisis", ""))
			assert.Equal(t, strategy.SourceCache, resp.Source)
			assert.Equal(t, "page /crisis", string(resp.Body))

			resp = f.worker.OnFetch(ctx, f.request(t, http.MethodGet, "/emergency", ""))
			assert.Equal(t, strategy.SourceCache, resp.Source)
		})
	}
}

func TestWorker_ClearCacheReportsMissingCrisisResource(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	ctx := context.Background()

	crisis, err := f.caches.Open(ctx, domain.CacheCrisis)
	require.NoError(t, err)
	require.NoError(t, f.caches.Clear(ctx, domain.CacheCrisis))
	_, err = crisis.Match(ctx, f.origin+"/crisis")
	require.ErrorIs(t, err, domain.ErrCacheMiss)

	f.network.offline.Store(true)
	reply := f.worker.OnMessage(ctx, domain.WorkerMessage{ID: "c2", Type: domain.MessageClearCache})
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "crisis resources incomplete")
}

func TestWorker_Push(t *testing.T) {
	f := newFixture(t)

	n := f.worker.OnPush(domain.PushPayload{Title: "Check in", Type: "reminder"}, true)
	assert.False(t, n.Show)

	n = f.worker.OnPush(domain.PushPayload{Title: "Reach out", Type: domain.TagCrisis, ForceShow: true}, true)
	assert.True(t, n.Show)
	assert.True(t, n.RequireInteraction)

	n = f.worker.OnPush(domain.PushPayload{Type: "reminder"}, false)
	assert.True(t, n.Show)
	assert.Equal(t, "Lifeline", n.Title)

	assert.Equal(t, "/crisis", f.worker.OnNotificationClick(domain.NotificationClick{Action: "crisis"}))
	assert.Equal(t, "/journal", f.worker.OnNotificationClick(domain.NotificationClick{URL: "/journal"}))
	assert.Equal(t, "", f.worker.OnNotificationClick(domain.NotificationClick{Action: "dismiss"}))
}
