package handler

import (
	"bytes"
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
	"time"

	"lifeline-offline/internal/cache"
	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/middleware"
	"lifeline-offline/internal/repository"
	"lifeline-offline/internal/service"
	"lifeline-offline/internal/strategy"
	"lifeline-offline/internal/websocket"
	"lifeline-offline/internal/worker"
	"lifeline-offline/pkg/cipher"
	"lifeline-offline/pkg/jwt"
	"lifeline-offline/pkg/response"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type network struct {
	client  *http.Client
	offline atomic.Bool
}

func (n *network) Do(req *http.Request) (*http.Response, error) {
	if n.offline.Load() {
		return nil, errors.New("network is unreachable")
	}
	return n.client.Do(req)
}

type fakePages struct {
	mu          sync.Mutex
	connections int
	sent        []*websocket.Message
}

func (p *fakePages) Broadcast(message *websocket.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, message)
	return nil
}

func (p *fakePages) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connections
}

func (p *fakePages) messages() []*websocket.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*websocket.Message(nil), p.sent...)
}

type fixture struct {
	router  http.Handler
	network *network
	worker  *worker.Worker
	store   *service.StoreService
	pages   *fakePages
	origin  string
}

func upstreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("page " + r.URL.Path))
}

func newFixture(t *testing.T, auth func(http.Handler) http.Handler) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(upstreamHandler))
	t.Cleanup(srv.Close)

	nw := &network{client: srv.Client()}
	dir := t.TempDir()

	db, err := repository.OpenDatabase(filepath.Join(dir, "lifeline.db"), domain.DefaultStores())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cacheRepo, err := repository.OpenCacheRepository(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	caches := cache.NewManager(cacheRepo, cache.Config{Version: "test"}, nil)
	t.Cleanup(func() { caches.Dispose() })

	records := repository.NewRecordRepository(db, domain.DefaultStores())
	store := service.NewStoreService(records, nil, nil)
	quota := service.NewQuotaService(records, caches, service.DefaultQuotaConfig(), nil)
	store.SetSpaceGuard(quota)

	partitions := strategy.PartitionFunc(func(ctx context.Context, name string) (strategy.Cache, error) {
		p, err := caches.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	router := strategy.NewRouter(strategy.NewExecutor(nw, nil), partitions, strategy.DefaultRules(), srv.URL, nil)

	crisisCache, err := caches.Open(context.Background(), domain.CacheCrisis)
	require.NoError(t, err)
	crisis, err := service.NewCrisisService(crisisCache, nw, srv.URL, service.CrisisConfig{URLs: []string{"/crisis"}}, nil)
	require.NoError(t, err)

	syncService := service.NewSyncService(repository.NewQueueRepository(db), nw, nil, nil, nil)

	w, err := worker.New(caches, router, crisis, syncService, nw, worker.Config{Origin: srv.URL}, nil)
	require.NoError(t, err)
	t.Cleanup(w.Wait)

	proxy, err := NewProxyHandler(w, srv.URL, nil)
	require.NoError(t, err)

	pages := &fakePages{}
	mw := Middlewares{CORS: middleware.CORSMiddleware(middleware.CORSOptions{AllowedOrigins: []string{"*"}})}
	if auth != nil {
		mw.Auth = auth
	}
	manager := websocket.NewManager(websocket.DefaultOptions(), nil)

	h := NewRouter(Handlers{
		Store:     NewStoreHandler(store),
		Sync:      NewSyncHandler(syncService, w),
		Storage:   NewStorageHandler(quota),
		Worker:    NewWorkerHandler(w, pages),
		WebSocket: NewWebSocketHandler(manager, 1024, 1024, nil),
		Proxy:     proxy,
	}, mw)

	return &fixture{router: h, network: nw, worker: w, store: store, pages: pages, origin: srv.URL}
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, f.worker.OnInstall(context.Background()))
	require.NoError(t, f.worker.OnActivate(context.Background()))
	f.worker.Wait()
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) response.Response {
	t.Helper()
	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw), rec.Body.String())
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return response.Response{Success: raw.Success, Error: raw.Error, Message: raw.Message}
}

const api = APIPrefix

func TestStoreHandler_Records(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "PUT", api+"/stores/offlineData/records/a1", `{"data":{"type":"article","title":"Breathing"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var saved domain.DataRecord
	decode(t, rec, &saved)
	assert.Equal(t, "a1", saved.ID)
	assert.Equal(t, int64(1), saved.Version)
	assert.Equal(t, domain.SyncStatusPending, saved.SyncStatus)

	rec = f.do(t, "POST", api+"/stores/offlineData/records", `{"data":{"type":"video"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.DataRecord
	decode(t, rec, &created)
	assert.NotEmpty(t, created.ID)

	rec = f.do(t, "GET", api+"/stores/offlineData/records/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.DataRecord
	decode(t, rec, &got)
	assert.JSONEq(t, `{"type":"article","title":"Breathing"}`, string(got.Payload))
	assert.Equal(t, domain.IntegrityOK, got.Integrity)

	rec = f.do(t, "GET", api+"/stores/offlineData/index/type/article", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var found []*domain.DataRecord
	decode(t, rec, &found)
	require.Len(t, found, 1)
	assert.Equal(t, "a1", found[0].ID)

	rec = f.do(t, "PUT", api+"/stores/offlineData/records/a1/sync-status", `{"status":"SYNCED"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", api+"/stores/offlineData/records?status=PENDING", "")
	var pending []*domain.DataRecord
	decode(t, rec, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, created.ID, pending[0].ID)

	rec = f.do(t, "DELETE", api+"/stores/offlineData/records/a1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, "GET", api+"/stores/offlineData/records/a1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreHandler_Errors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "unknown store", method: "GET", path: api + "/stores/nope/records", status: http.StatusBadRequest},
		{name: "bad status filter", method: "GET", path: api + "/stores/mood/records?status=DONE", status: http.StatusBadRequest},
		{name: "bad limit", method: "GET", path: api + "/stores/mood/records?limit=x", status: http.StatusBadRequest},
		{name: "missing data", method: "PUT", path: api + "/stores/offlineData/records/a", body: `{}`, status: http.StatusBadRequest},
		{name: "sensitive without key", method: "PUT", path: api + "/stores/journal/records/a", body: `{"data":{"text":"x"}}`, status: http.StatusServiceUnavailable},
		{name: "status of missing record", method: "PUT", path: api + "/stores/offlineData/records/zz/sync-status", body: `{"status":"SYNCED"}`, status: http.StatusNotFound},
		{name: "invalid status", method: "PUT", path: api + "/stores/offlineData/records/zz/sync-status", body: `{"status":"DONE"}`, status: http.StatusBadRequest},
		{name: "empty batch", method: "POST", path: api + "/stores/offlineData/batch", body: `{"ops":[]}`, status: http.StatusBadRequest},
		{name: "bad backup version", method: "POST", path: api + "/backup", body: `{"format_version":99}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.False(t, decodeOrEmpty(rec).Success)
		})
	}
}

func decodeOrEmpty(rec *httptest.ResponseRecorder) response.Response {
	var out response.Response
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return out
}

func TestStoreHandler_BatchAndBackup(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "POST", api+"/stores/safetyPlans/batch",
		`{"ops":[{"op":"put","id":"p1","data":{"userId":"u1"}},{"op":"put","id":"p2","data":{"userId":"u2"}}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, "GET", api+"/backup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var backup domain.Backup
	decode(t, rec, &backup)
	assert.Len(t, backup.Stores[domain.StoreSafetyPlans], 2)

	rec = f.do(t, "DELETE", api+"/stores/safetyPlans/records", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	body, err := json.Marshal(&backup)
	require.NoError(t, err)
	rec = f.do(t, "POST", api+"/backup", string(body))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, "GET", api+"/stores/safetyPlans/index/userId/u2", "")
	var found []*domain.DataRecord
	decode(t, rec, &found)
	require.Len(t, found, 1)
	assert.Equal(t, "p2", found[0].ID)
}

func TestSyncHandler(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "POST", api+"/sync/messages/queue",
		`{"request":{"method":"post","url":"`+f.origin+`/api/messages","body":"aGk="}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ack domain.QueueAck
	res := decode(t, rec, &ack)
	assert.True(t, ack.Queued)
	assert.Equal(t, worker.QueuedMessage, ack.Message)
	assert.Equal(t, "queued", res.Message)

	rec = f.do(t, "GET", api+"/sync/messages/queue", "")
	var pending []*domain.SyncQueueEntry
	decode(t, rec, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "POST", pending[0].Request.Method)

	rec = f.do(t, "POST", api+"/sync/messages/drain", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result domain.DrainResult
	decode(t, rec, &result)
	assert.Len(t, result.Delivered, 1)
	assert.Zero(t, result.Remaining)

	rec = f.do(t, "GET", api+"/sync", "")
	var tags []string
	decode(t, rec, &tags)
	assert.Equal(t, domain.TagCrisis, tags[0])

	rec = f.do(t, "POST", api+"/sync/messages/queue", `{"request":{"method":"GET","url":"`+f.origin+`/x"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", api+"/sync/drain", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStorageHandler(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "GET", api+"/storage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats domain.StorageMetadata
	decode(t, rec, &stats)
	assert.False(t, stats.Persistent)

	rec = f.do(t, "POST", api+"/storage/persist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var granted map[string]bool
	decode(t, rec, &granted)
	assert.True(t, granted["persistent"])

	rec = f.do(t, "POST", api+"/storage/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report domain.CleanupReport
	decode(t, rec, &report)
	assert.False(t, report.Triggered)
}

func TestWorkerHandler_Messages(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.worker.OnInstall(context.Background()))

	rec := f.do(t, "POST", api+"/worker/messages", `{"id":"m1","type":"SELF_DESTRUCT"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", api+"/worker/messages", `{"id":"m2","type":"CACHE_URLS","payload":"oops"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, "POST", api+"/worker/messages", `{"id":"m3","type":"SKIP_WAITING"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reply domain.WorkerReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &struct {
		Data *domain.WorkerReply `json:"data"`
	}{Data: &reply}))
	assert.Equal(t, "m3", reply.ID)
	assert.True(t, reply.Success)
	f.worker.Wait()

	rec = f.do(t, "GET", api+"/worker", "")
	var state map[string]interface{}
	decode(t, rec, &state)
	assert.Equal(t, string(worker.StateActivated), state["state"])
}

func TestWorkerHandler_PushAndClick(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "POST", api+"/worker/push", `{"title":"Check in","body":"How are you?","type":"reminder"}`)
	var n domain.Notification
	decode(t, rec, &n)
	assert.True(t, n.Show)
	require.Len(t, f.pages.messages(), 1)
	assert.Equal(t, websocket.TypeNotification, f.pages.messages()[0].Type)

	f.pages.mu.Lock()
	f.pages.connections = 1
	f.pages.mu.Unlock()
	rec = f.do(t, "POST", api+"/worker/push", `{"body":"reminder","type":"reminder"}`)
	decode(t, rec, &n)
	assert.False(t, n.Show)
	assert.Len(t, f.pages.messages(), 1)

	rec = f.do(t, "POST", api+"/worker/push", `{"body":"reach out","type":"crisis","force_show":true}`)
	decode(t, rec, &n)
	assert.True(t, n.Show)
	assert.True(t, n.RequireInteraction)

	rec = f.do(t, "POST", api+"/worker/notification-click", `{"action":"crisis"}`)
	var target map[string]string
	decode(t, rec, &target)
	assert.Equal(t, "/crisis", target["url"])
	last := f.pages.messages()[len(f.pages.messages())-1]
	assert.Equal(t, websocket.TypeNavigate, last.Type)

	before := len(f.pages.messages())
	f.do(t, "POST", api+"/worker/notification-click", `{"action":"dismiss"}`)
	assert.Len(t, f.pages.messages(), before)
}

func TestProxyHandler(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)

	rec := f.do(t, "GET", "/articles/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page /articles/1", rec.Body.String())
	assert.Equal(t, string(strategy.SourceNetwork), rec.Header().Get(SourceHeader))
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))

	f.network.offline.Store(true)

	rec = f.do(t, "GET", "/crisis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page /crisis", rec.Body.String())
	assert.Equal(t, string(strategy.SourceCache), rec.Header().Get(SourceHeader))

	rec = f.do(t, "GET", "/api/feed", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, "POST", "/api/journal", `{"text":"rough day"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), worker.QueuedMessage)

	f.network.offline.Store(false)
	rec = f.do(t, "POST", api+"/sync/wellness-data/drain", "")
	var result domain.DrainResult
	decode(t, rec, &result)
	assert.Len(t, result.Delivered, 1)
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Internal, Keep-Alive")
	h.Set("X-Internal", "secret")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Upgrade", "h2c")
	h.Set("Content-Type", "text/html")

	stripHopByHop(h)

	assert.Equal(t, http.Header{"Content-Type": []string{"text/html"}}, h)
}

func TestRouter_AuthGuardsControlAPIOnly(t *testing.T) {
	const secret = "router-secret"
	f := newFixture(t, middleware.AuthMiddleware(secret))
	f.activate(t)

	rec := f.do(t, "GET", api+"/storage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "GET", "/articles/2", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/_lifeline/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	token, err := jwt.GenerateToken("page", []string{middleware.ScopeRead}, time.Minute, secret)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", api+"/storage", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	preflight := httptest.NewRequest("OPTIONS", api+"/storage", nil)
	preflight.Header.Set("Origin", "https://app.example")
	out = httptest.NewRecorder()
	f.router.ServeHTTP(out, preflight)
	assert.Equal(t, http.StatusNoContent, out.Code)
}

func TestSensitiveStoreWithKey(t *testing.T) {
	f := newFixture(t, nil)
	c, err := cipher.New(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	f.store.SetCipher(c)

	rec := f.do(t, "PUT", api+"/stores/journal/records/j1", `{"data":{"date":"2026-10-18","text":"better"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, "GET", api+"/stores/journal/records/j1", "")
	var got domain.DataRecord
	decode(t, rec, &got)
	assert.False(t, got.Encrypted)
	assert.JSONEq(t, `{"date":"2026-10-18","text":"better"}`, string(got.Payload))
}
