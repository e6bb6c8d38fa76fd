// Package worker coordinates the offline engine's lifecycle events.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lifeline-offline/internal/cache"
	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/service"
	"lifeline-offline/internal/strategy"

	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const (
	QueuedMessage = "Saved. Will send when reconnected."
	maxWriteBody  = 10 << 20
)

var ErrNotInstalled = errors.New("worker is not installed")

// DefaultPrecacheURLs make up the app shell stored in the critical
// partition at install.
func DefaultPrecacheURLs() []string {
	return []string{"/", strategy.OfflinePage, "/manifest.json"}
}

type Config struct {
	Origin   string
	Precache []string
}

type Worker struct {
	caches  *cache.Manager
	router  *strategy.Router
	crisis  *service.CrisisService
	sync    *service.SyncService
	fetcher strategy.Fetcher
	origin  *url.URL
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	state State

	background sync.WaitGroup
}

func New(
	caches *cache.Manager,
	router *strategy.Router,
	crisis *service.CrisisService,
	syncService *service.SyncService,
	fetcher strategy.Fetcher,
	cfg Config,
	logger *slog.Logger,
) (*Worker, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid upstream origin %q", cfg.Origin)
	}
	if cfg.Precache == nil {
		cfg.Precache = DefaultPrecacheURLs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	router.SetCrisisURLs(crisis.URLs())
	return &Worker{
		caches:  caches,
		router:  router,
		crisis:  crisis,
		sync:    syncService,
		fetcher: fetcher,
		origin:  origin,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		state:   StateParsed,
	}, nil
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.logger.Info("worker state changed", "state", s)
}

// Wait blocks until background work started by lifecycle events is done.
func (w *Worker) Wait() {
	w.background.Wait()
	w.router.Executor().Wait()
}

// OnInstall precaches the app shell and the crisis allowlist. Install only
// succeeds when every crisis resource is cached; otherwise the worker
// becomes redundant.
func (w *Worker) OnInstall(ctx context.Context) error {
	w.setState(StateInstalling)

	if err := w.caches.Init(ctx); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("failed to open caches: %w", err)
	}

	w.precache(ctx)

	report, err := w.crisis.EnsureCrisisResourcesCached(ctx)
	if err != nil {
		w.setState(StateRedundant)
		return err
	}
	if !report.Complete() {
		w.setState(StateRedundant)
		return fmt.Errorf("crisis resources incomplete: %d of %d failed", len(report.Failed), len(w.crisis.URLs()))
	}

	w.setState(StateInstalled)
	return nil
}

// OnActivate evicts partitions of older cache versions, re-checks the crisis
// allowlist and starts an opportunistic refresh of it.
func (w *Worker) OnActivate(ctx context.Context) error {
	switch w.State() {
	case StateInstalled:
	case StateActivated:
		return nil
	default:
		return ErrNotInstalled
	}
	w.setState(StateActivating)

	if _, err := w.caches.DeleteStale(ctx); err != nil {
		w.logger.Warn("failed to delete stale caches", "error", err)
	}
	if _, err := w.caches.Expire(ctx); err != nil {
		w.logger.Warn("failed to expire cache entries", "error", err)
	}
	if _, err := w.crisis.EnsureCrisisResourcesCached(ctx); err != nil {
		w.logger.Warn("crisis check at activation failed", "error", err)
	}

	refreshCtx := context.WithoutCancel(ctx)
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if _, err := w.crisis.RefreshCrisisResources(refreshCtx); err != nil {
			w.logger.Warn("crisis refresh failed", "error", err)
		}
	}()

	w.setState(StateActivated)
	return nil
}

// OnFetch answers a page request. req must carry the absolute upstream URL.
// Same-origin GETs go through the strategy router once the worker is
// active; everything else goes straight to the network, and writes that
// fail offline are queued for background sync when a sync route matches.
func (w *Worker) OnFetch(ctx context.Context, req *http.Request) *strategy.Response {
	if req.Method == http.MethodGet && w.intercepts(req) {
		return w.router.Route(ctx, req)
	}
	return w.passthrough(ctx, req)
}

func (w *Worker) OnSync(ctx context.Context, tag string) (*domain.DrainResult, error) {
	return w.sync.Drain(ctx, tag)
}

func (w *Worker) SkipWaiting(ctx context.Context) error {
	return w.OnActivate(ctx)
}

// OnMessage handles a control message from a page and builds its reply.
func (w *Worker) OnMessage(ctx context.Context, msg domain.WorkerMessage) *domain.WorkerReply {
	reply := &domain.WorkerReply{ID: msg.ID, Type: msg.Type}

	data, err := w.handleMessage(ctx, msg)
	if err != nil {
		w.logger.Warn("message failed", "type", msg.Type, "error", err)
		reply.Error = err.Error()
		return reply
	}
	reply.Success = true
	reply.Data = data
	return reply
}

func (w *Worker) handleMessage(ctx context.Context, msg domain.WorkerMessage) (interface{}, error) {
	switch msg.Type {
	case domain.MessageSkipWaiting:
		if err := w.SkipWaiting(ctx); err != nil {
			return nil, err
		}
		return map[string]State{"state": w.State()}, nil

	case domain.MessageCacheCrisisResources:
		return w.crisis.EnsureCrisisResourcesCached(ctx)

	case domain.MessageClearAllCaches:
		deleted, err := w.caches.ClearAll(ctx)
		if err != nil {
			return nil, err
		}
		return w.reseed(ctx, deleted)

	case domain.MessageClearCache:
		deleted, err := w.caches.ClearPrefixed(ctx)
		if err != nil {
			return nil, err
		}
		return w.reseed(ctx, deleted)

	case domain.MessageCacheURLs:
		var payload domain.CacheURLsPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		return w.cacheURLs(ctx, payload.URLs)
	}
	return nil, fmt.Errorf("unsupported message type %q", msg.Type)
}

// reseed checks the crisis allowlist after caches were wiped. The crisis
// partition survives a clear, so an incomplete report means a resource was
// never cached.
func (w *Worker) reseed(ctx context.Context, deleted []string) (interface{}, error) {
	report, err := w.crisis.EnsureCrisisResourcesCached(ctx)
	if err != nil {
		return nil, err
	}
	if !report.Complete() {
		return nil, fmt.Errorf("crisis resources incomplete after clearing caches: %d of %d failed",
			len(report.Failed), len(w.crisis.URLs()))
	}
	return map[string]interface{}{
		"deleted": deleted,
		"crisis":  report,
	}, nil
}

func (w *Worker) cacheURLs(ctx context.Context, urls []string) (*domain.CrisisReport, error) {
	partition, err := w.caches.Open(ctx, domain.CacheDynamic)
	if err != nil {
		return nil, err
	}

	report := &domain.CrisisReport{Failed: map[string]string{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, raw := range urls {
		raw := raw
		g.Go(func() error {
			target, err := w.resolve(raw)
			if err == nil {
				err = w.store(gctx, partition, target)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[raw] = err.Error()
				return nil
			}
			report.Fetched = append(report.Fetched, target)
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// OnPush decides how a push payload is shown. Crisis payloads marked
// ForceShow are always shown and stay until dismissed; other payloads are
// suppressed while a page is focused.
func (w *Worker) OnPush(payload domain.PushPayload, focused bool) domain.Notification {
	title := payload.Title
	if title == "" {
		title = "Lifeline"
	}
	target := payload.URL
	if target == "" {
		target = "/"
	}

	crisis := payload.Type == domain.TagCrisis
	return domain.Notification{
		Show:               !focused || (crisis && payload.ForceShow),
		Title:              title,
		Body:               payload.Body,
		Tag:                payload.Type,
		URL:                target,
		RequireInteraction: crisis,
	}
}

// OnNotificationClick returns the URL to focus or open.
func (w *Worker) OnNotificationClick(click domain.NotificationClick) string {
	switch click.Action {
	case "dismiss":
		return ""
	case "crisis":
		return "/crisis"
	}
	if click.URL == "" {
		return "/"
	}
	return click.URL
}

func (w *Worker) intercepts(req *http.Request) bool {
	if w.State() != StateActivated {
		return false
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return false
	}
	return strategy.SameOrigin(w.origin, req.URL)
}

func (w *Worker) passthrough(ctx context.Context, req *http.Request) *strategy.Response {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = strategy.ReadLimited(req.Body, maxWriteBody)
		if errors.Is(err, domain.ErrBodyTooLarge) {
			w.logger.Warn("request body rejected", "method", req.Method, "url", req.URL.String(), "error", err)
			return tooLarge(req.URL.String())
		}
		if err != nil {
			return strategy.Unavailable(req.URL.String())
		}
	}

	out := req.Clone(ctx)
	out.Body = http.NoBody
	out.ContentLength = 0
	if len(body) > 0 {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
	}

	resp, err := strategy.Fetch(ctx, w.fetcher, out, w.now())
	if err == nil {
		return &strategy.Response{CachedResponse: resp, Source: strategy.SourceNetwork}
	}

	if isWrite(req.Method) && errors.Is(err, domain.ErrNetworkFailure) {
		if queued := w.enqueue(ctx, req, body); queued != nil {
			return queued
		}
	}

	w.logger.Info("passthrough request failed", "method", req.Method, "url", req.URL.String(), "error", err)
	return strategy.Unavailable(req.URL.String())
}

func tooLarge(rawURL string) *strategy.Response {
	return &strategy.Response{
		CachedResponse: &domain.CachedResponse{
			URL:    rawURL,
			Status: http.StatusRequestEntityTooLarge,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(`{"error":"request_too_large","message":"The request body is too large."}`),
		},
		Source: strategy.SourceSynthesized,
	}
}

func (w *Worker) enqueue(ctx context.Context, req *http.Request, body []byte) *strategy.Response {
	tag, ok := w.sync.Route(req.Method, req.URL.Path, body)
	if !ok {
		return nil
	}

	entry, err := w.sync.Enqueue(ctx, tag, domain.QueuedRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: flattenHeader(req.Header),
		Body:   body,
	})
	if err != nil {
		w.logger.Error("failed to queue offline write", "tag", tag, "url", req.URL.String(), "error", err)
		return nil
	}

	ack, _ := json.Marshal(domain.QueueAck{
		Queued:  true,
		Tag:     tag,
		EntryID: entry.ID,
		Message: QueuedMessage,
	})
	return &strategy.Response{
		CachedResponse: &domain.CachedResponse{
			URL:    req.URL.String(),
			Status: http.StatusAccepted,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   ack,
		},
		Source: strategy.SourceSynthesized,
	}
}

func (w *Worker) precache(ctx context.Context) {
	partition, err := w.caches.Open(ctx, domain.CacheCritical)
	if err != nil {
		w.logger.Warn("critical cache unavailable", "error", err)
		return
	}
	for _, raw := range w.config.Precache {
		target, err := w.resolve(raw)
		if err == nil {
			err = w.store(ctx, partition, target)
		}
		if err != nil {
			w.logger.Warn("failed to precache", "url", raw, "error", err)
		}
	}
}

func (w *Worker) store(ctx context.Context, partition *cache.Partition, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := strategy.Fetch(ctx, w.fetcher, req, w.now())
	if err != nil {
		return err
	}
	if !strategy.Cacheable(resp.Status) {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return partition.Put(ctx, resp)
}

// resolve turns a page-relative URL into a same-origin absolute one.
func (w *Worker) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	target := w.origin.ResolveReference(ref)
	if !strategy.SameOrigin(w.origin, target) {
		return "", fmt.Errorf("cross-origin url %q", raw)
	}
	return target.String(), nil
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// skippedHeaders are not replayed from the sync queue.
var skippedHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
	"Content-Length":    true,
	"Cookie":            true,
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 || skippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}
