// Package strategy answers GET requests from a mix of cache and network
// according to an ordered rule table.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"lifeline-offline/internal/domain"

	"golang.org/x/sync/singleflight"
)

const (
	defaultBackgroundTimeout = 60 * time.Second
	maxBodyBytes             = 25 << 20
)

// Fetcher is the network boundary. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cache is one response cache partition.
type Cache interface {
	Match(ctx context.Context, url string) (*domain.CachedResponse, error)
	Put(ctx context.Context, resp *domain.CachedResponse) error
}

type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourceSynthesized Source = "synthesized"
)

type Response struct {
	*domain.CachedResponse
	Source Source
}

type Executor struct {
	fetcher           Fetcher
	logger            *slog.Logger
	now               func() time.Time
	backgroundTimeout time.Duration

	refreshes singleflight.Group
	inflight  sync.WaitGroup
}

func NewExecutor(fetcher Fetcher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		fetcher:           fetcher,
		logger:            logger,
		now:               time.Now,
		backgroundTimeout: defaultBackgroundTimeout,
	}
}

// Wait blocks until every background fetch started so far has finished.
func (e *Executor) Wait() {
	e.inflight.Wait()
}

// Execute runs rule's strategy for req against cache. req must carry an
// absolute URL; it is the cache key.
func (e *Executor) Execute(ctx context.Context, req *http.Request, rule domain.CacheStrategyRule, cache Cache) (*Response, error) {
	switch rule.Strategy {
	case domain.StrategyCacheFirst:
		return e.cacheFirst(ctx, req, cache)
	case domain.StrategyNetworkFirst:
		return e.networkFirst(ctx, req, cache, rule.NetworkTimeout)
	case domain.StrategyStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, req, rule.CacheName, cache)
	case domain.StrategyCacheOnly:
		return e.cacheOnly(ctx, req, cache)
	case domain.StrategyNetworkOnly:
		return e.networkOnly(ctx, req)
	}
	return nil, fmt.Errorf("unknown strategy %q", rule.Strategy)
}

func (e *Executor) cacheFirst(ctx context.Context, req *http.Request, cache Cache) (*Response, error) {
	if cached := e.match(ctx, cache, req); cached != nil {
		return &Response{CachedResponse: cached, Source: SourceCache}, nil
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 200 && resp.Status < 300 {
		e.store(ctx, cache, resp)
	}
	return &Response{CachedResponse: resp, Source: SourceNetwork}, nil
}

type fetchResult struct {
	resp *domain.CachedResponse
	err  error
}

// networkFirst races the fetch against timeout. A fetch that loses the race
// keeps running and still refreshes the cache when it completes.
func (e *Executor) networkFirst(ctx context.Context, req *http.Request, cache Cache, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	done := make(chan fetchResult, 1)
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.backgroundTimeout)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()

		resp, err := e.fetch(fetchCtx, req)
		if err == nil && Cacheable(resp.Status) {
			e.store(fetchCtx, cache, resp)
		}
		done <- fetchResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case res := <-done:
		if res.err == nil {
			return &Response{CachedResponse: res.resp, Source: SourceNetwork}, nil
		}
		cause = res.err
	case <-timer.C:
		cause = fmt.Errorf("%w: no response within %s", domain.ErrNetworkFailure, timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	if cached := e.match(ctx, cache, req); cached != nil {
		return &Response{CachedResponse: cached, Source: SourceCache}, nil
	}
	return nil, cause
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, req *http.Request, cacheName string, cache Cache) (*Response, error) {
	if cached := e.match(ctx, cache, req); cached != nil {
		e.revalidate(ctx, req, cacheName, cache)
		return &Response{CachedResponse: cached, Source: SourceCache}, nil
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if Cacheable(resp.Status) {
		e.store(ctx, cache, resp)
	}
	return &Response{CachedResponse: resp, Source: SourceNetwork}, nil
}

// revalidate refreshes the cached copy in the background. Overlapping
// refreshes of the same URL share one fetch.
func (e *Executor) revalidate(ctx context.Context, req *http.Request, cacheName string, cache Cache) {
	key := cacheName + " " + req.URL.String()
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.backgroundTimeout)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()

		_, err, _ := e.refreshes.Do(key, func() (interface{}, error) {
			resp, err := e.fetch(bgCtx, req)
			if err != nil {
				return nil, err
			}
			if Cacheable(resp.Status) {
				e.store(bgCtx, cache, resp)
			}
			return nil, nil
		})
		if err != nil {
			e.logger.Debug("background revalidation failed", "url", req.URL.String(), "error", err)
		}
	}()
}

func (e *Executor) cacheOnly(ctx context.Context, req *http.Request, cache Cache) (*Response, error) {
	if cached := e.match(ctx, cache, req); cached != nil {
		return &Response{CachedResponse: cached, Source: SourceCache}, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrCacheMiss, req.URL.String())
}

func (e *Executor) networkOnly(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Response{CachedResponse: resp, Source: SourceNetwork}, nil
}

func (e *Executor) match(ctx context.Context, cache Cache, req *http.Request) *domain.CachedResponse {
	if cache == nil {
		return nil
	}
	cached, err := cache.Match(ctx, req.URL.String())
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			e.logger.Warn("cache lookup failed", "url", req.URL.String(), "error", err)
		}
		return nil
	}
	return cached
}

func (e *Executor) store(ctx context.Context, cache Cache, resp *domain.CachedResponse) {
	if cache == nil {
		return
	}
	if err := cache.Put(ctx, resp); err != nil {
		e.logger.Warn("cache write failed", "url", resp.URL, "error", err)
	}
}

func (e *Executor) fetch(ctx context.Context, req *http.Request) (*domain.CachedResponse, error) {
	return Fetch(ctx, e.fetcher, req, e.now())
}

// Fetch performs req through fetcher and buffers the response. Transport
// errors are reported as ErrNetworkFailure.
func Fetch(ctx context.Context, fetcher Fetcher, req *http.Request, now time.Time) (*domain.CachedResponse, error) {
	resp, err := fetcher.Do(req.Clone(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	body, err := ReadLimited(resp.Body, maxBodyBytes)
	if errors.Is(err, domain.ErrBodyTooLarge) {
		return nil, fmt.Errorf("response for %s: %w", req.URL.String(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", domain.ErrNetworkFailure, err)
	}

	return &domain.CachedResponse{
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		CachedAt: now.UnixMilli(),
	}, nil
}

// ReadLimited reads r to the end. It fails with ErrBodyTooLarge instead of
// returning a truncated body when r holds more than limit bytes.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", domain.ErrBodyTooLarge, limit)
	}
	return body, nil
}

// Cacheable reports whether a network-first or stale-while-revalidate
// response may be stored. Status 0 is an opaque response.
func Cacheable(status int) bool {
	return status == http.StatusOK || status == 0
}
