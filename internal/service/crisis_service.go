package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/strategy"

	"golang.org/x/sync/errgroup"
)

const defaultCrisisConcurrency = 4

// DefaultCrisisURLs is the crisis allowlist used when none is configured.
func DefaultCrisisURLs() []string {
	return []string{
		"/crisis",
		"/crisis/hotlines",
		"/emergency",
		"/safety-plan",
		"/coping-strategies",
		"/api/crisis/resources",
	}
}

type CrisisConfig struct {
	URLs         []string
	Concurrency  int
	FetchTimeout time.Duration
}

// CrisisService keeps the crisis allowlist in the crisis partition.
type CrisisService struct {
	cache   strategy.Cache
	fetcher strategy.Fetcher
	urls    []string
	config  CrisisConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewCrisisService resolves the allowlist against origin. Cache keys are the
// resolved absolute URLs.
func NewCrisisService(cache strategy.Cache, fetcher strategy.Fetcher, origin string, cfg CrisisConfig, logger *slog.Logger) (*CrisisService, error) {
	base, err := url.Parse(origin)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream origin %q", origin)
	}
	if len(cfg.URLs) == 0 {
		cfg.URLs = DefaultCrisisURLs()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultCrisisConcurrency
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	urls := make([]string, 0, len(cfg.URLs))
	for _, raw := range cfg.URLs {
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid crisis url %q: %w", raw, err)
		}
		urls = append(urls, base.ResolveReference(ref).String())
	}

	return &CrisisService{
		cache:   cache,
		fetcher: fetcher,
		urls:    urls,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *CrisisService) URLs() []string {
	return append([]string(nil), s.urls...)
}

// EnsureCrisisResourcesCached fetches every allowlisted URL missing from the
// crisis partition. A failing URL never stops the others; failures are
// listed in the report.
func (s *CrisisService) EnsureCrisisResourcesCached(ctx context.Context) (*domain.CrisisReport, error) {
	report := &domain.CrisisReport{Failed: map[string]string{}}

	var missing []string
	for _, u := range s.urls {
		if _, err := s.cache.Match(ctx, u); err == nil {
			report.Cached = append(report.Cached, u)
			continue
		}
		missing = append(missing, u)
	}

	s.fetchAll(ctx, missing, report)
	s.log("crisis resources ensured", report)
	return report, nil
}

// RefreshCrisisResources re-fetches the whole allowlist. Cached copies are
// only replaced by successful responses.
func (s *CrisisService) RefreshCrisisResources(ctx context.Context) (*domain.CrisisReport, error) {
	report := &domain.CrisisReport{Failed: map[string]string{}}
	s.fetchAll(ctx, s.urls, report)
	s.log("crisis resources refreshed", report)
	return report, nil
}

func (s *CrisisService) fetchAll(ctx context.Context, urls []string, report *domain.CrisisReport) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, u := range urls {
		u := u
		g.Go(func() error {
			err := s.fetchOne(gctx, u)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[u] = err.Error()
				return nil
			}
			report.Fetched = append(report.Fetched, u)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *CrisisService) fetchOne(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := strategy.Fetch(ctx, s.fetcher, req, s.now())
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	if err := s.cache.Put(ctx, resp); err != nil {
		return fmt.Errorf("failed to cache: %w", err)
	}
	return nil
}

func (s *CrisisService) log(msg string, report *domain.CrisisReport) {
	if report.Complete() {
		s.logger.Info(msg, "cached", len(report.Cached), "fetched", len(report.Fetched))
		return
	}
	s.logger.Warn(msg, "cached", len(report.Cached), "fetched", len(report.Fetched), "failed", report.Failed)
}
