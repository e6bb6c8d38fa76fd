package strategy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"lifeline-offline/internal/domain"
)

const (
	CrisisTimeout  = 2 * time.Second
	DefaultTimeout = 10 * time.Second
	OfflinePage    = "/offline.html"
)

// CrisisPattern matches the crisis allowlist paths.
var CrisisPattern = regexp.MustCompile(`(?:/crisis|/emergency|/safety-plan|/coping-strategies)(?:[/?#]|$)`)

// Partitions opens cache partitions by short name.
type Partitions interface {
	Partition(ctx context.Context, name string) (Cache, error)
}

type PartitionFunc func(ctx context.Context, name string) (Cache, error)

func (f PartitionFunc) Partition(ctx context.Context, name string) (Cache, error) {
	return f(ctx, name)
}

func CrisisRule() domain.CacheStrategyRule {
	return domain.CacheStrategyRule{
		Name:           "crisis",
		Pattern:        CrisisPattern,
		Strategy:       domain.StrategyNetworkFirst,
		CacheName:      domain.CacheCrisis,
		NetworkTimeout: CrisisTimeout,
	}
}

// CrisisRuleFor extends the crisis rule with exact matches of urls, so
// allowlisted resources outside CrisisPattern are still served from the
// crisis partition.
func CrisisRuleFor(urls []string) domain.CacheStrategyRule {
	rule := CrisisRule()
	if len(urls) == 0 {
		return rule
	}
	alts := []string{"(?:" + CrisisPattern.String() + ")"}
	for _, u := range urls {
		alts = append(alts, "(?:^"+regexp.QuoteMeta(u)+`(?:[?#]|$))`)
	}
	rule.Pattern = regexp.MustCompile(strings.Join(alts, "|"))
	return rule
}

func DefaultRule() domain.CacheStrategyRule {
	return domain.CacheStrategyRule{
		Name:           "default",
		Pattern:        regexp.MustCompile(`.*`),
		Strategy:       domain.StrategyNetworkFirst,
		CacheName:      domain.CacheDynamic,
		NetworkTimeout: DefaultTimeout,
	}
}

func DefaultRules() []domain.CacheStrategyRule {
	return []domain.CacheStrategyRule{
		{
			Name:      "app-shell",
			Pattern:   regexp.MustCompile(`/(?:offline\.html|manifest\.json)(?:\?|$)`),
			Strategy:  domain.StrategyCacheFirst,
			CacheName: domain.CacheCritical,
		},
		{
			Name:      "static-assets",
			Pattern:   regexp.MustCompile(`\.(?:js|css|woff2?|ttf|otf)(?:\?|$)`),
			Strategy:  domain.StrategyStaleWhileRevalidate,
			CacheName: domain.CacheStatic,
		},
		{
			Name:      "images",
			Pattern:   regexp.MustCompile(`\.(?:png|jpe?g|gif|svg|webp|ico)(?:\?|$)`),
			Strategy:  domain.StrategyCacheFirst,
			CacheName: domain.CacheImages,
		},
		{
			Name:           "journal-api",
			Pattern:        regexp.MustCompile(`/api/journal`),
			Strategy:       domain.StrategyNetworkFirst,
			CacheName:      domain.CacheJournal,
			NetworkTimeout: 5 * time.Second,
		},
		{
			Name:           "api",
			Pattern:        regexp.MustCompile(`/api/`),
			Strategy:       domain.StrategyNetworkFirst,
			CacheName:      domain.CacheAPI,
			NetworkTimeout: DefaultTimeout,
		},
	}
}

// Router resolves the first matching rule for a request and runs it. The
// crisis rule is always evaluated first and the default rule last.
type Router struct {
	executor   *Executor
	partitions Partitions
	fallback   domain.CacheStrategyRule
	origin     string
	logger     *slog.Logger

	mu    sync.RWMutex
	rules []domain.CacheStrategyRule
}

// NewRouter builds a router over rules. origin is the upstream base the
// offline page is cached under.
func NewRouter(executor *Executor, partitions Partitions, rules []domain.CacheStrategyRule, origin string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	ordered := []domain.CacheStrategyRule{CrisisRule()}
	for _, rule := range rules {
		if rule.Name == "crisis" {
			continue
		}
		ordered = append(ordered, rule)
	}

	return &Router{
		executor:   executor,
		partitions: partitions,
		rules:      ordered,
		fallback:   DefaultRule(),
		origin:     strings.TrimSuffix(origin, "/"),
		logger:     logger,
	}
}

// SetCrisisURLs replaces the crisis rule with one that also matches the
// absolute allowlist urls.
func (r *Router) SetCrisisURLs(urls []string) {
	rule := CrisisRuleFor(urls)
	r.mu.Lock()
	r.rules[0] = rule
	r.mu.Unlock()
}

// Rules returns the evaluation order, default rule included.
func (r *Router) Rules() []domain.CacheStrategyRule {
	r.mu.RLock()
	out := append([]domain.CacheStrategyRule(nil), r.rules...)
	r.mu.RUnlock()
	return append(out, r.fallback)
}

func (r *Router) Resolve(rawURL string) domain.CacheStrategyRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.Matches(rawURL) {
			return rule
		}
	}
	return r.fallback
}

func (r *Router) Executor() *Executor {
	return r.executor
}

// Route answers req and never fails: when every strategy is exhausted it
// serves the cached offline page for navigations and a synthesized 503
// otherwise.
func (r *Router) Route(ctx context.Context, req *http.Request) *Response {
	rule := r.Resolve(req.URL.String())

	var cache Cache
	if rule.Strategy != domain.StrategyNetworkOnly {
		c, err := r.partitions.Partition(ctx, rule.CacheName)
		if err != nil {
			r.logger.Warn("cache partition unavailable", "cache", rule.CacheName, "error", err)
		} else {
			cache = c
		}
	}

	resp, err := r.executor.Execute(ctx, req, rule, cache)
	if err == nil {
		return resp
	}

	r.logger.Info("request fell back",
		"url", req.URL.String(), "rule", rule.Name, "strategy", rule.Strategy, "error", err)

	if IsNavigation(req) {
		if page := r.offlinePage(ctx); page != nil {
			return page
		}
	}
	return Unavailable(req.URL.String())
}

func (r *Router) offlinePage(ctx context.Context) *Response {
	critical, err := r.partitions.Partition(ctx, domain.CacheCritical)
	if err != nil {
		return nil
	}
	page, err := critical.Match(ctx, r.origin+OfflinePage)
	if err != nil {
		return nil
	}
	return &Response{CachedResponse: page, Source: SourceOffline}
}

// Unavailable is the synthesized reply for a request no strategy could
// answer.
func Unavailable(rawURL string) *Response {
	return &Response{
		CachedResponse: &domain.CachedResponse{
			URL:    rawURL,
			Status: http.StatusServiceUnavailable,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(`{"error":"offline","message":"This content is not available offline."}`),
		},
		Source: SourceSynthesized,
	}
}

// IsNavigation reports whether req loads a full page.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// SameOrigin reports whether target shares scheme and host with origin.
func SameOrigin(origin, target *url.URL) bool {
	return strings.EqualFold(origin.Scheme, target.Scheme) && strings.EqualFold(origin.Host, target.Host)
}
