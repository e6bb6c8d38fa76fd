package domain

import (
	"net/http"
	"regexp"
	"time"
)

type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyCacheOnly            Strategy = "cache-only"
	StrategyNetworkOnly          Strategy = "network-only"
)

const (
	CacheCritical = "critical"
	CacheStatic   = "static"
	CacheDynamic  = "dynamic"
	CacheCrisis   = "crisis"
	CacheJournal  = "journal"
	CacheImages   = "images"
	CacheAPI      = "api"
)

type CacheStrategyRule struct {
	Name           string
	Pattern        *regexp.Regexp
	Strategy       Strategy
	CacheName      string
	NetworkTimeout time.Duration
}

func (r CacheStrategyRule) Matches(rawURL string) bool {
	return r.Pattern != nil && r.Pattern.MatchString(rawURL)
}

type CachedResponse struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	CachedAt int64       `json:"cached_at"`
}

type PartitionUsage struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

type CrisisReport struct {
	Cached  []string          `json:"cached"`
	Fetched []string          `json:"fetched"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (r *CrisisReport) Complete() bool {
	return len(r.Failed) == 0
}
