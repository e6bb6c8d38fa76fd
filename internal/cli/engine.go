package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"lifeline-offline/internal/cache"
	"lifeline-offline/internal/config"
	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/handler"
	"lifeline-offline/internal/middleware"
	"lifeline-offline/internal/repository"
	"lifeline-offline/internal/service"
	"lifeline-offline/internal/strategy"
	"lifeline-offline/internal/websocket"
	"lifeline-offline/internal/worker"
	"lifeline-offline/pkg/cipher"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"go.etcd.io/bbolt"
)

// Engine holds every component of a running offline engine.
type Engine struct {
	Config *config.Config
	Logger *slog.Logger

	DB      *bbolt.DB
	Records repository.RecordRepository
	Store   *service.StoreService
	Caches  *cache.Manager
	Quota   *service.QuotaService
	Router  *strategy.Router
	Crisis  *service.CrisisService
	Sync    *service.SyncService
	Worker  *worker.Worker
	Pages   *websocket.Manager
	Fetcher *http.Client
}

// OpenEngine opens local storage and wires the engine. It does not touch
// the network; Start does.
func OpenEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var rules *config.Rules
	if cfg.Cache.RulesFile != "" {
		loaded, err := config.LoadRules(cfg.Cache.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	} else {
		rules = &config.Rules{}
	}

	for _, path := range []string{cfg.Storage.RecordsPath, cfg.Storage.CachePath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	stores := domain.DefaultStores()
	db, err := repository.OpenDatabase(cfg.Storage.RecordsPath, stores)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Records: repository.NewRecordRepository(db, stores),
		Fetcher: &http.Client{Timeout: cfg.Upstream.Timeout},
	}

	var sealer service.Sealer
	if cfg.Security.EncryptionKey != "" {
		c, err := cipher.NewFromBase64(cfg.Security.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
		sealer = c
	} else {
		logger.Warn("no encryption key configured, sensitive stores are read-only")
	}
	e.Store = service.NewStoreService(e.Records, sealer, logger.With("component", "store"))

	cacheRepo, err := repository.OpenCacheRepository(cfg.Storage.CachePath)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.Caches = cache.NewManager(cacheRepo, cache.Config{
		Version:  cfg.Cache.Version,
		Policies: rules.Policies,
	}, logger.With("component", "cache"))

	e.Quota = service.NewQuotaService(e.Records, e.Caches, service.QuotaConfig{
		SoftCap:          cfg.Storage.SoftCapBytes,
		Threshold:        cfg.Storage.CleanupThreshold,
		Retention:        cfg.Storage.Retention,
		LowPriorityCache: domain.CacheDynamic,
	}, logger.With("component", "quota"))
	e.Store.SetSpaceGuard(e.Quota)

	if err := e.wire(ctx, rules); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire(ctx context.Context, rules *config.Rules) error {
	cfg := e.Config
	origin := cfg.Upstream.Origin

	ruleTable := rules.Rules
	if len(ruleTable) == 0 {
		ruleTable = strategy.DefaultRules()
	}
	partitions := strategy.PartitionFunc(func(ctx context.Context, name string) (strategy.Cache, error) {
		p, err := e.Caches.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	executor := strategy.NewExecutor(e.Fetcher, e.Logger.With("component", "strategy"))
	e.Router = strategy.NewRouter(executor, partitions, ruleTable, origin, e.Logger.With("component", "router"))

	crisisCache, err := e.Caches.Open(ctx, domain.CacheCrisis)
	if err != nil {
		return err
	}
	urls := cfg.Crisis.URLs
	if len(urls) == 0 {
		urls = rules.CrisisURLs
	}
	e.Crisis, err = service.NewCrisisService(crisisCache, e.Fetcher, origin, service.CrisisConfig{
		URLs:         urls,
		Concurrency:  cfg.Crisis.Concurrency,
		FetchTimeout: cfg.Crisis.FetchTimeout,
	}, e.Logger.With("component", "crisis"))
	if err != nil {
		return err
	}

	keywords := cfg.Crisis.Keywords
	if len(keywords) == 0 {
		keywords = rules.CrisisKeywords
	}
	e.Sync = service.NewSyncService(
		repository.NewQueueRepository(e.DB),
		e.Fetcher,
		nil,
		service.NewCrisisDetector(keywords),
		e.Logger.With("component", "sync"),
	)

	e.Pages = websocket.NewManager(websocket.Options{
		MaxConnections: cfg.WebSocket.MaxConnections,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
	}, e.Logger)
	e.Sync.SetNotifier(e.Pages)

	e.Worker, err = worker.New(e.Caches, e.Router, e.Crisis, e.Sync, e.Fetcher, worker.Config{
		Origin: origin,
	}, e.Logger.With("component", "worker"))
	if err != nil {
		return err
	}
	e.Pages.SetMessageHandler(handler.NewWebSocketMessageHandler(e.Pages, e.Worker))
	return nil
}

// Start prepares the engine for traffic: it frees space if the store is
// over its threshold, then installs and activates the worker. A failed
// install leaves the worker redundant and every request passes through.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.Quota.PerformCleanup(ctx); err != nil {
		e.Logger.Warn("startup cleanup failed", "error", err)
	}

	if err := e.Worker.OnInstall(ctx); err != nil {
		e.Logger.Error("worker install failed, serving without offline support", "error", err)
		return nil
	}
	return e.Worker.OnActivate(ctx)
}

// Handler builds the HTTP surface: control API, message port and proxy.
func (e *Engine) Handler() (http.Handler, error) {
	cfg := e.Config

	proxy, err := handler.NewProxyHandler(e.Worker, cfg.Upstream.Origin, e.Logger.With("component", "proxy"))
	if err != nil {
		return nil, err
	}

	mw := handler.Middlewares{
		Logger: middleware.LoggerMiddleware(e.Logger.With("component", "http")),
		CORS: middleware.CORSMiddleware(middleware.CORSOptions{
			AllowedOrigins: config.SplitList(cfg.CORS.AllowedOrigins),
			AllowedMethods: config.SplitList(cfg.CORS.AllowedMethods),
			AllowedHeaders: config.SplitList(cfg.CORS.AllowedHeaders),
			ExposedHeaders: []string{handler.SourceHeader},
		}),
	}
	if cfg.Security.JWTSecret != "" {
		mw.Auth = middleware.AuthMiddleware(cfg.Security.JWTSecret)
	}

	return handler.NewRouter(handler.Handlers{
		Store:     handler.NewStoreHandler(e.Store),
		Sync:      handler.NewSyncHandler(e.Sync, e.Worker),
		Storage:   handler.NewStorageHandler(e.Quota),
		Worker:    handler.NewWorkerHandler(e.Worker, e.Pages),
		WebSocket: handler.NewWebSocketHandler(e.Pages, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, e.Logger),
		Proxy:     proxy,
	}, mw), nil
}

// Backups opens the configured backup sink.
func (e *Engine) Backups(ctx context.Context) (repository.BackupRepository, error) {
	cfg := e.Config.Backup

	switch cfg.Sink {
	case config.BackupSinkCouch:
		e.Logger.Debug("using CouchDB backup sink", "url", redactURL(cfg.Couch.URL))
		client, err := kivik.New("couch", cfg.Couch.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
		}
		exists, err := client.DBExists(ctx, cfg.Couch.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to check database existence: %w", err)
		}
		if !exists {
			if err := client.CreateDB(ctx, cfg.Couch.Database); err != nil {
				return nil, fmt.Errorf("failed to create database: %w", err)
			}
			e.Logger.Info("created backup database", "database", cfg.Couch.Database)
		}
		return repository.NewCouchBackupRepository(client, cfg.Couch.Database), nil

	case config.BackupSinkS3:
		return repository.NewS3BackupRepository(ctx, repository.S3BackupConfig{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	}
	return repository.NewFileBackupRepository(cfg.Dir), nil
}

func (e *Engine) Close() error {
	var errs []error
	if e.Worker != nil {
		e.Worker.Wait()
	}
	if e.Caches != nil {
		errs = append(errs, e.Caches.Dispose())
	}
	if e.DB != nil {
		errs = append(errs, e.DB.Close())
	}
	return errors.Join(errs...)
}

// RuleTable describes the active routing rules, crisis rule first.
func (e *Engine) RuleTable() []map[string]string {
	var out []map[string]string
	for _, rule := range e.Router.Rules() {
		row := map[string]string{
			"name":     rule.Name,
			"pattern":  rule.Pattern.String(),
			"strategy": string(rule.Strategy),
			"cache":    rule.CacheName,
		}
		if rule.NetworkTimeout > 0 {
			row["network_timeout"] = rule.NetworkTimeout.String()
		}
		out = append(out, row)
	}
	return out
}

func redactURL(raw string) string {
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
			return raw[:scheme+3] + "***" + raw[at:]
		}
	}
	return raw
}
