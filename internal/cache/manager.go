// Package cache manages the versioned response cache partitions.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/repository"
)

const DefaultPrefix = "lifeline"

// Policy bounds one partition. Zero values mean no limit.
type Policy struct {
	MaxAge     time.Duration `yaml:"max_age"`
	MaxEntries int           `yaml:"max_entries"`
}

func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		domain.CacheCritical: {},
		domain.CacheCrisis:   {},
		domain.CacheStatic:   {MaxAge: 30 * 24 * time.Hour, MaxEntries: 200},
		domain.CacheDynamic:  {MaxAge: 24 * time.Hour, MaxEntries: 100},
		domain.CacheJournal:  {MaxAge: 7 * 24 * time.Hour, MaxEntries: 100},
		domain.CacheImages:   {MaxAge: 30 * 24 * time.Hour, MaxEntries: 60},
		domain.CacheAPI:      {MaxAge: 10 * time.Minute, MaxEntries: 200},
	}
}

type Config struct {
	Prefix   string
	Version  string
	Policies map[string]Policy
}

type Manager struct {
	repo   repository.CacheRepository
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	ready    bool
	disposed bool
}

func NewManager(repo repository.CacheRepository, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:   repo,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Init opens every configured partition of the current version.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return domain.ErrDisposed
	}

	created := m.now().UnixMilli()
	for name := range m.config.Policies {
		if err := m.repo.Open(ctx, m.FullName(name), created); err != nil {
			return err
		}
	}
	m.ready = true
	return nil
}

// Dispose closes the underlying repository. Every later call fails with
// ErrDisposed.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil
	}
	m.disposed = true
	m.ready = false
	return m.repo.Close()
}

func (m *Manager) Version() string {
	return m.config.Version
}

// FullName is the stored name of a partition: <prefix>-<name>-<version>.
func (m *Manager) FullName(name string) string {
	return fmt.Sprintf("%s-%s-%s", m.config.Prefix, name, m.config.Version)
}

func (m *Manager) Open(ctx context.Context, name string) (*Partition, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	policy, ok := m.config.Policies[name]
	if !ok {
		return nil, fmt.Errorf("unknown cache partition %q", name)
	}
	return &Partition{
		manager: m,
		name:    name,
		full:    m.FullName(name),
		policy:  policy,
	}, nil
}

// DeleteStale removes app partitions left behind by other cache versions.
func (m *Manager) DeleteStale(ctx context.Context) ([]string, error) {
	suffix := "-" + m.config.Version
	return m.deleteWhere(ctx, func(name string) bool {
		return m.owned(name) && !strings.HasSuffix(name, suffix)
	})
}

// ClearPrefixed removes every app partition regardless of version except
// the current crisis partition.
func (m *Manager) ClearPrefixed(ctx context.Context) ([]string, error) {
	crisis := m.FullName(domain.CacheCrisis)
	return m.deleteWhere(ctx, func(name string) bool {
		return m.owned(name) && name != crisis
	})
}

// ClearAll removes every partition in the repository except the current
// crisis partition.
func (m *Manager) ClearAll(ctx context.Context) ([]string, error) {
	crisis := m.FullName(domain.CacheCrisis)
	return m.deleteWhere(ctx, func(name string) bool { return name != crisis })
}

// Clear drops the entries of one current-version partition.
func (m *Manager) Clear(ctx context.Context, name string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.repo.Clear(ctx, m.FullName(name))
}

// Expire applies the age limit of every partition.
func (m *Manager) Expire(ctx context.Context) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	var total int64
	for name, policy := range m.config.Policies {
		if policy.MaxAge <= 0 {
			continue
		}
		cutoff := m.now().Add(-policy.MaxAge).UnixMilli()
		n, err := m.repo.DeleteOlderThan(ctx, m.FullName(name), cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *Manager) Usage(ctx context.Context) ([]domain.PartitionUsage, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.repo.Usage(ctx)
}

func (m *Manager) deleteWhere(ctx context.Context, match func(string) bool) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	names, err := m.repo.Caches(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	var errs []error
	for _, name := range names {
		if !match(name) {
			continue
		}
		if err := m.repo.DeleteCache(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		m.logger.Info("deleted cache partitions", "caches", deleted)
	}
	return deleted, errors.Join(errs...)
}

func (m *Manager) owned(name string) bool {
	return strings.HasPrefix(name, m.config.Prefix+"-")
}

func (m *Manager) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return domain.ErrDisposed
	}
	return nil
}
