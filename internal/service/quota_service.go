package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/repository"
)

// CacheSpace is the part of the cache manager the quota manager needs.
type CacheSpace interface {
	Usage(ctx context.Context) ([]domain.PartitionUsage, error)
	Clear(ctx context.Context, name string) error
}

type QuotaConfig struct {
	SoftCap          int64
	Threshold        float64
	Retention        time.Duration
	LowPriorityCache string
	// UsageTTL bounds how long a measured total is trusted before
	// EnsureSpace rescans the stores.
	UsageTTL time.Duration
}

func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		SoftCap:          50 << 20,
		Threshold:        0.9,
		Retention:        30 * 24 * time.Hour,
		LowPriorityCache: domain.CacheDynamic,
		UsageTTL:         30 * time.Second,
	}
}

type QuotaService struct {
	records repository.RecordRepository
	caches  CacheSpace
	config  QuotaConfig
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.Mutex
	lastCleanupAt int64
	estimate      int64
	measuredAt    time.Time
}

func NewQuotaService(records repository.RecordRepository, caches CacheSpace, cfg QuotaConfig, logger *slog.Logger) *QuotaService {
	defaults := DefaultQuotaConfig()
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = defaults.SoftCap
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.LowPriorityCache == "" {
		cfg.LowPriorityCache = defaults.LowPriorityCache
	}
	if cfg.UsageTTL <= 0 {
		cfg.UsageTTL = defaults.UsageTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaService{
		records: records,
		caches:  caches,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *QuotaService) GetStorageStats(ctx context.Context) (*domain.StorageMetadata, error) {
	usage, err := s.records.Usage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to measure stores: %w", err)
	}
	caches, err := s.cacheUsage(ctx)
	if err != nil {
		return nil, err
	}
	persistent, err := s.records.Persistent(ctx)
	if err != nil {
		return nil, err
	}

	total := sumUsage(usage, caches)
	available := s.config.SoftCap - total
	if available < 0 {
		available = 0
	}

	s.mu.Lock()
	last := s.lastCleanupAt
	s.mu.Unlock()

	return &domain.StorageMetadata{
		TotalSize:      total,
		AvailableSpace: available,
		SoftCap:        s.config.SoftCap,
		Usage:          usage,
		Caches:         caches,
		LastCleanupAt:  last,
		Persistent:     persistent,
	}, nil
}

// PerformCleanup frees space once usage crosses the threshold. Only SYNCED
// records older than the retention window are deleted, oldest first; the
// low-priority cache partition is cleared if that is not enough.
func (s *QuotaService) PerformCleanup(ctx context.Context) (*domain.CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanup(ctx, 0)
}

// EnsureSpace runs a cleanup when a write of incoming bytes would cross the
// threshold, and fails with ErrQuotaExceeded if the write would still exceed
// the soft cap afterwards. Admitted writes are added to a running estimate;
// the stores are rescanned only when the estimate is older than UsageTTL or
// the write would cross the threshold.
func (s *QuotaService) EnsureSpace(ctx context.Context, incoming int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fresh() && s.estimate+incoming <= s.limit() {
		s.estimate += incoming
		return nil
	}

	total, err := s.measure(ctx)
	if err != nil {
		return err
	}
	if total+incoming <= s.limit() {
		s.estimate += incoming
		return nil
	}

	report, err := s.cleanup(ctx, incoming)
	if err != nil {
		s.logger.Warn("cleanup before write failed", "error", err)
		s.measuredAt = time.Time{}
		total += incoming
	} else {
		total = report.UsageAfter + incoming
	}
	if total > s.config.SoftCap {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use", domain.ErrQuotaExceeded, incoming, total-incoming, s.config.SoftCap)
	}
	s.estimate = total
	return nil
}

// RequestPersistentStorage switches the record database to durable writes.
func (s *QuotaService) RequestPersistentStorage(ctx context.Context) (bool, error) {
	if err := s.records.SetPersistent(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *QuotaService) cleanup(ctx context.Context, incoming int64) (*domain.CleanupReport, error) {
	now := s.now()
	report := &domain.CleanupReport{StartedAt: now.UnixMilli()}

	total, err := s.measure(ctx)
	if err != nil {
		return nil, err
	}
	report.UsageBefore = total
	report.UsageAfter = total

	limit := s.limit()
	if total+incoming <= limit {
		return report, nil
	}
	report.Triggered = true

	refs, err := s.records.ListSyncedBefore(ctx, now.Add(-s.config.Retention).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to select cleanup candidates: %w", err)
	}
	for _, ref := range refs {
		if total+incoming <= limit {
			break
		}
		deleted, err := s.records.DeleteIfUnchanged(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to delete %s/%s: %w", ref.Store, ref.ID, err)
		}
		if deleted {
			report.RecordsDeleted++
			total -= ref.Size
		}
	}

	if total+incoming > limit && s.caches != nil {
		if err := s.caches.Clear(ctx, s.config.LowPriorityCache); err != nil {
			return nil, fmt.Errorf("failed to clear %s cache: %w", s.config.LowPriorityCache, err)
		}
		report.CachesCleared = append(report.CachesCleared, s.config.LowPriorityCache)
	}

	if report.UsageAfter, err = s.measure(ctx); err != nil {
		return nil, err
	}
	s.lastCleanupAt = report.StartedAt

	s.logger.Info("storage cleanup finished",
		"usage_before", report.UsageBefore,
		"usage_after", report.UsageAfter,
		"records_deleted", report.RecordsDeleted,
		"caches_cleared", report.CachesCleared)
	return report, nil
}

func (s *QuotaService) limit() int64 {
	return int64(float64(s.config.SoftCap) * s.config.Threshold)
}

// measure rescans stores and caches and resets the running estimate. Callers
// hold s.mu.
func (s *QuotaService) measure(ctx context.Context) (int64, error) {
	total, err := s.total(ctx)
	if err != nil {
		s.measuredAt = time.Time{}
		return 0, err
	}
	s.estimate = total
	s.measuredAt = s.now()
	return total, nil
}

func (s *QuotaService) fresh() bool {
	return !s.measuredAt.IsZero() && s.now().Sub(s.measuredAt) < s.config.UsageTTL
}

func (s *QuotaService) total(ctx context.Context) (int64, error) {
	usage, err := s.records.Usage(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to measure stores: %w", err)
	}
	caches, err := s.cacheUsage(ctx)
	if err != nil {
		return 0, err
	}
	return sumUsage(usage, caches), nil
}

func (s *QuotaService) cacheUsage(ctx context.Context) ([]domain.PartitionUsage, error) {
	if s.caches == nil {
		return nil, nil
	}
	caches, err := s.caches.Usage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to measure caches: %w", err)
	}
	return caches, nil
}

func sumUsage(stores map[string]int64, caches []domain.PartitionUsage) int64 {
	var total int64
	for _, n := range stores {
		total += n
	}
	for _, c := range caches {
		total += c.Bytes
	}
	return total
}
