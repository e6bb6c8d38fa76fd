package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/repository"
	"lifeline-offline/internal/strategy"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

const defaultRetention = 24 * time.Hour

// DrainNotifier is told about every drain that changed the queue.
type DrainNotifier interface {
	NotifyDrain(result *domain.DrainResult)
}

type syncRoute struct {
	prefix string
	tag    string
}

var defaultSyncRoutes = []syncRoute{
	{prefix: "/api/crisis-reports", tag: domain.TagCrisisReports},
	{prefix: "/api/mood", tag: domain.TagWellnessData},
	{prefix: "/api/journal", tag: domain.TagWellnessData},
	{prefix: "/api/wellness", tag: domain.TagWellnessData},
	{prefix: "/api/messages", tag: domain.TagMessages},
}

type SyncService struct {
	queue    repository.QueueRepository
	fetcher  strategy.Fetcher
	policies map[string]domain.TagPolicy
	detector *CrisisDetector
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	notifierMu sync.RWMutex
	notifier   DrainNotifier

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewSyncService(
	queue repository.QueueRepository,
	fetcher strategy.Fetcher,
	policies []domain.TagPolicy,
	detector *CrisisDetector,
	logger *slog.Logger,
) *SyncService {
	if len(policies) == 0 {
		policies = domain.DefaultTagPolicies()
	}
	byTag := make(map[string]domain.TagPolicy, len(policies))
	for _, p := range policies {
		byTag[p.Tag] = p
	}
	if detector == nil {
		detector = NewCrisisDetector(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		queue:    queue,
		fetcher:  fetcher,
		policies: byTag,
		detector: detector,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *SyncService) SetNotifier(n DrainNotifier) {
	s.notifierMu.Lock()
	defer s.notifierMu.Unlock()
	s.notifier = n
}

// Enqueue stores a snapshot of req for later delivery under tag.
func (s *SyncService) Enqueue(ctx context.Context, tag string, req domain.QueuedRequest) (*domain.SyncQueueEntry, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, &ValidationError{Field: "tag", Reason: "required"}
	}
	req.Method = strings.ToUpper(req.Method)
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Field: "request", Reason: err.Error()}
	}

	entry := &domain.SyncQueueEntry{
		Tag:            tag,
		Request:        req,
		EnqueuedAt:     s.now().UnixMilli(),
		MaxRetentionMs: s.retention(tag).Milliseconds(),
	}
	if err := s.queue.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}

	s.logger.Info("request queued for background sync",
		"tag", tag, "entry_id", entry.ID, "method", req.Method, "url", req.URL)
	return entry, nil
}

// Drain replays the entries of tag in enqueue order. Expired entries are
// dropped and reported through the returned *QueueExpiryError. The first
// entry that fails with a network error or 5xx stays queued and ends the
// drain so later entries are not delivered ahead of it.
func (s *SyncService) Drain(ctx context.Context, tag string) (*domain.DrainResult, error) {
	lock := s.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.queue.List(ctx, tag)
	if err != nil {
		return nil, err
	}

	result := &domain.DrainResult{Tag: tag}
	now := s.now().UnixMilli()
	blocked := false
	var queueErr error

	for _, entry := range entries {
		if entry.Expired(now) {
			if queueErr = s.queue.Remove(ctx, tag, entry.ID); queueErr != nil {
				break
			}
			result.Expired = append(result.Expired, entry)
			continue
		}
		if blocked {
			continue
		}

		if err := s.replay(ctx, entry); err != nil {
			entry.Attempts++
			entry.LastError = err.Error()
			if queueErr = s.queue.Update(ctx, entry); queueErr != nil {
				break
			}
			result.Retried = append(result.Retried, entry)
			blocked = true
			continue
		}

		if queueErr = s.queue.Remove(ctx, tag, entry.ID); queueErr != nil {
			break
		}
		result.Delivered = append(result.Delivered, entry)
	}

	if remaining, err := s.queue.Count(ctx, tag); err != nil {
		queueErr = errors.Join(queueErr, err)
	} else {
		result.Remaining = remaining
	}
	if queueErr != nil {
		s.logger.Error("sync queue drain interrupted", "tag", tag, "error", queueErr)
	}

	if len(result.Delivered)+len(result.Retried)+len(result.Expired) > 0 {
		s.logger.Info("sync queue drained",
			"tag", tag,
			"delivered", len(result.Delivered),
			"retried", len(result.Retried),
			"expired", len(result.Expired),
			"remaining", result.Remaining)
		s.notify(result)
	}
	return result, errors.Join(queueErr, result.Err())
}

// DrainAll drains every known tag concurrently. Results are ordered by tag
// priority; errors from individual tags are joined.
func (s *SyncService) DrainAll(ctx context.Context) ([]*domain.DrainResult, error) {
	tags, err := s.Tags(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*domain.DrainResult, len(tags))
	errs := make([]error, len(tags))
	var g errgroup.Group
	for i, tag := range tags {
		i, tag := i, tag
		g.Go(func() error {
			results[i], errs[i] = s.Drain(ctx, tag)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*domain.DrainResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

func (s *SyncService) Pending(ctx context.Context, tag string) ([]*domain.SyncQueueEntry, error) {
	return s.queue.List(ctx, tag)
}

// Tags lists configured and stored tags, highest priority first.
func (s *SyncService) Tags(ctx context.Context) ([]string, error) {
	stored, err := s.queue.Tags(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var tags []string
	for tag := range s.policies {
		seen[tag] = true
		tags = append(tags, tag)
	}
	for _, tag := range stored {
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	sort.Slice(tags, func(i, j int) bool {
		pi, pj := s.priority(tags[i]), s.priority(tags[j])
		if pi != pj {
			return pi < pj
		}
		return tags[i] < tags[j]
	})
	return tags, nil
}

// Route picks the sync tag for an offline write. Crisis-risk POST bodies
// always go to the crisis tag.
func (s *SyncService) Route(method, path string, body []byte) (string, bool) {
	if method == http.MethodPost && s.detector.Detect(body) {
		return domain.TagCrisis, true
	}
	for _, r := range defaultSyncRoutes {
		if strings.HasPrefix(path, r.prefix) {
			return r.tag, true
		}
	}
	return "", false
}

func (s *SyncService) replay(ctx context.Context, entry *domain.SyncQueueEntry) error {
	req, err := http.NewRequestWithContext(ctx, entry.Request.Method, entry.Request.URL, bytes.NewReader(entry.Request.Body))
	if err != nil {
		return err
	}
	for k, v := range entry.Request.Header {
		req.Header.Set(k, v)
	}
	req.Header.Set("Idempotency-Key", entry.Tag+"-"+strconv.FormatUint(entry.ID, 10))

	resp, err := s.fetcher.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server responded %d", resp.StatusCode)
	}
	return nil
}

func (s *SyncService) retention(tag string) time.Duration {
	if p, ok := s.policies[tag]; ok && p.MaxRetention > 0 {
		return p.MaxRetention
	}
	return defaultRetention
}

func (s *SyncService) priority(tag string) int {
	if p, ok := s.policies[tag]; ok {
		return p.Priority
	}
	return len(s.policies) + 1
}

func (s *SyncService) tagLock(tag string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[tag]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tag] = lock
	}
	return lock
}

func (s *SyncService) notify(result *domain.DrainResult) {
	s.notifierMu.RLock()
	n := s.notifier
	s.notifierMu.RUnlock()
	if n != nil {
		n.NotifyDrain(result)
	}
}
