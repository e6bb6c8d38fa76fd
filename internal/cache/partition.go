package cache

import (
	"context"

	"lifeline-offline/internal/domain"
)

// Partition is one named response cache of the current version.
type Partition struct {
	manager *Manager
	name    string
	full    string
	policy  Policy
}

func (p *Partition) Name() string {
	return p.name
}

// Match returns the cached response for url. Entries past the partition's
// max age are evicted and reported as a miss.
func (p *Partition) Match(ctx context.Context, url string) (*domain.CachedResponse, error) {
	if err := p.manager.check(); err != nil {
		return nil, err
	}
	resp, err := p.manager.repo.Match(ctx, p.full, url)
	if err != nil {
		return nil, err
	}

	if p.policy.MaxAge > 0 {
		age := p.manager.now().UnixMilli() - resp.CachedAt
		if age > p.policy.MaxAge.Milliseconds() {
			if err := p.manager.repo.Delete(ctx, p.full, url); err != nil {
				p.manager.logger.Warn("failed to evict expired entry", "cache", p.full, "url", url, "error", err)
			}
			return nil, domain.ErrCacheMiss
		}
	}
	return resp, nil
}

func (p *Partition) Put(ctx context.Context, resp *domain.CachedResponse) error {
	if err := p.manager.check(); err != nil {
		return err
	}
	if resp.CachedAt == 0 {
		resp.CachedAt = p.manager.now().UnixMilli()
	}
	if err := p.manager.repo.Put(ctx, p.full, resp); err != nil {
		return err
	}

	if p.policy.MaxEntries > 0 {
		if _, err := p.manager.repo.Trim(ctx, p.full, p.policy.MaxEntries); err != nil {
			return err
		}
	}
	return nil
}

func (p *Partition) Delete(ctx context.Context, url string) error {
	if err := p.manager.check(); err != nil {
		return err
	}
	return p.manager.repo.Delete(ctx, p.full, url)
}

func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	if err := p.manager.check(); err != nil {
		return nil, err
	}
	return p.manager.repo.Keys(ctx, p.full)
}
