package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/sumire/aidev/internal/domain"
)

// ShardLister is the slice of ShardStore the router needs.
type ShardLister interface {
	ListEnabledWithLoad(ctx context.Context) ([]domain.ShardLoad, error)
}

// ShardRouter picks which shard runs a job.
type ShardRouter struct {
	shards ShardLister
}

// NewShardRouter creates a new ShardRouter.
func NewShardRouter(shards ShardLister) *ShardRouter {
	return &ShardRouter{shards: shards}
}

// Candidates returns every shard that can take a job needing required,
// best first: most spare capacity, then priority, then the default shard,
// then name. Shards never probed are eligible; only unhealthy ones are
// skipped. Returns domain.ErrNoShardAvailable when nothing qualifies.
func (r *ShardRouter) Candidates(ctx context.Context, required []string) ([]domain.Shard, error) {
	loads, err := r.shards.ListEnabledWithLoad(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}

	eligible := make([]domain.ShardLoad, 0, len(loads))
	for _, l := range loads {
		if !l.IsEnabled || l.HealthStatus == domain.ShardHealthUnhealthy {
			continue
		}
		if !l.Capabilities.HasAll(required) {
			continue
		}
		if l.SpareCapacity() <= 0 {
			continue
		}
		eligible = append(eligible, l)
	}
	if len(eligible) == 0 {
		return nil, domain.ErrNoShardAvailable
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.SpareCapacity() != b.SpareCapacity() {
			return a.SpareCapacity() > b.SpareCapacity()
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.IsDefault != b.IsDefault {
			return a.IsDefault
		}
		return a.Name < b.Name
	})

	out := make([]domain.Shard, len(eligible))
	for i, l := range eligible {
		out[i] = l.Shard
	}
	return out, nil
}

// Select returns the single best shard.
func (r *ShardRouter) Select(ctx context.Context, required []string) (*domain.Shard, error) {
	candidates, err := r.Candidates(ctx, required)
	if err != nil {
		return nil, err
	}
	return &candidates[0], nil
}
