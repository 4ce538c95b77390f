package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sumire/aidev/internal/domain"
)

// HealthMonitor probes shards and records whether they answer.
type HealthMonitor struct {
	shards  ShardStore
	client  ShardAPI
	timeout time.Duration
}

// NewHealthMonitor creates a new HealthMonitor.
func NewHealthMonitor(shards ShardStore, client ShardAPI) *HealthMonitor {
	return &HealthMonitor{shards: shards, client: client, timeout: 10 * time.Second}
}

// Run probes every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	if err := m.CheckAll(ctx); err != nil {
		slog.Error("shard health check failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil {
				slog.Error("shard health check failed", "error", err)
			}
		}
	}
}

// CheckAll probes each enabled shard concurrently.
func (m *HealthMonitor) CheckAll(ctx context.Context) error {
	shards, err := m.shards.List(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, s := range shards {
		if !s.IsEnabled {
			continue
		}
		g.Go(func() error {
			health := m.probe(ctx, s)
			if health != s.HealthStatus {
				slog.Info("shard health changed", "shard", s.Name, "from", s.HealthStatus, "to", health)
			}
			return m.shards.UpdateHealth(ctx, s.ID, health)
		})
	}
	return g.Wait()
}

func (m *HealthMonitor) probe(ctx context.Context, s domain.Shard) domain.ShardHealth {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Health(ctx, s)
	if err != nil {
		slog.Warn("shard health probe failed", "shard", s.Name, "error", err)
		return domain.ShardHealthUnhealthy
	}
	if resp.Status != string(domain.ShardHealthHealthy) {
		return domain.ShardHealthUnhealthy
	}
	return domain.ShardHealthHealthy
}
