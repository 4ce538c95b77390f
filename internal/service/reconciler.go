package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sumire/aidev/internal/domain"
)

// RunLostReason is the failure recorded for runs no shard can account for.
const RunLostReason = "shard run lost"

// CallbackHandler applies shard run reports.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb domain.Callback) error
}

// ReconcilerConfig tunes when a running job is considered overdue.
type ReconcilerConfig struct {
	// After is how long a run may go without a callback before its shard
	// is asked directly.
	After time.Duration
	// Grace is how much longer an unanswerable run is tolerated before it
	// is failed.
	Grace time.Duration
}

// Reconciler recovers jobs whose shard callback never arrived.
type Reconciler struct {
	jobs      JobStore
	shards    ShardStore
	client    ShardAPI
	callbacks CallbackHandler
	cfg       ReconcilerConfig
	now       func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(jobs JobStore, shards ShardStore, client ShardAPI, callbacks CallbackHandler, cfg ReconcilerConfig) *Reconciler {
	if cfg.After <= 0 {
		cfg.After = 45 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 15 * time.Minute
	}
	return &Reconciler{
		jobs:      jobs,
		shards:    shards,
		client:    client,
		callbacks: callbacks,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				slog.Error("reconcile failed", "error", err)
			} else if n > 0 {
				slog.Info("reconciled overdue runs", "count", n)
			}
		}
	}
}

// RunOnce checks every overdue running job once and returns how many were
// resolved.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	jobs, err := r.jobs.ListRunningSince(ctx, now.Add(-r.cfg.After))
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range jobs {
		ok, err := r.reconcile(ctx, &jobs[i], now)
		if err != nil {
			slog.Warn("reconcile job failed", "issue_key", jobs[i].IssueKey, "error", err)
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Reconciler) reconcile(ctx context.Context, job *domain.Job, now time.Time) (bool, error) {
	runID := job.ShardJobID()
	if runID == "" {
		return false, nil
	}
	expired := job.StartedAt != nil && now.Sub(*job.StartedAt) > r.cfg.After+r.cfg.Grace

	if job.CurrentShardID == nil {
		if !expired {
			return false, nil
		}
		return true, r.lost(ctx, job, "run was never assigned a shard")
	}

	shard, err := r.shards.FindByID(ctx, *job.CurrentShardID)
	if err != nil {
		return false, err
	}

	snap, err := r.client.Status(ctx, *shard, runID)
	if err != nil {
		if !expired {
			slog.Info("overdue run unreachable, within grace", "issue_key", job.IssueKey, "shard", shard.Name, "error", err)
			return false, nil
		}
		reason := "unreachable"
		if errors.Is(err, domain.ErrNotFound) {
			reason = "unknown to shard"
		}
		return true, r.lost(ctx, job, reason)
	}

	if !snap.Status.IsTerminal() {
		return false, nil
	}

	slog.Info("applying missed callback", "issue_key", job.IssueKey, "run_id", runID, "status", snap.Status)
	return true, r.callbacks.HandleCallback(ctx, callbackFromSnapshot(snap))
}

func (r *Reconciler) lost(ctx context.Context, job *domain.Job, detail string) error {
	slog.Warn("run lost", "issue_key", job.IssueKey, "run_id", job.ShardJobID(), "detail", detail)
	return r.callbacks.HandleCallback(ctx, domain.Callback{
		JobID:  job.ShardJobID(),
		Status: domain.RunStatusFailed,
		Error:  RunLostReason,
	})
}

func callbackFromSnapshot(snap *domain.RunSnapshot) domain.Callback {
	cb := domain.Callback{JobID: snap.JobID, Result: snap.Result}
	if snap.Status == domain.RunStatusCompleted {
		cb.Status = domain.RunStatusCompleted
		return cb
	}
	cb.Status = domain.RunStatusFailed
	cb.Error = snap.Error
	if cb.Error == "" {
		cb.Error = string(snap.Status)
	}
	return cb
}
