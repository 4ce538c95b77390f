package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/sumire/aidev/internal/domain"
)

const shardJobColumns = `job_id, shard_id, issue_key, status, error_message, request_json, result_json,
	created_at, started_at, completed_at, updated_at`

// ShardJobRepository records every run the server hands to a shard.
type ShardJobRepository struct {
	db *sqlx.DB
}

// NewShardJobRepository creates a new ShardJobRepository.
func NewShardJobRepository(db *sqlx.DB) *ShardJobRepository {
	return &ShardJobRepository{db: db}
}

// Create records a run about to be sent to shardID. request must already be
// redacted.
func (r *ShardJobRepository) Create(ctx context.Context, jobID string, shardID int64, issueKey string, request any) error {
	req, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode shard request: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO shard_jobs (job_id, shard_id, issue_key, status, request_json)
		 VALUES ($1, $2, $3, 'queued', $4)`,
		jobID, shardID, issueKey, types.JSONText(req))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("shard job %s: %w", jobID, domain.ErrConflict)
		}
		return fmt.Errorf("create shard job %s: %w", jobID, err)
	}
	return nil
}

// Reassign points a not-yet-accepted run at another shard.
func (r *ShardJobRepository) Reassign(ctx context.Context, jobID string, shardID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE shard_jobs SET shard_id = $2, updated_at = NOW() WHERE job_id = $1`, jobID, shardID)
	if err != nil {
		return fmt.Errorf("reassign shard job %s: %w", jobID, err)
	}
	return nil
}

// UpdateStatus records a run status reported by a shard. Terminal rows are
// never overwritten.
func (r *ShardJobRepository) UpdateStatus(ctx context.Context, jobID string, status domain.RunStatus, errMsg string, result any) error {
	res := types.JSONText("{}")
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode shard result: %w", err)
		}
		res = b
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE shard_jobs SET
		     status = $2,
		     error_message = NULLIF($3, ''),
		     result_json = $4,
		     started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		     completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled', 'lost') THEN NOW() ELSE completed_at END,
		     updated_at = NOW()
		 WHERE job_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled', 'lost')`,
		jobID, status, errMsg, res)
	if err != nil {
		return fmt.Errorf("update shard job %s: %w", jobID, err)
	}
	return nil
}

// Get retrieves a shard run record.
func (r *ShardJobRepository) Get(ctx context.Context, jobID string) (*domain.ShardJob, error) {
	var sj domain.ShardJob
	err := r.db.GetContext(ctx, &sj, `SELECT `+shardJobColumns+` FROM shard_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find shard job %s: %w", jobID, err)
	}
	return &sj, nil
}

// ListForIssue returns every run dispatched for an issue, newest first.
func (r *ShardJobRepository) ListForIssue(ctx context.Context, issueKey string) ([]domain.ShardJob, error) {
	runs := []domain.ShardJob{}
	err := r.db.SelectContext(ctx, &runs,
		`SELECT `+shardJobColumns+` FROM shard_jobs WHERE issue_key = $1 ORDER BY created_at DESC`, issueKey)
	if err != nil {
		return nil, fmt.Errorf("list shard jobs for %s: %w", issueKey, err)
	}
	return runs, nil
}
