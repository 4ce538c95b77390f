package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/sumire/aidev/internal/domain"
)

// JobLogRepository stores the per-issue audit trail.
type JobLogRepository struct {
	db *sqlx.DB
}

// NewJobLogRepository creates a new JobLogRepository.
func NewJobLogRepository(db *sqlx.DB) *JobLogRepository {
	return &JobLogRepository{db: db}
}

// Append adds an entry. fields may be nil.
func (r *JobLogRepository) Append(ctx context.Context, issueKey string, level domain.LogLevel, message string, fields map[string]any) error {
	ctxJSON := types.JSONText("{}")
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode log context: %w", err)
		}
		ctxJSON = b
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO aidev_job_logs (issue_key, level, message, context_json) VALUES ($1, $2, $3, $4)`,
		issueKey, level, message, ctxJSON)
	if err != nil {
		return fmt.Errorf("append log for %s: %w", issueKey, err)
	}
	return nil
}

// List returns the issue's log, oldest first.
func (r *JobLogRepository) List(ctx context.Context, issueKey string, limit int) ([]domain.JobLog, error) {
	if limit <= 0 {
		limit = 200
	}
	logs := []domain.JobLog{}
	err := r.db.SelectContext(ctx, &logs,
		`SELECT id, issue_key, level, message, context_json, created_at
		 FROM aidev_job_logs WHERE issue_key = $1 ORDER BY id LIMIT $2`, issueKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", issueKey, err)
	}
	return logs, nil
}
