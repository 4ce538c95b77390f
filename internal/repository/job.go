package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/sumire/aidev/internal/domain"
)

var jobColumnList = []string{
	"id", "issue_key", "board_id", "repo_connection_id", "cloud_id", "status",
	"current_shard_job_id", "current_shard_id", "run_count", "branch_name",
	"pr_url", "pr_number", "commit_sha", "last_output", "last_result_json",
	"error_message", "clarification_comment_id", "clarification_questions",
	"started_at", "completed_at", "created_at", "updated_at",
}

var jobColumns = strings.Join(jobColumnList, ", ")

func qualified(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

// JobRepository persists AI developer jobs. Every status change is a single
// conditional UPDATE so concurrent writers cannot both win.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// NewJob carries the linkage of a job created on first dispatch.
type NewJob struct {
	IssueKey         string
	BoardID          int64
	RepoConnectionID *int64
	CloudID          string
}

// GetOrCreate returns the job for the issue, creating a pending one if none
// exists. Linkage of an existing job is left untouched.
func (r *JobRepository) GetOrCreate(ctx context.Context, in NewJob) (*domain.Job, error) {
	var job domain.Job
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO aidev_jobs (issue_key, board_id, repo_connection_id, cloud_id, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 ON CONFLICT (issue_key) DO UPDATE SET issue_key = EXCLUDED.issue_key
		 RETURNING `+jobColumns,
		in.IssueKey, in.BoardID, in.RepoConnectionID, in.CloudID,
	).StructScan(&job)
	if err != nil {
		return nil, fmt.Errorf("get or create job %s: %w", in.IssueKey, err)
	}
	return &job, nil
}

// Get retrieves a job by issue key.
func (r *JobRepository) Get(ctx context.Context, issueKey string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM aidev_jobs WHERE issue_key = $1`, issueKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find job %s: %w", issueKey, err)
	}
	return &job, nil
}

// GetByShardJobID retrieves the job whose current run is shardJobID.
func (r *JobRepository) GetByShardJobID(ctx context.Context, shardJobID string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM aidev_jobs WHERE current_shard_job_id = $1`, shardJobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find job by shard job %s: %w", shardJobID, err)
	}
	return &job, nil
}

// JobFilter narrows List. Cursor is the last id of the previous page.
type JobFilter struct {
	Status domain.JobStatus
	Cursor int64
	Limit  int
}

// List returns jobs newest first.
func (r *JobRepository) List(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM aidev_jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Cursor > 0 {
		args = append(args, f.Cursor)
		query += fmt.Sprintf(" AND id < $%d", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	jobs := []domain.Job{}
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListRunningSince returns running jobs whose current run started before t.
func (r *JobRepository) ListRunningSince(ctx context.Context, t time.Time) ([]domain.Job, error) {
	jobs := []domain.Job{}
	err := r.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM aidev_jobs
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at`, t)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	return jobs, nil
}

// Claim is what a successful BeginRun displaced, so it can be restored.
type Claim struct {
	Job            *domain.Job
	PrevStatus     domain.JobStatus
	PrevShardJobID *string
	PrevShardID    *int64
	PrevError      *string
}

type claimRow struct {
	domain.Job
	PrevStatus     domain.JobStatus `db:"prev_status"`
	PrevShardJobID *string          `db:"prev_shard_job_id"`
	PrevShardID    *int64           `db:"prev_shard_id"`
	PrevError      *string          `db:"prev_error"`
}

// dispatchGuard renders the WHERE clause admitting a dispatch of kind.
func dispatchGuard(kind domain.DispatchKind) string {
	var conds []string
	for _, s := range domain.DispatchableFrom(kind) {
		c := fmt.Sprintf("j.status = '%s'", s)
		if s.RequiresBranch() {
			c = "(" + c + " AND j.branch_name IS NOT NULL)"
		}
		conds = append(conds, c)
	}
	return "(" + strings.Join(conds, " OR ") + ")"
}

// BeginRun atomically moves the job to running under a new run id if its
// current status admits a dispatch of kind. A job without a branch gets
// defaultBranch. Returns domain.ErrInvalidTransition when the guard fails.
func (r *JobRepository) BeginRun(ctx context.Context, issueKey string, kind domain.DispatchKind, shardJobID, defaultBranch string) (*Claim, error) {
	var row claimRow
	err := r.db.QueryRowxContext(ctx,
		`WITH prev AS (
		     SELECT id, status, current_shard_job_id, current_shard_id, error_message
		     FROM aidev_jobs WHERE issue_key = $1 FOR UPDATE
		 )
		 UPDATE aidev_jobs j SET
		     status = 'running',
		     current_shard_job_id = $2,
		     current_shard_id = NULL,
		     run_count = j.run_count + 1,
		     branch_name = COALESCE(j.branch_name, $3),
		     error_message = NULL,
		     started_at = NOW(),
		     completed_at = NULL,
		     updated_at = NOW()
		 FROM prev
		 WHERE j.id = prev.id AND `+dispatchGuard(kind)+`
		 RETURNING `+qualified("j", jobColumnList)+`,
		     prev.status AS prev_status,
		     prev.current_shard_job_id AS prev_shard_job_id,
		     prev.current_shard_id AS prev_shard_id,
		     prev.error_message AS prev_error`,
		issueKey, shardJobID, defaultBranch,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatch %s (%s): %w", issueKey, kind, domain.ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("begin run for %s: %w", issueKey, err)
	}

	job := row.Job
	return &Claim{
		Job:            &job,
		PrevStatus:     row.PrevStatus,
		PrevShardJobID: row.PrevShardJobID,
		PrevShardID:    row.PrevShardID,
		PrevError:      row.PrevError,
	}, nil
}

// AssignShard records which shard accepted the run.
func (r *JobRepository) AssignShard(ctx context.Context, shardJobID string, shardID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE aidev_jobs SET current_shard_id = $2, updated_at = NOW()
		 WHERE current_shard_job_id = $1 AND status = 'running'`, shardJobID, shardID)
	if err != nil {
		return fmt.Errorf("assign shard for run %s: %w", shardJobID, err)
	}
	return nil
}

// AbortRun undoes a BeginRun whose run never reached a shard. It only acts
// while the job still points at that run.
func (r *JobRepository) AbortRun(ctx context.Context, c *Claim) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE aidev_jobs SET
		     status = $3,
		     current_shard_job_id = $4,
		     current_shard_id = $5,
		     error_message = $6,
		     run_count = GREATEST(run_count - 1, 0),
		     updated_at = NOW()
		 WHERE issue_key = $1 AND current_shard_job_id = $2 AND status = 'running'`,
		c.Job.IssueKey, c.Job.ShardJobID(), c.PrevStatus, c.PrevShardJobID, c.PrevShardID, c.PrevError)
	if err != nil {
		return fmt.Errorf("abort run for %s: %w", c.Job.IssueKey, err)
	}
	return nil
}

// Outcome is what a finished run reports back.
type Outcome struct {
	BranchName string
	PRURL      string
	PRNumber   int
	CommitSHA  string
	Output     string
	Result     any
}

func (o Outcome) resultJSON() (types.JSONText, error) {
	if o.Result == nil {
		return types.JSONText("{}"), nil
	}
	b, err := json.Marshal(o.Result)
	if err != nil {
		return nil, fmt.Errorf("encode run result: %w", err)
	}
	return types.JSONText(b), nil
}

// transition runs a conditional UPDATE ... RETURNING. ok is false when the
// guard matched no row.
func (r *JobRepository) transition(ctx context.Context, query string, args ...any) (*domain.Job, bool, error) {
	var job domain.Job
	err := r.db.QueryRowxContext(ctx, query, args...).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &job, true, nil
}

// MarkPRCreated moves the running job owning shardJobID to pr_created.
func (r *JobRepository) MarkPRCreated(ctx context.Context, shardJobID string, o Outcome) (*domain.Job, bool, error) {
	result, err := o.resultJSON()
	if err != nil {
		return nil, false, err
	}
	job, ok, err := r.transition(ctx,
		`UPDATE aidev_jobs SET
		     status = 'pr_created',
		     branch_name = COALESCE(NULLIF($2, ''), branch_name),
		     pr_url = $3,
		     pr_number = NULLIF($4, 0),
		     commit_sha = COALESCE(NULLIF($5, ''), commit_sha),
		     last_output = $6,
		     last_result_json = $7,
		     error_message = NULL,
		     completed_at = NOW(),
		     updated_at = NOW()
		 WHERE current_shard_job_id = $1 AND status = 'running'
		 RETURNING `+jobColumns,
		shardJobID, o.BranchName, o.PRURL, o.PRNumber, o.CommitSHA, o.Output, result)
	if err != nil {
		return nil, false, fmt.Errorf("mark run %s pr_created: %w", shardJobID, err)
	}
	return job, ok, nil
}

// MarkWaitingClarification moves the running job owning shardJobID to
// waiting_clarification with the agent's questions.
func (r *JobRepository) MarkWaitingClarification(ctx context.Context, shardJobID string, questions []string, o Outcome) (*domain.Job, bool, error) {
	result, err := o.resultJSON()
	if err != nil {
		return nil, false, err
	}
	qs, err := json.Marshal(questions)
	if err != nil {
		return nil, false, fmt.Errorf("encode questions: %w", err)
	}
	job, ok, err := r.transition(ctx,
		`UPDATE aidev_jobs SET
		     status = 'waiting_clarification',
		     clarification_questions = $2,
		     clarification_comment_id = NULL,
		     last_output = $3,
		     last_result_json = $4,
		     updated_at = NOW()
		 WHERE current_shard_job_id = $1 AND status = 'running'
		 RETURNING `+jobColumns,
		shardJobID, types.JSONText(qs), o.Output, result)
	if err != nil {
		return nil, false, fmt.Errorf("mark run %s waiting_clarification: %w", shardJobID, err)
	}
	return job, ok, nil
}

// SetClarificationComment records the tracker comment holding the questions.
func (r *JobRepository) SetClarificationComment(ctx context.Context, issueKey, commentID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE aidev_jobs SET clarification_comment_id = $2, updated_at = NOW()
		 WHERE issue_key = $1 AND status = 'waiting_clarification'`, issueKey, commentID)
	if err != nil {
		return fmt.Errorf("set clarification comment for %s: %w", issueKey, err)
	}
	return nil
}

// MarkFailed moves the running job owning shardJobID to failed.
func (r *JobRepository) MarkFailed(ctx context.Context, shardJobID, errMsg string, o Outcome) (*domain.Job, bool, error) {
	result, err := o.resultJSON()
	if err != nil {
		return nil, false, err
	}
	job, ok, err := r.transition(ctx,
		`UPDATE aidev_jobs SET
		     status = 'failed',
		     error_message = $2,
		     last_output = COALESCE(NULLIF($3, ''), last_output),
		     last_result_json = $4,
		     completed_at = NOW(),
		     updated_at = NOW()
		 WHERE current_shard_job_id = $1 AND status = 'running'
		 RETURNING `+jobColumns,
		shardJobID, errMsg, o.Output, result)
	if err != nil {
		return nil, false, fmt.Errorf("mark run %s failed: %w", shardJobID, err)
	}
	return job, ok, nil
}

// MarkComplete confirms a job whose pull request was accepted.
func (r *JobRepository) MarkComplete(ctx context.Context, issueKey string) (*domain.Job, error) {
	job, ok, err := r.transition(ctx,
		`UPDATE aidev_jobs SET status = 'complete', completed_at = NOW(), updated_at = NOW()
		 WHERE issue_key = $1 AND status = 'pr_created'
		 RETURNING `+jobColumns, issueKey)
	if err != nil {
		return nil, fmt.Errorf("mark %s complete: %w", issueKey, err)
	}
	if !ok {
		return nil, fmt.Errorf("complete %s: %w", issueKey, domain.ErrInvalidTransition)
	}
	return job, nil
}
