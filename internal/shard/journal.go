package shard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sumire/aidev/internal/domain"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS runs (
	job_id       TEXT PRIMARY KEY,
	issue_key    TEXT NOT NULL DEFAULT '',
	task_type    TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	result_json  TEXT,
	created_at   INTEGER NOT NULL,
	started_at   INTEGER,
	completed_at INTEGER,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// Journal persists run state on local disk so a restarted shard can answer
// status queries for runs it no longer holds in memory.
type Journal struct {
	db *sqlx.DB
}

// OpenJournal opens (and creates if needed) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal %s: %w", path, err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

type journalRow struct {
	JobID       string         `db:"job_id"`
	IssueKey    string         `db:"issue_key"`
	TaskType    string         `db:"task_type"`
	Status      string         `db:"status"`
	Error       string         `db:"error"`
	ResultJSON  sql.NullString `db:"result_json"`
	CreatedAt   int64          `db:"created_at"`
	StartedAt   sql.NullInt64  `db:"started_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
	UpdatedAt   int64          `db:"updated_at"`
}

// Save upserts the current state of a run.
func (j *Journal) Save(ctx context.Context, req domain.ExecuteRequest, snap domain.RunSnapshot) error {
	var result sql.NullString
	if snap.Result != nil {
		r := *snap.Result
		r.RawOutput = tail(r.RawOutput, maxErrorText)
		r.Stderr = tail(r.Stderr, maxErrorText)
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode result for %s: %w", snap.JobID, err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	now := time.Now().UnixMilli()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (job_id, issue_key, task_type, status, error, result_json, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			result_json = excluded.result_json,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		snap.JobID, req.Task.IssueKey, string(req.Task.Type), string(snap.Status), snap.Error, result,
		now, unixMilli(snap.StartedAt), unixMilli(snap.CompletedAt), now,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", snap.JobID, err)
	}
	return nil
}

// Get loads the last recorded state of a run.
func (j *Journal) Get(ctx context.Context, jobID string) (domain.RunSnapshot, error) {
	var row journalRow
	err := j.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RunSnapshot{}, fmt.Errorf("find run %s: %w", jobID, err)
	}
	return row.snapshot()
}

// MarkLost flags every run that was queued or running when the shard went
// down. It returns the affected job ids.
func (j *Journal) MarkLost(ctx context.Context) ([]string, error) {
	var ids []string
	err := j.db.SelectContext(ctx, &ids, `SELECT job_id FROM runs WHERE status IN (?, ?)`,
		string(domain.RunStatusQueued), string(domain.RunStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list in-flight runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UnixMilli()
	_, err = j.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE status IN (?, ?)`,
		string(domain.RunStatusLost), "shard restarted while run was in flight", now, now,
		string(domain.RunStatusQueued), string(domain.RunStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("mark runs lost: %w", err)
	}
	return ids, nil
}

// Prune deletes terminal runs that completed before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

func (r journalRow) snapshot() (domain.RunSnapshot, error) {
	snap := domain.RunSnapshot{
		JobID:       r.JobID,
		Status:      domain.RunStatus(r.Status),
		Error:       r.Error,
		StartedAt:   fromMilli(r.StartedAt),
		CompletedAt: fromMilli(r.CompletedAt),
	}
	if r.ResultJSON.Valid {
		var res domain.RunResult
		if err := json.Unmarshal([]byte(r.ResultJSON.String), &res); err != nil {
			return domain.RunSnapshot{}, fmt.Errorf("decode result for %s: %w", r.JobID, err)
		}
		snap.Result = &res
	}
	return snap, nil
}

func unixMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
