package domain

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// JobStatus represents the lifecycle state of an AI developer job.
type JobStatus string

const (
	JobStatusPending              JobStatus = "pending"
	JobStatusRunning              JobStatus = "running"
	JobStatusPRCreated            JobStatus = "pr_created"
	JobStatusWaitingClarification JobStatus = "waiting_clarification"
	JobStatusFailed               JobStatus = "failed"
	JobStatusComplete             JobStatus = "complete"
)

// DispatchKind distinguishes a fresh start (or retry) from a resume after
// clarification.
type DispatchKind string

const (
	DispatchStart  DispatchKind = "start"
	DispatchResume DispatchKind = "resume"
)

// DispatchableFrom returns the statuses a job may be dispatched from for the
// given kind. Starts from failed or pr_created additionally require a
// recorded branch; see RequiresBranch.
func DispatchableFrom(kind DispatchKind) []JobStatus {
	if kind == DispatchResume {
		return []JobStatus{JobStatusWaitingClarification}
	}
	return []JobStatus{JobStatusPending, JobStatusFailed, JobStatusPRCreated}
}

// RequiresBranch reports whether dispatching out of s must reuse an
// existing branch.
func (s JobStatus) RequiresBranch() bool {
	return s == JobStatusFailed || s == JobStatusPRCreated
}

// DefaultBranchName is the branch assigned to a ticket on its first run.
func DefaultBranchName(issueKey string) string {
	return "ai-dev/" + issueKey
}

// IsActive reports whether a job currently owns a shard run.
func (s JobStatus) IsActive() bool {
	return s == JobStatusRunning || s == JobStatusWaitingClarification
}

// Job is the durable record of automation work against one ticket. A job
// outlives any number of shard runs; CurrentShardJobID points at the latest.
type Job struct {
	ID                     int64          `json:"id" db:"id"`
	IssueKey               string         `json:"issue_key" db:"issue_key"`
	BoardID                int64          `json:"board_id" db:"board_id"`
	RepoConnectionID       *int64         `json:"repo_connection_id,omitempty" db:"repo_connection_id"`
	CloudID                string         `json:"cloud_id" db:"cloud_id"`
	Status                 JobStatus      `json:"status" db:"status"`
	CurrentShardJobID      *string        `json:"current_shard_job_id,omitempty" db:"current_shard_job_id"`
	CurrentShardID         *int64         `json:"current_shard_id,omitempty" db:"current_shard_id"`
	RunCount               int            `json:"run_count" db:"run_count"`
	BranchName             *string        `json:"branch_name,omitempty" db:"branch_name"`
	PRURL                  *string        `json:"pr_url,omitempty" db:"pr_url"`
	PRNumber               *int           `json:"pr_number,omitempty" db:"pr_number"`
	CommitSHA              *string        `json:"commit_sha,omitempty" db:"commit_sha"`
	LastOutput             *string        `json:"last_output,omitempty" db:"last_output"`
	LastResultJSON         types.JSONText `json:"last_result" db:"last_result_json"`
	ErrorMessage           *string        `json:"error_message,omitempty" db:"error_message"`
	ClarificationCommentID *string        `json:"clarification_comment_id,omitempty" db:"clarification_comment_id"`
	ClarificationQuestions types.JSONText `json:"clarification_questions" db:"clarification_questions"`
	StartedAt              *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt              time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at" db:"updated_at"`
}

// Branch returns the recorded branch name or "".
func (j Job) Branch() string {
	if j.BranchName == nil {
		return ""
	}
	return *j.BranchName
}

// ShardJobID returns the current shard run id or "".
func (j Job) ShardJobID() string {
	if j.CurrentShardJobID == nil {
		return ""
	}
	return *j.CurrentShardJobID
}

// Questions decodes the stored clarification questions.
func (j Job) Questions() []string {
	if len(j.ClarificationQuestions) == 0 {
		return nil
	}
	var qs []string
	if err := json.Unmarshal(j.ClarificationQuestions, &qs); err != nil {
		return nil
	}
	return qs
}

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// JobLog is one entry in a job's audit trail.
type JobLog struct {
	ID          int64          `json:"id" db:"id"`
	IssueKey    string         `json:"issue_key" db:"issue_key"`
	Level       LogLevel       `json:"level" db:"level"`
	Message     string         `json:"message" db:"message"`
	ContextJSON types.JSONText `json:"context" db:"context_json"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// OperatorWarning flags conditions an operator must act on that are not job
// failures in our code, such as an exhausted model-provider balance.
type OperatorWarning struct {
	ID        int64     `json:"id" db:"id"`
	IssueKey  string    `json:"issue_key" db:"issue_key"`
	Kind      string    `json:"kind" db:"kind"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const WarningCreditBalance = "credit_balance"
