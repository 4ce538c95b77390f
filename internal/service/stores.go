package service

import (
	"context"
	"time"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/repository"
)

// JobStore defines the job data access consumed by the orchestration services.
type JobStore interface {
	GetOrCreate(ctx context.Context, in repository.NewJob) (*domain.Job, error)
	Get(ctx context.Context, issueKey string) (*domain.Job, error)
	GetByShardJobID(ctx context.Context, shardJobID string) (*domain.Job, error)
	List(ctx context.Context, f repository.JobFilter) ([]domain.Job, error)
	ListRunningSince(ctx context.Context, t time.Time) ([]domain.Job, error)
	BeginRun(ctx context.Context, issueKey string, kind domain.DispatchKind, shardJobID, defaultBranch string) (*repository.Claim, error)
	AssignShard(ctx context.Context, shardJobID string, shardID int64) error
	AbortRun(ctx context.Context, c *repository.Claim) error
	MarkPRCreated(ctx context.Context, shardJobID string, o repository.Outcome) (*domain.Job, bool, error)
	MarkWaitingClarification(ctx context.Context, shardJobID string, questions []string, o repository.Outcome) (*domain.Job, bool, error)
	SetClarificationComment(ctx context.Context, issueKey, commentID string) error
	MarkFailed(ctx context.Context, shardJobID, errMsg string, o repository.Outcome) (*domain.Job, bool, error)
	MarkComplete(ctx context.Context, issueKey string) (*domain.Job, error)
}

// JobLogStore is the per-job audit trail.
type JobLogStore interface {
	Append(ctx context.Context, issueKey string, level domain.LogLevel, message string, fields map[string]any) error
	List(ctx context.Context, issueKey string, limit int) ([]domain.JobLog, error)
}

// ShardRunStore persists dispatched shard runs.
type ShardRunStore interface {
	Create(ctx context.Context, jobID string, shardID int64, issueKey string, request any) error
	Reassign(ctx context.Context, jobID string, shardID int64) error
	UpdateStatus(ctx context.Context, jobID string, status domain.RunStatus, errMsg string, result any) error
	Get(ctx context.Context, jobID string) (*domain.ShardJob, error)
	ListForIssue(ctx context.Context, issueKey string) ([]domain.ShardJob, error)
}

// ShardStore is the shard registry.
type ShardStore interface {
	FindByID(ctx context.Context, id int64) (*domain.Shard, error)
	List(ctx context.Context) ([]domain.Shard, error)
	ListEnabledWithLoad(ctx context.Context) ([]domain.ShardLoad, error)
	UpdateHealth(ctx context.Context, id int64, health domain.ShardHealth) error
}

type BoardStore interface {
	FindByID(ctx context.Context, id int64) (*domain.Board, error)
}

type RepoStore interface {
	FindByID(ctx context.Context, id int64) (*domain.RepoConnection, error)
}

type WarningStore interface {
	Create(ctx context.Context, issueKey, kind, message string) error
	List(ctx context.Context, limit int) ([]domain.OperatorWarning, error)
}

// Tracker is the ticket-tracker collaborator.
type Tracker interface {
	GetIssue(ctx context.Context, cloudID, key string) (*domain.Ticket, error)
	AddComment(ctx context.Context, cloudID, key, text string) (string, error)
	TransitionToStatus(ctx context.Context, cloudID, key, status string) error
	AddLabel(ctx context.Context, cloudID, key, label string) error
	RemoveLabel(ctx context.Context, cloudID, key, label string) error
}

// ShardAPI talks to shard agents over HTTP.
type ShardAPI interface {
	Execute(ctx context.Context, s domain.Shard, req domain.ExecuteRequest) (*domain.ExecuteResponse, error)
	Status(ctx context.Context, s domain.Shard, jobID string) (*domain.RunSnapshot, error)
	Cancel(ctx context.Context, s domain.Shard, jobID string) error
	Health(ctx context.Context, s domain.Shard) (*domain.HealthResponse, error)
}
