package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/repository"
)

// JobConfig holds the server-wide settings a dispatch needs.
type JobConfig struct {
	// CallbackURL is where shards report finished runs.
	CallbackURL   string
	CallbackToken string
	// JiraToken is handed to the agent for its tracker tooling.
	JiraToken            string
	BotAccountID         string
	RequiredCapabilities []string
}

// JobDeps bundles the collaborators of JobService.
type JobDeps struct {
	Jobs     JobStore
	Logs     JobLogStore
	Runs     ShardRunStore
	Shards   ShardStore
	Boards   BoardStore
	Repos    RepoStore
	Warnings WarningStore
	Tracker  Tracker
	Client   ShardAPI
}

// JobService drives the job state machine: dispatching runs to shards,
// applying their outcomes, and operator actions.
type JobService struct {
	jobs     JobStore
	logs     JobLogStore
	runs     ShardRunStore
	shards   ShardStore
	boards   BoardStore
	repos    RepoStore
	warnings WarningStore
	tracker  Tracker
	client   ShardAPI
	router   *ShardRouter
	cfg      JobConfig

	newRunID func() string
}

// NewJobService creates a new JobService.
func NewJobService(d JobDeps, cfg JobConfig) *JobService {
	return &JobService{
		jobs:     d.Jobs,
		logs:     d.Logs,
		runs:     d.Runs,
		shards:   d.Shards,
		boards:   d.Boards,
		repos:    d.Repos,
		warnings: d.Warnings,
		tracker:  d.Tracker,
		client:   d.Client,
		router:   NewShardRouter(d.Shards),
		cfg:      cfg,
		newRunID: uuid.NewString,
	}
}

// DispatchRequest asks for a run against a ticket. BoardID is only needed
// the first time a ticket is dispatched.
type DispatchRequest struct {
	IssueKey               string              `json:"issue_key" validate:"required"`
	BoardID                int64               `json:"board_id"`
	RepoConnectionID       *int64              `json:"repo_connection_id,omitempty"`
	Kind                   domain.DispatchKind `json:"kind" validate:"omitempty,oneof=start resume"`
	TaskType               domain.TaskType     `json:"task_type" validate:"omitempty,oneof=implement_ticket code_review run_tests custom"`
	Prompt                 string              `json:"prompt,omitempty"`
	AdditionalInstructions string              `json:"additional_instructions,omitempty"`
	TestCommand            string              `json:"test_command,omitempty"`
}

type dispatchOptions struct {
	taskType               domain.TaskType
	prompt                 string
	additionalInstructions string
	testCommand            string
}

// Dispatch starts or resumes a run for the ticket. A job already running,
// or one that cannot be dispatched with the requested kind, yields
// domain.ErrInvalidTransition without contacting any shard.
func (s *JobService) Dispatch(ctx context.Context, req DispatchRequest) (*domain.Job, error) {
	kind := req.Kind
	if kind == "" {
		kind = domain.DispatchStart
	}

	job, err := s.jobs.Get(ctx, req.IssueKey)
	if errors.Is(err, domain.ErrNotFound) {
		if kind == domain.DispatchResume {
			return nil, err
		}
		if req.BoardID == 0 {
			return nil, &domain.ValidationError{Field: "board_id", Message: "is required for a new job"}
		}
		board, berr := s.boards.FindByID(ctx, req.BoardID)
		if berr != nil {
			return nil, fmt.Errorf("find board %d: %w", req.BoardID, berr)
		}
		job, err = s.jobs.GetOrCreate(ctx, repository.NewJob{
			IssueKey:         req.IssueKey,
			BoardID:          board.ID,
			RepoConnectionID: req.RepoConnectionID,
			CloudID:          board.CloudID,
		})
	}
	if err != nil {
		return nil, err
	}

	return s.dispatchJob(ctx, job, kind, dispatchOptions{
		taskType:               req.TaskType,
		prompt:                 req.Prompt,
		additionalInstructions: req.AdditionalInstructions,
		testCommand:            req.TestCommand,
	})
}

func (s *JobService) dispatchJob(ctx context.Context, job *domain.Job, kind domain.DispatchKind, opts dispatchOptions) (*domain.Job, error) {
	board, err := s.boards.FindByID(ctx, job.BoardID)
	if err != nil {
		return nil, fmt.Errorf("find board %d: %w", job.BoardID, err)
	}
	if board.AnthropicAPIKey == "" {
		return nil, &domain.ValidationError{Field: "anthropic_api_key", Message: "board has no model-provider API key"}
	}
	var repo *domain.RepoConnection
	if job.RepoConnectionID != nil {
		repo, err = s.repos.FindByID(ctx, *job.RepoConnectionID)
		if err != nil {
			return nil, fmt.Errorf("find repo connection %d: %w", *job.RepoConnectionID, err)
		}
	}

	runID := s.newRunID()
	claim, err := s.jobs.BeginRun(ctx, job.IssueKey, kind, runID, domain.DefaultBranchName(job.IssueKey))
	if err != nil {
		return nil, err
	}
	job = claim.Job

	dispatched, err := s.sendRun(ctx, claim, board, repo, kind, opts)
	if err != nil {
		if abortErr := s.jobs.AbortRun(ctx, claim); abortErr != nil {
			slog.Error("failed to abort run", "issue_key", job.IssueKey, "run_id", runID, "error", abortErr)
		}
		s.appendLog(ctx, job.IssueKey, domain.LogLevelError, "dispatch failed", map[string]any{
			"run_id": runID,
			"kind":   string(kind),
			"error":  err.Error(),
		})
		return nil, err
	}
	return dispatched, nil
}

func (s *JobService) sendRun(ctx context.Context, claim *repository.Claim, board *domain.Board, repo *domain.RepoConnection, kind domain.DispatchKind, opts dispatchOptions) (*domain.Job, error) {
	job := claim.Job
	runID := job.ShardJobID()

	candidates, err := s.router.Candidates(ctx, s.cfg.RequiredCapabilities)
	if err != nil {
		return nil, err
	}

	ticket, err := s.tracker.GetIssue(ctx, job.CloudID, job.IssueKey)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket %s: %w", job.IssueKey, err)
	}

	req := s.buildRequest(job, board, repo, ticket, kind, opts)

	var lastErr error
	for i, shard := range candidates {
		if i == 0 {
			err = s.runs.Create(ctx, runID, shard.ID, job.IssueKey, req.Redacted())
		} else {
			err = s.runs.Reassign(ctx, runID, shard.ID)
		}
		if err != nil {
			return nil, err
		}

		_, err = s.client.Execute(ctx, shard, req)
		if err == nil {
			return s.afterDispatch(ctx, job, board, shard, kind)
		}
		lastErr = err
		if errors.Is(err, domain.ErrCapacity) {
			slog.Info("shard at capacity, trying next", "shard", shard.Name, "issue_key", job.IssueKey)
		} else {
			slog.Warn("shard rejected run", "shard", shard.Name, "issue_key", job.IssueKey, "error", err)
		}
	}

	if err := s.runs.UpdateStatus(ctx, runID, domain.RunStatusFailed, lastErr.Error(), nil); err != nil {
		slog.Error("failed to record undeliverable run", "run_id", runID, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrNoShardAvailable, lastErr)
}

func (s *JobService) afterDispatch(ctx context.Context, job *domain.Job, board *domain.Board, shard domain.Shard, kind domain.DispatchKind) (*domain.Job, error) {
	runID := job.ShardJobID()
	if err := s.jobs.AssignShard(ctx, runID, shard.ID); err != nil {
		return nil, err
	}
	job.CurrentShardID = &shard.ID

	slog.Info("run dispatched",
		"issue_key", job.IssueKey,
		"run_id", runID,
		"shard", shard.Name,
		"kind", kind,
		"branch", job.Branch(),
	)
	s.appendLog(ctx, job.IssueKey, domain.LogLevelInfo, "run dispatched", map[string]any{
		"run_id":    runID,
		"shard":     shard.Name,
		"kind":      string(kind),
		"branch":    job.Branch(),
		"run_count": job.RunCount,
	})

	if status := deref(board.StatusWorking); status != "" {
		s.trackerStep(ctx, job, "transition to "+status, func() error {
			return s.tracker.TransitionToStatus(ctx, job.CloudID, job.IssueKey, status)
		})
	}
	if label := deref(board.WorkingLabel); label != "" {
		s.trackerStep(ctx, job, "add label "+label, func() error {
			return s.tracker.AddLabel(ctx, job.CloudID, job.IssueKey, label)
		})
	}
	return job, nil
}

func (s *JobService) buildRequest(job *domain.Job, board *domain.Board, repo *domain.RepoConnection, ticket *domain.Ticket, kind domain.DispatchKind, opts dispatchOptions) domain.ExecuteRequest {
	taskType := opts.taskType
	if taskType == "" {
		taskType = domain.TaskImplementTicket
	}

	req := domain.ExecuteRequest{
		JobID:           job.ShardJobID(),
		AnthropicAPIKey: board.AnthropicAPIKey,
		AnthropicModel:  deref(board.AnthropicModel),
		Task: domain.Task{
			Type:        taskType,
			IssueKey:    job.IssueKey,
			Summary:     ticket.Summary,
			Description: ticket.Description,
			Branch:      job.Branch(),
			Prompt:      opts.prompt,
			SessionKey:  job.IssueKey,
		},
		Context: domain.TaskContext{
			AdditionalInstructions: opts.additionalInstructions,
			JiraCloudID:            job.CloudID,
			JiraToken:              s.cfg.JiraToken,
			TestCommand:            opts.testCommand,
		},
		CallbackURL:   s.cfg.CallbackURL,
		CallbackToken: s.cfg.CallbackToken,
	}
	if repo != nil {
		req.Task.RepoURL = repo.CloneURL
		req.Task.RepoToken = repo.AccessToken
		req.Task.BaseBranch = repo.DefaultBranch
	}
	if kind == domain.DispatchResume {
		req.Context.ClarificationAnswers = clarificationAnswers(job, ticket, s.cfg.BotAccountID)
	}
	return req
}

// clarificationAnswers collects the human replies posted after the
// clarification comment, paired with the questions that prompted them.
func clarificationAnswers(job *domain.Job, ticket *domain.Ticket, botAccountID string) string {
	var b strings.Builder
	if qs := job.Questions(); len(qs) > 0 {
		b.WriteString("Questions asked:\n")
		for i, q := range qs {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
		b.WriteString("\n")
	}

	after := job.ClarificationCommentID == nil
	var replies []string
	for _, c := range ticket.Comments {
		if !after {
			after = c.ID == *job.ClarificationCommentID
			continue
		}
		if isBotComment(c.AuthorAccountID, c.Body, botAccountID) {
			continue
		}
		if body := strings.TrimSpace(c.Body); body != "" {
			replies = append(replies, body)
		}
	}
	if len(replies) == 0 {
		return strings.TrimSpace(b.String())
	}

	b.WriteString("Replies:\n")
	b.WriteString(strings.Join(replies, "\n\n"))
	return b.String()
}

func isBotComment(authorAccountID, body, botAccountID string) bool {
	if botAccountID != "" && authorAccountID == botAccountID {
		return true
	}
	return strings.Contains(body, domain.BotMarker)
}

// Confirm marks a job complete once its pull request was accepted. Only a
// job in pr_created may be confirmed.
func (s *JobService) Confirm(ctx context.Context, issueKey string) (*domain.Job, error) {
	job, err := s.jobs.MarkComplete(ctx, issueKey)
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, issueKey, domain.LogLevelInfo, "job confirmed complete", nil)
	return job, nil
}

// Cancel stops the job's running shard run and fails the job with reason
// "cancelled". A run the shard no longer knows about is treated as gone.
func (s *JobService) Cancel(ctx context.Context, issueKey string) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, issueKey)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusRunning {
		return nil, fmt.Errorf("cancel %s in status %s: %w", issueKey, job.Status, domain.ErrInvalidTransition)
	}
	runID := job.ShardJobID()

	if job.CurrentShardID != nil {
		shard, err := s.shards.FindByID(ctx, *job.CurrentShardID)
		if err != nil {
			return nil, fmt.Errorf("find shard %d: %w", *job.CurrentShardID, err)
		}
		err = s.client.Cancel(ctx, *shard, runID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrNotCancellable) {
			return nil, fmt.Errorf("cancel run %s: %w", runID, err)
		}
	}

	if err := s.runs.UpdateStatus(ctx, runID, domain.RunStatusCancelled, "cancelled", nil); err != nil {
		slog.Error("failed to record cancelled run", "run_id", runID, "error", err)
	}
	failed, ok, err := s.jobs.MarkFailed(ctx, runID, "cancelled", repository.Outcome{})
	if err != nil {
		return nil, err
	}
	if !ok {
		// The run finished while we were cancelling it.
		return s.jobs.Get(ctx, issueKey)
	}
	s.appendLog(ctx, issueKey, domain.LogLevelWarning, "run cancelled", map[string]any{"run_id": runID})
	return failed, nil
}

// List returns jobs newest first.
func (s *JobService) List(ctx context.Context, f repository.JobFilter) ([]domain.Job, error) {
	return s.jobs.List(ctx, f)
}

// JobDetail is a job with its run history.
type JobDetail struct {
	*domain.Job
	Runs []domain.ShardJob `json:"runs"`
}

// Get returns a job and every run dispatched for it.
func (s *JobService) Get(ctx context.Context, issueKey string) (*JobDetail, error) {
	job, err := s.jobs.Get(ctx, issueKey)
	if err != nil {
		return nil, err
	}
	runs, err := s.runs.ListForIssue(ctx, issueKey)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: job, Runs: runs}, nil
}

// Logs returns a job's audit trail.
func (s *JobService) Logs(ctx context.Context, issueKey string, limit int) ([]domain.JobLog, error) {
	if _, err := s.jobs.Get(ctx, issueKey); err != nil {
		return nil, err
	}
	return s.logs.List(ctx, issueKey, limit)
}

// Warnings returns recent operator warnings.
func (s *JobService) Warnings(ctx context.Context, limit int) ([]domain.OperatorWarning, error) {
	return s.warnings.List(ctx, limit)
}

// Shards returns the registry.
func (s *JobService) Shards(ctx context.Context) ([]domain.Shard, error) {
	return s.shards.List(ctx)
}

func (s *JobService) appendLog(ctx context.Context, issueKey string, level domain.LogLevel, msg string, fields map[string]any) {
	if err := s.logs.Append(ctx, issueKey, level, msg, fields); err != nil {
		slog.Error("failed to append job log", "issue_key", issueKey, "error", err)
	}
}

// trackerStep runs a best-effort tracker side effect. Failures are logged
// against the job and never undo the state transition that caused them.
func (s *JobService) trackerStep(ctx context.Context, job *domain.Job, what string, fn func() error) {
	start := time.Now()
	if err := fn(); err != nil {
		slog.Warn("tracker update failed",
			"issue_key", job.IssueKey,
			"step", what,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		s.appendLog(ctx, job.IssueKey, domain.LogLevelWarning, "tracker update failed: "+what, map[string]any{
			"error": err.Error(),
		})
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
