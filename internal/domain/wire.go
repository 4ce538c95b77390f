package domain

import (
	"encoding/json"
	"time"
)

// Wire types shared by the main server and shard agents.

// TaskType selects the prompt template a shard uses.
type TaskType string

const (
	TaskImplementTicket TaskType = "implement_ticket"
	TaskCodeReview      TaskType = "code_review"
	TaskRunTests        TaskType = "run_tests"
	TaskCustom          TaskType = "custom"
)

// RunStatus is the state of a single shard run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusLost marks runs that were in flight when a shard restarted.
	RunStatusLost RunStatus = "lost"
	// RunStatusProgress is only ever sent in callbacks, never stored.
	RunStatusProgress RunStatus = "progress"
)

// IsTerminal reports whether no further transitions can happen.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusLost:
		return true
	}
	return false
}

// Task describes the work a shard run performs.
type Task struct {
	Type        TaskType `json:"type" validate:"omitempty,oneof=implement_ticket code_review run_tests custom"`
	IssueKey    string   `json:"issue_key,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Description string   `json:"description,omitempty"`
	RepoURL     string   `json:"repo_url,omitempty" validate:"omitempty,url"`
	RepoToken   string   `json:"repo_token,omitempty"`
	Branch      string   `json:"branch,omitempty"`
	BaseBranch  string   `json:"base_branch,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	// SessionKey seeds the deterministic agent session id. Defaults to IssueKey.
	SessionKey string `json:"session_key,omitempty"`
}

// TaskContext carries optional context for the prompt and agent tooling.
type TaskContext struct {
	AdditionalInstructions string `json:"additional_instructions,omitempty"`
	JiraCloudID            string `json:"jira_cloud_id,omitempty"`
	JiraToken              string `json:"jira_token,omitempty"`
	TestCommand            string `json:"test_command,omitempty"`
	ClarificationAnswers   string `json:"clarification_answers,omitempty"`
}

// ExecuteRequest is the payload of POST /job/execute.
type ExecuteRequest struct {
	JobID           string                     `json:"job_id,omitempty"`
	AnthropicAPIKey string                     `json:"anthropic_api_key" validate:"required"`
	AnthropicModel  string                     `json:"anthropic_model,omitempty"`
	Task            Task                       `json:"task"`
	Context         TaskContext                `json:"context"`
	MCPServers      map[string]json.RawMessage `json:"mcp_servers,omitempty"`
	CallbackURL     string                     `json:"callback_url,omitempty" validate:"omitempty,url"`
	CallbackToken   string                     `json:"callback_token,omitempty"`
}

// Redacted returns a copy safe to persist or log.
func (r ExecuteRequest) Redacted() ExecuteRequest {
	const mask = "[redacted]"
	out := r
	if out.AnthropicAPIKey != "" {
		out.AnthropicAPIKey = mask
	}
	if out.Task.RepoToken != "" {
		out.Task.RepoToken = mask
	}
	if out.Context.JiraToken != "" {
		out.Context.JiraToken = mask
	}
	if out.CallbackToken != "" {
		out.CallbackToken = mask
	}
	out.MCPServers = nil
	return out
}

// ExecuteResponse is the 202 body of POST /job/execute.
type ExecuteResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"job_id"`
	Status  RunStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

// CapacityResponse is the 429 body of POST /job/execute.
type CapacityResponse struct {
	Error       string `json:"error"`
	RunningJobs int    `json:"running_jobs"`
	MaxJobs     int    `json:"max_jobs"`
}

// ErrorResponse is the generic shard error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// OutputChunk is one timestamped piece of subprocess output.
type OutputChunk struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// RunResult is the structured outcome of a run. Agent-reported fields are
// parsed from the agent's final JSON object; ExitCode and the raw streams
// are filled in by the executor.
type RunResult struct {
	Success            bool     `json:"success"`
	PRURL              string   `json:"pr_url,omitempty"`
	PRNumber           int      `json:"pr_number,omitempty"`
	BranchName         string   `json:"branch_name,omitempty"`
	CommitSHA          string   `json:"commit_sha,omitempty"`
	Summary            string   `json:"summary,omitempty"`
	FilesChanged       []string `json:"files_changed,omitempty"`
	NeedsClarification bool     `json:"needs_clarification,omitempty"`
	Questions          []string `json:"questions,omitempty"`
	Reason             string   `json:"reason,omitempty"`
	ExitCode           int      `json:"exit_code"`
	RawOutput          string   `json:"raw_output,omitempty"`
	Stderr             string   `json:"stderr,omitempty"`
}

// Callback is what a shard POSTs to callback_url when a run finishes.
type Callback struct {
	JobID          string     `json:"job_id" validate:"required"`
	Status         RunStatus  `json:"status" validate:"required,oneof=completed failed progress"`
	Result         *RunResult `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	Message        string     `json:"message,omitempty"`
	ElapsedSeconds int        `json:"elapsed_seconds,omitempty"`
}

// RunSnapshot is the body of GET /job/:id/status.
type RunSnapshot struct {
	JobID       string     `json:"job_id"`
	Status      RunStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	OutputLines int        `json:"output_lines"`
	Result      *RunResult `json:"result,omitempty"`
}

// OutputSnapshot is the body of GET /job/:id/output.
type OutputSnapshot struct {
	JobID  string        `json:"job_id"`
	Status RunStatus     `json:"status"`
	Output []OutputChunk `json:"output"`
	Error  string        `json:"error,omitempty"`
	Result *RunResult    `json:"result,omitempty"`
}

// RunStats counts runs per status on a shard.
type RunStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Lost      int `json:"lost"`
	Total     int `json:"total"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string    `json:"status"`
	ShardID           string    `json:"shard_id"`
	ShardType         string    `json:"shard_type"`
	Timestamp         time.Time `json:"timestamp"`
	Jobs              RunStats  `json:"jobs"`
	Capabilities      []string  `json:"capabilities"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
}

// CapabilitiesResponse is the body of GET /capabilities.
type CapabilitiesResponse struct {
	ShardID           string   `json:"shard_id"`
	ShardType         string   `json:"shard_type"`
	Capabilities      []string `json:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	JobTimeoutMS      int64    `json:"job_timeout_ms"`
}

// JobsResponse is the body of GET /jobs.
type JobsResponse struct {
	ShardID string        `json:"shard_id"`
	Stats   RunStats      `json:"stats"`
	Jobs    []RunSnapshot `json:"jobs"`
}
