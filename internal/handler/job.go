package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/repository"
	"github.com/sumire/aidev/internal/service"
)

// JobOperations is the job service surface exposed over HTTP.
type JobOperations interface {
	Dispatch(ctx context.Context, req service.DispatchRequest) (*domain.Job, error)
	Confirm(ctx context.Context, issueKey string) (*domain.Job, error)
	Cancel(ctx context.Context, issueKey string) (*domain.Job, error)
	List(ctx context.Context, f repository.JobFilter) ([]domain.Job, error)
	Get(ctx context.Context, issueKey string) (*service.JobDetail, error)
	Logs(ctx context.Context, issueKey string, limit int) ([]domain.JobLog, error)
	Warnings(ctx context.Context, limit int) ([]domain.OperatorWarning, error)
	Shards(ctx context.Context) ([]domain.Shard, error)
	HandleCallback(ctx context.Context, cb domain.Callback) error
	HandleTicketComment(ctx context.Context, ev service.TicketComment) (bool, error)
}

// JobHandler serves the operator job API.
type JobHandler struct {
	jobs JobOperations
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(jobs JobOperations) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &domain.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

// List returns jobs newest first, paginated by id cursor.
func (h *JobHandler) List(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return err
	}
	if limit == 0 || limit > 200 {
		limit = 50
	}
	cursor, err := queryInt(c, "cursor", 0)
	if err != nil {
		return err
	}

	jobs, err := h.jobs.List(c.Request().Context(), repository.JobFilter{
		Status: domain.JobStatus(c.QueryParam("status")),
		Cursor: int64(cursor),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	meta := PaginationMeta{HasNext: len(jobs) == limit}
	if meta.HasNext {
		meta.NextCursor = strconv.FormatInt(jobs[len(jobs)-1].ID, 10)
	}
	return JSONList(c, http.StatusOK, jobs, meta)
}

// Get returns one job with its runs.
func (h *JobHandler) Get(c echo.Context) error {
	detail, err := h.jobs.Get(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, detail)
}

// Logs returns a job's audit trail.
func (h *JobHandler) Logs(c echo.Context) error {
	limit, err := queryInt(c, "limit", 200)
	if err != nil {
		return err
	}
	logs, err := h.jobs.Logs(c.Request().Context(), c.Param("key"), limit)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, logs)
}

type dispatchBody struct {
	BoardID                int64               `json:"board_id"`
	RepoConnectionID       *int64              `json:"repo_connection_id,omitempty"`
	Kind                   domain.DispatchKind `json:"kind" validate:"omitempty,oneof=start resume"`
	TaskType               domain.TaskType     `json:"task_type" validate:"omitempty,oneof=implement_ticket code_review run_tests custom"`
	Prompt                 string              `json:"prompt"`
	AdditionalInstructions string              `json:"additional_instructions"`
	TestCommand            string              `json:"test_command"`
}

// Dispatch starts or resumes a run. 409 when the job cannot be dispatched
// from its current state, 503 when no shard can take it.
func (h *JobHandler) Dispatch(c echo.Context) error {
	var body dispatchBody
	if err := c.Bind(&body); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrInvalidInput)
	}
	if err := c.Validate(&body); err != nil {
		return err
	}
	if body.TaskType == domain.TaskCustom && body.Prompt == "" {
		return &domain.ValidationError{Field: "prompt", Message: "is required for custom tasks"}
	}

	req := service.DispatchRequest{
		IssueKey:               c.Param("key"),
		BoardID:                body.BoardID,
		RepoConnectionID:       body.RepoConnectionID,
		Kind:                   body.Kind,
		TaskType:               body.TaskType,
		Prompt:                 body.Prompt,
		AdditionalInstructions: body.AdditionalInstructions,
		TestCommand:            body.TestCommand,
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	operator, _ := GetOperator(c)
	job, err := h.jobs.Dispatch(c.Request().Context(), req)
	if err != nil {
		return err
	}
	slog.Info("job dispatched by operator", "issue_key", job.IssueKey, "operator", operator, "run_id", job.ShardJobID())
	return JSON(c, http.StatusAccepted, job)
}

// Confirm marks a job complete.
func (h *JobHandler) Confirm(c echo.Context) error {
	job, err := h.jobs.Confirm(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, job)
}

// Cancel stops a running job.
func (h *JobHandler) Cancel(c echo.Context) error {
	job, err := h.jobs.Cancel(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, job)
}

func (h *JobHandler) Warnings(c echo.Context) error {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	warnings, err := h.jobs.Warnings(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, warnings)
}

func (h *JobHandler) Shards(c echo.Context) error {
	shards, err := h.jobs.Shards(c.Request().Context())
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, shards)
}
