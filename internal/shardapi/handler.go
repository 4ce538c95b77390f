// Package shardapi is the HTTP surface of a shard agent.
package shardapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/handler"
	"github.com/sumire/aidev/internal/shard"
)

// Info describes the shard to callers.
type Info struct {
	ShardID      string
	ShardType    string
	Capabilities []string
	JobTimeout   time.Duration
}

type Handler struct {
	info Info
	runs *shard.Manager
}

func New(runs *shard.Manager, info Info) *Handler {
	return &Handler{info: info, runs: runs}
}

// NewServer builds the echo instance serving h.
func NewServer(h *Handler, apiKey string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Validator = handler.NewAppValidator()

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(handler.RequestLogger())

	h.Register(e, apiKey)
	return e
}

// Register mounts every route on e. Only /health is unauthenticated.
func (h *Handler) Register(e *echo.Echo, apiKey string) {
	e.GET("/health", h.Health)

	auth := BearerAuth(apiKey)
	e.GET("/capabilities", h.Capabilities, auth)
	e.GET("/jobs", h.ListJobs, auth)
	e.POST("/job/execute", h.Execute, auth)
	e.GET("/job/:id/status", h.Status, auth)
	e.GET("/job/:id/output", h.Output, auth)
	e.GET("/job/:id/stream", h.Stream, auth)
	e.POST("/job/:id/cancel", h.Cancel, auth)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.HealthResponse{
		Status:            "healthy",
		ShardID:           h.info.ShardID,
		ShardType:         h.info.ShardType,
		Timestamp:         time.Now().UTC(),
		Jobs:              h.runs.Stats(),
		Capabilities:      h.info.Capabilities,
		MaxConcurrentJobs: h.runs.MaxConcurrentJobs(),
	})
}

func (h *Handler) Capabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.CapabilitiesResponse{
		ShardID:           h.info.ShardID,
		ShardType:         h.info.ShardType,
		Capabilities:      h.info.Capabilities,
		MaxConcurrentJobs: h.runs.MaxConcurrentJobs(),
		JobTimeoutMS:      h.info.JobTimeout.Milliseconds(),
	})
}

func (h *Handler) ListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.JobsResponse{
		ShardID: h.info.ShardID,
		Stats:   h.runs.Stats(),
		Jobs:    h.runs.List(),
	})
}

func (h *Handler) Execute(c echo.Context) error {
	var req domain.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if req.AnthropicAPIKey == "" {
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "anthropic_api_key is required"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	// Reject payloads the executor could never render a prompt for.
	if _, err := shard.BuildPrompt(req, false); err != nil {
		return err
	}

	run, err := h.runs.Submit(c.Request().Context(), req)
	if errors.Is(err, domain.ErrCapacity) {
		return c.JSON(http.StatusTooManyRequests, domain.CapacityResponse{
			Error:       "Shard at capacity",
			RunningJobs: h.runs.Running(),
			MaxJobs:     h.runs.MaxConcurrentJobs(),
		})
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, domain.ExecuteResponse{
		Success: true,
		JobID:   run.ID(),
		Status:  domain.RunStatusQueued,
		Message: "Job accepted",
	})
}

func (h *Handler) Status(c echo.Context) error {
	snap, err := h.runs.Lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Output(c echo.Context) error {
	id := c.Param("id")
	if run, ok := h.runs.Get(id); ok {
		return c.JSON(http.StatusOK, run.Output())
	}

	// Output is not journalled; report the recorded state with no chunks.
	snap, err := h.runs.Lookup(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, domain.OutputSnapshot{
		JobID:  snap.JobID,
		Status: snap.Status,
		Output: []domain.OutputChunk{},
		Error:  snap.Error,
		Result: snap.Result,
	})
}

func (h *Handler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.runs.Cancel(id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, domain.ExecuteResponse{
		Success: true,
		JobID:   id,
		Status:  domain.RunStatusCancelled,
		Message: "Job cancelled",
	})
}
