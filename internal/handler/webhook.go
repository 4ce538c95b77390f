package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/service"
	"github.com/sumire/aidev/internal/tracker"
)

// WebhookHandler receives shard callbacks and tracker events.
type WebhookHandler struct {
	jobs JobOperations
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(jobs JobOperations) *WebhookHandler {
	return &WebhookHandler{jobs: jobs}
}

// ShardCallback applies a run report. Unknown runs are 404; repeated or
// superseded reports are acknowledged with 200 and change nothing.
func (h *WebhookHandler) ShardCallback(c echo.Context) error {
	var cb domain.Callback
	if err := c.Bind(&cb); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrInvalidInput)
	}
	if err := c.Validate(&cb); err != nil {
		return err
	}

	if err := h.jobs.HandleCallback(c.Request().Context(), cb); err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]any{"received": true})
}

type trackerEvent struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key string `json:"key"`
	} `json:"issue"`
	Comment *struct {
		ID     string `json:"id"`
		Author struct {
			AccountID string `json:"accountId"`
		} `json:"author"`
		Body json.RawMessage `json:"body"`
	} `json:"comment"`
}

// Tracker handles ticket-tracker webhooks. Only comment_created is acted
// on; everything else is acknowledged.
func (h *WebhookHandler) Tracker(c echo.Context) error {
	var ev trackerEvent
	if err := c.Bind(&ev); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrInvalidInput)
	}

	if ev.WebhookEvent != "comment_created" || ev.Comment == nil || ev.Issue.Key == "" {
		return JSON(c, http.StatusOK, map[string]any{"resumed": false})
	}

	resumed, err := h.jobs.HandleTicketComment(c.Request().Context(), service.TicketComment{
		IssueKey:        ev.Issue.Key,
		CommentID:       ev.Comment.ID,
		AuthorAccountID: ev.Comment.Author.AccountID,
		Body:            tracker.PlainText(ev.Comment.Body),
	})
	if err != nil {
		return err
	}
	if resumed {
		slog.Info("job resumed from ticket reply", "issue_key", ev.Issue.Key, "comment_id", ev.Comment.ID)
	}
	return JSON(c, http.StatusOK, map[string]any{"resumed": resumed})
}
