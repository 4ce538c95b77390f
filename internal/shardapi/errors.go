package shardapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/aidev/internal/domain"
)

// HTTPErrorHandler renders errors in the shard wire format {"error": "..."}.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, msg := mapError(err)
	if jsonErr := c.JSON(status, domain.ErrorResponse{Error: msg}); jsonErr != nil {
		slog.Error("failed to send error response", "error", jsonErr)
	}
}

func mapError(err error) (int, string) {
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, msg
	}

	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid request body"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Job not found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "Job already exists"
	case errors.Is(err, domain.ErrNotCancellable):
		return http.StatusBadRequest, "Job cannot be cancelled"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	default:
		slog.Error("unhandled error", "error", err)
		return http.StatusInternalServerError, "Internal server error"
	}
}
