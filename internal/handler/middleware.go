package handler

import (
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/service"
)

const (
	contextKeyOperator = "operator"

	// HeaderWebhookSecret carries the shared secret on tracker webhooks.
	HeaderWebhookSecret = "X-Webhook-Secret"
)

// RequestLogger logs each HTTP request with structured fields.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			slog.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)

			return err
		}
	}
}

// JWTAuth validates the Bearer token and injects the operator into echo context.
func JWTAuth(auth *service.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c)
			if !ok {
				return domain.ErrUnauthorized
			}

			operator, err := auth.ValidateToken(token)
			if err != nil {
				return domain.ErrUnauthorized
			}

			c.Set(contextKeyOperator, operator)
			return next(c)
		}
	}
}

// GetOperator extracts the authenticated operator from echo context.
func GetOperator(c echo.Context) (string, bool) {
	op, ok := c.Get(contextKeyOperator).(string)
	return op, ok
}

// StaticBearer admits requests carrying token as a Bearer credential.
func StaticBearer(token string) echo.MiddlewareFunc {
	want := []byte(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, ok := bearerToken(c)
			if !ok {
				return domain.ErrUnauthorized
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return domain.ErrForbidden
			}
			return next(c)
		}
	}
}

// SharedSecret admits requests whose header matches secret.
func SharedSecret(header, secret string) echo.MiddlewareFunc {
	want := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.Request().Header.Get(header)
			if got == "" {
				return domain.ErrUnauthorized
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return domain.ErrForbidden
			}
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, bool) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
