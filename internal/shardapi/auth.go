package shardapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sumire/aidev/internal/domain"
)

// BearerAuth guards the shard API with its static API key. A missing header
// is 401, a wrong key 403.
func BearerAuth(apiKey string) echo.MiddlewareFunc {
	want := []byte(apiKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return c.JSON(http.StatusUnauthorized, domain.ErrorResponse{Error: "Missing authorization header"})
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
				return c.JSON(http.StatusForbidden, domain.ErrorResponse{Error: "Invalid API key"})
			}
			return next(c)
		}
	}
}
