package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sumire/aidev/internal/service"
)

// ServerConfig holds the credentials and origins the HTTP surface needs.
type ServerConfig struct {
	FrontendURL          string
	CallbackToken        string
	TrackerWebhookSecret string
}

// NewServer builds the main server's echo instance.
func NewServer(jobs JobOperations, auth *service.AuthService, cfg ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Validator = NewAppValidator()

	e.Use(middleware.RequestID())
	e.Use(RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentType},
		ExposeHeaders:    []string{echo.HeaderXRequestID},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	e.GET("/health", func(c echo.Context) error {
		return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
	})

	webhooks := NewWebhookHandler(jobs)
	e.POST("/webhooks/shard", webhooks.ShardCallback, StaticBearer(cfg.CallbackToken))
	if cfg.TrackerWebhookSecret != "" {
		e.POST("/webhooks/tracker", webhooks.Tracker, SharedSecret(HeaderWebhookSecret, cfg.TrackerWebhookSecret))
	}

	authHandler := NewAuthHandler(auth)
	jobHandler := NewJobHandler(jobs)

	api := e.Group("/api/v1")
	api.POST("/auth/refresh", authHandler.Refresh)

	protected := api.Group("", JWTAuth(auth))
	protected.GET("/auth/me", authHandler.Me)
	protected.GET("/jobs", jobHandler.List)
	protected.GET("/jobs/:key", jobHandler.Get)
	protected.GET("/jobs/:key/logs", jobHandler.Logs)
	protected.POST("/jobs/:key/dispatch", jobHandler.Dispatch)
	protected.POST("/jobs/:key/confirm", jobHandler.Confirm)
	protected.POST("/jobs/:key/cancel", jobHandler.Cancel)
	protected.GET("/warnings", jobHandler.Warnings)
	protected.GET("/shards", jobHandler.Shards)

	return e
}
