package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sumire/aidev/internal/config"
	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/handler"
	"github.com/sumire/aidev/internal/repository"
	"github.com/sumire/aidev/internal/service"
	"github.com/sumire/aidev/internal/tracker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	issueToken := flag.String("issue-token", "", "print an operator token pair for `name` and exit")
	seedShards := flag.String("seed-shards", "", "upsert shards from a YAML registry `file` before serving (default $SHARDS_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	authSvc := service.NewAuthService(cfg.JWTSecret)
	if *issueToken != "" {
		pair, err := authSvc.IssueTokenPair(*issueToken)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(pair)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("database connected")

	if err := repository.Migrate(ctx, db); err != nil {
		return err
	}

	shardRepo := repository.NewShardRepository(db)
	registry := *seedShards
	if registry == "" {
		registry = cfg.ShardsFile
	}
	if registry != "" {
		if err := seed(ctx, shardRepo, registry); err != nil {
			return err
		}
	}

	client := service.NewShardClient(30 * time.Second)
	jobSvc := service.NewJobService(service.JobDeps{
		Jobs:     repository.NewJobRepository(db),
		Logs:     repository.NewJobLogRepository(db),
		Runs:     repository.NewShardJobRepository(db),
		Shards:   shardRepo,
		Boards:   repository.NewBoardRepository(db),
		Repos:    repository.NewRepoConnectionRepository(db),
		Warnings: repository.NewWarningRepository(db),
		Tracker:  tracker.NewJiraClient(ctx, cfg.JiraBaseURL, cfg.JiraToken),
		Client:   client,
	}, service.JobConfig{
		CallbackURL:          cfg.PublicURL + "/webhooks/shard",
		CallbackToken:        cfg.CallbackToken,
		JiraToken:            cfg.JiraToken,
		BotAccountID:         cfg.JiraBotAccountID,
		RequiredCapabilities: cfg.RequiredCapabilities,
	})

	reconciler := service.NewReconciler(repository.NewJobRepository(db), shardRepo, client, jobSvc, service.ReconcilerConfig{
		After: cfg.ReconcileAfter,
		Grace: cfg.ReconcileGrace,
	})
	monitor := service.NewHealthMonitor(shardRepo, client)

	e := handler.NewServer(jobSvc, authSvc, handler.ServerConfig{
		FrontendURL:          cfg.FrontendURL,
		CallbackToken:        cfg.CallbackToken,
		TrackerWebhookSecret: cfg.TrackerWebhookSecret,
	})
	if cfg.TrackerWebhookSecret == "" {
		slog.Warn("TRACKER_WEBHOOK_SECRET not set, tracker webhooks disabled")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx, cfg.ReconcileInterval)
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx, cfg.ShardHealthInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

func seed(ctx context.Context, shards *repository.ShardRepository, path string) error {
	specs, err := config.LoadShardRegistry(path)
	if err != nil {
		return err
	}
	for _, s := range specs {
		_, err := shards.Upsert(ctx, domain.Shard{
			Name:              s.Name,
			BaseURL:           s.BaseURL,
			APIKey:            s.APIKey,
			Capabilities:      domain.Capabilities(s.Capabilities),
			MaxConcurrentJobs: s.MaxConcurrentJobs,
			Priority:          s.Priority,
			IsDefault:         s.Default,
			IsEnabled:         !s.Disabled,
		})
		if err != nil {
			return err
		}
	}
	slog.Info("shard registry seeded", "path", path, "count", len(specs))
	return nil
}
