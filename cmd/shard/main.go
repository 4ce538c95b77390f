package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sumire/aidev/internal/config"
	"github.com/sumire/aidev/internal/shard"
	"github.com/sumire/aidev/internal/shardapi"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	port := flag.Int("port", 0, "listen port (overrides SHARD_PORT)")
	workspace := flag.String("workspace", "", "workspace root (overrides WORKSPACE_PATH)")
	flag.Parse()

	cfg, err := config.LoadShard()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *workspace != "" {
		cfg.WorkspacePath = *workspace
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal, err := shard.OpenJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	lost, err := journal.MarkLost(ctx)
	if err != nil {
		return fmt.Errorf("recover journal: %w", err)
	}
	if len(lost) > 0 {
		slog.Warn("runs interrupted by restart marked failed", "job_ids", lost)
	}

	runs := shard.NewManager(shard.ManagerConfig{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Retention:         cfg.RunRetention,
		Executor: shard.ExecutorConfig{
			AgentPath:         cfg.ClaudeCodePath,
			WorkspaceRoot:     cfg.WorkspacePath,
			Timeout:           cfg.JobTimeout,
			ShortTimeout:      cfg.ShortJobTimeout,
			KillGrace:         10 * time.Second,
			CleanupAfterRun:   cfg.CleanupAfterJob,
			DefaultMCPServers: cfg.MCPServers,
		},
	}, journal, shard.NewNotifier(cfg.CallbackTimeout))

	h := shardapi.New(runs, shardapi.Info{
		ShardID:      cfg.ShardID,
		ShardType:    cfg.ShardType,
		Capabilities: cfg.Capabilities,
		JobTimeout:   cfg.JobTimeout,
	})

	// No write timeout: output streams stay open for the life of a run.
	srv := &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:     shardapi.NewServer(h, cfg.APIKey),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("shard starting",
			"shard_id", cfg.ShardID,
			"addr", srv.Addr,
			"max_concurrent_jobs", cfg.MaxConcurrentJobs,
			"capabilities", cfg.Capabilities,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runs.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Runs go first so open streams receive their final event.
		if err := runs.Shutdown(shutdownCtx); err != nil {
			slog.Error("runs did not stop in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("shard stopped gracefully")
	return nil
}
