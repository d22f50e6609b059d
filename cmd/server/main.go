// Package main implements the jobqueue HTTP API server used by producers.
//
// API Endpoints:
//
//	POST /enqueue        - Enqueues a task
//	POST /enqueue/bulk   - Enqueues a batch of tasks
//	GET  /status?id=     - Returns the status of a task
//	POST /cancel?id=     - Cancels a task
//	GET  /stats?type=    - Queue statistics (all types when type is empty)
//	POST /schedule       - Registers a recurring task
//	GET  /tasks?type=    - Inspects a queue (add delayed=true for the delayed set)
//	GET  /dead-letters   - Lists dead letter entries
//	GET  /workers        - Lists live worker instances
//
// Request Format (enqueue):
//
//	{
//	  "queue_type": "product_lookup",
//	  "priority": "HIGH",
//	  "payload": {"barcode": "4006381333931"}
//	}
//
// Usage:
//
//	go run ./cmd/server --addr :8081 --redis-addr localhost:6379
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guido-cesarano/jobqueue/pkg/config"
	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/queue"
	"github.com/guido-cesarano/jobqueue/pkg/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Run the jobqueue producer API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if err := logger.Configure(cfg.Env, cfg.LogLevel); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a config file (yaml, json or toml)")
	flags.String("env", "development", "Environment (development, production, test)")
	flags.String("log-level", "info", "Log level")
	flags.String("redis-addr", "127.0.0.1:6379", "Redis address")
	flags.Int("redis-db", 0, "Redis database")
	flags.StringSlice("queue-types", nil, "Accepted queue types")
	flags.String("addr", ":8081", "HTTP listen address")
	flags.String("api-key", "", "API key required in X-API-Key (disabled when empty)")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := store.NewClient(cfg.StoreOptions())
	defer client.Close()

	manager := queue.NewManager(client, cfg.ManagerConfig())

	// Start Cron Scheduler
	manager.StartScheduler()
	defer manager.StopScheduler()

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           setupRouter(manager, cfg.Server.APIKey),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
