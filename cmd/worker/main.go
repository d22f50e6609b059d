// Package main implements the jobqueue worker process.
// The worker runs a pool of workers that claim tasks from Redis, execute them
// through the registered handlers, and track metrics.
//
// Features:
//   - Concurrent task processing with graceful shutdown
//   - Prometheus metrics exposed on /metrics
//   - Automatic retry with exponential backoff
//   - Dead Letter Queue for failed tasks
//   - Background promotion of delayed tasks and recovery of abandoned ones
//
// Usage:
//
//	go run ./cmd/worker --concurrency 8 --redis-addr localhost:6379
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/guido-cesarano/jobqueue/pkg/config"
	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/queue"
	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Run a jobqueue worker pool",
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
	flags.StringSlice("queue-types", nil, "Queue types in dequeue order")
	flags.Int("concurrency", 4, "Number of concurrent workers")
	flags.String("instance-id", "", "Instance id used for heartbeats (generated when empty)")
	flags.String("metrics-addr", ":8080", "Address of the Prometheus metrics endpoint")
	return cmd
}

// run starts the pool and the metrics server and blocks until SIGINT/SIGTERM.
func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := store.NewClient(cfg.StoreOptions())
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return err
	}

	manager := queue.NewManager(client, cfg.ManagerConfig())
	registry := worker.NewRegistry()
	registry.MustRegister(
		worker.NewHandler(productLookupType, handleProductLookup),
		worker.NewHandler(bulkImportType, handleBulkImport),
	)

	pool := worker.NewPool(manager, registry, cfg.PoolConfig())
	if err := pool.Start(ctx, cfg.Worker.Concurrency); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Worker.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Log.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	logger.Log.Info().
		Str("queues", strings.Join(cfg.Queue.Types, ",")).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Worker started. Waiting for tasks...")

	<-ctx.Done()
	logger.Log.Info().Msg("Shutting down worker...")

	err := pool.Stop(cfg.Worker.ShutdownTimeout)
	if errors.Is(err, worker.ErrShutdownTimeout) {
		logger.Log.Warn().Err(err).Msg("Some tasks were abandoned and will be recovered")
		err = nil
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
