// Package config loads the jobqueue configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// config file, environment variables prefixed with JOBQUEUE_ (nested keys use
// underscores, e.g. JOBQUEUE_REDIS_ADDR), and explicitly set command-line flags.
package config

import (
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/queue"
	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
	"github.com/guido-cesarano/jobqueue/pkg/worker"
)

// Config holds all application configuration.
type Config struct {
	Env      string `mapstructure:"env" validate:"required,oneof=development production test"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=trace debug info warn error fatal"`

	Redis  RedisConfig  `mapstructure:"redis"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Worker WorkerConfig `mapstructure:"worker"`
	Server ServerConfig `mapstructure:"server"`
}

// RedisConfig describes the backing store connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
}

// QueueConfig configures the queue manager.
type QueueConfig struct {
	// Types is the dequeue scan order.
	Types           []string      `mapstructure:"types" validate:"required,min=1,dive,required"`
	BulkConcurrency int           `mapstructure:"bulk_concurrency" validate:"gt=0"`
	ScanLimit       int           `mapstructure:"scan_limit" validate:"gt=0"`
	MetadataTTL     time.Duration `mapstructure:"metadata_ttl" validate:"gt=0"`
	ResultTTL       time.Duration `mapstructure:"result_ttl" validate:"gt=0"`
	CancelTTL       time.Duration `mapstructure:"cancel_ttl" validate:"gt=0"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	StatsMaxAge     time.Duration `mapstructure:"stats_max_age" validate:"gt=0"`
}

// RateLimitConfig is a per-queue-type token bucket.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate" validate:"gt=0"`
	Burst int     `mapstructure:"burst" validate:"gt=0"`
}

// WorkerConfig configures a worker pool.
type WorkerConfig struct {
	Concurrency        int                        `mapstructure:"concurrency" validate:"gt=0"`
	InstanceID         string                     `mapstructure:"instance_id"`
	IdleInterval       time.Duration              `mapstructure:"idle_interval" validate:"gt=0"`
	HeartbeatInterval  time.Duration              `mapstructure:"heartbeat_interval" validate:"gt=0"`
	StatsInterval      time.Duration              `mapstructure:"stats_interval" validate:"gt=0"`
	PromoteInterval    time.Duration              `mapstructure:"promote_interval" validate:"gt=0"`
	RecoverInterval    time.Duration              `mapstructure:"recover_interval" validate:"gt=0"`
	CancelPollInterval time.Duration              `mapstructure:"cancel_poll_interval" validate:"gt=0"`
	ShutdownTimeout    time.Duration              `mapstructure:"shutdown_timeout" validate:"gt=0"`
	RequireHandlers    bool                       `mapstructure:"require_handlers"`
	RateLimits         map[string]RateLimitConfig `mapstructure:"rate_limits" validate:"dive"`
	RateLimitDelay     time.Duration              `mapstructure:"rate_limit_delay" validate:"gt=0"`
	MetricsAddr        string                     `mapstructure:"metrics_addr"`
}

// ServerConfig configures the producer HTTP API.
type ServerConfig struct {
	Addr   string `mapstructure:"addr" validate:"required"`
	APIKey string `mapstructure:"api_key"`
}

// StoreOptions converts the Redis settings for store.NewClient.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
	}
}

// QueueTypes returns the configured scan order.
func (c *Config) QueueTypes() []tasks.QueueType {
	out := make([]tasks.QueueType, 0, len(c.Queue.Types))
	for _, t := range c.Queue.Types {
		out = append(out, tasks.QueueType(t))
	}
	return out
}

// ManagerConfig converts the queue settings for queue.NewManager.
func (c *Config) ManagerConfig() queue.Config {
	return queue.Config{
		QueueOrder:      c.QueueTypes(),
		BulkConcurrency: c.Queue.BulkConcurrency,
		ScanLimit:       c.Queue.ScanLimit,
		MetadataTTL:     c.Queue.MetadataTTL,
		ResultTTL:       c.Queue.ResultTTL,
		CancelTTL:       c.Queue.CancelTTL,
		StatsMaxAge:     c.Queue.StatsMaxAge,
		Retry: queue.RetryPolicy{
			BaseDelay: c.Queue.RetryBaseDelay,
			MaxDelay:  c.Queue.RetryMaxDelay,
		},
	}
}

// PoolConfig converts the worker settings for worker.NewPool.
func (c *Config) PoolConfig() worker.Config {
	limits := make(map[tasks.QueueType]worker.RateLimit, len(c.Worker.RateLimits))
	for qt, l := range c.Worker.RateLimits {
		limits[tasks.QueueType(qt)] = worker.RateLimit{Rate: l.Rate, Burst: l.Burst}
	}
	return worker.Config{
		InstanceID:         c.Worker.InstanceID,
		IdleInterval:       c.Worker.IdleInterval,
		HeartbeatInterval:  c.Worker.HeartbeatInterval,
		StatsInterval:      c.Worker.StatsInterval,
		PromoteInterval:    c.Worker.PromoteInterval,
		RecoverInterval:    c.Worker.RecoverInterval,
		CancelPollInterval: c.Worker.CancelPollInterval,
		RequireHandlers:    c.Worker.RequireHandlers,
		RateLimits:         limits,
		RateLimitDelay:     c.Worker.RateLimitDelay,
	}
}
