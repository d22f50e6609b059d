package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/guido-cesarano/jobqueue/pkg/queue"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
	"github.com/guido-cesarano/jobqueue/pkg/worker"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "JOBQUEUE"

// FlagKeys maps command-line flag names to configuration keys. Only flags
// present in the flag set passed to Load are bound.
var FlagKeys = map[string]string{
	"config":       "", // consumed by Load itself
	"env":          "env",
	"log-level":    "log_level",
	"redis-addr":   "redis.addr",
	"redis-db":     "redis.db",
	"queue-types":  "queue.types",
	"concurrency":  "worker.concurrency",
	"instance-id":  "worker.instance_id",
	"metrics-addr": "worker.metrics_addr",
	"addr":         "server.addr",
	"api-key":      "server.api_key",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)

	v.SetDefault("queue.types", []string{string(tasks.QueueTypeProductLookup), string(tasks.QueueTypeBulkImport)})
	v.SetDefault("queue.bulk_concurrency", queue.DefaultBulkConcurrency)
	v.SetDefault("queue.scan_limit", queue.DefaultScanLimit)
	v.SetDefault("queue.metadata_ttl", queue.DefaultMetadataTTL)
	v.SetDefault("queue.result_ttl", queue.DefaultResultTTL)
	v.SetDefault("queue.cancel_ttl", queue.DefaultCancelTTL)
	v.SetDefault("queue.retry_base_delay", queue.DefaultRetryBaseDelay)
	v.SetDefault("queue.retry_max_delay", queue.DefaultRetryMaxDelay)
	v.SetDefault("queue.stats_max_age", queue.DefaultStatsMaxAge)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.instance_id", "")
	v.SetDefault("worker.idle_interval", worker.DefaultIdleInterval)
	v.SetDefault("worker.heartbeat_interval", worker.DefaultHeartbeatInterval)
	v.SetDefault("worker.stats_interval", worker.DefaultStatsInterval)
	v.SetDefault("worker.promote_interval", worker.DefaultPromoteInterval)
	v.SetDefault("worker.recover_interval", worker.DefaultRecoverInterval)
	v.SetDefault("worker.cancel_poll_interval", worker.DefaultCancelPollInterval)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("worker.require_handlers", false)
	v.SetDefault("worker.rate_limit_delay", worker.DefaultRateLimitDelay)
	v.SetDefault("worker.metrics_addr", ":8080")

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.api_key", "")
}

// Load reads configuration from defaults, the optional file at path, the
// environment and explicitly set flags, then validates it.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil || key == "" || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of cfg and reports every violation.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
