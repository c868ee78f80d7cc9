package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "skein.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SKEIN_PORT")
	setString(&cfg.Server.CORSOrigin, "SKEIN_CORS_ORIGIN")
	setInt(&cfg.Server.RateLimitRPS, "SKEIN_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "SKEIN_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setBool(&cfg.Postgres.Enabled, "SKEIN_PG_ENABLED")
	setInt32(&cfg.Postgres.MaxConns, "SKEIN_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SKEIN_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.Lifetime, "SKEIN_PG_MAX_CONN_LIFETIME")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "SKEIN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SKEIN_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SKEIN_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "SKEIN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SKEIN_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "SKEIN_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.PlanTTL, "SKEIN_CACHE_PLAN_TTL")

	setInt(&cfg.Lanes.DefaultMaxConcurrent, "SKEIN_LANE_MAX_CONCURRENT")
	setDuration(&cfg.Lanes.WarnAfter, "SKEIN_LANE_WARN_AFTER")

	setInt(&cfg.Pool.DefaultPoolSize, "SKEIN_POOL_SIZE")
	setDuration(&cfg.Pool.IdleTimeout, "SKEIN_POOL_IDLE_TIMEOUT")
	setDuration(&cfg.Pool.HungTimeout, "SKEIN_POOL_HUNG_TIMEOUT")

	setInt(&cfg.TaskQueue.MaxConcurrentPerAgent, "SKEIN_QUEUE_MAX_PER_AGENT")
	setInt(&cfg.TaskQueue.MaxTotalConcurrent, "SKEIN_QUEUE_MAX_TOTAL")
	setDuration(&cfg.TaskQueue.StaleTimeout, "SKEIN_QUEUE_STALE_TIMEOUT")
	setInt(&cfg.TaskQueue.MaxQueueSize, "SKEIN_QUEUE_MAX_SIZE")
	setInt(&cfg.TaskQueue.MaxHistory, "SKEIN_QUEUE_MAX_HISTORY")
	setInt(&cfg.TaskQueue.BusyRetryLimit, "SKEIN_QUEUE_BUSY_RETRY_LIMIT")
	setDuration(&cfg.TaskQueue.BusyRetryDelay, "SKEIN_QUEUE_BUSY_RETRY_DELAY")
	setDuration(&cfg.TaskQueue.DefaultTimeout, "SKEIN_QUEUE_DEFAULT_TIMEOUT")

	setInt(&cfg.Workflow.MaxEphemeralAgents, "SKEIN_WF_MAX_AGENTS")
	setDuration(&cfg.Workflow.MaxDuration, "SKEIN_WF_MAX_DURATION")
	setInt(&cfg.Workflow.MaxConcurrentSteps, "SKEIN_WF_MAX_CONCURRENT_STEPS")
	setDuration(&cfg.Workflow.StepTimeout, "SKEIN_WF_STEP_TIMEOUT")

	setBool(&cfg.MCP.Enabled, "SKEIN_MCP_ENABLED")
	setString(&cfg.MCP.Port, "SKEIN_MCP_PORT")
	setString(&cfg.MCP.APIKey, "SKEIN_MCP_API_KEY")

	setBool(&cfg.Telemetry.Enabled, "SKEIN_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "SKEIN_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.Enabled && cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when postgres is enabled")
	}
	if cfg.Server.RateLimitRPS < 1 || cfg.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_rps and server.rate_limit_burst must be >= 1")
	}
	if cfg.Lanes.DefaultMaxConcurrent < 1 {
		return errors.New("lanes.default_max_concurrent must be >= 1")
	}
	if cfg.Pool.DefaultPoolSize < 1 {
		return errors.New("pool.default_pool_size must be >= 1")
	}
	if cfg.TaskQueue.MaxTotalConcurrent < 1 {
		return errors.New("task_queue.max_total_concurrent must be >= 1")
	}
	if cfg.TaskQueue.MaxConcurrentPerAgent < 1 {
		return errors.New("task_queue.max_concurrent_per_agent must be >= 1")
	}
	if cfg.TaskQueue.MaxQueueSize < 1 {
		return errors.New("task_queue.max_queue_size must be >= 1")
	}
	if cfg.Workflow.MaxConcurrentSteps < 1 {
		return errors.New("workflow.max_concurrent_steps must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
