package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.TaskQueue.MaxQueueSize != 50 {
		t.Errorf("expected max_queue_size 50, got %d", cfg.TaskQueue.MaxQueueSize)
	}
	if cfg.Pool.IdleTimeout != 10*time.Minute {
		t.Errorf("expected idle_timeout 10m, got %v", cfg.Pool.IdleTimeout)
	}
	if cfg.Workflow.MaxConcurrentSteps != 3 {
		t.Errorf("expected max_concurrent_steps 3, got %d", cfg.Workflow.MaxConcurrentSteps)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
lanes:
  default_max_concurrent: 5
task_queue:
  max_queue_size: 7
pool:
  agent_pool_sizes:
    coder: 4
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Lanes.DefaultMaxConcurrent != 5 {
		t.Errorf("expected lane max 5, got %d", cfg.Lanes.DefaultMaxConcurrent)
	}
	if cfg.TaskQueue.MaxQueueSize != 7 {
		t.Errorf("expected max_queue_size 7, got %d", cfg.TaskQueue.MaxQueueSize)
	}
	if cfg.Pool.AgentPoolSizes["coder"] != 4 {
		t.Errorf("expected coder pool size 4, got %d", cfg.Pool.AgentPoolSizes["coder"])
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("SKEIN_PORT", "7070")
	t.Setenv("SKEIN_QUEUE_MAX_TOTAL", "9")
	t.Setenv("SKEIN_POOL_HUNG_TIMEOUT", "45m")
	t.Setenv("SKEIN_WF_MAX_AGENTS", "20")
	t.Setenv("SKEIN_LOG_LEVEL", "warn")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.TaskQueue.MaxTotalConcurrent != 9 {
		t.Errorf("expected max_total_concurrent 9, got %d", cfg.TaskQueue.MaxTotalConcurrent)
	}
	if cfg.Pool.HungTimeout != 45*time.Minute {
		t.Errorf("expected hung_timeout 45m, got %v", cfg.Pool.HungTimeout)
	}
	if cfg.Workflow.MaxEphemeralAgents != 20 {
		t.Errorf("expected max_ephemeral_agents 20, got %d", cfg.Workflow.MaxEphemeralAgents)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty NATS URL", func(c *Config) { c.NATS.URL = "" }},
		{"pg enabled without DSN", func(c *Config) { c.Postgres.Enabled = true; c.Postgres.DSN = "" }},
		{"zero rate limit", func(c *Config) { c.Server.RateLimitRPS = 0 }},
		{"zero lane concurrency", func(c *Config) { c.Lanes.DefaultMaxConcurrent = 0 }},
		{"zero pool size", func(c *Config) { c.Pool.DefaultPoolSize = 0 }},
		{"zero queue size", func(c *Config) { c.TaskQueue.MaxQueueSize = 0 }},
		{"zero step concurrency", func(c *Config) { c.Workflow.MaxConcurrentSteps = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			if err := validate(&cfg); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
}
