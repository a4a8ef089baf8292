package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storyqueue.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.QueueName != def.QueueName {
		t.Errorf("queue_name = %q, want default %q", cfg.QueueName, def.QueueName)
	}
	if cfg.WorkerCount != def.WorkerCount {
		t.Errorf("worker_count = %d, want default %d", cfg.WorkerCount, def.WorkerCount)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr = ":9090"
worker_count = 8
visibility_timeout = "5m"
job_timeout = "2m"

[generator]
model = "gpt-4o"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("worker_count = %d, want 8", cfg.WorkerCount)
	}
	if cfg.VisibilityTimeout.Std() != 5*time.Minute {
		t.Errorf("visibility_timeout = %v, want 5m", cfg.VisibilityTimeout.Std())
	}
	if cfg.Generator.Model != "gpt-4o" {
		t.Errorf("generator.model = %q, want gpt-4o", cfg.Generator.Model)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `worker_count = 8`)
	t.Setenv("STORYQUEUE_WORKER_COUNT", "2")
	t.Setenv("STORYQUEUE_QUEUE_NAME", "env-queue")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 2 {
		t.Errorf("worker_count = %d, want env override 2", cfg.WorkerCount)
	}
	if cfg.QueueName != "env-queue" {
		t.Errorf("queue_name = %q, want env-queue", cfg.QueueName)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.WorkerCount = 0 }, "worker_count"},
		{"no attempts", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"empty broker", func(c *Config) { c.BrokerURL = "" }, "broker_url"},
		{"empty queue", func(c *Config) { c.QueueName = "" }, "queue_name"},
		{
			"job timeout exceeds visibility",
			func(c *Config) { c.JobTimeout = c.VisibilityTimeout },
			"job_timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, `worker_count = "not a number"`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed config")
	}
}
