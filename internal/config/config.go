// Package config loads storyqueue configuration from a TOML file with
// environment variable overrides. Every queue tunable lives here; nothing in
// the core hardcodes policy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard-library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all storyqueue settings.
type Config struct {
	ListenAddr string `toml:"listen_addr"`

	// BrokerURL selects the durable store: a postgres:// URL uses the
	// Postgres backend, anything else is treated as a SQLite database path.
	BrokerURL string `toml:"broker_url"`
	QueueName string `toml:"queue_name"`

	// DataDir holds the event journal and the daemon lock file.
	DataDir string `toml:"data_dir"`

	WorkerCount       int      `toml:"worker_count"`
	MaxAttempts       int      `toml:"max_attempts"`
	VisibilityTimeout Duration `toml:"visibility_timeout"`
	JobTimeout        Duration `toml:"job_timeout"`
	PollInterval      Duration `toml:"poll_interval"`

	BackoffBase Duration `toml:"backoff_base"`
	BackoffMax  Duration `toml:"backoff_max"`

	// Terminal jobs older than RetentionAge, or beyond the newest
	// RetentionCount, are evicted by the janitor.
	RetentionAge      Duration `toml:"retention_age"`
	RetentionCount    int      `toml:"retention_count"`
	RetentionInterval Duration `toml:"retention_interval"`

	// SubmissionsPerMinute caps submissions per client; 0 disables the limit.
	SubmissionsPerMinute int `toml:"submissions_per_minute"`

	// ReapInterval controls how often expired active jobs are reclaimed.
	ReapInterval Duration `toml:"reap_interval"`

	Generator GeneratorConfig `toml:"generator"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// GeneratorConfig describes the external story-generation endpoint.
type GeneratorConfig struct {
	Endpoint  string `toml:"endpoint"`
	Model     string `toml:"model"`
	APIKey    string `toml:"api_key"`
	MaxTokens int    `toml:"max_tokens"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		BrokerURL:         "storyqueue.db",
		QueueName:         "story-generation",
		DataDir:           "data",
		WorkerCount:       4,
		MaxAttempts:       3,
		VisibilityTimeout: Duration(2 * time.Minute),
		JobTimeout:        Duration(90 * time.Second),
		PollInterval:      Duration(time.Second),
		BackoffBase:       Duration(2 * time.Second),
		BackoffMax:        Duration(2 * time.Minute),
		RetentionAge:      Duration(24 * time.Hour),
		RetentionCount:    10000,
		RetentionInterval: Duration(5 * time.Minute),
		ReapInterval:      Duration(10 * time.Second),
		Generator: GeneratorConfig{
			Endpoint:  "https://api.openai.com/v1/chat/completions",
			Model:     "gpt-4o-mini",
			MaxTokens: 2048,
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load reads the config file at path (missing file means defaults), applies
// STORYQUEUE_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No file: defaults plus env.
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	setString("STORYQUEUE_LISTEN_ADDR", &cfg.ListenAddr)
	setString("STORYQUEUE_BROKER_URL", &cfg.BrokerURL)
	setString("STORYQUEUE_QUEUE_NAME", &cfg.QueueName)
	setString("STORYQUEUE_DATA_DIR", &cfg.DataDir)
	setInt("STORYQUEUE_WORKER_COUNT", &cfg.WorkerCount)
	setInt("STORYQUEUE_MAX_ATTEMPTS", &cfg.MaxAttempts)
	setDuration("STORYQUEUE_VISIBILITY_TIMEOUT", &cfg.VisibilityTimeout)
	setDuration("STORYQUEUE_JOB_TIMEOUT", &cfg.JobTimeout)
	setDuration("STORYQUEUE_POLL_INTERVAL", &cfg.PollInterval)
	setString("STORYQUEUE_GENERATOR_ENDPOINT", &cfg.Generator.Endpoint)
	setString("STORYQUEUE_GENERATOR_MODEL", &cfg.Generator.Model)
	setString("STORYQUEUE_GENERATOR_API_KEY", &cfg.Generator.APIKey)
	setString("STORYQUEUE_LOG_LEVEL", &cfg.LogLevel)
	setString("STORYQUEUE_LOG_FORMAT", &cfg.LogFormat)
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("config: broker_url must not be empty")
	}
	if c.QueueName == "" {
		return fmt.Errorf("config: queue_name must not be empty")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: worker_count must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.VisibilityTimeout.Std() <= 0 {
		return fmt.Errorf("config: visibility_timeout must be positive")
	}
	if c.JobTimeout.Std() <= 0 {
		return fmt.Errorf("config: job_timeout must be positive")
	}
	if c.JobTimeout.Std() >= c.VisibilityTimeout.Std() {
		return fmt.Errorf("config: job_timeout (%s) must be shorter than visibility_timeout (%s)",
			c.JobTimeout.Std(), c.VisibilityTimeout.Std())
	}
	if c.PollInterval.Std() <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	return nil
}

// EventsDir returns the journal directory under DataDir.
func (c Config) EventsDir() string { return filepath.Join(c.DataDir, "events") }

// LockPath returns the daemon lock file path under DataDir.
func (c Config) LockPath() string { return filepath.Join(c.DataDir, "storyqueue.lock") }
