// Package config loads the factory configuration from config.yaml with
// environment overrides. All tunables carry defaults so an empty file (or no
// file at all) yields a runnable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "500ms",
// "2s", "1m". Bare integers are treated as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Second)
		return nil
	}
	var asStr string
	if err := value.Decode(&asStr); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", asStr, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// QueueConfig holds the durable task queue tunables.
type QueueConfig struct {
	// MaxRetries is the retry budget before a task is dead-lettered.
	MaxRetries int `yaml:"max_retries"`
	// BaseBackoff seeds the exponential backoff: base * 2^retry + jitter.
	BaseBackoff Duration `yaml:"base_backoff"`
	// MaxBackoff caps the computed backoff delay.
	MaxBackoff Duration `yaml:"max_backoff"`
	// LeaseDuration is the visibility timeout for a leased task.
	LeaseDuration Duration `yaml:"lease_duration"`
	// CampaignLeaseCap bounds concurrently leased tasks per campaign so one
	// campaign cannot starve the pool. Zero means no cap.
	CampaignLeaseCap int `yaml:"campaign_lease_cap"`
}

// WorkerConfig holds the worker pool tunables.
type WorkerConfig struct {
	// Concurrency is the fixed worker pool size.
	Concurrency int `yaml:"concurrency"`
	// PollInterval is how long an idle worker waits before re-polling the queue.
	PollInterval Duration `yaml:"poll_interval"`
	// SkillTimeout is the default hard wall-clock budget per skill invocation.
	SkillTimeout Duration `yaml:"skill_timeout"`
	// HeartbeatInterval is how often a busy worker extends its lease.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// SweepConfig holds background maintenance cadence.
type SweepConfig struct {
	// Interval is the tick for the lease-requeue / outbox / schedule sweeps.
	Interval Duration `yaml:"interval"`
	// OutboxBatch bounds how many deferred audit/memory writes a sweep drains.
	OutboxBatch int `yaml:"outbox_batch"`
}

// OtelConfig mirrors the OpenTelemetry block.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MemoryConfig holds semantic memory settings.
type MemoryConfig struct {
	// EmbeddingDim is the dimensionality of stored embeddings.
	EmbeddingDim int `yaml:"embedding_dim"`
	// QueryLimit caps k for gateway queries.
	QueryLimit int `yaml:"query_limit"`
}

// Config is the root configuration.
type Config struct {
	// DBPath locates the SQLite store. Defaults to <home>/factory.db.
	DBPath string `yaml:"db_path"`
	// ContractsDir holds optional skill contract overrides watched for reload.
	ContractsDir string `yaml:"contracts_dir"`

	Queue  QueueConfig  `yaml:"queue"`
	Worker WorkerConfig `yaml:"worker"`
	Sweep  SweepConfig  `yaml:"sweep"`
	Memory MemoryConfig `yaml:"memory"`
	Otel   OtelConfig   `yaml:"otel"`
}

// DefaultHome returns the factory data directory, honoring CHIMERA_HOME.
func DefaultHome() string {
	if v := os.Getenv("CHIMERA_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chimera")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Default returns the configuration with all defaults applied.
func Default(homeDir string) Config {
	return Config{
		DBPath:       filepath.Join(homeDir, "factory.db"),
		ContractsDir: filepath.Join(homeDir, "contracts"),
		Queue: QueueConfig{
			MaxRetries:       3,
			BaseBackoff:      Duration(1 * time.Second),
			MaxBackoff:       Duration(30 * time.Second),
			LeaseDuration:    Duration(30 * time.Second),
			CampaignLeaseCap: 4,
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			PollInterval:      Duration(250 * time.Millisecond),
			SkillTimeout:      Duration(60 * time.Second),
			HeartbeatInterval: Duration(10 * time.Second),
		},
		Sweep: SweepConfig{
			Interval:    Duration(5 * time.Second),
			OutboxBatch: 50,
		},
		Memory: MemoryConfig{
			EmbeddingDim: 128,
			QueryLimit:   50,
		},
		Otel: OtelConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "chimera-factory",
			SampleRate:  1.0,
		},
	}
}

// Load reads config.yaml from homeDir, applying defaults for absent fields.
// A missing file is not an error.
func Load(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}
	if v := os.Getenv("CHIMERA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the queue or pool cannot run with.
func (c Config) Validate() error {
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.BaseBackoff <= 0 {
		return fmt.Errorf("queue.base_backoff must be positive, got %s", c.Queue.BaseBackoff)
	}
	if c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		return fmt.Errorf("queue.max_backoff %s must be >= queue.base_backoff %s", c.Queue.MaxBackoff, c.Queue.BaseBackoff)
	}
	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue.lease_duration must be positive, got %s", c.Queue.LeaseDuration)
	}
	if c.Queue.CampaignLeaseCap < 0 {
		return fmt.Errorf("queue.campaign_lease_cap must be >= 0, got %d", c.Queue.CampaignLeaseCap)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.SkillTimeout <= 0 {
		return fmt.Errorf("worker.skill_timeout must be positive, got %s", c.Worker.SkillTimeout)
	}
	if c.Memory.EmbeddingDim <= 0 {
		return fmt.Errorf("memory.embedding_dim must be positive, got %d", c.Memory.EmbeddingDim)
	}
	switch c.Otel.Exporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("otel.exporter must be stdout or otlp, got %q", c.Otel.Exporter)
	}
	return nil
}
