package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values parse from YAML strings
// ("90s", "1h") and from environment variables alike.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (used by env)
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full Kiln daemon configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Blob      BlobConfig      `yaml:"blob"`
	Record    RecordConfig    `yaml:"record"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig controls structured logging
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"LOG_JSON"`
}

// QueueConfig points at the Redis stream the worker consumes
type QueueConfig struct {
	Addr       string   `yaml:"addr" env:"QUEUE_ADDR"`
	Password   string   `yaml:"password" env:"QUEUE_PASSWORD"`
	DB         int      `yaml:"db" env:"QUEUE_DB"`
	Stream     string   `yaml:"stream" env:"QUEUE_STREAM"`
	Group      string   `yaml:"group" env:"QUEUE_GROUP"`
	Consumer   string   `yaml:"consumer" env:"QUEUE_CONSUMER"`
	StallGrace Duration `yaml:"stall_grace" env:"QUEUE_STALL_GRACE"`
}

// WorkerConfig bounds job intake
type WorkerConfig struct {
	Concurrency   int      `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	RateMax       int      `yaml:"rate_max" env:"WORKER_RATE_MAX"`
	RateWindow    Duration `yaml:"rate_window" env:"WORKER_RATE_WINDOW"`
	ShutdownGrace Duration `yaml:"shutdown_grace" env:"WORKER_SHUTDOWN_GRACE"`
	WorkspaceRoot string   `yaml:"workspace_root" env:"WORKER_WORKSPACE_ROOT"`
}

// SandboxConfig carries the container hardening knobs
type SandboxConfig struct {
	DockerHost  string            `yaml:"docker_host" env:"SANDBOX_DOCKER_HOST"`
	Images      map[string]string `yaml:"images"`
	ImagePrefix string            `yaml:"image_prefix" env:"SANDBOX_IMAGE_PREFIX"`
	MemoryBytes int64             `yaml:"memory_bytes" env:"SANDBOX_MEMORY_BYTES"`
	CPUs        float64           `yaml:"cpus" env:"SANDBOX_CPUS"`
	PidsLimit   int64             `yaml:"pids_limit" env:"SANDBOX_PIDS_LIMIT"`
	TmpfsBytes  int64             `yaml:"tmpfs_bytes" env:"SANDBOX_TMPFS_BYTES"`
	Deadline    Duration          `yaml:"deadline" env:"SANDBOX_DEADLINE"`
}

// BlobConfig points at the S3 buckets
type BlobConfig struct {
	Region             string `yaml:"region" env:"BLOB_REGION"`
	Endpoint           string `yaml:"endpoint" env:"BLOB_ENDPOINT"`
	AssetsBucket       string `yaml:"assets_bucket" env:"BLOB_ASSETS_BUCKET"`
	CompilationsBucket string `yaml:"compilations_bucket" env:"BLOB_COMPILATIONS_BUCKET"`
	ForcePathStyle     bool   `yaml:"force_path_style" env:"BLOB_FORCE_PATH_STYLE"`
}

// RecordConfig selects the compilations store backend
type RecordConfig struct {
	Driver  string `yaml:"driver" env:"RECORD_DRIVER"` // "postgres" or "bolt"
	DSN     string `yaml:"dsn" env:"RECORD_DSN"`
	DataDir string `yaml:"data_dir" env:"RECORD_DATA_DIR"`
}

// ArtifactsConfig controls signed artifact URLs
type ArtifactsConfig struct {
	URLTTL Duration `yaml:"url_ttl" env:"ARTIFACTS_URL_TTL"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR"`
}

// Default returns a configuration with every knob at its documented default
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", JSON: true},
		Queue: QueueConfig{
			Addr:       "localhost:6379",
			Stream:     "kiln:compilations",
			Group:      "kiln-workers",
			StallGrace: Duration(2 * time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:   3,
			RateMax:       10,
			RateWindow:    Duration(60 * time.Second),
			ShutdownGrace: Duration(2 * time.Minute),
			WorkspaceRoot: os.TempDir(),
		},
		Sandbox: SandboxConfig{
			ImagePrefix: "kiln-tex",
			MemoryBytes: 512 * 1024 * 1024,
			CPUs:        1.0,
			PidsLimit:   100,
			TmpfsBytes:  50 * 1024 * 1024,
			Deadline:    Duration(90 * time.Second),
		},
		Blob: BlobConfig{
			Region:             "us-east-1",
			AssetsBucket:       "project-assets",
			CompilationsBucket: "compilations",
		},
		Record: RecordConfig{
			Driver:  "bolt",
			DataDir: "/var/lib/kiln",
		},
		Artifacts: ArtifactsConfig{URLTTL: Duration(time.Hour)},
		Metrics:   MetricsConfig{Addr: ":9090"},
	}
}

// Load reads configuration from an optional YAML file, then overlays
// KILN_-prefixed environment variables, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "KILN_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the worker cannot run with
func (c *Config) Validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.RateMax < 1 || c.Worker.RateWindow <= 0 {
		return fmt.Errorf("worker rate limit requires positive max and window")
	}
	if c.Sandbox.Deadline <= 0 {
		return fmt.Errorf("sandbox.deadline must be positive")
	}
	if c.Sandbox.MemoryBytes < 4*1024*1024 {
		return fmt.Errorf("sandbox.memory_bytes too small")
	}
	switch c.Record.Driver {
	case "postgres":
		if c.Record.DSN == "" {
			return fmt.Errorf("record.dsn required for postgres driver")
		}
	case "bolt":
		if c.Record.DataDir == "" {
			return fmt.Errorf("record.data_dir required for bolt driver")
		}
	default:
		return fmt.Errorf("unknown record.driver %q", c.Record.Driver)
	}
	if c.Artifacts.URLTTL <= 0 {
		return fmt.Errorf("artifacts.url_ttl must be positive")
	}
	return nil
}
