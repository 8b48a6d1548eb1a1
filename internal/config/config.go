package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/signalnine/orruns/internal/logging"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Results   Results   `yaml:"results"`
	Runner    Runner    `yaml:"runner"`
	Dashboard Dashboard `yaml:"dashboard"`
	Log       Log       `yaml:"log"`
	Publish   Publish   `yaml:"publish"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Runner struct {
	// Parallel caps concurrent runs for --parallel; 0 means one per CPU.
	Parallel   int           `yaml:"parallel"`
	Isolation  string        `yaml:"isolation"`
	Timeout    time.Duration `yaml:"timeout"`
	SystemInfo string        `yaml:"system_info"`
	Docker     Docker        `yaml:"docker"`
}

// Docker configures the container isolation backend.
type Docker struct {
	Image       string  `yaml:"image"`
	Binary      string  `yaml:"binary"`
	CPULimit    float64 `yaml:"cpu_limit"`
	MemoryLimit int64   `yaml:"memory_limit"`
}

type Dashboard struct {
	Port         int           `yaml:"port"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Publish configures uploads of experiment directories to S3.
type Publish struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint for compatible stores such as MinIO.
	Endpoint string `yaml:"endpoint"`
}

const (
	IsolationGoroutine = "goroutine"
	IsolationProcess   = "process"
	IsolationDocker    = "docker"
)

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not
// exist. Any other read or parse error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func applyDefaults(cfg *Config) {
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "./orruns_experiments"
	}
	if cfg.Runner.Isolation == "" {
		cfg.Runner.Isolation = IsolationGoroutine
	}
	if cfg.Runner.SystemInfo == "" {
		cfg.Runner.SystemInfo = "basic"
	}
	if cfg.Runner.Docker.Binary == "" {
		cfg.Runner.Docker.Binary = "/usr/local/bin/orruns"
	}
	if cfg.Dashboard.Port == 0 {
		cfg.Dashboard.Port = 8050
	}
	if cfg.Dashboard.PollInterval == 0 {
		cfg.Dashboard.PollInterval = 2 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func validate(cfg *Config) error {
	applyDefaults(cfg)
	if cfg.Runner.Parallel < 0 {
		return fmt.Errorf("runner.parallel must not be negative, got %d", cfg.Runner.Parallel)
	}
	switch cfg.Runner.Isolation {
	case IsolationGoroutine, IsolationProcess:
	case IsolationDocker:
		if cfg.Runner.Docker.Image == "" {
			return fmt.Errorf("runner.docker.image is required for docker isolation")
		}
	default:
		return fmt.Errorf("runner.isolation %q: must be goroutine, process or docker", cfg.Runner.Isolation)
	}
	switch cfg.Runner.SystemInfo {
	case "none", "basic", "full":
	default:
		return fmt.Errorf("runner.system_info %q: must be none, basic or full", cfg.Runner.SystemInfo)
	}
	if cfg.Runner.Timeout < 0 {
		return fmt.Errorf("runner.timeout must not be negative")
	}
	if cfg.Dashboard.Port < 0 || cfg.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", cfg.Dashboard.Port)
	}
	if err := logging.ValidLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q: must be console or json", cfg.Log.Format)
	}
	return nil
}
