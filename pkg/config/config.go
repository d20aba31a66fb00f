package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration. Values come from an
// optional YAML file overridden by environment variables; environment
// always wins so container deployments need no file at all.
type Config struct {
	// HTTP listen port
	Port int `yaml:"port"`

	// APPURL is the externally visible base URL (used in logs only)
	AppURL string `yaml:"app_url"`

	// DatabaseURL is the SQLite DSN (file path or :memory:)
	DatabaseURL string `yaml:"database_url"`

	// DataDir holds the durable queue and scratch workspaces
	DataDir string `yaml:"data_dir"`

	// LogLevel is debug/info/warn/error
	LogLevel string `yaml:"log_level"`

	// Sandbox execution limits (admission clamps caller options to these)
	MaxExecutionTimeMs int     `yaml:"max_execution_time_ms"`
	MaxMemoryLimit     string  `yaml:"max_memory_limit"`
	MaxCPULimit        float64 `yaml:"max_cpu_limit"`

	// MaxConcurrentJobs bounds simultaneous sandbox runs
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// WorkerCount is the number of dispatcher worker lanes
	WorkerCount int `yaml:"worker_count"`

	// Per-user compile submission rate limit
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	// RedisURL is accepted for deployment compatibility; the queue is
	// local and durable, so the value is currently unused.
	RedisURL string `yaml:"redis_url"`

	// ContainerdSocket is the containerd endpoint for the sandbox runner
	ContainerdSocket string `yaml:"containerd_socket"`

	// SandboxImage is the compiler toolchain image
	SandboxImage string `yaml:"sandbox_image"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Port:               8080,
		DatabaseURL:        "codepit.db",
		DataDir:            "/var/lib/codepit",
		LogLevel:           "info",
		MaxExecutionTimeMs: 30000,
		MaxMemoryLimit:     "128m",
		MaxCPULimit:        0.5,
		MaxConcurrentJobs:  5,
		WorkerCount:        3,
		RateLimitMax:       5,
		RateLimitWindow:    60 * time.Second,
		ContainerdSocket:   "/run/containerd/containerd.sock",
		SandboxImage:       "docker.io/library/gcc:13",
	}
}

// Load builds the configuration from an optional YAML file plus the
// environment. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("APP_URL"); v != "" {
		c.AppURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MAX_EXECUTION_TIME_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxExecutionTimeMs = n
		}
	}
	if v := os.Getenv("MAX_MEMORY_LIMIT"); v != "" {
		c.MaxMemoryLimit = v
	}
	if v := os.Getenv("MAX_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MaxCPULimit = f
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitMax = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitWindow = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("CONTAINERD_SOCKET"); v != "" {
		c.ContainerdSocket = v
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		c.SandboxImage = v
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.MaxExecutionTimeMs < 1000 {
		return fmt.Errorf("max execution time must be at least 1000ms, got %d", c.MaxExecutionTimeMs)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max concurrent jobs must be positive, got %d", c.MaxConcurrentJobs)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be positive, got %d", c.WorkerCount)
	}
	return nil
}
