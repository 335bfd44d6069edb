package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is loaded from defaults, overlaid by an optional config.toml and a
// few environment overrides.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Redis   RedisConfig   `toml:"redis"`
	Limits  LimitsConfig  `toml:"limits"`
	Abuse   AbuseConfig   `toml:"abuse"`
	Queue   QueueConfig   `toml:"queue"`
	Workers WorkersConfig `toml:"workers"`
}

type ServerConfig struct {
	Addr              string  `toml:"addr"`
	AdminToken        string  `toml:"admin_token"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	BurstSize         int     `toml:"burst_size"`
	FastPathWaitSec   int     `toml:"fast_path_wait_sec"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type LimitsConfig struct {
	GuestPerWindow int `toml:"guest_per_window"`
	FreePerWindow  int `toml:"free_per_window"`
	WindowSec      int `toml:"window_sec"`
}

func (c LimitsConfig) Window() time.Duration { return time.Duration(c.WindowSec) * time.Second }

// LimitFor returns the numeric ceiling for an identity, or 0 for unlimited.
func (c LimitsConfig) LimitFor(id Identity) int {
	switch {
	case id.Unlimited():
		return 0
	case id.Authenticated():
		return c.FreePerWindow
	default:
		return c.GuestPerWindow
	}
}

type AbuseConfig struct {
	SuspiciousPerHour float64 `toml:"suspicious_per_hour"`
	DeviceTTLDays     int     `toml:"device_ttl_days"`
}

func (c AbuseConfig) DeviceTTL() time.Duration {
	return time.Duration(c.DeviceTTLDays) * 24 * time.Hour
}

type QueueConfig struct {
	MaxAttempts        int `toml:"max_attempts"`
	OCRMaxAttempts     int `toml:"ocr_max_attempts"`
	BackoffBaseSec     int `toml:"backoff_base_sec"`
	BackoffCapSec      int `toml:"backoff_cap_sec"`
	MinTimeoutSec      int `toml:"min_timeout_sec"`
	MaxTimeoutSec      int `toml:"max_timeout_sec"`
	OCRTimeoutSec      int `toml:"ocr_timeout_sec"`
	TimeoutBytesPerSec int `toml:"timeout_bytes_per_sec"`
	CompletedTTLSec    int `toml:"completed_ttl_sec"`
	DeadTTLSec         int `toml:"dead_ttl_sec"`
	SweepIntervalSec   int `toml:"sweep_interval_sec"`
	ReclaimIntervalSec int `toml:"reclaim_interval_sec"`
	HistoryLimit       int `toml:"history_limit"`
}

func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

func (c QueueConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSec) * time.Second
}

func (c QueueConfig) CompletedTTL() time.Duration {
	return time.Duration(c.CompletedTTLSec) * time.Second
}

func (c QueueConfig) DeadTTL() time.Duration {
	return time.Duration(c.DeadTTLSec) * time.Second
}

type WorkersConfig struct {
	PoolSize       int    `toml:"pool_size"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	OutputDir      string `toml:"output_dir"`
	ConvertCommand string `toml:"convert_command"`
	OCRCommand     string `toml:"ocr_command"`
}

func (c WorkersConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			RequestsPerSecond: 100,
			BurstSize:         200,
			FastPathWaitSec:   8,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Limits: LimitsConfig{
			GuestPerWindow: 3,
			FreePerWindow:  3,
			WindowSec:      3600,
		},
		Abuse: AbuseConfig{
			SuspiciousPerHour: 50,
			DeviceTTLDays:     30,
		},
		Queue: QueueConfig{
			MaxAttempts:        3,
			OCRMaxAttempts:     2,
			BackoffBaseSec:     5,
			BackoffCapSec:      300,
			MinTimeoutSec:      60,
			MaxTimeoutSec:      600,
			OCRTimeoutSec:      300,
			TimeoutBytesPerSec: 512 * 1024,
			CompletedTTLSec:    3600,
			DeadTTLSec:         86400,
			SweepIntervalSec:   600,
			ReclaimIntervalSec: 15,
			HistoryLimit:       100,
		},
		Workers: WorkersConfig{
			PoolSize:       2,
			PollIntervalMS: 250,
			OutputDir:      "outputs",
			ConvertCommand: "soffice",
			OCRCommand:     "tesseract",
		},
	}
}

// loadConfig reads the optional TOML file on top of the defaults, then
// applies environment overrides.
func loadConfig() (*Config, error) {
	cfg := defaultConfig()

	path := os.Getenv("CONVERTD_CONFIG")
	if path == "" {
		path = "config.toml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if addr := os.Getenv("CONVERTD_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if addr := os.Getenv("CONVERTD_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if tok := os.Getenv("CONVERTD_ADMIN_TOKEN"); tok != "" {
		cfg.Server.AdminToken = tok
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Limits.WindowSec <= 0 {
		return fmt.Errorf("limits.window_sec must be positive, got %d", c.Limits.WindowSec)
	}
	if c.Queue.MaxAttempts < 1 || c.Queue.OCRMaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be at least 1")
	}
	if c.Queue.BackoffBaseSec <= 0 || c.Queue.BackoffCapSec < c.Queue.BackoffBaseSec {
		return fmt.Errorf("invalid backoff configuration: base=%ds cap=%ds",
			c.Queue.BackoffBaseSec, c.Queue.BackoffCapSec)
	}
	if c.Queue.MinTimeoutSec <= 0 || c.Queue.MaxTimeoutSec < c.Queue.MinTimeoutSec {
		return fmt.Errorf("invalid timeout bounds: min=%ds max=%ds",
			c.Queue.MinTimeoutSec, c.Queue.MaxTimeoutSec)
	}
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("workers.pool_size must be at least 1, got %d", c.Workers.PoolSize)
	}
	return nil
}
