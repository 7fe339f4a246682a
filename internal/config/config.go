package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig points at the external delivery gateway.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DispatchConfig holds the run parameters. MinDelay/MaxDelay bound the
// randomized pause between consecutive sends; the bounds are a
// contract with the downstream provider, not an implementation detail.
type DispatchConfig struct {
	BatchSize            int           `yaml:"batch_size"`
	MinDelay             time.Duration `yaml:"min_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	LinkBaseURL          string        `yaml:"link_base_url"`
	VerificationTemplate string        `yaml:"verification_template"`
}

type ScheduleConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/disparo/app.db"
	}
	if cfg.Schedule.Path == "" {
		cfg.Schedule.Path = "/var/lib/disparo/outbox.db"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 30 * time.Second
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 20
	}
	if cfg.Dispatch.MinDelay == 0 {
		cfg.Dispatch.MinDelay = 3 * time.Second
	}
	if cfg.Dispatch.MaxDelay == 0 {
		cfg.Dispatch.MaxDelay = 6 * time.Second
	}
	if cfg.Dispatch.VerificationTemplate == "" {
		cfg.Dispatch.VerificationTemplate = "link_verificacao"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if cfg.Dispatch.LinkBaseURL == "" {
		return fmt.Errorf("dispatch.link_base_url is required")
	}
	if cfg.Dispatch.MinDelay < 0 || cfg.Dispatch.MaxDelay < cfg.Dispatch.MinDelay {
		return fmt.Errorf("dispatch.min_delay/max_delay must satisfy 0 <= min <= max")
	}
	if cfg.Dispatch.BatchSize < 0 {
		return fmt.Errorf("dispatch.batch_size must not be negative")
	}
	return nil
}
