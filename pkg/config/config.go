package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultAPIBind               = "127.0.0.1:4499"
	DefaultDatabasePath          = "mendel.db"
	DefaultLogDir                = "logs"
	DefaultMaxConcurrentTrials   = 4
	DefaultFailureThreshold      = 5
	DefaultRecoveryTimeout       = 30 * time.Second
	DefaultHealthPollInterval    = 15 * time.Second
	DefaultCallTimeout           = 10 * time.Second
	DefaultMaxRetries            = 3
	DefaultSchedulerPollEvery    = 2 * time.Second
	DefaultMaxGenerationWait     = 10 * time.Minute
	DefaultMaxConsecutiveGenFail = 2
	DefaultEventQueueSize        = 64
)

// Config is the complete Mendel configuration.
type Config struct {
	API      APIConfig       `yaml:"api"`
	Storage  StorageConfig   `yaml:"storage"`
	Logging  LoggingConfig   `yaml:"logging"`
	Fleet    FleetConfig     `yaml:"fleet"`
	Trials   TrialsConfig    `yaml:"trials"`
	Events   EventsConfig    `yaml:"events"`
	Services []ServiceConfig `yaml:"services"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Bind string `yaml:"bind"`
}

// StorageConfig controls the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig controls the JSONL event logs.
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// FleetConfig tunes circuit breakers and health polling for all services.
type FleetConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	HealthPollInterval time.Duration `yaml:"health_poll_interval"`
}

// TrialsConfig tunes the supervisor and per-trial coordinators.
type TrialsConfig struct {
	MaxConcurrent                    int           `yaml:"max_concurrent"`
	SchedulerPollInterval            time.Duration `yaml:"scheduler_poll_interval"`
	MaxGenerationWait                time.Duration `yaml:"max_generation_wait"`
	MaxConsecutiveGenerationFailures int           `yaml:"max_consecutive_generation_failures"`
	EarlyStopWindow                  int           `yaml:"early_stop_window"`
	EarlyStopMinImprovement          float64       `yaml:"early_stop_min_improvement"`
}

// EventsConfig tunes the status broadcast hub.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// ServiceConfig declares one external service to register.
type ServiceConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	HealthPath  string        `yaml:"health_path"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	AuthToken   string        `yaml:"auth_token"`
	Required    bool          `yaml:"required"`
}

// DefaultConfig returns a configuration with all defaults applied and the
// standard trio of services pointed at localhost.
func DefaultConfig() *Config {
	return &Config{
		API:     APIConfig{Bind: DefaultAPIBind},
		Storage: StorageConfig{DatabasePath: DefaultDatabasePath},
		Logging: LoggingConfig{Dir: DefaultLogDir, MinLevel: "info"},
		Fleet: FleetConfig{
			FailureThreshold:   DefaultFailureThreshold,
			RecoveryTimeout:    DefaultRecoveryTimeout,
			SuccessThreshold:   1,
			HealthPollInterval: DefaultHealthPollInterval,
		},
		Trials: TrialsConfig{
			MaxConcurrent:                    DefaultMaxConcurrentTrials,
			SchedulerPollInterval:            DefaultSchedulerPollEvery,
			MaxGenerationWait:                DefaultMaxGenerationWait,
			MaxConsecutiveGenerationFailures: DefaultMaxConsecutiveGenFail,
		},
		Events: EventsConfig{QueueSize: DefaultEventQueueSize},
		Services: []ServiceConfig{
			{Name: "agents", BaseURL: "http://127.0.0.1:8081", CallTimeout: DefaultCallTimeout, MaxRetries: DefaultMaxRetries, Required: true},
			{Name: "scheduler", BaseURL: "http://127.0.0.1:8082", CallTimeout: DefaultCallTimeout, MaxRetries: DefaultMaxRetries, Required: true},
			{Name: "economics", BaseURL: "http://127.0.0.1:8083", CallTimeout: DefaultCallTimeout, MaxRetries: DefaultMaxRetries, Required: true},
		},
	}
}

// Load reads the config from the default location, falling back to defaults
// when no file exists. MENDEL_CONFIG overrides the path.
func Load() (*Config, error) {
	path := os.Getenv("MENDEL_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.Getenv("HOME")
		}
		path = filepath.Join(home, ".mendel", "config.yaml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, cfg.Validate()
	}
	return LoadFromPath(path)
}

// LoadFromPath reads and validates the config at an explicit path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	// A file declaring services replaces the default trio entirely.
	var probe struct {
		Services []ServiceConfig `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &probe); err == nil && probe.Services != nil {
		cfg.Services = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MENDEL_API_BIND"); v != "" {
		cfg.API.Bind = v
	}
	if v := os.Getenv("MENDEL_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("MENDEL_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("MENDEL_LOG_LEVEL"); v != "" {
		cfg.Logging.MinLevel = v
	}
	if v := os.Getenv("MENDEL_MAX_CONCURRENT_TRIALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Trials.MaxConcurrent = n
		}
	}
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		prefix := "MENDEL_SERVICE_" + envName(svc.Name)
		if v := os.Getenv(prefix + "_URL"); v != "" {
			svc.BaseURL = v
		}
		if v := os.Getenv(prefix + "_TOKEN"); v != "" {
			svc.AuthToken = v
		}
	}
}

func envName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-('a'-'A'))
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Validate checks the configuration for operability.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
		return fmt.Errorf("invalid api.bind %q: %w", c.API.Bind, err)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Trials.MaxConcurrent <= 0 {
		return fmt.Errorf("trials.max_concurrent must be positive")
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	seen := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service name is required")
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("duplicate service %q", svc.Name)
		}
		seen[svc.Name] = struct{}{}
		if svc.BaseURL == "" {
			return fmt.Errorf("service %q: base_url is required", svc.Name)
		}
	}
	return nil
}
