package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Connectivity modes
const (
	ModeProbe  = "probe"
	ModeSerf   = "serf"
	ModeStatic = "static"
)

// Config represents the application configuration
type Config struct {
	LogLevel     string             `yaml:"log_level,omitempty"` // debug, info, warn, error
	HTTP         HTTPConfig         `yaml:"http"`
	Storage      StorageConfig      `yaml:"storage"`
	Remote       RemoteConfig       `yaml:"remote"`
	Queue        QueueConfig        `yaml:"queue"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// StorageConfig selects the durable queue store
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite or json
	Path   string `yaml:"path"`
}

// RemoteConfig describes the Todoist API endpoint
type RemoteConfig struct {
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// QueueConfig contains the retry policy
type QueueConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	RetryDelayMS  int `yaml:"retry_delay_ms"`
	SweepInterval int `yaml:"sweep_interval"` // seconds
}

// ConnectivityConfig selects how the online state is determined
type ConnectivityConfig struct {
	Mode          string     `yaml:"mode"` // probe, serf or static
	ProbeInterval int        `yaml:"probe_interval"`
	Online        *bool      `yaml:"online,omitempty"` // static mode only
	Serf          SerfConfig `yaml:"serf"`
}

// SerfConfig contains Serf-specific configuration
type SerfConfig struct {
	NodeName    string   `yaml:"node_name"`
	BindAddr    string   `yaml:"bind_addr"`
	Seeds       []string `yaml:"seeds"`
	Gateway     string   `yaml:"gateway"`
	JoinTimeout int      `yaml:"join_timeout,omitempty"` // seconds
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./tasksync.db"
	}
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = "https://api.todoist.com/rest/v2"
	}
	if c.Remote.TokenEnv == "" {
		c.Remote.TokenEnv = "TODOIST_TOKEN"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 15
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RetryDelayMS == 0 {
		c.Queue.RetryDelayMS = 2000
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = 30
	}
	if c.Connectivity.Mode == "" {
		c.Connectivity.Mode = ModeProbe
	}
	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = 10
	}
	if c.Connectivity.Serf.NodeName == "" {
		c.Connectivity.Serf.NodeName = "tasksync-1"
	}
	if c.Connectivity.Serf.BindAddr == "" {
		c.Connectivity.Serf.BindAddr = "0.0.0.0:7946"
	}
	if c.Connectivity.Serf.Gateway == "" {
		c.Connectivity.Serf.Gateway = "gateway-1"
	}
	if c.Connectivity.Serf.JoinTimeout == 0 {
		c.Connectivity.Serf.JoinTimeout = 10
	}
}

// Validate rejects values the application cannot start with
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "json":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Connectivity.Mode {
	case ModeProbe, ModeSerf, ModeStatic:
	default:
		return fmt.Errorf("unknown connectivity mode %q", c.Connectivity.Mode)
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	return nil
}

// RetryDelay returns the inter-retry pause
func (q QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMS) * time.Millisecond
}

// SweepEvery returns the periodic sweep interval
func (q QueueConfig) SweepEvery() time.Duration {
	return time.Duration(q.SweepInterval) * time.Second
}

// StaticOnline returns the fixed state for static mode, online unless set
func (c ConnectivityConfig) StaticOnline() bool {
	return c.Online == nil || *c.Online
}

// ParseLogLevel converts a log level string to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
