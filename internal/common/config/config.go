// Package config provides configuration management for the gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Session SessionConfig `mapstructure:"session"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	NATS    NATSConfig    `mapstructure:"nats"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds client authentication configuration.
// An empty token disables authentication (development mode).
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// AgentConfig holds Agent CLI configuration.
type AgentConfig struct {
	// CLIPath is the explicit path to the Agent CLI binary. When empty the
	// binary is located via AGENT_CLI_PATH, PATH lookup of CLIName, then
	// common install locations.
	CLIPath string `mapstructure:"cliPath"`

	// CLIName is the binary name used for PATH lookup.
	CLIName string `mapstructure:"cliName"`

	// WorkspaceRoot is the safe root all working directories must live under.
	// It is also the resolution target for workspace-mode sessions.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`

	// OneShotTimeout bounds non-streaming invocations, in seconds.
	OneShotTimeout int `mapstructure:"oneShotTimeout"`

	// ProgressInterval is the long-running progress cadence, in seconds.
	ProgressInterval int `mapstructure:"progressInterval"`

	// HealthInterval is the process health report cadence, in seconds.
	HealthInterval int `mapstructure:"healthInterval"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	MaxSessions   int `mapstructure:"maxSessions"`
	Timeout       int `mapstructure:"timeout"`       // idle timeout in seconds
	WarningWindow int `mapstructure:"warningWindow"` // warning lead time in seconds
}

// QueueConfig holds delivery queue configuration.
type QueueConfig struct {
	TTL           int `mapstructure:"ttl"` // event time-to-live in seconds
	MaxPerSession int `mapstructure:"maxPerSession"`
}

// GatewayConfig holds WebSocket gateway configuration.
type GatewayConfig struct {
	PingInterval  int `mapstructure:"pingInterval"`  // in seconds
	ActivityGrace int `mapstructure:"activityGrace"` // pong exemption window in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HistoryConfig holds message-history persistence configuration.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"dbPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// OneShotTimeoutDuration returns the one-shot budget as a time.Duration.
func (a *AgentConfig) OneShotTimeoutDuration() time.Duration {
	return time.Duration(a.OneShotTimeout) * time.Second
}

// ProgressIntervalDuration returns the progress cadence as a time.Duration.
func (a *AgentConfig) ProgressIntervalDuration() time.Duration {
	return time.Duration(a.ProgressInterval) * time.Second
}

// HealthIntervalDuration returns the health cadence as a time.Duration.
func (a *AgentConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(a.HealthInterval) * time.Second
}

// TimeoutDuration returns the session idle timeout as a time.Duration.
func (s *SessionConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// WarningWindowDuration returns the warning lead time as a time.Duration.
func (s *SessionConfig) WarningWindowDuration() time.Duration {
	return time.Duration(s.WarningWindow) * time.Second
}

// TTLDuration returns the queue TTL as a time.Duration.
func (q *QueueConfig) TTLDuration() time.Duration {
	return time.Duration(q.TTL) * time.Second
}

// PingIntervalDuration returns the ping cadence as a time.Duration.
func (g *GatewayConfig) PingIntervalDuration() time.Duration {
	return time.Duration(g.PingInterval) * time.Second
}

// ActivityGraceDuration returns the pong exemption window as a time.Duration.
func (g *GatewayConfig) ActivityGraceDuration() time.Duration {
	return time.Duration(g.ActivityGrace) * time.Second
}

// TimersDisabled reports whether background timers (session sweeper, queue
// sweeper, process health ticker) should be suppressed. Set AGENTGATE_ENV=test
// to keep tests deterministic.
func TimersDisabled() bool {
	return os.Getenv("AGENTGATE_ENV") == "test"
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Auth defaults - empty token disables authentication
	v.SetDefault("auth.token", "")

	// Agent defaults
	v.SetDefault("agent.cliPath", "")
	v.SetDefault("agent.cliName", "claude")
	v.SetDefault("agent.workspaceRoot", defaultWorkspaceRoot())
	v.SetDefault("agent.oneShotTimeout", 30)
	v.SetDefault("agent.progressInterval", 120)
	v.SetDefault("agent.healthInterval", 30)

	// Session defaults: 24h idle timeout, warning 4h before expiry
	v.SetDefault("session.maxSessions", 10)
	v.SetDefault("session.timeout", 24*3600)
	v.SetDefault("session.warningWindow", 4*3600)

	// Queue defaults: 24h TTL
	v.SetDefault("queue.ttl", 24*3600)
	v.SetDefault("queue.maxPerSession", 1000)

	// Gateway defaults
	v.SetDefault("gateway.pingInterval", 15)
	v.SetDefault("gateway.activityGrace", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentgate")
	v.SetDefault("nats.maxReconnects", 10)

	// History defaults
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dbPath", "./agentgate.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp"
	}
	return home
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.cliPath", "AGENT_CLI_PATH", "AGENTGATE_AGENT_CLI_PATH")
	_ = v.BindEnv("agent.workspaceRoot", "AGENTGATE_AGENT_WORKSPACE_ROOT")
	_ = v.BindEnv("auth.token", "AGENTGATE_AUTH_TOKEN")
	_ = v.BindEnv("history.dbPath", "AGENTGATE_HISTORY_DB_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.WorkspaceRoot == "" {
		errs = append(errs, "agent.workspaceRoot is required")
	}
	if cfg.Agent.OneShotTimeout <= 0 {
		errs = append(errs, "agent.oneShotTimeout must be positive")
	}
	if cfg.Agent.ProgressInterval <= 0 {
		errs = append(errs, "agent.progressInterval must be positive")
	}

	if cfg.Session.MaxSessions <= 0 {
		errs = append(errs, "session.maxSessions must be positive")
	}
	if cfg.Session.Timeout <= 0 {
		errs = append(errs, "session.timeout must be positive")
	}
	if cfg.Session.WarningWindow <= 0 || cfg.Session.WarningWindow >= cfg.Session.Timeout {
		errs = append(errs, "session.warningWindow must be positive and shorter than session.timeout")
	}

	if cfg.Queue.TTL <= 0 {
		errs = append(errs, "queue.ttl must be positive")
	}
	if cfg.Queue.MaxPerSession <= 0 {
		errs = append(errs, "queue.maxPerSession must be positive")
	}

	if cfg.Gateway.PingInterval <= 0 {
		errs = append(errs, "gateway.pingInterval must be positive")
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required when history.enabled is set")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
