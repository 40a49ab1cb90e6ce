// Package config provides configuration management for Agentfleet.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agentfleet.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Queue     QueueConfig     `mapstructure:"queue"`
	History   HistoryConfig   `mapstructure:"history"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds configuration for the external agent CLI tool.
type AgentConfig struct {
	// Binary is the agent CLI executable, looked up on PATH when not absolute.
	Binary string `mapstructure:"binary"`

	// TimeoutSeconds is the default wall-clock limit per execution. 0 disables it.
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`

	// MaxOutputBytes caps accumulated process output; past it the process
	// is killed with a buffer-overflow error.
	MaxOutputBytes int `mapstructure:"maxOutputBytes"`

	// LiveOutputBytes caps the live streaming buffer kept on a running
	// execution record. Chunks keep flowing to subscribers past the cap.
	LiveOutputBytes int `mapstructure:"liveOutputBytes"`

	// RecordOutputBytes caps the output retained on a finalized in-memory record.
	RecordOutputBytes int `mapstructure:"recordOutputBytes"`

	// LogOutputBytes caps the output written per history log line.
	LogOutputBytes int `mapstructure:"logOutputBytes"`

	// Model is an optional default model override passed to the CLI.
	Model string `mapstructure:"model"`
}

// WorkspaceConfig holds the fleet workspace layout configuration.
type WorkspaceConfig struct {
	// Root is the base directory containing agents/ and projects/ subdirectories.
	Root string `mapstructure:"root"`

	// Manifest is an optional fleet.yaml path; defaults to <root>/fleet.yaml.
	Manifest string `mapstructure:"manifest"`
}

// QueueConfig holds durable command queue configuration.
type QueueConfig struct {
	// Path is the queue persistence file. Defaults under the workspace root.
	Path string `mapstructure:"path"`

	// DebounceMillis coalesces persistence writes within this window.
	DebounceMillis int `mapstructure:"debounceMillis"`
}

// HistoryConfig holds execution history log configuration.
type HistoryConfig struct {
	// Path is the append-only JSONL log file. Defaults under the workspace root.
	Path string `mapstructure:"path"`

	// MaxEntries bounds the tail retained by compaction.
	MaxEntries int `mapstructure:"maxEntries"`

	// RecentLimit is how many entries are replayed into memory on startup.
	RecentLimit int `mapstructure:"recentLimit"`
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

// Timeout returns the default execution timeout as a time.Duration.
func (a *AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Debounce returns the queue persistence debounce window as a time.Duration.
func (q *QueueConfig) Debounce() time.Duration {
	return time.Duration(q.DebounceMillis) * time.Millisecond
}

// detectDefaultLogFormat returns "json" for production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTFLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentfleet")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent CLI defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.timeoutSeconds", 600)
	v.SetDefault("agent.maxOutputBytes", 1024*1024)
	v.SetDefault("agent.liveOutputBytes", 256*1024)
	v.SetDefault("agent.recordOutputBytes", 64*1024)
	v.SetDefault("agent.logOutputBytes", 16*1024)
	v.SetDefault("agent.model", "")

	// Workspace defaults
	v.SetDefault("workspace.root", "~/.agentfleet")
	v.SetDefault("workspace.manifest", "")

	// Queue defaults
	v.SetDefault("queue.path", "")
	v.SetDefault("queue.debounceMillis", 1000)

	// History defaults
	v.SetDefault("history.path", "")
	v.SetDefault("history.maxEntries", 1000)
	v.SetDefault("history.recentLimit", 50)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTFLEET_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentfleet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentfleet")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Workspace.Root = expandHome(cfg.Workspace.Root)
	if cfg.Workspace.Manifest == "" {
		cfg.Workspace.Manifest = filepath.Join(cfg.Workspace.Root, "fleet.yaml")
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(cfg.Workspace.Root, "queue.json")
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.Workspace.Root, "executions.jsonl")
	}

	return &cfg, nil
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
