// Package config provides configuration management for agentdock.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentdock.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Session  SessionConfig  `mapstructure:"session"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Host is empty the service falls back to the embedded SQLite store.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	StopTimeout    int    `mapstructure:"stopTimeout"` // in seconds
}

// SSHConfig holds defaults for SSH execution environments.
type SSHConfig struct {
	User           string `mapstructure:"user"`
	KeyPath        string `mapstructure:"keyPath"`
	ConnectTimeout int    `mapstructure:"connectTimeout"` // in seconds
}

// SessionConfig holds session runtime configuration.
type SessionConfig struct {
	// OutputBufferSize is the maximum number of output events buffered while a
	// session is gated on a permission decision or has no live client.
	OutputBufferSize int `mapstructure:"outputBufferSize"`

	// StopGracePeriod is how long to wait after SIGTERM before killing, in seconds.
	StopGracePeriod int `mapstructure:"stopGracePeriod"`
}

// WorktreeConfig holds Git worktree configuration for session isolation.
type WorktreeConfig struct {
	BasePath        string `mapstructure:"basePath"`        // Base directory for worktrees
	DefaultBranch   string `mapstructure:"defaultBranch"`   // Default parent branch
	BranchPrefix    string `mapstructure:"branchPrefix"`    // Prefix for session branches
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"` // Remove worktree and branch on session deletion
}

// AuthConfig holds API authentication configuration.
// An empty token disables authentication (development mode).
type AuthConfig struct {
	Token string `mapstructure:"token"`
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

// StopGracePeriodDuration returns the stop grace period as a time.Duration.
func (s *SessionConfig) StopGracePeriodDuration() time.Duration {
	return time.Duration(s.StopGracePeriod) * time.Second
}

// ConnectTimeoutDuration returns the SSH connect timeout as a time.Duration.
func (s *SSHConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(s.ConnectTimeout) * time.Second
}

// StopTimeoutDuration returns the Docker stop timeout as a time.Duration.
func (d *DockerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(d.StopTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("AGENTDOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means use the embedded SQLite store
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentdock")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentdock")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "agentdock.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdock")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "bridge")
	v.SetDefault("docker.stopTimeout", 10)

	// SSH defaults
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.keyPath", "")
	v.SetDefault("ssh.connectTimeout", 10)

	// Session defaults
	v.SetDefault("session.outputBufferSize", 1000)
	v.SetDefault("session.stopGracePeriod", 10)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.agentdock/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.branchPrefix", "session/")
	v.SetDefault("worktree.cleanupOnRemove", true)

	// Auth defaults - empty token disables auth
	v.SetDefault("auth.token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDOCK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentdock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdock/")

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

	// Database validation - only if host is set (optional for SQLite mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Session.OutputBufferSize <= 0 {
		errs = append(errs, "session.outputBufferSize must be positive")
	}
	if cfg.Session.StopGracePeriod <= 0 {
		errs = append(errs, "session.stopGracePeriod must be positive")
	}

	if cfg.Worktree.BasePath == "" {
		errs = append(errs, "worktree.basePath is required")
	}
	if cfg.Worktree.DefaultBranch == "" {
		errs = append(errs, "worktree.defaultBranch is required")
	}

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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
