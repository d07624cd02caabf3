// Package config provides configuration management for the session core.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the session core.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Callback CallbackConfig `mapstructure:"callback"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Backend  BackendConfig  `mapstructure:"backend"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host             string   `mapstructure:"host"`
	Port             int      `mapstructure:"port"`
	ReadTimeout      int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout     int      `mapstructure:"writeTimeout"` // in seconds
	StreamOrigins    []string `mapstructure:"streamOrigins"`
	TicketSigningKey string   `mapstructure:"ticketSigningKey"`
}

// DatabaseConfig holds the embedded relational store configuration.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	ReaderConns   int    `mapstructure:"readerConns"`
	BusyTimeoutMs int    `mapstructure:"busyTimeoutMs"`
}

// NATSConfig holds external execution-queue messaging configuration.
// An empty URL selects the in-process fallback sender used in tests and
// single-node deployments.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Subject       string `mapstructure:"subject"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds sandbox orchestrator (sprites-go) configuration.
type SandboxConfig struct {
	APITokenSecretID           string `mapstructure:"apiTokenSecretId"`
	KiloPlatform               string `mapstructure:"kiloPlatform"`
	SetupCommandTimeoutSeconds int    `mapstructure:"setupCommandTimeoutSeconds"`
	RetryMaxAttempts           int    `mapstructure:"retryMaxAttempts"`
	RetryBaseDelayMs           int    `mapstructure:"retryBaseDelayMs"`
	RetryMaxDelayMs            int    `mapstructure:"retryMaxDelayMs"`
}

// ReaperConfig holds lifecycle-reaper tuning.
type ReaperConfig struct {
	IntervalSeconds            int `mapstructure:"intervalSeconds"`
	SessionTTLDays             int `mapstructure:"sessionTtlDays"`
	StaleThresholdSeconds      int `mapstructure:"staleThresholdSeconds"`
	PendingStartTimeoutSeconds int `mapstructure:"pendingStartTimeoutSeconds"`
	EventRetentionDays         int `mapstructure:"eventRetentionDays"`
}

// SecretsConfig holds envelope-encryption configuration for encryptedSecrets.
type SecretsConfig struct {
	MasterKeyPath string `mapstructure:"masterKeyPath"`
}

// CallbackConfig holds callback-delivery retry tuning.
type CallbackConfig struct {
	MaxAttempts      int `mapstructure:"maxAttempts"`
	BaseDelaySeconds int `mapstructure:"baseDelaySeconds"`
}

// DispatchConfig holds the external-queue consumer's wrapper-launch tuning.
type DispatchConfig struct {
	WrapperBinary   string `mapstructure:"wrapperBinary"`
	IngestBaseURL   string `mapstructure:"ingestBaseUrl"`
	QueueGroup      string `mapstructure:"queueGroup"`
	LeaseTTLSeconds int    `mapstructure:"leaseTtlSeconds"`
}

// LeaseTTL returns the dispatch lease duration.
func (d *DispatchConfig) LeaseTTL() time.Duration {
	return time.Duration(d.LeaseTTLSeconds) * time.Second
}

// BackendConfig holds the analytics backend's cliSessions.linkCloudAgent
// endpoint configuration, used by the ingest handler's fire-and-forget
// session-linking call.
type BackendConfig struct {
	BaseURL           string `mapstructure:"baseUrl"`
	LinkTimeoutSeconds int   `mapstructure:"linkTimeoutSeconds"`
}

// LinkTimeout returns the backend-link HTTP call timeout.
func (b *BackendConfig) LinkTimeout() time.Duration {
	return time.Duration(b.LinkTimeoutSeconds) * time.Second
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

// ReaperInterval returns the reaper tick interval as a time.Duration.
func (r *ReaperConfig) ReaperInterval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// SessionTTL returns the idle-session deletion threshold.
func (r *ReaperConfig) SessionTTL() time.Duration {
	return time.Duration(r.SessionTTLDays) * 24 * time.Hour
}

// StaleThreshold returns the running-execution heartbeat staleness threshold.
func (r *ReaperConfig) StaleThreshold() time.Duration {
	return time.Duration(r.StaleThresholdSeconds) * time.Second
}

// PendingStartTimeout returns the pending-execution wrapper-connect timeout.
func (r *ReaperConfig) PendingStartTimeout() time.Duration {
	return time.Duration(r.PendingStartTimeoutSeconds) * time.Second
}

// EventRetention returns the event retention window.
func (r *ReaperConfig) EventRetention() time.Duration {
	return time.Duration(r.EventRetentionDays) * 24 * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" in production, "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CASC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.streamOrigins", []string{})
	v.SetDefault("server.ticketSigningKey", "")

	v.SetDefault("database.path", "./sessioncore.db")
	v.SetDefault("database.readerConns", 4)
	v.SetDefault("database.busyTimeoutMs", 5000)

	// NATS defaults - empty URL means use the in-process fallback sender
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "cloud-agent.executions")
	v.SetDefault("nats.clientId", "session-core")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("sandbox.apiTokenSecretId", "")
	v.SetDefault("sandbox.kiloPlatform", "cloud-agent")
	v.SetDefault("sandbox.setupCommandTimeoutSeconds", 120)
	v.SetDefault("sandbox.retryMaxAttempts", 3)
	v.SetDefault("sandbox.retryBaseDelayMs", 500)
	v.SetDefault("sandbox.retryMaxDelayMs", 5000)

	v.SetDefault("reaper.intervalSeconds", 300)
	v.SetDefault("reaper.sessionTtlDays", 90)
	v.SetDefault("reaper.staleThresholdSeconds", 120)
	v.SetDefault("reaper.pendingStartTimeoutSeconds", 300)
	v.SetDefault("reaper.eventRetentionDays", 90)

	v.SetDefault("secrets.masterKeyPath", "./session-core.key")

	v.SetDefault("callback.maxAttempts", 5)
	v.SetDefault("callback.baseDelaySeconds", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("dispatch.wrapperBinary", "kilo-wrapper")
	v.SetDefault("dispatch.ingestBaseUrl", "ws://localhost:8080")
	v.SetDefault("dispatch.queueGroup", "sessioncore-dispatch")
	v.SetDefault("dispatch.leaseTtlSeconds", 600)

	v.SetDefault("backend.baseUrl", "")
	v.SetDefault("backend.linkTimeoutSeconds", 10)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CASC_. Config file should be named
// config.yaml and placed in the current directory or /etc/session-core/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CASC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/session-core/")

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
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Database.ReaderConns <= 0 {
		errs = append(errs, "database.readerConns must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Reaper.IntervalSeconds <= 0 {
		errs = append(errs, "reaper.intervalSeconds must be positive")
	}
	if cfg.Reaper.SessionTTLDays <= 0 {
		errs = append(errs, "reaper.sessionTtlDays must be positive")
	}
	if cfg.Callback.MaxAttempts <= 0 {
		errs = append(errs, "callback.maxAttempts must be positive")
	}
	if cfg.Sandbox.RetryMaxAttempts <= 0 {
		errs = append(errs, "sandbox.retryMaxAttempts must be positive")
	}
	if cfg.Dispatch.WrapperBinary == "" {
		errs = append(errs, "dispatch.wrapperBinary is required")
	}
	if cfg.Dispatch.LeaseTTLSeconds <= 0 {
		errs = append(errs, "dispatch.leaseTtlSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
