// Package config provides configuration management for the Cyrus orchestrator.
// It loads the on-disk JSON document described by the repository config schema,
// layers environment variable overrides on top via viper, and exposes a typed
// Config the rest of the process consumes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cyrus-run/cyrus/internal/common/logger"
)

// Config holds the full on-disk document plus the ambient sections (server,
// event bus, forensics, tracing, logging) that are not part of the user-facing
// config.json schema but are resolved the same way (file + env overlay).
type Config struct {
	Repositories         []RepositoryConfig `mapstructure:"repositories" json:"repositories"`
	DisallowedTools      []string           `mapstructure:"disallowedTools" json:"disallowedTools"`
	DefaultModel         string             `mapstructure:"defaultModel" json:"defaultModel"`
	DefaultFallbackModel string             `mapstructure:"defaultFallbackModel" json:"defaultFallbackModel"`
	GlobalSetupScript    string             `mapstructure:"global_setup_script" json:"global_setup_script,omitempty"`
	NgrokAuthToken       string             `mapstructure:"ngrokAuthToken" json:"ngrokAuthToken,omitempty"`
	StripeCustomerID     string             `mapstructure:"stripeCustomerId" json:"stripeCustomerId,omitempty"`

	Server    ServerConfig    `mapstructure:"server" json:"server,omitempty"`
	Webhook   WebhookConfig   `mapstructure:"webhook" json:"webhook,omitempty"`
	NATS      NATSConfig      `mapstructure:"nats" json:"nats,omitempty"`
	Forensics ForensicsConfig `mapstructure:"forensics" json:"forensics,omitempty"`
	Tracing   TracingConfig   `mapstructure:"tracing" json:"tracing,omitempty"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging,omitempty"`
}

// ServerConfig holds the Orchestrator's HTTP surface configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AuthMode selects how inbound webhooks are authenticated.
type AuthMode string

const (
	AuthModeHMAC   AuthMode = "hmac"
	AuthModeBearer AuthMode = "bearer"
)

// WebhookConfig holds webhook ingress settings (§6).
type WebhookConfig struct {
	Path     string   `mapstructure:"path"`
	AuthMode AuthMode `mapstructure:"authMode"`
	// Secret is the shared HMAC secret (hmac mode) or the bearer token (bearer mode).
	Secret string `mapstructure:"secret"`
}

// NATSConfig configures the internal EventBus's NATS backend. An empty URL
// selects the in-memory backend.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ForensicsConfig selects the backing store for the supplemental transition/activity
// audit log. It never gates crash recovery, which depends only on PersistenceStore.
type ForensicsConfig struct {
	// Driver is "sqlite" (default, embedded) or "postgres".
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlitePath"`
	PostgresDSN string `mapstructure:"postgresDSN"`
}

// TracingConfig configures the OpenTelemetry exporter. When Endpoint is empty,
// tracing is a no-op.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// LoggingConfig mirrors logger.LoggingConfig so it can carry mapstructure tags
// without pulling zap types into the config package.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (l LoggingConfig) ToLoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{Level: l.Level, Format: l.Format, OutputPath: l.OutputPath}
}

// CyrusHome resolves the base directory for config, state and backups.
// Order: CYRUS_HOME env var, then "<user home>/.cyrus".
func CyrusHome() string {
	if home := os.Getenv("CYRUS_HOME"); home != "" {
		return home
	}
	if userHome, err := os.UserHomeDir(); err == nil {
		return filepath.Join(userHome, ".cyrus")
	}
	return ".cyrus"
}

// ConfigFilePath returns "<cyrusHome>/config.json".
func ConfigFilePath(cyrusHome string) string {
	return filepath.Join(cyrusHome, "config.json")
}

// StateDir returns "<cyrusHome>/state".
func StateDir(cyrusHome string) string {
	return filepath.Join(cyrusHome, "state")
}

// BackupsDir returns "<cyrusHome>/backups".
func BackupsDir(cyrusHome string) string {
	return filepath.Join(cyrusHome, "backups")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CYRUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("disallowedTools", []string{})
	v.SetDefault("defaultModel", "opus")
	v.SetDefault("defaultFallbackModel", "sonnet")
	v.SetDefault("global_setup_script", "")
	v.SetDefault("ngrokAuthToken", "")
	v.SetDefault("stripeCustomerId", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("webhook.path", "/webhook")
	v.SetDefault("webhook.authMode", string(AuthModeBearer))
	v.SetDefault("webhook.secret", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "cyrus-cluster")
	v.SetDefault("nats.clientId", "cyrus-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("forensics.driver", "sqlite")
	v.SetDefault("forensics.sqlitePath", "")
	v.SetDefault("forensics.postgresDSN", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "cyrus-orchestrator")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads "<cyrusHome>/config.json" (tolerating a missing file, which yields
// an empty-repositories configuration), layers CYRUS_-prefixed environment
// variables on top, fills per-repository defaults, and validates the result.
func Load(cyrusHome string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CYRUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(ConfigFilePath(cyrusHome))
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(unwrapPathError(err)) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for i := range cfg.Repositories {
		cfg.Repositories[i].applyDefaults(cyrusHome)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Forensics.SQLitePath == "" {
		cfg.Forensics.SQLitePath = filepath.Join(StateDir(cyrusHome), "forensics.db")
	}

	return &cfg, nil
}

func unwrapPathError(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err
	}
	return err
}

// Validate checks structural invariants that do not depend on the filesystem:
// at most one catch-all per repository set, valid auth mode, valid logging fields.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Webhook.AuthMode {
	case AuthModeHMAC, AuthModeBearer:
	default:
		errs = append(errs, fmt.Sprintf("webhook.authMode must be %q or %q", AuthModeHMAC, AuthModeBearer))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if err := validateRepositories(cfg.Repositories); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Save atomically rewrites "<cyrusHome>/config.json" via temp+rename, optionally
// keeping a timestamped backup copy of the previous document, following the same
// atomic-write discipline the PersistenceStore uses for its own documents.
func Save(cyrusHome string, cfg *Config, keepBackup bool) error {
	if keepBackup {
		if err := backupExisting(cyrusHome); err != nil {
			return fmt.Errorf("backing up existing config: %w", err)
		}
	}

	if err := os.MkdirAll(cyrusHome, 0755); err != nil {
		return fmt.Errorf("creating cyrus home: %w", err)
	}

	data, err := marshalConfig(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dest := ConfigFilePath(cyrusHome)
	tmp := dest + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening temp config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("renaming config file into place: %w", err)
	}
	return nil
}

func backupExisting(cyrusHome string) error {
	src := ConfigFilePath(cyrusHome)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.MkdirAll(BackupsDir(cyrusHome), 0755); err != nil {
		return err
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	dest := filepath.Join(BackupsDir(cyrusHome), fmt.Sprintf("config-%s.json", stamp))
	return os.WriteFile(dest, data, 0644)
}
