// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds http-transport configuration.
type Config struct {
	// Listener. Port 0 is valid only when the manifest has nothing to receive.
	Host            string        `envconfig:"HTTP_TRANSPORT_HOST"`
	Port            int           `envconfig:"HTTP_TRANSPORT_PORT" default:"0"`
	Priority        int           `envconfig:"HTTP_TRANSPORT_PRIORITY" default:"1"`
	DeferredTimeout time.Duration `envconfig:"HTTP_TRANSPORT_DEFERRED_TIMEOUT" default:"30s"`
	SendTimeout     time.Duration `envconfig:"HTTP_TRANSPORT_SEND_TIMEOUT" default:"0s"`
	MaxBodyBytes    int64         `envconfig:"HTTP_TRANSPORT_MAX_BODY_BYTES" default:"4194304"`

	// Manifest path (empty = search the default locations)
	ManifestFile string `envconfig:"HTTP_TRANSPORT_MANIFEST"`

	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSEnabled bool   `envconfig:"COMMS_ENABLED" default:"true"`
	COMMSURL     string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName    string `envconfig:"SERVICE_NAME" default:"http-transport"`
	// EventSubject overrides the global settled-event subject (empty = transport.http.settled)
	EventSubject string `envconfig:"HTTP_TRANSPORT_EVENT_SUBJECT"`

	// Database journal (empty DATABASE_URL disables it)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	ShutdownTimeout time.Duration `envconfig:"HTTP_TRANSPORT_SHUTDOWN_TIMEOUT" default:"10s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// JournalEnabled reports whether settled exchanges are written to Postgres.
func (c *Config) JournalEnabled() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// ValidateForServe checks required config when running the transport server.
func (c *Config) ValidateForServe() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%s - HTTP_TRANSPORT_PORT must be between 0 and 65535", logPrefix)
	}
	if c.DeferredTimeout <= 0 {
		return fmt.Errorf("%s - HTTP_TRANSPORT_DEFERRED_TIMEOUT must be positive", logPrefix)
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("%s - HTTP_TRANSPORT_SEND_TIMEOUT must not be negative", logPrefix)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%s - HTTP_TRANSPORT_MAX_BODY_BYTES must be positive", logPrefix)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s - HTTP_TRANSPORT_SHUTDOWN_TIMEOUT must be positive", logPrefix)
	}
	if c.COMMSEnabled && c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required when COMMS_ENABLED", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, journal).
func (c *Config) ValidateForDB() error {
	if !c.JournalEnabled() {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
