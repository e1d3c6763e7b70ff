package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	DatabasePath string `envconfig:"DATABASE_PATH" default:"accessgate.db"`

	// Reconciliation worker
	SyncInterval time.Duration `envconfig:"SYNC_INTERVAL" default:"1m"`

	// Remote ACS calls
	RemoteTimeout time.Duration `envconfig:"REMOTE_TIMEOUT" default:"30s"`

	// Ops API (run mode)
	OpsListenAddr string `envconfig:"OPS_LISTEN_ADDR" default:":8080"`
	MetricsPort   int    `envconfig:"METRICS_PORT" default:"9090"`

	// Slack notifier (optional — falls back to log-only delivery)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL"`
}

// SlackEnabled returns true if Slack delivery is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ACCESSGATE", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
