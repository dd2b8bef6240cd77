package config

import (
	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/cadencehq/cadence/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logger    logger.Config   `yaml:"logger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
	Triggers  TriggersConfig  `yaml:"triggers"`
	Admin     AdminConfig     `yaml:"admin"`
	Agents    AgentsConfig    `yaml:"agents"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type SchedulerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PollInterval     string `yaml:"poll_interval"`
	Workers          int    `yaml:"workers"`
	SynthesisTimeout string `yaml:"synthesis_timeout"`
	CleanupInterval  string `yaml:"cleanup_interval"`
}

type RetentionConfig struct {
	DefaultTTLDays   int `yaml:"default_ttl_days"`
	CleanupBatchSize int `yaml:"cleanup_batch_size"`
}

type TriggersConfig struct {
	// FallbackDays bounds the delta window for sources that have never
	// synced.
	FallbackDays int `yaml:"fallback_days"`
	// EventCooldown is the default per-deliverable cooldown between event
	// triggers.
	EventCooldown string `yaml:"event_cooldown"`
	// StaleThreshold marks a source as degraded when its last sync is
	// older than this.
	StaleThreshold string `yaml:"stale_threshold"`
	// DedupWindows overrides per-signal-type suppression windows,
	// e.g. meeting_prep: 24h.
	DedupWindows map[string]string `yaml:"dedup_windows"`
}

type AdminConfig struct {
	TOTPSecret string `yaml:"totp_secret"`
	// ManualTriggerInterval rate-limits manual triggers per user.
	ManualTriggerInterval string `yaml:"manual_trigger_interval"`
}

type AgentsConfig struct {
	// SynthesisURL is the endpoint of the synthesis agent that drafts
	// deliverable content.
	SynthesisURL string `yaml:"synthesis_url"`
	// DestinationURLs maps a destination platform to its client webhook,
	// e.g. slack: http://localhost:5441/deliver.
	DestinationURLs map[string]string `yaml:"destination_urls"`
	Timeout         string            `yaml:"timeout"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	// Set default values
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5440
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Scheduler.PollInterval == "" {
		cfg.Scheduler.PollInterval = "1m"
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 8
	}
	if cfg.Scheduler.SynthesisTimeout == "" {
		cfg.Scheduler.SynthesisTimeout = "5m"
	}
	if cfg.Scheduler.CleanupInterval == "" {
		cfg.Scheduler.CleanupInterval = "1h"
	}
	if cfg.Retention.DefaultTTLDays == 0 {
		cfg.Retention.DefaultTTLDays = 30
	}
	if cfg.Retention.CleanupBatchSize == 0 {
		cfg.Retention.CleanupBatchSize = 500
	}
	if cfg.Triggers.FallbackDays == 0 {
		cfg.Triggers.FallbackDays = 7
	}
	if cfg.Triggers.EventCooldown == "" {
		cfg.Triggers.EventCooldown = "15m"
	}
	if cfg.Triggers.StaleThreshold == "" {
		cfg.Triggers.StaleThreshold = "48h"
	}
	if cfg.Admin.ManualTriggerInterval == "" {
		cfg.Admin.ManualTriggerInterval = "5m"
	}
	if cfg.Agents.Timeout == "" {
		cfg.Agents.Timeout = "2m"
	}

	return cfg, nil
}
