package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// TopicConfig holds the per-protocol push credentials. A topic without a
// certificate is skipped entirely: push is simply disabled for it.
type TopicConfig struct {
	Topic           string
	CertificatePath string
	Passphrase      string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ListenAddr string

	// DataHost is the server hostname baked into push keys, e.g.
	// "calendars.example.com".
	DataHost string

	ProviderHost          string
	ProviderPort          int
	FeedbackHost          string
	FeedbackPort          int
	FeedbackUpdateSeconds int

	EnableStaggering bool
	StaggerSeconds   int

	// PurgeSchedule is a cron expression; subscriptions untouched for
	// PurgeMaxAgeDays are deleted on that schedule.
	PurgeSchedule   string
	PurgeMaxAgeDays int

	SQLitePath string

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig

	Topics map[string]TopicConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("DATA_HOST"); val != "" {
		logger.Debug("Overriding config value", "key", "DATA_HOST", "source", "env")
		cfg.DataHost = val
	}
	if val := os.Getenv("PROVIDER_HOST"); val != "" {
		logger.Debug("Overriding config value", "key", "PROVIDER_HOST", "source", "env")
		cfg.ProviderHost = val
	}
	if val := os.Getenv("FEEDBACK_HOST"); val != "" {
		logger.Debug("Overriding config value", "key", "FEEDBACK_HOST", "source", "env")
		cfg.FeedbackHost = val
	}
	if val := os.Getenv("SQLITE_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "SQLITE_PATH", "source", "env")
		cfg.SQLitePath = val
	}

	// Redis overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// CORS overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// Final validation and defaults
	if cfg.DataHost == "" {
		return nil, fmt.Errorf("data_host is required (set via YAML or DATA_HOST env var)")
	}
	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite_path is required (set via YAML or SQLITE_PATH env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ProviderHost == "" {
		cfg.ProviderHost = "gateway.push.apple.com"
	}
	if cfg.ProviderPort <= 0 {
		cfg.ProviderPort = 2195
	}
	if cfg.FeedbackHost == "" {
		cfg.FeedbackHost = "feedback.push.apple.com"
	}
	if cfg.FeedbackPort <= 0 {
		cfg.FeedbackPort = 2196
	}
	if cfg.FeedbackUpdateSeconds <= 0 {
		cfg.FeedbackUpdateSeconds = 300
	}
	if cfg.StaggerSeconds <= 0 {
		cfg.StaggerSeconds = 3
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = "@daily"
	}
	if cfg.PurgeMaxAgeDays <= 0 {
		cfg.PurgeMaxAgeDays = 30
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
