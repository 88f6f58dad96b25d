package config

import (
	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlTopicConfig struct {
	Topic           string `yaml:"topic"`
	CertificatePath string `yaml:"certificate_path"`
	Passphrase      string `yaml:"passphrase"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ListenAddr            string                     `yaml:"listen_addr"`
	DataHost              string                     `yaml:"data_host"`
	ProviderHost          string                     `yaml:"provider_host"`
	ProviderPort          int                        `yaml:"provider_port"`
	FeedbackHost          string                     `yaml:"feedback_host"`
	FeedbackPort          int                        `yaml:"feedback_port"`
	FeedbackUpdateSeconds int                        `yaml:"feedback_update_seconds"`
	EnableStaggering      bool                       `yaml:"enable_staggering"`
	StaggerSeconds        int                        `yaml:"stagger_seconds"`
	PurgeSchedule         string                     `yaml:"purge_schedule"`
	PurgeMaxAgeDays       int                        `yaml:"purge_max_age_days"`
	SQLitePath            string                     `yaml:"sqlite_path"`
	CorsConfig            YamlCorsConfig             `yaml:"cors"`
	RedisConfig           YamlRedisConfig            `yaml:"redis"`
	Topics                map[string]YamlTopicConfig `yaml:"topics"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ListenAddr:            baseCfg.ListenAddr,
		DataHost:              baseCfg.DataHost,
		ProviderHost:          baseCfg.ProviderHost,
		ProviderPort:          baseCfg.ProviderPort,
		FeedbackHost:          baseCfg.FeedbackHost,
		FeedbackPort:          baseCfg.FeedbackPort,
		FeedbackUpdateSeconds: baseCfg.FeedbackUpdateSeconds,
		EnableStaggering:      baseCfg.EnableStaggering,
		StaggerSeconds:        baseCfg.StaggerSeconds,
		PurgeSchedule:         baseCfg.PurgeSchedule,
		PurgeMaxAgeDays:       baseCfg.PurgeMaxAgeDays,
		SQLitePath:            baseCfg.SQLitePath,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Topics: make(map[string]TopicConfig, len(baseCfg.Topics)),
	}

	for protocol, topic := range baseCfg.Topics {
		cfg.Topics[protocol] = TopicConfig{
			Topic:           topic.Topic,
			CertificatePath: topic.CertificatePath,
			Passphrase:      topic.Passphrase,
		}
	}

	logger.Debug("YAML config mapping complete",
		"listen_addr", cfg.ListenAddr,
		"data_host", cfg.DataHost,
		"topics", len(cfg.Topics),
	)

	return cfg, nil
}
