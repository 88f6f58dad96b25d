package main

import (
	"context"
	"crypto/tls"
	_ "embed"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sideshow/apns2/certificate"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"

	"github.com/harborgate/go-apn-service/apnservice"
	"github.com/harborgate/go-apn-service/apnservice/config"
	"github.com/harborgate/go-apn-service/internal/platform/apn"
	"github.com/harborgate/go-apn-service/internal/storage/cache"
	"github.com/harborgate/go-apn-service/internal/storage/sqlite"
	"github.com/harborgate/go-apn-service/pkg/subscription"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-apn-service")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Subscription Store (Decorated) ---
	sqliteStore, err := sqlite.Open(cfg.SQLitePath, logger)
	if err != nil {
		logger.Error("Failed to open subscription database", "path", cfg.SQLitePath, "err", err)
		os.Exit(1)
	}
	defer sqliteStore.Close()
	var store subscription.Store = sqliteStore
	logger.Info("SubscriptionStore initialized", "type", "sqlite", "path", cfg.SQLitePath)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = cache.NewCachedSubscriptionStore(store, redisClient, 24*time.Hour)
		logger.Info("SubscriptionStore upgraded", "type", "redis_cached_sqlite")
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, _ := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	authMiddleware, _ := middleware.NewJWKSAuthMiddleware(jwksURL, logger)

	// --- Provider & Feedback Connections ---
	clock := apn.SystemClock()
	providerAddr := net.JoinHostPort(cfg.ProviderHost, strconv.Itoa(cfg.ProviderPort))
	feedbackAddr := net.JoinHostPort(cfg.FeedbackHost, strconv.Itoa(cfg.FeedbackPort))
	feedbackInterval := time.Duration(cfg.FeedbackUpdateSeconds) * time.Second

	providers := make(map[string]apnservice.PushSender)
	feedbacks := make(map[string]apnservice.FeedbackPoller)
	for protocol, topicCfg := range cfg.Topics {
		if topicCfg.CertificatePath == "" {
			logger.Warn("No certificate configured, push disabled for protocol", "protocol", protocol)
			continue
		}
		cert, err := certificate.FromPemFile(topicCfg.CertificatePath, topicCfg.Passphrase)
		if err != nil {
			logger.Error("Failed to load provider certificate",
				"protocol", protocol, "path", topicCfg.CertificatePath, "err", err)
			os.Exit(1)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

		providers[protocol] = apn.NewProviderConnection(topicCfg.Topic, store,
			&apn.TLSDialer{Addr: providerAddr, Config: tlsConfig}, clock, logger)
		feedbacks[protocol] = apn.NewFeedbackConnection(topicCfg.Topic, store,
			&apn.TLSDialer{Addr: feedbackAddr, Config: tlsConfig}, clock, feedbackInterval, logger)
		logger.Info("Push enabled", "protocol", protocol, "topic", topicCfg.Topic)
	}

	// --- Service ---
	service, err := apnservice.New(
		cfg,
		store,
		providers,
		feedbacks,
		clock,
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}
