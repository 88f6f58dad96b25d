package apnservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/harborgate/go-apn-service/apnservice/config"
	"github.com/harborgate/go-apn-service/internal/api"
	"github.com/harborgate/go-apn-service/internal/platform/apn"
	"github.com/harborgate/go-apn-service/pkg/subscription"
)

// PushSender delivers a notification for a push key to a single device.
// *apn.ProviderConnection is the production implementation.
type PushSender interface {
	Start(ctx context.Context)
	Stop()
	SendNotification(token, key string)
}

// FeedbackPoller prunes dead tokens reported by the push provider.
type FeedbackPoller interface {
	Start(ctx context.Context)
	Stop()
}

// Service ties the HTTP surface, the provider connections and the
// subscription store together. One PushSender/FeedbackPoller pair exists
// per configured protocol (CalDAV, CardDAV).
type Service struct {
	*microservice.BaseServer

	store      subscription.Store
	dataHost   string
	providers  map[string]PushSender
	feedbacks  map[string]FeedbackPoller
	schedulers map[string]*apn.PushScheduler
	cron       *cron.Cron
	clock      apn.Clock
	logger     *slog.Logger
}

// New assembles the service. Providers and feedback pollers are injected
// keyed by protocol so tests can substitute fakes.
func New(
	cfg *config.Config,
	store subscription.Store,
	providers map[string]PushSender,
	feedbacks map[string]FeedbackPoller,
	clock apn.Clock,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Service, error) {

	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	s := &Service{
		BaseServer: baseServer,
		store:      store,
		dataHost:   cfg.DataHost,
		providers:  providers,
		feedbacks:  feedbacks,
		schedulers: make(map[string]*apn.PushScheduler),
		clock:      clock,
		logger:     logger,
	}

	if cfg.EnableStaggering {
		stagger := time.Duration(cfg.StaggerSeconds) * time.Second
		for protocol, provider := range providers {
			sender := provider
			s.schedulers[protocol] = apn.NewPushScheduler(clock, stagger,
				func(token, key string, _ time.Time, _ int) {
					sender.SendNotification(token, key)
				}, logger)
		}
	}

	// Periodic purge of subscriptions that have not been refreshed.
	maxAge := time.Duration(cfg.PurgeMaxAgeDays) * 24 * time.Hour
	s.cron = cron.New()
	_, err := s.cron.AddFunc(cfg.PurgeSchedule, func() {
		olderThan := s.clock.Now().Add(-maxAge).Unix()
		if err := s.store.PurgeOldSubscriptions(context.Background(), olderThan); err != nil {
			s.logger.Error("Subscription purge failed.", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register purge schedule %q: %w", cfg.PurgeSchedule, err)
	}

	// Register Routes
	mux := baseServer.Mux()

	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	subscriptionAPI := api.NewSubscriptionAPI(store, logger)
	subscribeHandler := http.HandlerFunc(subscriptionAPI.Subscribe)

	notifyAPI := api.NewNotifyAPI(s, logger)
	notifyHandler := http.HandlerFunc(notifyAPI.Notify)

	mux.Handle("OPTIONS /apns", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	mux.Handle("POST /apns", corsMiddleware(authMiddleware(subscribeHandler)))
	mux.Handle("GET /apns", corsMiddleware(authMiddleware(subscribeHandler)))

	// Change events arrive from the data server, not browsers: no CORS.
	mux.Handle("POST /notify", authMiddleware(notifyHandler))

	return s, nil
}

// Enqueue fans a change event out to every subscriber of the changed
// resource. The id carries the protocol and an opaque resource path joined
// by "|", e.g. "CalDAV|user01/calendar". Unknown protocols are ignored so
// a deployment can enable push for a subset of protocols.
func (s *Service) Enqueue(ctx context.Context, id string) error {
	protocol, resource, ok := strings.Cut(id, "|")
	if !ok || protocol == "" || resource == "" {
		s.logger.Warn("Enqueue: dropping malformed change id", "id", id)
		return nil
	}

	provider, ok := s.providers[protocol]
	if !ok {
		return nil
	}

	key := fmt.Sprintf("/%s/%s/%s/", protocol, s.dataHost, resource)

	subscribers, err := s.store.SubscriptionsByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to look up subscribers for %s: %w", key, err)
	}
	if len(subscribers) == 0 {
		return nil
	}

	tokens := make([]string, 0, len(subscribers))
	for _, sub := range subscribers {
		if sub.Token == "" || sub.SubscriberUID == "" {
			continue
		}
		tokens = append(tokens, sub.Token)
	}

	s.logger.Info("Enqueue: fanning out change", "key", key, "subscribers", len(tokens))

	if scheduler, ok := s.schedulers[protocol]; ok {
		scheduler.Schedule(tokens, key, s.clock.Now(), apn.PriorityHigh)
		return nil
	}
	for _, token := range tokens {
		provider.SendNotification(token, key)
	}
	return nil
}

// Start brings up the provider and feedback connections, the purge job
// and finally the HTTP server.
func (s *Service) Start(ctx context.Context) error {
	for protocol, provider := range s.providers {
		s.logger.Info("Starting provider connection.", "protocol", protocol)
		provider.Start(ctx)
	}
	for protocol, feedback := range s.feedbacks {
		s.logger.Info("Starting feedback connection.", "protocol", protocol)
		feedback.Start(ctx)
	}
	s.cron.Start()
	s.SetReady(true)
	s.logger.Info("Service is now ready.")
	return s.BaseServer.Start()
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down service components...")
	s.cron.Stop()
	for _, scheduler := range s.schedulers {
		scheduler.Stop()
	}
	for _, feedback := range s.feedbacks {
		feedback.Stop()
	}
	for _, provider := range s.providers {
		provider.Stop()
	}
	if err := s.BaseServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed.", "err", err)
		return err
	}
	s.logger.Info("Service shutdown complete.")
	return nil
}
