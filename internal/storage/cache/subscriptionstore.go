// Package cache adds a Redis read-aside layer over a subscription store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harborgate/go-apn-service/pkg/subscription"
)

// ErrCacheMiss is returned by CacheClient.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value, or ErrCacheMiss if the key is absent.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedSubscriptionStore decorates a subscription.Store with caching of the
// by-key lookup, which runs on every resource change. By-token lookups feed
// the pruning paths and always read through: removing a dead token must see
// the real rows.
type CachedSubscriptionStore struct {
	realStore subscription.Store
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedSubscriptionStore(realStore subscription.Store, cache CacheClient, ttl time.Duration) *CachedSubscriptionStore {
	return &CachedSubscriptionStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATHS ---

func (s *CachedSubscriptionStore) SubscriptionsByKey(ctx context.Context, key string) ([]subscription.Subscriber, error) {
	cacheKey := s.cacheKey(key)

	var cached []subscription.Subscriber
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.SubscriptionsByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization, not a transaction. If Redis is down we
	// just serve from the database.
	_ = s.cache.Set(ctx, cacheKey, fresh, s.ttl)

	return fresh, nil
}

func (s *CachedSubscriptionStore) SubscriptionsByToken(ctx context.Context, token string) ([]subscription.Subscription, error) {
	return s.realStore.SubscriptionsByToken(ctx, token)
}

// --- WRITE PATHS (invalidate-on-write) ---

func (s *CachedSubscriptionStore) AddSubscription(ctx context.Context, token, key string, modified int64, subscriberUID, userAgent, ipAddr string) error {
	if err := s.realStore.AddSubscription(ctx, token, key, modified, subscriberUID, userAgent, ipAddr); err != nil {
		return err
	}
	return s.invalidate(ctx, key)
}

func (s *CachedSubscriptionStore) RemoveSubscription(ctx context.Context, token, key string) error {
	if err := s.realStore.RemoveSubscription(ctx, token, key); err != nil {
		return err
	}
	// Even though the DB row is gone, the cached fan-out list would keep
	// pushing to the dead token until the TTL ran out.
	return s.invalidate(ctx, key)
}

func (s *CachedSubscriptionStore) PurgeOldSubscriptions(ctx context.Context, olderThan int64) error {
	// The purge has no per-key knowledge; the TTL bounds how long purged
	// rows linger in cached fan-out lists.
	return s.realStore.PurgeOldSubscriptions(ctx, olderThan)
}

// --- Helpers ---

func (s *CachedSubscriptionStore) invalidate(ctx context.Context, key string) error {
	return s.cache.Del(ctx, s.cacheKey(key))
}

func (s *CachedSubscriptionStore) cacheKey(key string) string {
	return fmt.Sprintf("subs:%s", key)
}
