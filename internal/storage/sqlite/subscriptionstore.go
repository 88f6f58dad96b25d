// Package sqlite implements the subscription store on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/harborgate/go-apn-service/pkg/subscription"
)

//go:embed schema.sql
var schema string

// SubscriptionStore is the production subscription.Store. Each method runs
// as a single transaction; SQLite serializes them for us.
type SubscriptionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*SubscriptionStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SubscriptionStore{
		db:     db,
		logger: logger.With("component", "SubscriptionStore"),
	}, nil
}

func (s *SubscriptionStore) Close() error {
	return s.db.Close()
}

func (s *SubscriptionStore) SubscriptionsByKey(ctx context.Context, key string) ([]subscription.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, subscriber_uid FROM apn_subscription WHERE push_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("subscriptions by key: %w", err)
	}
	defer rows.Close()

	var subscribers []subscription.Subscriber
	for rows.Next() {
		var sub subscription.Subscriber
		if err := rows.Scan(&sub.Token, &sub.SubscriberUID); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, sub)
	}
	return subscribers, rows.Err()
}

func (s *SubscriptionStore) SubscriptionsByToken(ctx context.Context, token string) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT push_key, modified, subscriber_uid FROM apn_subscription WHERE token = ?`, token)
	if err != nil {
		return nil, fmt.Errorf("subscriptions by token: %w", err)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		sub := subscription.Subscription{Token: token}
		if err := rows.Scan(&sub.Key, &sub.Modified, &sub.SubscriberUID); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SubscriptionStore) AddSubscription(ctx context.Context, token, key string, modified int64, subscriberUID, userAgent, ipAddr string) error {
	if token == "" || key == "" {
		return subscription.ErrInvalidValues
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO apn_subscription (token, push_key, modified, subscriber_uid, user_agent, ip_addr)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (token, push_key) DO UPDATE SET
		   modified = excluded.modified,
		   subscriber_uid = excluded.subscriber_uid,
		   user_agent = excluded.user_agent,
		   ip_addr = excluded.ip_addr`,
		token, key, modified, subscriberUID, nullable(userAgent), nullable(ipAddr))
	if err != nil {
		return fmt.Errorf("add subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) RemoveSubscription(ctx context.Context, token, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM apn_subscription WHERE token = ? AND push_key = ?`, token, key)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) PurgeOldSubscriptions(ctx context.Context, olderThan int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM apn_subscription WHERE modified < ?`, olderThan)
	if err != nil {
		return fmt.Errorf("purge old subscriptions: %w", err)
	}
	if purged, err := res.RowsAffected(); err == nil && purged > 0 {
		s.logger.Info("purged old subscriptions", "count", purged, "older_than", olderThan)
	}
	return nil
}

func nullable(s string) driver.Value {
	if s == "" {
		return nil
	}
	return s
}
