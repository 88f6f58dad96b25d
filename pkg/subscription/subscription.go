// Package subscription contains the domain model for APN push subscriptions
// and the contract for the store that persists them.
package subscription

import (
	"context"
	"errors"
	"regexp"
)

// ErrInvalidValues is returned by Store.AddSubscription when the token or key
// is empty.
var ErrInvalidValues = errors.New("subscription: token and key must be non-empty")

// Subscription ties a device token to a push key. A token may be subscribed
// to many keys and a key may have many tokens; the pair is unique.
type Subscription struct {
	Token         string
	Key           string
	Modified      int64 // unix seconds of the last (re-)registration
	SubscriberUID string
}

// Subscriber is the by-key projection used when fanning out a change.
type Subscriber struct {
	Token         string
	SubscriberUID string
}

// Store persists subscriptions. Every method is a single transaction; the
// push path commits its read before any network I/O happens.
type Store interface {
	// SubscriptionsByKey returns every (token, uid) subscribed to key.
	SubscriptionsByKey(ctx context.Context, key string) ([]Subscriber, error)

	// SubscriptionsByToken returns every subscription held by token.
	SubscriptionsByToken(ctx context.Context, token string) ([]Subscription, error)

	// AddSubscription inserts the (token, key) pair or refreshes its
	// modified timestamp if it already exists.
	AddSubscription(ctx context.Context, token, key string, modified int64, subscriberUID, userAgent, ipAddr string) error

	// RemoveSubscription deletes the (token, key) pair. Removing a pair
	// that does not exist is not an error.
	RemoveSubscription(ctx context.Context, token, key string) error

	// PurgeOldSubscriptions deletes every subscription whose modified
	// timestamp is older than the given unix time.
	PurgeOldSubscriptions(ctx context.Context, olderThan int64) error
}

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidToken reports whether token is a well-formed APN device token:
// exactly 64 lowercase hex characters (32 raw bytes).
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}
