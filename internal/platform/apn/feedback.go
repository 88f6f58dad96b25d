package apn

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/harborgate/go-apn-service/pkg/subscription"
)

// FeedbackConnection periodically polls the feedback service, which streams
// one 38-byte record per device token that stopped accepting pushes. Each
// poll is a short-lived connection: the gateway sends everything it has and
// closes.
type FeedbackConnection struct {
	store    subscription.Store
	dialer   Dialer
	clock    Clock
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	next    Timer
	stopped bool
}

func NewFeedbackConnection(topic string, store subscription.Store, dialer Dialer, clock Clock, interval time.Duration, logger *slog.Logger) *FeedbackConnection {
	return &FeedbackConnection{
		store:    store,
		dialer:   dialer,
		clock:    clock,
		interval: interval,
		logger:   logger.With("component", "APNFeedback", "topic", topic),
	}
}

// Start runs the first poll immediately and keeps polling on the configured
// interval until Stop is called.
func (c *FeedbackConnection) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	go c.poll()
}

// Stop cancels the pending poll timer.
func (c *FeedbackConnection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.next != nil {
		c.next.Stop()
		c.next = nil
	}
}

// poll reads the feedback stream to EOF, prunes stale subscriptions, and
// schedules the next pass whether or not this one succeeded.
func (c *FeedbackConnection) poll() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.logger.Warn("unable to connect to feedback service", "err", err)
	} else {
		frames := newFrameBuffer(feedbackFrameLength)
		buf := make([]byte, 4096)
		for {
			n, rerr := conn.Read(buf)
			if n > 0 {
				frames.feed(buf[:n], func(frame []byte) {
					c.handleFeedbackFrame(ctx, frame)
				})
			}
			if rerr != nil {
				break
			}
		}
		_ = conn.Close()
	}

	c.mu.Lock()
	if !c.stopped {
		c.next = c.clock.AfterFunc(c.interval, c.poll)
	}
	c.mu.Unlock()
}

func (c *FeedbackConnection) handleFeedbackFrame(ctx context.Context, frame []byte) {
	timestamp := binary.BigEndian.Uint32(frame[0:4])
	length := binary.BigEndian.Uint16(frame[4:6])
	if length != tokenLength {
		c.logger.Warn("could not process feedback record",
			"frame", hex.EncodeToString(frame))
		return
	}
	token := hex.EncodeToString(frame[6:feedbackFrameLength])
	c.processFeedback(ctx, int64(timestamp), token)
}

// processFeedback prunes every subscription for token that has not been
// refreshed since the feedback timestamp. A device that re-subscribed at or
// after the timestamp keeps its subscription; it may have simply reinstalled
// the app after being reported.
func (c *FeedbackConnection) processFeedback(ctx context.Context, timestamp int64, token string) {
	c.logger.Debug("feedback received", "timestamp", timestamp, "token", token)

	subs, err := c.store.SubscriptionsByToken(ctx, token)
	if err != nil {
		c.logger.Error("failed to look up subscriptions for feedback token", "token", token, "err", err)
		return
	}
	for _, sub := range subs {
		if timestamp > sub.Modified {
			c.logger.Debug("removing stale subscription", "token", token, "key", sub.Key)
			if err := c.store.RemoveSubscription(ctx, token, sub.Key); err != nil {
				c.logger.Error("failed to remove stale subscription", "token", token, "key", sub.Key, "err", err)
			}
		}
	}
}
