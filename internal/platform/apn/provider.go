// Package apn implements the legacy binary interface of the Apple Push
// Notification service: a persistent provider channel for outbound
// notifications and a polled feedback channel for stale-token reports.
package apn

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/harborgate/go-apn-service/pkg/subscription"
)

// Dialer opens a transport to a push gateway endpoint. The production
// implementation is TLSDialer; tests inject an in-memory connector.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// TLSDialer dials the gateway over TLS with the topic's provider certificate.
type TLSDialer struct {
	Addr   string
	Config *tls.Config
}

func (d *TLSDialer) Dial(ctx context.Context) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 30 * time.Second},
		Config:    d.Config,
	}
	return dialer.DialContext(ctx, "tcp", d.Addr)
}

// Reconnect backoff bounds. A successful connection resets the delay.
const (
	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
)

type queuedNotification struct {
	token string
	key   string
}

// ProviderConnection maintains one auto-reconnecting connection to the push
// gateway for a single topic. Notifications sent while disconnected are held
// in memory and replayed in FIFO order once the connection is back.
//
// The gateway never acknowledges a successful send; the only responses are
// asynchronous error frames correlated by identifier through tokenHistory.
type ProviderConnection struct {
	topic  string
	store  subscription.Store
	dialer Dialer
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	conn    net.Conn
	history *tokenHistory
	queue   []queuedNotification
	delay   time.Duration
	retry   Timer
	stopped bool
}

func NewProviderConnection(topic string, store subscription.Store, dialer Dialer, clock Clock, logger *slog.Logger) *ProviderConnection {
	return &ProviderConnection{
		topic:  topic,
		store:  store,
		dialer: dialer,
		clock:  clock,
		logger: logger.With("component", "APNProvider", "topic", topic),
	}
}

// Start begins connecting to the gateway. ctx scopes all store operations
// triggered by inbound error frames.
func (c *ProviderConnection) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	go c.connect()
}

// Stop closes the active connection and cancels any pending reconnect.
func (c *ProviderConnection) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// SendNotification pushes the key to the device holding token, or queues the
// pair if the gateway is unreachable. Transport failures are never surfaced
// to the caller; the connection recovers on its own.
func (c *ProviderConnection) SendNotification(token, key string) {
	if token == "" || key == "" {
		return
	}
	binaryToken, err := hex.DecodeString(strings.ReplaceAll(token, " ", ""))
	if err != nil || len(binaryToken) != tokenLength {
		c.logger.Error("invalid device token in store", "token", token)
		return
	}

	c.mu.Lock()
	if c.conn == nil {
		c.enqueueLocked(token, key)
		c.mu.Unlock()
		return
	}

	identifier := c.history.add(token)
	frame, err := encodeNotification(identifier, binaryToken, key)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("failed to encode notification", "key", key, "err", err)
		return
	}
	conn := c.conn
	c.logger.Debug("sending notification", "token", token, "key", key, "identifier", identifier)
	_, werr := conn.Write(frame)
	if werr != nil {
		c.enqueueLocked(token, key)
	}
	c.mu.Unlock()

	if werr != nil {
		c.logger.Warn("write to push gateway failed", "err", werr)
		c.connectionLost(conn)
	}
}

// enqueueLocked holds the pair until the next successful connect. Identical
// pairs are collapsed; one push per changed resource is enough.
func (c *ProviderConnection) enqueueLocked(token, key string) {
	for _, n := range c.queue {
		if n.token == token && n.key == key {
			return
		}
	}
	c.logger.Debug("no gateway connection, queuing notification", "token", token, "key", key)
	c.queue = append(c.queue, queuedNotification{token: token, key: key})
}

func (c *ProviderConnection) connect() {
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
		c.logger.Warn("unable to connect to push gateway", "err", err)
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	// Identifiers restart at 1 on every connection, so the history must
	// not carry entries from the previous one.
	c.history = newTokenHistory(defaultHistorySize)
	c.delay = 0
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.logger.Info("connected to push gateway", "queued", len(queued))
	go c.readLoop(conn)

	for _, n := range queued {
		c.SendNotification(n.token, n.key)
	}
}

func (c *ProviderConnection) scheduleReconnectLocked() {
	if c.stopped {
		return
	}
	if c.delay == 0 {
		c.delay = minReconnectDelay
	} else {
		c.delay *= 2
		if c.delay > maxReconnectDelay {
			c.delay = maxReconnectDelay
		}
	}
	c.logger.Debug("scheduling gateway reconnect", "delay", c.delay)
	c.retry = c.clock.AfterFunc(c.delay, c.connect)
}

// readLoop drains inbound error frames until the connection dies.
func (c *ProviderConnection) readLoop(conn net.Conn) {
	frames := newFrameBuffer(errorFrameLength)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames.feed(buf[:n], c.handleErrorFrame)
		}
		if err != nil {
			break
		}
	}
	c.connectionLost(conn)
}

// connectionLost clears the active handle so senders queue instead of
// writing to a dead socket, then schedules a reconnect.
func (c *ProviderConnection) connectionLost(conn net.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		// Already superseded by a newer connection.
		return
	}
	c.conn = nil
	if c.stopped {
		return
	}
	c.logger.Warn("connection to push gateway lost")
	c.scheduleReconnectLocked()
}

func (c *ProviderConnection) handleErrorFrame(frame []byte) {
	if frame[0] != commandError {
		c.logger.Warn("could not process gateway frame",
			"frame", hex.EncodeToString(frame))
		return
	}
	status := frame[1]
	identifier := binary.BigEndian.Uint32(frame[2:errorFrameLength])
	c.processError(status, identifier)
}

// processError handles an asynchronous error frame. Statuses that mean the
// token is permanently dead delete every subscription held by that token,
// not just the one tied to this send. Everything else is logged only; the
// next natural data change regenerates the push.
func (c *ProviderConnection) processError(status uint8, identifier uint32) {
	c.logger.Warn("push gateway reported an error",
		"status", status, "identifier", identifier, "desc", statusDescription(status))
	if !tokenRemovalStatus(status) {
		return
	}

	c.mu.Lock()
	ctx := c.ctx
	var token string
	var ok bool
	if c.history != nil {
		token, ok = c.history.extractIdentifier(identifier)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	subs, err := c.store.SubscriptionsByToken(ctx, token)
	if err != nil {
		c.logger.Error("failed to look up subscriptions for bad token", "token", token, "err", err)
		return
	}
	for _, sub := range subs {
		c.logger.Warn("removing subscription for bad token", "token", token, "key", sub.Key)
		if err := c.store.RemoveSubscription(ctx, token, sub.Key); err != nil {
			c.logger.Error("failed to remove subscription", "token", token, "key", sub.Key, "err", err)
		}
	}
}
