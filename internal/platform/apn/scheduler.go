package apn

import (
	"log/slog"
	"sync"
	"time"
)

// Push priorities, carried through to the send callback.
const (
	PriorityLow    = 1
	PriorityMedium = 5
	PriorityHigh   = 10
)

// SendFunc delivers one staggered notification.
type SendFunc func(token, key string, changedAt time.Time, priority int)

type sendKey struct {
	token string
	key   string
}

// PushScheduler spreads a batch of sends over time so a change to a popular
// resource does not wake every subscribed device at once. Each (token, key)
// pair has at most one pending send; re-scheduling a pending pair is a no-op.
type PushScheduler struct {
	clock   Clock
	stagger time.Duration
	send    SendFunc
	logger  *slog.Logger

	mu          sync.Mutex
	outstanding map[sendKey]Timer
}

func NewPushScheduler(clock Clock, stagger time.Duration, send SendFunc, logger *slog.Logger) *PushScheduler {
	return &PushScheduler{
		clock:       clock,
		stagger:     stagger,
		send:        send,
		logger:      logger.With("component", "PushScheduler"),
		outstanding: make(map[sendKey]Timer),
	}
}

// Schedule queues one send per token, the Nth unique pair firing N stagger
// intervals from now. Pairs that already have an unfired send keep their
// original slot.
func (s *PushScheduler) Schedule(tokens []string, key string, changedAt time.Time, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := time.Duration(0)
	for _, token := range tokens {
		k := sendKey{token: token, key: key}
		if _, pending := s.outstanding[k]; pending {
			s.logger.Debug("send already scheduled", "token", token, "key", key)
			continue
		}
		s.outstanding[k] = s.clock.AfterFunc(delay, func() {
			s.fire(k, changedAt, priority)
		})
		delay += s.stagger
	}
}

// fire removes the pair before invoking the callback, so the callback may
// safely re-schedule the same pair.
func (s *PushScheduler) fire(k sendKey, changedAt time.Time, priority int) {
	s.mu.Lock()
	delete(s.outstanding, k)
	s.mu.Unlock()

	s.send(k.token, k.key, changedAt, priority)
}

// Stop cancels every outstanding send.
func (s *PushScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, timer := range s.outstanding {
		timer.Stop()
		delete(s.outstanding, k)
	}
}
