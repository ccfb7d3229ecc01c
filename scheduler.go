package xsaga

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// TimeoutRequest asks for a synthetic message to re-enter the dispatch path
// at or after FireAt, never before. Owned by the Scheduler from creation
// until delivered or cancelled.
type TimeoutRequest struct {
	SagaName      string
	SagaID        string
	CorrelationID string
	// Name is the synthetic message type delivered on expiry.
	Name string
	// Topic is the dispatch topic the synthetic message re-enters.
	Topic  string
	FireAt time.Time
	// Payload is encoded with the bus codec; may be nil.
	Payload any
}

// Scheduler guarantees delivery of timeout messages at or after their
// deadline. Cancellation of an unfired timeout wins; cancelling after firing
// is a no-op. Multiple outstanding timeouts per saga are independent.
type Scheduler interface {
	Schedule(ctx context.Context, req TimeoutRequest) error
	// Cancel removes a pending timeout identified by (sagaName, sagaID,
	// name). Unknown timeouts are ignored.
	Cancel(ctx context.Context, sagaName, sagaID, name string) error
	Close(ctx context.Context) error
}

type timeoutKey struct {
	sagaName string
	sagaID   string
	name     string
}

// timerScheduler keeps the schedule in process and publishes the synthetic
// envelope through the transport when a timer fires. Durable scheduling is
// an adapter concern; this implementation loses pending timeouts on restart.
type timerScheduler struct {
	transport Transport
	codec     Codec
	clock     xclock.Clock
	logger    *xlog.Logger

	mu      sync.Mutex
	pending map[timeoutKey]*pendingTimeout
	closed  bool
}

// pendingTimeout identifies one scheduled firing. The fire callback compares
// its own entry against the map so a stale timer whose Stop raced the
// callback cannot publish, or evict a replacement scheduled for the same key.
type pendingTimeout struct {
	timer *time.Timer
}

// NewTimerScheduler returns the in-process Scheduler used by the bus when no
// durable one is configured.
func NewTimerScheduler(tr Transport, codec Codec, clock xclock.Clock, logger *xlog.Logger) Scheduler {
	return &timerScheduler{
		transport: tr,
		codec:     codec,
		clock:     clock,
		logger:    logger,
		pending:   make(map[timeoutKey]*pendingTimeout),
	}
}

func (s *timerScheduler) Schedule(_ context.Context, req TimeoutRequest) error {
	var payload []byte
	if req.Payload != nil {
		raw, err := s.codec.Marshal(req.Payload)
		if err != nil {
			return err
		}
		payload = raw
	}

	key := timeoutKey{sagaName: req.SagaName, sagaID: req.SagaID, name: req.Name}
	delay := req.FireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBusClosed
	}
	// Re-scheduling the same timeout replaces the earlier deadline.
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
	}
	entry := &pendingTimeout{}
	entry.timer = time.AfterFunc(delay, func() {
		s.fire(key, entry, req, payload)
	})
	s.pending[key] = entry
	return nil
}

func (s *timerScheduler) fire(key timeoutKey, entry *pendingTimeout, req TimeoutRequest, payload []byte) {
	s.mu.Lock()
	live := s.pending[key] == entry
	if live {
		delete(s.pending, key)
	}
	closed := s.closed
	s.mu.Unlock()
	if !live || closed {
		return
	}

	msg := &Message{
		Name:    req.Name,
		Payload: payload,
		Metadata: map[string]string{
			MetaSagaName:      req.SagaName,
			MetaSagaID:        req.SagaID,
			MetaCorrelationID: req.CorrelationID,
			MetaTimeoutName:   req.Name,
		},
		ProducedAt: s.clock.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transport.Publish(ctx, req.Topic, msg); err != nil && s.logger != nil {
		s.logger.Warn().Err(err).Msg("xsaga: timeout publish failed")
	}
}

func (s *timerScheduler) Cancel(_ context.Context, sagaName, sagaID, name string) error {
	key := timeoutKey{sagaName: sagaName, sagaID: sagaID, name: name}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		delete(s.pending, key)
	}
	return nil
}

func (s *timerScheduler) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for k, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, k)
	}
	return nil
}
