package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xsaga"
)

const TransportName = "memory"

func init() {
	if err := xsaga.RegisterTransport(TransportName, func(cfg map[string]any) (xsaga.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xsaga/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      maxInt(1, getInt("buffer_size", 1024)),
		Concurrency:     maxInt(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		AssignIDs:       getBool("assign_ids", true),
	}
}

// Transport implements xsaga.Transport using in-memory channels
// (dev/testing). Delayed delivery via Message.ScheduledAt is honored with
// timers, which makes it a complete backend for the engine's retry backoff
// and timeout redelivery.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	delayed     atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var _ xsaga.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Transport{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		metrics: &transportMetrics{},
	}
}

// Publish fans out messages to all consumer groups for the topic. Messages
// with ScheduledAt in the future are enqueued when the delay elapses.
func (t *Transport) Publish(ctx context.Context, topicName string, msgs ...*xsaga.Message) error {
	if t.closed.Load() {
		return errors.New("memory transport is closed")
	}
	if len(msgs) == 0 {
		return nil
	}

	top := t.ensureTopic(topicName)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}

		if delay := time.Until(m.ScheduledAt); !m.ScheduledAt.IsZero() && delay > 0 {
			t.metrics.delayed.Add(1)
			msg := m
			time.AfterFunc(delay, func() {
				if t.closed.Load() {
					return
				}
				if err := t.enqueue(context.Background(), top, topicName, msg); err == nil {
					t.metrics.published.Add(1)
				}
			})
			continue
		}

		if err := t.enqueue(ctx, top, topicName, m); err != nil {
			return err
		}
		t.metrics.published.Add(1)
	}

	return nil
}

func (t *Transport) enqueue(ctx context.Context, top *topic, topicName string, m *xsaga.Message) error {
	top.mu.RLock()
	defer top.mu.RUnlock()
	for _, g := range top.groups {
		task := &deliveryTask{
			topic:     topicName,
			group:     g,
			msg:       m,
			tr:        t,
			createdAt: time.Now(),
		}
		select {
		case g.queue <- task:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for a topic/group with configurable concurrency.
func (t *Transport) Subscribe(ctx context.Context, topicName, group string, handler func(xsaga.Delivery)) (xsaga.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("memory transport is closed")
	}

	top := t.ensureTopic(topicName)
	g := top.ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := t.cfg.Concurrency
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			// Keep group and queue alive for other subscribers
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xsaga.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task, tr: task.tr})
		}
	}
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()

	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published   uint64
	Delayed     uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Delayed:     t.metrics.delayed.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
	}
}

// Internal types

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr        *Transport
	topic     string
	group     *group
	msg       *xsaga.Message
	createdAt time.Time
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
	tr      *Transport
}

func (d *memDelivery) Message() *xsaga.Message {
	return d.task.msg
}

// Ack marks the message as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack negative-acknowledges the message for redelivery.
func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)
		d.tr.metrics.redelivered.Add(1)

		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.task.group.queue <- d.task:
			case <-ctx.Done():
			}
			return
		}

		time.AfterFunc(delay, func() {
			if d.tr.closed.Load() {
				return
			}
			select {
			case d.task.group.queue <- d.task:
			default:
			}
		})
	})
	return nil
}

// Helper functions

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}

	tp := &topic{
		groups: make(map[string]*group),
	}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}

	g := &group{
		name:  name,
		queue: make(chan *deliveryTask, bufferSize),
	}
	tp.groups[name] = g
	return g
}

// Simple monotonic ID generator (not distributed; dev/testing only).
var idSeq uint64

func nextID() string {
	n := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("mem-%d", n)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
