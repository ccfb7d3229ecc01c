package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xsaga"
)

func TestTransport_PublishSubscribe(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 16, Concurrency: 1, AssignIDs: true})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	received := make(chan *xsaga.Message, 16)
	sub, err := tr.Subscribe(ctx, "orders", "g1", func(d xsaga.Delivery) {
		received <- d.Message()
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, tr.Publish(ctx, "orders", &xsaga.Message{Name: "OrderSubmitted", Payload: []byte(`{}`)}))

	select {
	case msg := <-received:
		assert.Equal(t, "OrderSubmitted", msg.Name)
		assert.NotEmpty(t, msg.ID, "transport assigns ids when configured")
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(1), stats.Acked)
}

func TestTransport_GroupFanOut(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 16, Concurrency: 1})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	var g1, g2 atomic.Int64
	_, err := tr.Subscribe(ctx, "orders", "g1", func(d xsaga.Delivery) {
		g1.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	_, err = tr.Subscribe(ctx, "orders", "g2", func(d xsaga.Delivery) {
		g2.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "orders", &xsaga.Message{Name: "OrderSubmitted"}))

	require.Eventually(t, func() bool {
		return g1.Load() == 1 && g2.Load() == 1
	}, 2*time.Second, 5*time.Millisecond, "each group receives its own copy")
}

func TestTransport_ScheduledAtDefersDelivery(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 16, Concurrency: 1})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	received := make(chan time.Time, 1)
	_, err := tr.Subscribe(ctx, "orders", "g1", func(d xsaga.Delivery) {
		received <- time.Now()
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)

	fireAt := time.Now().Add(50 * time.Millisecond)
	require.NoError(t, tr.Publish(ctx, "orders", &xsaga.Message{
		Name:        "RetryThis",
		ScheduledAt: fireAt,
	}))

	select {
	case at := <-received:
		assert.False(t, at.Before(fireAt), "delivered before ScheduledAt")
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled message never delivered")
	}
	assert.Equal(t, uint64(1), tr.Stats().Delayed)
	// the delayed message counts as published once it enqueues
	require.Eventually(t, func() bool {
		return tr.Stats().Published == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransport_NackRedelivers(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 16, Concurrency: 1, RedeliveryDelay: 10 * time.Millisecond})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	var deliveries atomic.Int64
	done := make(chan struct{})
	_, err := tr.Subscribe(ctx, "orders", "g1", func(d xsaga.Delivery) {
		if deliveries.Add(1) == 1 {
			_ = d.Nack(ctx, assert.AnError)
			return
		}
		_ = d.Ack(ctx)
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "orders", &xsaga.Message{Name: "OrderSubmitted"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nacked message never redelivered")
	}
	assert.Equal(t, int64(2), deliveries.Load())
	assert.Equal(t, uint64(1), tr.Stats().Redelivered)
}

func TestTransport_AckIsIdempotent(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 16, Concurrency: 1})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	done := make(chan struct{})
	_, err := tr.Subscribe(ctx, "orders", "g1", func(d xsaga.Delivery) {
		_ = d.Ack(ctx)
		_ = d.Ack(ctx)
		_ = d.Nack(ctx, assert.AnError) // after ack: no redelivery
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "orders", &xsaga.Message{Name: "OrderSubmitted"}))
	<-done

	time.Sleep(50 * time.Millisecond)
	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.Acked)
	assert.Equal(t, uint64(0), stats.Nacked)
	assert.Equal(t, uint64(1), stats.Consumed)
}

func TestTransport_Close(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx), "close is idempotent")

	assert.Error(t, tr.Publish(ctx, "orders", &xsaga.Message{Name: "X"}))
	_, err := tr.Subscribe(ctx, "orders", "g1", func(xsaga.Delivery) {})
	assert.Error(t, err)
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"buffer_size":      64,
		"concurrency":      4,
		"redelivery_delay": "250ms",
		"assign_ids":       false,
	})
	assert.Equal(t, 64, cfg.BufferSize)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.RedeliveryDelay)
	assert.False(t, cfg.AssignIDs)

	defaults := ConfigFromMap(nil)
	assert.Equal(t, 1024, defaults.BufferSize)
	assert.Equal(t, 1, defaults.Concurrency)
	assert.True(t, defaults.AssignIDs)
}
