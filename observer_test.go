package xsaga

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverPool_Dispatch(t *testing.T) {
	pool := NewObserverPool(context.Background(), 2, 64)
	defer func() { _ = pool.Close(time.Second) }()

	var seen atomic.Int64
	obs := ObserverFunc(func(e Event) {
		if e.Type == StateCommitted {
			seen.Add(1)
		}
	})

	for i := 0; i < 10; i++ {
		pool.Notify(Event{Type: StateCommitted, SagaName: "order"}, []Observer{obs})
	}

	require.Eventually(t, func() bool { return seen.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), pool.Stats().Dropped)
}

func TestObserverPool_NoObserversIsNoop(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)
	defer func() { _ = pool.Close(time.Second) }()

	pool.Notify(Event{Type: Error}, nil)
	assert.Equal(t, uint64(0), pool.Stats().Dropped)
}

func TestObserverPool_PanickingObserverIsContained(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 16)
	defer func() { _ = pool.Close(time.Second) }()

	var after atomic.Int64
	panicking := ObserverFunc(func(Event) { panic("observer bug") })
	counting := ObserverFunc(func(Event) { after.Add(1) })

	pool.Notify(Event{Type: Error}, []Observer{panicking, counting})

	require.Eventually(t, func() bool { return after.Load() == 1 }, 2*time.Second, 5*time.Millisecond,
		"observers after the panicking one still run")
}

func TestObserverPool_CloseIsIdempotent(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)
	require.NoError(t, pool.Close(time.Second))
	require.NoError(t, pool.Close(time.Second))
}
