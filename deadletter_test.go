package xsaga

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterTopic(t *testing.T) {
	assert.Equal(t, "orders.dlq", DeadLetterTopic("orders"))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{&ConcurrencyError{}, "concurrency"},
		{&ValidationError{Reason: "bad"}, "validation"},
		{&CorrelationError{}, "correlation"},
		{&ConfigError{Reason: "ambiguous"}, "config"},
		{&SagaTimeoutError{}, "timeout"},
		{Transient(errors.New("down")), "transient"},
		{&SagaProcessingError{Err: errors.New("boom")}, "processing"},
		{errors.New("plain"), "unclassified"},
		{fmt.Errorf("wrap: %w", &ConcurrencyError{}), "concurrency"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, errorKind(tt.err), "error %v", tt.err)
	}
}

func TestFailureHistory(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	msg := &Message{Name: "OrderSubmitted"}

	t.Run("empty history", func(t *testing.T) {
		assert.Nil(t, failureHistory(msg))
	})

	t.Run("append and read back", func(t *testing.T) {
		raw := appendFailure(msg, now, Transient(errors.New("store down")))
		withOne := msg.WithMeta(MetaFailures, raw)

		entries := failureHistory(withOne)
		require.Len(t, entries, 1)
		assert.Equal(t, "transient", entries[0].Kind)
		assert.Contains(t, entries[0].Message, "store down")

		raw = appendFailure(withOne, now.Add(time.Second), &ValidationError{Reason: "bad payload"})
		withTwo := withOne.WithMeta(MetaFailures, raw)

		entries = failureHistory(withTwo)
		require.Len(t, entries, 2)
		assert.Equal(t, "transient", entries[0].Kind)
		assert.Equal(t, "validation", entries[1].Kind)
	})

	t.Run("malformed history is dropped", func(t *testing.T) {
		bad := msg.WithMeta(MetaFailures, "{not json")
		assert.Nil(t, failureHistory(bad))

		// appending on a malformed history starts fresh
		raw := appendFailure(bad, now, errors.New("boom"))
		entries := failureHistory(bad.WithMeta(MetaFailures, raw))
		require.Len(t, entries, 1)
	})
}

func TestCurrentAttempt(t *testing.T) {
	msg := &Message{Name: "OrderSubmitted"}
	assert.Equal(t, 1, currentAttempt(msg))
	assert.Equal(t, 3, currentAttempt(msg.WithMeta(MetaAttempt, "3")))
	assert.Equal(t, 1, currentAttempt(msg.WithMeta(MetaAttempt, "garbage")))
	assert.Equal(t, 1, currentAttempt(msg.WithMeta(MetaAttempt, "0")))
}
