package xsaga

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates engine lifecycle events for the Observer pattern.
type EventType string

const (
	DispatchStart    EventType = "dispatch_start"
	DispatchDone     EventType = "dispatch_done"
	InstanceCreated  EventType = "instance_created"
	StateCommitted   EventType = "state_committed"
	SagaCompleted    EventType = "saga_completed"
	AlreadyCompleted EventType = "already_completed"
	GuardSkipped     EventType = "guard_skipped"
	Unhandled        EventType = "unhandled"
	Conflict         EventType = "conflict"
	RetryScheduled   EventType = "retry_scheduled"
	DeadLettered     EventType = "dead_lettered"
	TimeoutScheduled EventType = "timeout_scheduled"
	TimeoutCancelled EventType = "timeout_cancelled"
	TimeoutFired     EventType = "timeout_fired"
	PublishFailure   EventType = "publish_failure"
	Error            EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type          EventType
	Topic         string
	SagaName      string
	SagaID        string
	CorrelationID string
	MessageID     string
	MessageName   string
	Attempt       int
	Version       int64
	Duration      time.Duration
	Err           error

	// Internal: attached for async dispatch
	observers []Observer
}

// Observer receives engine lifecycle events. Implementations should be
// non-blocking; the bus dispatches through an async pool.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits engine events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("saga", e.SagaName),
		xlog.Str("saga_id", e.SagaID),
		xlog.Str("correlation_id", e.CorrelationID),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("message", e.MessageName),
	)
	switch e.Type {
	case DeadLettered, Conflict, PublishFailure, Error:
		ev.Warn().Err(e.Err).Msg("xsaga event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xsaga event")
	}
}
