package xsaga

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed             = errors.New("xsaga: bus is closed")
	ErrInvalidTopic          = errors.New("xsaga: topic must not be empty")
	ErrInvalidSubscription   = errors.New("xsaga: invalid subscription arguments")
	ErrNoTransportConfigured = errors.New("xsaga: no transport configured")
	ErrNoStoreConfigured     = errors.New("xsaga: no store configured")
	ErrNoDefinitions         = errors.New("xsaga: no saga definitions registered")
	ErrHandlerPanic          = errors.New("xsaga: handler panic")

	ErrObserverPoolShutdownTimeout = errors.New("xsaga: observer pool shutdown timed out")

	// ErrNotFound is returned by stores when no instance matches.
	ErrNotFound = errors.New("xsaga: saga instance not found")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

type ErrUnknownStore struct{ name string }

func (e ErrUnknownStore) Error() string { return fmt.Sprintf("unknown store: %s", e.name) }

// ConcurrencyError reports a version mismatch on an optimistic-concurrency
// update. Retryable: the runtime reloads the instance and re-dispatches per
// policy.
type ConcurrencyError struct {
	SagaName string
	SagaID   string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("xsaga: concurrency conflict on %s/%s: expected version %d, actual %d",
		e.SagaName, e.SagaID, e.Expected, e.Actual)
}

// DuplicateError reports an insert violating (name, id) or
// (name, correlationID) uniqueness.
type DuplicateError struct {
	SagaName      string
	SagaID        string
	CorrelationID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("xsaga: duplicate saga %s (id=%s, correlation=%s)",
		e.SagaName, e.SagaID, e.CorrelationID)
}

// TransientError wraps an underlying transport/store fault that is expected
// to succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("xsaga: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// ValidationError reports a payload or schema rejection. Non-retryable:
// routed straight to the dead-letter destination.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xsaga: validation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("xsaga: validation: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// CorrelationError reports a message that matched no existing instance and is
// not allowed to start a new one. Retryable with a limit by default, since
// the initiating message may simply not have arrived yet.
type CorrelationError struct {
	SagaName      string
	MessageName   string
	CorrelationID string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("xsaga: no instance of %s for %s (correlation=%s) and message cannot start one",
		e.SagaName, e.MessageName, e.CorrelationID)
}

// SagaTimeoutError is attached to synthetic timeout deliveries for
// observability. It is not itself a dispatch failure.
type SagaTimeoutError struct {
	SagaName    string
	SagaID      string
	TimeoutName string
}

func (e *SagaTimeoutError) Error() string {
	return fmt.Sprintf("xsaga: timeout %q fired for %s/%s", e.TimeoutName, e.SagaName, e.SagaID)
}

// SagaProcessingError wraps any handler failure with dispatch context before
// it reaches retry/dead-letter handling.
type SagaProcessingError struct {
	SagaName      string
	SagaID        string
	CorrelationID string
	MessageName   string
	MessageID     string
	Err           error
}

func (e *SagaProcessingError) Error() string {
	return fmt.Sprintf("xsaga: processing %s (id=%s) for saga %s/%s (correlation=%s): %v",
		e.MessageName, e.MessageID, e.SagaName, e.SagaID, e.CorrelationID, e.Err)
}

func (e *SagaProcessingError) Unwrap() error { return e.Err }

// ConfigError reports a definition-model misconfiguration (missing
// correlation rule, ambiguous guards). Fatal: detected at Build or first
// dispatch, never handled per-message.
type ConfigError struct {
	SagaName    string
	MessageName string
	Reason      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("xsaga: definition %s, message %s: %s", e.SagaName, e.MessageName, e.Reason)
}
