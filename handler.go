package xsaga

import (
	"context"
	"time"
)

// Handler applies one message to one saga instance. It mutates the business
// state reachable via Step.Data and records side effects on the Step; it
// never touches the store directly. All persistence is mediated by the
// runtime so the commit remains the single point of truth.
type Handler func(ctx context.Context, step *Step) error

// Step is the handler's view of a single dispatch: the envelope, the decoded
// business state, and the side-effect collectors drained by the runtime
// after a successful commit.
type Step struct {
	msg   *Message
	state *State
	data  any
	isNew bool

	completed bool
	commands  []Command
	timeouts  []timeoutAsk
	cancels   []string
}

type timeoutAsk struct {
	name    string
	after   time.Duration
	payload any
}

// Message returns the inbound envelope.
func (s *Step) Message() *Message { return s.msg }

// Data returns the decoded business state: the factory's pointer type, fresh
// for a new instance, decoded from the persisted snapshot otherwise.
func (s *Step) Data() any { return s.data }

// SagaID returns the instance identity.
func (s *Step) SagaID() string { return s.state.ID }

// CorrelationID returns the business key this dispatch resolved.
func (s *Step) CorrelationID() string { return s.state.CorrelationID }

// Version returns the loaded version (0 for a new instance pending its first
// commit).
func (s *Step) Version() int64 { return s.state.Version }

// IsNew reports whether this dispatch created the instance.
func (s *Step) IsNew() bool { return s.isNew }

// Publish queues an outbound command. It is handed to the transport only
// after the state change commits.
func (s *Step) Publish(topic, name string, payload any, meta map[string]string) {
	s.commands = append(s.commands, Command{Topic: topic, Name: name, Payload: payload, Meta: meta})
}

// RequestTimeout asks for a synthetic message name to be delivered after the
// given duration. Scheduled only after a successful commit.
func (s *Step) RequestTimeout(name string, after time.Duration, payload any) {
	s.timeouts = append(s.timeouts, timeoutAsk{name: name, after: after, payload: payload})
}

// CancelTimeout cancels a previously requested, not-yet-fired timeout.
// Cancelling after firing is a no-op.
func (s *Step) CancelTimeout(name string) {
	s.cancels = append(s.cancels, name)
}

// Complete marks the instance terminal. Once the commit succeeds the
// instance accepts no further transitions.
func (s *Step) Complete() {
	s.completed = true
}

// StepData decodes the step's business state as T. It fails when the
// definition's factory produces a different type.
func StepData[T any](s *Step) (T, bool) {
	v, ok := s.data.(T)
	return v, ok
}
