package xsaga

import (
	"time"
)

// Metadata keys the runtime reads and writes on envelopes. Transports must
// carry metadata opaquely; these keys are an engine-internal convention.
const (
	MetaCorrelationID = "xsaga-correlation-id"
	MetaSagaName      = "xsaga-saga-name"
	MetaSagaID        = "xsaga-saga-id"
	MetaTimeoutName   = "xsaga-timeout-name"
	MetaAttempt       = "xsaga-attempt"
	MetaFailures      = "xsaga-failures"
	MetaTraceID       = "xsaga-trace-id"
)

// Message is the envelope traveling the bus. The Payload is encoded via
// Codec. Immutable once constructed; the transport owns it until delivery,
// after which the dispatch pipeline owns it for the duration of one dispatch.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the logical message type used for saga routing.
	Name string
	// Payload is the encoded bytes of the message body.
	Payload []byte
	// Metadata is a bag for correlation headers, retry bookkeeping and
	// trace propagation.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
	// ScheduledAt optionally defers delivery until at or after the given
	// time. Zero means deliver immediately. Transports honor this for
	// retry backoff and timeout redelivery.
	ScheduledAt time.Time
}

// Meta returns the metadata value for key, or "" when absent.
func (m *Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// WithMeta returns a shallow copy of the message with key set in a copied
// metadata map. The original envelope is left untouched.
func (m *Message) WithMeta(key, value string) *Message {
	cp := *m
	cp.Metadata = make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// Command describes an outbound message a handler asks the runtime to
// publish after a successful commit.
type Command struct {
	Topic string
	Name  string
	// Payload is encoded with the bus codec at publish time.
	Payload any
	Meta    map[string]string
}
