package xsaga

import (
	"encoding/json"
	"errors"
	"time"
)

// DeadLetterSuffix names the dead-letter destination derived from the
// originating topic.
const DeadLetterSuffix = ".dlq"

// DeadLetterTopic returns the dead-letter destination for a topic.
func DeadLetterTopic(topic string) string { return topic + DeadLetterSuffix }

// FailureEntry is one failed attempt in an envelope's history.
type FailureEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// DeadLetterRecord is the terminal artifact for an envelope that exhausted
// its retries or hit a non-retryable failure. Never mutated after creation.
type DeadLetterRecord struct {
	Topic     string         `json:"topic"`
	Envelope  *Message       `json:"envelope"`
	Failures  []FailureEntry `json:"failures"`
	Error     string         `json:"error"`
	ErrorKind string         `json:"error_kind"`
	CreatedAt time.Time      `json:"created_at"`
}

// errorKind tags an error with its taxonomy name for failure history and
// dead-letter records.
func errorKind(err error) string {
	var (
		concurrency *ConcurrencyError
		transient   *TransientError
		validation  *ValidationError
		correlation *CorrelationError
		timeout     *SagaTimeoutError
		processing  *SagaProcessingError
		config      *ConfigError
	)
	switch {
	case errors.As(err, &concurrency):
		return "concurrency"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &correlation):
		return "correlation"
	case errors.As(err, &config):
		return "config"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &transient):
		return "transient"
	case errors.As(err, &processing):
		return "processing"
	default:
		return "unclassified"
	}
}

// failureHistory decodes the accumulated history from envelope metadata.
// A malformed history is dropped rather than poisoning the dispatch.
func failureHistory(msg *Message) []FailureEntry {
	raw := msg.Meta(MetaFailures)
	if raw == "" {
		return nil
	}
	var entries []FailureEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}

// appendFailure returns the metadata value for the history extended with one
// entry.
func appendFailure(msg *Message, at time.Time, err error) string {
	entries := append(failureHistory(msg), FailureEntry{
		At:      at,
		Kind:    errorKind(err),
		Message: err.Error(),
	})
	raw, merr := json.Marshal(entries)
	if merr != nil {
		return msg.Meta(MetaFailures)
	}
	return string(raw)
}
