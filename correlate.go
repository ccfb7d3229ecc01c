package xsaga

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// CorrelateField extracts the correlation id from the raw JSON payload at
// the given gjson path (e.g. "order_id" or "order.id"). A missing or empty
// value is a ValidationError: the message cannot be routed.
func CorrelateField(path string) CorrelationRule {
	return func(_ context.Context, msg *Message) (string, error) {
		r := gjson.GetBytes(msg.Payload, path)
		if !r.Exists() || r.String() == "" {
			return "", &ValidationError{
				Reason: fmt.Sprintf("correlation field %q missing from payload of %s", path, msg.Name),
			}
		}
		return r.String(), nil
	}
}

// CorrelateMeta reads the correlation id from an envelope metadata key.
func CorrelateMeta(key string) CorrelationRule {
	return func(_ context.Context, msg *Message) (string, error) {
		v := msg.Meta(key)
		if v == "" {
			return "", &ValidationError{
				Reason: fmt.Sprintf("correlation header %q missing from %s", key, msg.Name),
			}
		}
		return v, nil
	}
}

// CorrelateFunc adapts an arbitrary extraction function.
func CorrelateFunc(fn func(ctx context.Context, msg *Message) (string, error)) CorrelationRule {
	return fn
}

// correlateTimeout routes synthetic timeout messages by the correlation id
// the scheduler stamped into metadata.
func correlateTimeout() CorrelationRule {
	return CorrelateMeta(MetaCorrelationID)
}
