package xsaga

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xlog"
)

// DispatchContext is the mutable pipeline context flowing through the
// middleware chain: the envelope, the resolved saga identity, and a bag for
// middleware metadata. The whole pipeline re-runs on a concurrency-conflict
// retry, so middleware must be side-effect-idempotent per envelope.
type DispatchContext struct {
	Envelope      *Message
	Topic         string
	SagaName      string
	SagaID        string
	CorrelationID string
	IsNew         bool

	// Values lets middleware attach metadata for later stages.
	Values map[string]any
}

// DispatchHandler is one stage of the pipeline.
type DispatchHandler func(ctx context.Context, dc *DispatchContext) error

// Middleware composes processing concerns around a DispatchHandler. A
// middleware may short-circuit by not invoking next.
type Middleware func(next DispatchHandler) DispatchHandler

// Chain composes middlewares around a handler in registration order: the
// first middleware is outermost.
func Chain(h DispatchHandler, mws ...Middleware) DispatchHandler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// RecoveryMiddleware converts handler panics into errors so a poison message
// cannot crash a dispatch worker. The bus always installs it innermost.
func RecoveryMiddleware() Middleware {
	return func(next DispatchHandler) DispatchHandler {
		return func(ctx context.Context, dc *DispatchContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, dc)
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a dispatch.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next DispatchHandler) DispatchHandler { return next }
	}
	return func(next DispatchHandler) DispatchHandler {
		return func(ctx context.Context, dc *DispatchContext) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(tctx, dc)
		}
	}
}

// LoggingMiddleware logs each pipeline pass with the resolved saga identity.
func LoggingMiddleware(l *xlog.Logger) Middleware {
	return func(next DispatchHandler) DispatchHandler {
		return func(ctx context.Context, dc *DispatchContext) error {
			lg := l.With(
				xlog.Str("saga", dc.SagaName),
				xlog.Str("saga_id", dc.SagaID),
				xlog.Str("correlation_id", dc.CorrelationID),
				xlog.Str("message", dc.Envelope.Name),
				xlog.Str("message_id", dc.Envelope.ID),
			)
			err := next(ctx, dc)
			if err != nil {
				lg.Warn().Err(err).Msg("xsaga dispatch failed")
				return err
			}
			lg.Debug().Msg("xsaga dispatch ok")
			return nil
		}
	}
}

// ValidationMiddleware rejects envelopes before they reach correlation or
// the handler. A non-nil result short-circuits the pipeline as a
// ValidationError.
func ValidationMiddleware(validate func(ctx context.Context, msg *Message) error) Middleware {
	return func(next DispatchHandler) DispatchHandler {
		return func(ctx context.Context, dc *DispatchContext) error {
			if err := validate(ctx, dc.Envelope); err != nil {
				return &ValidationError{Reason: "envelope rejected", Err: err}
			}
			return next(ctx, dc)
		}
	}
}
