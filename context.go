package xsaga

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// dispatchDeps carries the collaborators a handler may need while decoding
// payloads, logging, or reading time. Injected once per dispatch pass.
type dispatchDeps struct {
	codec  Codec
	logger *xlog.Logger
	clock  xclock.Clock
}

type depsKey struct{}

func injectDeps(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	return context.WithValue(ctx, depsKey{}, dispatchDeps{codec: codec, logger: logger, clock: clock})
}

func depsFrom(ctx context.Context) (dispatchDeps, bool) {
	d, ok := ctx.Value(depsKey{}).(dispatchDeps)
	return d, ok
}

// CodecFromContext returns the Codec active for the current dispatch.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if d, ok := depsFrom(ctx); ok && d.codec != nil {
		return d.codec, true
	}
	return nil, false
}

// LoggerFromContext returns the dispatch logger.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if d, ok := depsFrom(ctx); ok && d.logger != nil {
		return d.logger, true
	}
	return nil, false
}

// ClockFromContext returns the bus clock.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if d, ok := depsFrom(ctx); ok && d.clock != nil {
		return d.clock, true
	}
	return nil, false
}
