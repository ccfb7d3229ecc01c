package xsaga

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances. There is no process-wide default:
// construction and shutdown are explicit and owned by the hosting
// application.
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	storeName string
	storeCfg  map[string]any
	storeInst Store

	codecName string
	codecInst Codec

	definitions []*Definition
	middlewares []Middleware
	observers   []Observer
	scheduler   Scheduler
	retry       RetryPolicy

	errorHandler ErrorHandler
	unhandled    UnhandledHook

	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration
	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:   "json",
		ackTimeout:  5 * time.Second,
		poolWorkers: 4,
		poolBuffer:  1000,
	}
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from an
// adapter).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithStore(name string, cfg map[string]any) *BusBuilder {
	bb.storeName = name
	bb.storeCfg = cfg
	return bb
}

// WithStoreInstance accepts a ready Store instance.
func (bb *BusBuilder) WithStoreInstance(s Store) *BusBuilder {
	bb.storeInst = s
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithDefinition registers saga definitions with the bus.
func (bb *BusBuilder) WithDefinition(defs ...*Definition) *BusBuilder {
	for _, d := range defs {
		if d != nil {
			bb.definitions = append(bb.definitions, d)
		}
	}
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithScheduler replaces the default in-process timeout scheduler, e.g. with
// a durable one.
func (bb *BusBuilder) WithScheduler(s Scheduler) *BusBuilder {
	bb.scheduler = s
	return bb
}

// WithRetryPolicy sets the retry/dead-letter policy.
func (bb *BusBuilder) WithRetryPolicy(p RetryPolicy) *BusBuilder {
	bb.retry = p
	return bb
}

// WithErrorHandler registers the dead-letter alerting hook.
func (bb *BusBuilder) WithErrorHandler(h ErrorHandler) *BusBuilder {
	bb.errorHandler = h
	return bb
}

// WithUnhandledHook registers a hook for messages matching no definition.
func (bb *BusBuilder) WithUnhandledHook(h UnhandledHook) *BusBuilder {
	bb.unhandled = h
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// WithObserverPool configures the async observer pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	if workers > 0 {
		bb.poolWorkers = workers
	}
	if bufferSize > 0 {
		bb.poolBuffer = bufferSize
	}
	return bb
}

// Build validates the configuration and produces the Bus. Definition-model
// misconfiguration fails here, before any message is dispatched.
func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var st Store
	switch {
	case bb.storeInst != nil:
		st = bb.storeInst
	case bb.storeName != "":
		st, err = NewStore(bb.storeName, bb.storeCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoStoreConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	if len(bb.definitions) == 0 {
		return nil, ErrNoDefinitions
	}
	definitions := make(map[string]*Definition, len(bb.definitions))
	byMessage := make(map[string][]*Definition)
	for _, d := range bb.definitions {
		if _, dup := definitions[d.name]; dup {
			return nil, &ConfigError{SagaName: d.name, Reason: "definition registered twice"}
		}
		definitions[d.name] = d
		for _, m := range d.Messages() {
			byMessage[m] = append(byMessage[m], d)
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		transport:    tr,
		store:        st,
		codec:        cd,
		clock:        clk,
		logger:       lg,
		middlewares:  bb.middlewares,
		retry:        bb.retry.withDefaults(),
		definitions:  definitions,
		byMessage:    byMessage,
		errorHandler: bb.errorHandler,
		unhandled:    bb.unhandled,
		ackTimeout:   bb.ackTimeout,
		baseCtx:      context.Background(),
		metrics:      &busMetrics{},
	}

	if bb.scheduler != nil {
		b.scheduler = bb.scheduler
	} else {
		b.scheduler = NewTimerScheduler(tr, cd, clk, lg)
	}

	b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)

	// Attach the logging observer first for dependable telemetry unless
	// one was supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver && lg != nil {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via the builder and returns a close func for
// convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
