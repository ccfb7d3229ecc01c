package xsaga

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// ErrorHandler is invoked once per dead-lettered envelope, for alerting.
type ErrorHandler func(ctx context.Context, rec *DeadLetterRecord, err error)

// UnhandledHook is invoked for envelopes matching no registered definition.
type UnhandledHook func(ctx context.Context, msg *Message)

// Bus is the saga orchestration runtime: it owns the subscription loop,
// resolves saga instances, drives the middleware pipeline and handler,
// commits state under optimistic concurrency, and routes failures to
// retry or dead-letter.
type Bus struct {
	transport   Transport
	store       Store
	scheduler   Scheduler
	codec       Codec
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware
	retry       RetryPolicy

	definitions map[string]*Definition
	byMessage   map[string][]*Definition

	errorHandler ErrorHandler
	unhandled    UnhandledHook

	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	baseCtx      context.Context
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics on the dispatch path.
type busMetrics struct {
	dispatchCount   atomic.Uint64
	commitCount     atomic.Uint64
	createCount     atomic.Uint64
	completeCount   atomic.Uint64
	conflictCount   atomic.Uint64
	retryCount      atomic.Uint64
	deadLetterCount atomic.Uint64
	timeoutSched    atomic.Uint64
	timeoutFired    atomic.Uint64
	unhandledCount  atomic.Uint64
	errorCount      atomic.Uint64
	processingNs    atomic.Int64
}

// Codec returns the configured codec.
func (b *Bus) Codec() Codec { return b.codec }

// Definition returns a registered definition by saga name.
func (b *Bus) Definition(name string) (*Definition, bool) {
	d, ok := b.definitions[name]
	return d, ok
}

// Publish encodes and sends a payload to a topic as a message name.
func (b *Bus) Publish(ctx context.Context, topic, name string, payload any, meta map[string]string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if name == "" {
		return &ValidationError{Reason: "message name must not be empty"}
	}

	data, err := b.codec.Marshal(payload)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}
	msg := &Message{
		Name:       name,
		Payload:    data,
		Metadata:   meta,
		ProducedAt: b.clock.Now(),
	}
	if err := b.transport.Publish(ctx, topic, msg); err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}
	return nil
}

// Subscribe binds the saga dispatch loop to a topic within a consumer group.
// Each delivered envelope runs the full dispatch state machine to completion
// on one transport worker; the store's conditional write is the only
// serialization point between concurrent dispatches.
func (b *Bus) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || group == "" {
		return nil, ErrInvalidSubscription
	}

	return b.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Warn().Msg("xsaga: dispatch panic (recovered)")
				b.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()
		b.dispatch(b.baseCtx, topic, d)
	})
}

// dispatch is one full pass of the state machine for one delivered envelope.
func (b *Bus) dispatch(ctx context.Context, topic string, d Delivery) {
	msg := d.Message()
	start := b.clock.Now()
	b.metrics.dispatchCount.Add(1)
	b.notifyAsync(Event{
		Type:        DispatchStart,
		Topic:       topic,
		MessageID:   msg.ID,
		MessageName: msg.Name,
		Attempt:     currentAttempt(msg),
	})

	if tn := msg.Meta(MetaTimeoutName); tn != "" {
		b.metrics.timeoutFired.Add(1)
		b.notifyAsync(Event{
			Type:          TimeoutFired,
			Topic:         topic,
			SagaName:      msg.Meta(MetaSagaName),
			SagaID:        msg.Meta(MetaSagaID),
			CorrelationID: msg.Meta(MetaCorrelationID),
			MessageName:   msg.Name,
			Err: &SagaTimeoutError{
				SagaName:    msg.Meta(MetaSagaName),
				SagaID:      msg.Meta(MetaSagaID),
				TimeoutName: tn,
			},
		})
	}

	defs := b.byMessage[msg.Name]
	if len(defs) == 0 {
		// Not an error: acknowledge and surface through the hook.
		b.metrics.unhandledCount.Add(1)
		if b.unhandled != nil {
			b.unhandled(ctx, msg)
		}
		b.notifyAsync(Event{Type: Unhandled, Topic: topic, MessageID: msg.ID, MessageName: msg.Name})
		b.ackWithTimeout(ctx, d, true, nil)
		return
	}

	var err error
	for _, def := range defs {
		if err = b.dispatchTo(ctx, topic, def, msg); err != nil {
			break
		}
	}

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	if err == nil {
		b.ackWithTimeout(ctx, d, true, nil)
		b.notifyAsync(Event{
			Type:        DispatchDone,
			Topic:       topic,
			MessageID:   msg.ID,
			MessageName: msg.Name,
			Duration:    duration,
		})
		return
	}

	b.metrics.errorCount.Add(1)
	b.failDispatch(ctx, topic, d, msg, err)
	b.notifyAsync(Event{
		Type:        DispatchDone,
		Topic:       topic,
		MessageID:   msg.ID,
		MessageName: msg.Name,
		Duration:    duration,
		Err:         err,
	})
}

// dispatchTo runs correlate/guard/pipeline/commit for one definition, with a
// bounded reload-and-rerun loop on commit conflicts: another writer's
// interleaved commit may have changed which guard matches.
func (b *Bus) dispatchTo(ctx context.Context, topic string, def *Definition, msg *Message) error {
	budget := b.retry.MaxAttempts
	for {
		err := b.runOnce(ctx, topic, def, msg)
		if err == nil {
			return nil
		}

		var conflict *ConcurrencyError
		var dup *DuplicateError
		if errors.As(err, &conflict) || errors.As(err, &dup) {
			b.metrics.conflictCount.Add(1)
			b.notifyAsync(Event{
				Type:        Conflict,
				Topic:       topic,
				SagaName:    def.name,
				MessageID:   msg.ID,
				MessageName: msg.Name,
				Err:         err,
			})
			budget--
			if budget > 0 {
				continue
			}
		}
		return err
	}
}

func (b *Bus) runOnce(ctx context.Context, topic string, def *Definition, msg *Message) (err error) {
	// Correlation rules and guard predicates are user code just like
	// handlers; a panic outside the middleware pipeline still becomes an
	// error so the retry and dead-letter accounting applies.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	rt, ok := def.routeFor(msg.Name)
	if !ok {
		return nil
	}

	corrID, err := rt.rule(ctx, msg)
	if err != nil {
		return err
	}

	st, err := b.store.GetByCorrelationID(ctx, def.name, corrID)
	isNew := false
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		if !rt.startsNew {
			return &CorrelationError{SagaName: def.name, MessageName: msg.Name, CorrelationID: corrID}
		}
		isNew = true
		now := b.clock.Now()
		st = &State{
			ID:            newID(now),
			Name:          def.name,
			CorrelationID: corrID,
			Version:       0,
			CreatedAt:     now,
		}
	default:
		return Transient(err)
	}

	if st.Completed {
		b.notifyAsync(Event{
			Type:          AlreadyCompleted,
			Topic:         topic,
			SagaName:      def.name,
			SagaID:        st.ID,
			CorrelationID: corrID,
			MessageID:     msg.ID,
			MessageName:   msg.Name,
		})
		return nil
	}

	data := def.NewData()
	if !isNew && len(st.Data) > 0 {
		if err := b.codec.Unmarshal(st.Data, data); err != nil {
			return &ValidationError{Reason: "state snapshot decode failed", Err: err}
		}
	}

	bind, err := def.resolve(msg.Name, data)
	if err != nil {
		return err
	}
	if bind == nil {
		// No guard matches the current state: a stale or duplicate
		// delivery observed after the transition it wanted. No-op.
		b.notifyAsync(Event{
			Type:          GuardSkipped,
			Topic:         topic,
			SagaName:      def.name,
			SagaID:        st.ID,
			CorrelationID: corrID,
			MessageID:     msg.ID,
			MessageName:   msg.Name,
			Version:       st.Version,
		})
		return nil
	}

	step := &Step{msg: msg, state: st, data: data, isNew: isNew}
	dc := &DispatchContext{
		Envelope:      msg,
		Topic:         topic,
		SagaName:      def.name,
		SagaID:        st.ID,
		CorrelationID: corrID,
		IsNew:         isNew,
		Values:        make(map[string]any),
	}

	ran := false
	invoke := func(hctx context.Context, _ *DispatchContext) error {
		ran = true
		if herr := bind.handler(hctx, step); herr != nil {
			return &SagaProcessingError{
				SagaName:      def.name,
				SagaID:        st.ID,
				CorrelationID: corrID,
				MessageName:   msg.Name,
				MessageID:     msg.ID,
				Err:           herr,
			}
		}
		return nil
	}

	// Recovery is always innermost; user middleware wraps it in
	// registration order.
	pipeline := Chain(RecoveryMiddleware()(invoke), b.middlewares...)

	hctx := injectDeps(ctx, b.codec, b.logger, b.clock)

	if err := pipeline(hctx, dc); err != nil {
		return err
	}
	if !ran {
		// Middleware short-circuited without error: acknowledged, no
		// state change.
		return nil
	}

	return b.commit(ctx, topic, def, st, corrID, step, isNew)
}

// commit persists the handler's state change and, only on success, releases
// the queued side effects. A crash between commit and publish is an
// at-least-once gap the transport's own redelivery closes.
func (b *Bus) commit(ctx context.Context, topic string, def *Definition, st *State, corrID string, step *Step, isNew bool) error {
	raw, err := b.codec.Marshal(step.data)
	if err != nil {
		return &ValidationError{Reason: "state snapshot encode failed", Err: err}
	}

	now := b.clock.Now()
	next := st.Clone()
	next.Data = raw
	next.Completed = step.completed
	next.UpdatedAt = now

	if isNew {
		next.Version = 1
		if err := b.store.Insert(ctx, next); err != nil {
			return storeFault(err)
		}
		b.metrics.createCount.Add(1)
		b.notifyAsync(Event{
			Type:          InstanceCreated,
			Topic:         topic,
			SagaName:      def.name,
			SagaID:        next.ID,
			CorrelationID: corrID,
			MessageID:     step.msg.ID,
			MessageName:   step.msg.Name,
			Version:       next.Version,
		})
	} else {
		expected := st.Version
		next.Version = expected + 1
		if err := b.store.Update(ctx, next, expected); err != nil {
			return storeFault(err)
		}
	}

	b.metrics.commitCount.Add(1)
	b.notifyAsync(Event{
		Type:          StateCommitted,
		Topic:         topic,
		SagaName:      def.name,
		SagaID:        next.ID,
		CorrelationID: corrID,
		MessageID:     step.msg.ID,
		MessageName:   step.msg.Name,
		Version:       next.Version,
	})
	if step.completed {
		b.metrics.completeCount.Add(1)
		b.notifyAsync(Event{
			Type:          SagaCompleted,
			Topic:         topic,
			SagaName:      def.name,
			SagaID:        next.ID,
			CorrelationID: corrID,
			Version:       next.Version,
		})
	}

	b.releaseEffects(ctx, topic, def, next, corrID, step, isNew, now)
	return nil
}

// releaseEffects publishes outbound commands and (un)schedules timeouts
// strictly after a successful commit. Failures here are surfaced, not
// retried: the state change already happened exactly once.
func (b *Bus) releaseEffects(ctx context.Context, topic string, def *Definition, st *State, corrID string, step *Step, isNew bool, now time.Time) {
	if isNew && !step.completed {
		for _, spec := range def.InitialTimeouts() {
			b.scheduleTimeout(ctx, TimeoutRequest{
				SagaName:      def.name,
				SagaID:        st.ID,
				CorrelationID: corrID,
				Name:          spec.Name,
				Topic:         topic,
				FireAt:        st.CreatedAt.Add(spec.After),
			})
		}
	}

	for _, ask := range step.timeouts {
		b.scheduleTimeout(ctx, TimeoutRequest{
			SagaName:      def.name,
			SagaID:        st.ID,
			CorrelationID: corrID,
			Name:          ask.name,
			Topic:         topic,
			FireAt:        now.Add(ask.after),
			Payload:       ask.payload,
		})
	}

	for _, name := range step.cancels {
		if err := b.scheduler.Cancel(ctx, def.name, st.ID, name); err != nil {
			b.logger.Warn().Err(err).Msg("xsaga: timeout cancel failed")
			continue
		}
		b.notifyAsync(Event{
			Type:          TimeoutCancelled,
			Topic:         topic,
			SagaName:      def.name,
			SagaID:        st.ID,
			CorrelationID: corrID,
			MessageName:   name,
		})
	}

	for _, cmd := range step.commands {
		dest := cmd.Topic
		if dest == "" {
			dest = topic
		}
		if err := b.Publish(ctx, dest, cmd.Name, cmd.Payload, cmd.Meta); err != nil {
			b.notifyAsync(Event{
				Type:          PublishFailure,
				Topic:         dest,
				SagaName:      def.name,
				SagaID:        st.ID,
				CorrelationID: corrID,
				MessageName:   cmd.Name,
				Err:           err,
			})
			b.logger.Warn().Err(err).Msg("xsaga: post-commit publish failed")
		}
	}
}

func (b *Bus) scheduleTimeout(ctx context.Context, req TimeoutRequest) {
	if err := b.scheduler.Schedule(ctx, req); err != nil {
		b.notifyAsync(Event{
			Type:          PublishFailure,
			Topic:         req.Topic,
			SagaName:      req.SagaName,
			SagaID:        req.SagaID,
			CorrelationID: req.CorrelationID,
			MessageName:   req.Name,
			Err:           err,
		})
		b.logger.Warn().Err(err).Msg("xsaga: timeout schedule failed")
		return
	}
	b.metrics.timeoutSched.Add(1)
	b.notifyAsync(Event{
		Type:          TimeoutScheduled,
		Topic:         req.Topic,
		SagaName:      req.SagaName,
		SagaID:        req.SagaID,
		CorrelationID: req.CorrelationID,
		MessageName:   req.Name,
	})
}

// failDispatch applies the retry policy to a failed dispatch: a retryable
// failure below the attempt cap is republished with a backoff delay and the
// original acked (transport-level redelivery, no busy loop); everything else
// becomes a dead-letter record, exactly once.
func (b *Bus) failDispatch(ctx context.Context, topic string, d Delivery, msg *Message, err error) {
	now := b.clock.Now()
	attempt := currentAttempt(msg)
	history := appendFailure(msg, now, err)

	if b.retry.Retryable(err) && attempt < b.retry.MaxAttempts {
		delay := b.retry.Delay(attempt)
		retry := msg.WithMeta(MetaAttempt, strconv.Itoa(attempt+1))
		retry.Metadata[MetaFailures] = history
		retry.ScheduledAt = now.Add(delay)

		if perr := b.transport.Publish(ctx, topic, retry); perr == nil {
			b.metrics.retryCount.Add(1)
			b.notifyAsync(Event{
				Type:        RetryScheduled,
				Topic:       topic,
				MessageID:   msg.ID,
				MessageName: msg.Name,
				Attempt:     attempt + 1,
				Err:         err,
			})
			b.ackWithTimeout(ctx, d, true, nil)
			return
		}
		// Could not republish: leave the envelope unacked and let the
		// transport redeliver it.
		b.ackWithTimeout(ctx, d, false, err)
		return
	}

	rec := &DeadLetterRecord{
		Topic:     topic,
		Envelope:  msg,
		Failures:  append(failureHistory(msg), FailureEntry{At: now, Kind: errorKind(err), Message: err.Error()}),
		Error:     err.Error(),
		ErrorKind: errorKind(err),
		CreatedAt: now,
	}
	if perr := b.Publish(ctx, DeadLetterTopic(topic), msg.Name, rec, nil); perr != nil {
		// Dead-letter routing is never retried; surface and move on.
		b.notifyAsync(Event{Type: PublishFailure, Topic: DeadLetterTopic(topic), MessageID: msg.ID, MessageName: msg.Name, Err: perr})
		b.logger.Error().Err(perr).Msg("xsaga: dead-letter publish failed")
	}
	b.metrics.deadLetterCount.Add(1)
	b.notifyAsync(Event{
		Type:        DeadLettered,
		Topic:       topic,
		MessageID:   msg.ID,
		MessageName: msg.Name,
		Attempt:     attempt,
		Err:         err,
	})
	if b.errorHandler != nil {
		b.errorHandler(ctx, rec, err)
	}
	b.ackWithTimeout(ctx, d, true, nil)
}

func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: Error, Err: err})
			b.logger.Warn().Err(err).Msg("xsaga: ack failed")
		}
		return
	}
	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Err: err})
		b.logger.Warn().Err(err).Msg("xsaga: nack failed")
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	return Metrics{
		Dispatched:        b.metrics.dispatchCount.Load(),
		Committed:         b.metrics.commitCount.Load(),
		Created:           b.metrics.createCount.Load(),
		Completed:         b.metrics.completeCount.Load(),
		Conflicts:         b.metrics.conflictCount.Load(),
		Retries:           b.metrics.retryCount.Load(),
		DeadLettered:      b.metrics.deadLetterCount.Load(),
		TimeoutsScheduled: b.metrics.timeoutSched.Load(),
		TimeoutsFired:     b.metrics.timeoutFired.Load(),
		Unhandled:         b.metrics.unhandledCount.Load(),
		Errors:            b.metrics.errorCount.Load(),
		EventsDropped:     b.observerPool.Stats().Dropped,
		AvgDispatchTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports bus health for liveness/readiness probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: time.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	if metrics.Errors > 0 && metrics.Dispatched > 0 {
		errorRate := float64(metrics.Errors) / float64(metrics.Dispatched)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: time.Now(),
	}
}

// Close gracefully shuts down the bus. Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if err := b.scheduler.Close(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("xsaga: scheduler close failed")
			closeErr = err
		}
		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xsaga: observer pool shutdown timeout")
				closeErr = err
			}
		}
		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xsaga: transport close failed")
			closeErr = err
		}
		if err := b.store.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xsaga: store close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events asynchronously (non-blocking).
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	observerCount := len(b.observers)
	if observerCount == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, observerCount)
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of dispatch time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}

// storeFault passes through the typed store errors the conflict loop and
// classifier understand and wraps everything else as transient.
func storeFault(err error) error {
	var conflict *ConcurrencyError
	var dup *DuplicateError
	if errors.As(err, &conflict) || errors.As(err, &dup) {
		return err
	}
	return Transient(err)
}

// currentAttempt reads the 1-based attempt number from envelope metadata.
func currentAttempt(msg *Message) int {
	if v := msg.Meta(MetaAttempt); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
