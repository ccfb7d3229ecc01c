package xsaga

import (
	"context"
	"fmt"
	"time"
)

// Factory produces a fresh zero-value business state for a new instance,
// and the decode target when loading a persisted one. It must return a
// pointer type.
type Factory func() any

// Guard is an applicability predicate over the decoded business state.
// Evaluated before handler invocation; at most one guard may match a given
// state among the bindings registered for a message type.
type Guard func(data any) bool

// CorrelationRule maps an inbound message to the business key routing it to
// its owning instance.
type CorrelationRule func(ctx context.Context, msg *Message) (string, error)

// TimeoutSpec declares a timeout armed automatically when an instance is
// created: After from creation time, delivering a synthetic message Name.
type TimeoutSpec struct {
	Name  string
	After time.Duration
}

type binding struct {
	message string
	guard   Guard // nil = unconditional
	handler Handler
}

type route struct {
	rule      CorrelationRule
	startsNew bool
	timeout   bool
}

// Definition is the immutable description of a saga: correlation rules,
// per-message handler bindings with guards, initial-state factory and
// timeout declarations. Produced by DefinitionBuilder.Build and safe for
// concurrent use across all dispatch workers.
type Definition struct {
	name     string
	factory  Factory
	bindings map[string][]binding
	routes   map[string]route
	timeouts []TimeoutSpec
	order    []string
}

// Name returns the saga name.
func (d *Definition) Name() string { return d.name }

// Messages returns the handled message types in registration order.
func (d *Definition) Messages() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// NewData returns a fresh business state from the factory.
func (d *Definition) NewData() any { return d.factory() }

// InitialTimeouts returns the timeouts armed at instance creation.
func (d *Definition) InitialTimeouts() []TimeoutSpec {
	out := make([]TimeoutSpec, len(d.timeouts))
	copy(out, d.timeouts)
	return out
}

func (d *Definition) routeFor(message string) (route, bool) {
	r, ok := d.routes[message]
	return r, ok
}

// resolve selects the single binding whose guard matches data. Zero matches
// means the message is a no-op for the current state. More than one match is
// a configuration fault surfaced as *ConfigError.
func (d *Definition) resolve(message string, data any) (*binding, error) {
	bs := d.bindings[message]
	var matched *binding
	for i := range bs {
		b := &bs[i]
		if b.guard != nil && !b.guard(data) {
			continue
		}
		if matched != nil {
			return nil, &ConfigError{
				SagaName:    d.name,
				MessageName: message,
				Reason:      "ambiguous guards: more than one handler matches the current state",
			}
		}
		matched = b
	}
	return matched, nil
}

// DefinitionBuilder accumulates handler registrations and correlation rules
// and produces an immutable Definition. No partially-built definition is
// ever dispatched against.
type DefinitionBuilder struct {
	name     string
	factory  Factory
	bindings map[string][]binding
	routes   map[string]route
	timeouts []TimeoutSpec
	order    []string
	errs     []error
}

// NewDefinition starts a builder for a saga with the given name and
// initial-state factory.
func NewDefinition(name string, factory Factory) *DefinitionBuilder {
	return &DefinitionBuilder{
		name:     name,
		factory:  factory,
		bindings: make(map[string][]binding),
		routes:   make(map[string]route),
	}
}

// HandlerOption refines a handler registration.
type HandlerOption func(*binding)

// When attaches a state guard to a handler registration.
func When(g Guard) HandlerOption {
	return func(b *binding) { b.guard = g }
}

// GuardOf adapts a typed predicate to a Guard. A state of a different
// concrete type never matches.
func GuardOf[T any](fn func(T) bool) Guard {
	return func(data any) bool {
		v, ok := data.(T)
		if !ok {
			return false
		}
		return fn(v)
	}
}

// StartsWith registers a creation-capable message: when no instance matches
// the correlation id, a new one is synthesized via the factory.
func (db *DefinitionBuilder) StartsWith(message string, rule CorrelationRule, h Handler, opts ...HandlerOption) *DefinitionBuilder {
	return db.register(message, rule, h, true, false, opts...)
}

// Handle registers a handler for a message that must correlate to an
// existing instance.
func (db *DefinitionBuilder) Handle(message string, rule CorrelationRule, h Handler, opts ...HandlerOption) *DefinitionBuilder {
	return db.register(message, rule, h, false, false, opts...)
}

// HandleTimeout registers a handler for a synthetic timeout message. The
// correlation rule is implicit: timeouts carry their saga's correlation id
// in envelope metadata.
func (db *DefinitionBuilder) HandleTimeout(name string, h Handler, opts ...HandlerOption) *DefinitionBuilder {
	return db.register(name, correlateTimeout(), h, false, true, opts...)
}

// WithTimeout declares a timeout armed automatically at instance creation,
// firing the synthetic message name after the given duration.
func (db *DefinitionBuilder) WithTimeout(name string, after time.Duration) *DefinitionBuilder {
	if name == "" {
		db.errs = append(db.errs, fmt.Errorf("xsaga: definition %s: timeout name must not be empty", db.name))
		return db
	}
	if after <= 0 {
		db.errs = append(db.errs, fmt.Errorf("xsaga: definition %s: timeout %q duration must be positive", db.name, name))
		return db
	}
	db.timeouts = append(db.timeouts, TimeoutSpec{Name: name, After: after})
	return db
}

func (db *DefinitionBuilder) register(message string, rule CorrelationRule, h Handler, startsNew, timeout bool, opts ...HandlerOption) *DefinitionBuilder {
	if message == "" {
		db.errs = append(db.errs, fmt.Errorf("xsaga: definition %s: message name must not be empty", db.name))
		return db
	}
	if h == nil {
		db.errs = append(db.errs, &ConfigError{SagaName: db.name, MessageName: message, Reason: "nil handler"})
		return db
	}

	b := binding{message: message, handler: h}
	for _, o := range opts {
		if o != nil {
			o(&b)
		}
	}

	if existing, ok := db.routes[message]; ok {
		// A message type has exactly one correlation rule; later
		// registrations may pass nil to reuse it.
		if rule != nil && existing.rule != nil && !timeout {
			db.errs = append(db.errs, &ConfigError{
				SagaName:    db.name,
				MessageName: message,
				Reason:      "correlation rule already registered for this message type",
			})
			return db
		}
		existing.startsNew = existing.startsNew || startsNew
		db.routes[message] = existing
	} else {
		db.routes[message] = route{rule: rule, startsNew: startsNew, timeout: timeout}
		db.order = append(db.order, message)
	}

	db.bindings[message] = append(db.bindings[message], b)
	return db
}

// Build validates the accumulated configuration and produces the immutable
// Definition. Any misconfiguration fails here, before anything is
// dispatched.
func (db *DefinitionBuilder) Build() (*Definition, error) {
	if db.name == "" {
		return nil, &ConfigError{SagaName: db.name, Reason: "saga name must not be empty"}
	}
	if db.factory == nil {
		return nil, &ConfigError{SagaName: db.name, Reason: "initial-state factory must not be nil"}
	}
	if len(db.errs) > 0 {
		return nil, db.errs[0]
	}
	if len(db.bindings) == 0 {
		return nil, &ConfigError{SagaName: db.name, Reason: "no handlers registered"}
	}

	hasStart := false
	for _, msg := range db.order {
		r := db.routes[msg]
		if r.rule == nil {
			return nil, &ConfigError{SagaName: db.name, MessageName: msg, Reason: "missing correlation rule"}
		}
		if r.startsNew {
			hasStart = true
		}
		bs := db.bindings[msg]
		if len(bs) > 1 {
			for i := range bs {
				if bs[i].guard == nil {
					return nil, &ConfigError{
						SagaName:    db.name,
						MessageName: msg,
						Reason:      "unconditional handler registered alongside guarded handlers",
					}
				}
			}
		}
	}
	if !hasStart {
		return nil, &ConfigError{SagaName: db.name, Reason: "no creation-capable message registered"}
	}

	def := &Definition{
		name:     db.name,
		factory:  db.factory,
		bindings: make(map[string][]binding, len(db.bindings)),
		routes:   make(map[string]route, len(db.routes)),
		timeouts: append([]TimeoutSpec(nil), db.timeouts...),
		order:    append([]string(nil), db.order...),
	}
	for k, v := range db.bindings {
		def.bindings[k] = append([]binding(nil), v...)
	}
	for k, v := range db.routes {
		def.routes[k] = v
	}
	return def, nil
}

// MustBuild is Build panicking on misconfiguration. Suitable for static
// wiring where a bad definition should abort startup.
func (db *DefinitionBuilder) MustBuild() *Definition {
	d, err := db.Build()
	if err != nil {
		panic(err)
	}
	return d
}
