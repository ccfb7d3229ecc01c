package xsaga

import (
	"time"
)

// State is the persisted saga aggregate: a codec-encoded Data snapshot plus
// the metadata the runtime needs to correlate and commit it.
//
// (Name, ID) is globally unique; (Name, CorrelationID) is unique among live
// instances. Stores enforce both as constraints, not merely indexes.
type State struct {
	// ID is the stable instance identity, assigned at creation.
	ID string
	// Name identifies the owning Definition.
	Name string
	// CorrelationID is the business key routing subsequent messages.
	CorrelationID string
	// Version increments by exactly 1 on every successful commit,
	// starting at 1 for the first insert.
	Version int64
	// Completed marks the instance terminal; no further transitions are
	// accepted once set.
	Completed bool
	// Data is the user-defined business payload, encoded with the bus
	// codec. The runtime decodes it into the definition's state type
	// before guard evaluation and handler invocation.
	Data []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy. Stores hand out and accept clones so handler
// mutation cannot alias their internal representation.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Data != nil {
		cp.Data = make([]byte, len(s.Data))
		copy(cp.Data, s.Data)
	}
	return &cp
}
