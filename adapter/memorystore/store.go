// Package memorystore provides an in-memory saga state store (dev/testing).
//
// Store name: "memory"
//
// It implements the full store contract: uniqueness of (name, id) and
// (name, correlationID), version compare-and-set on update, and defensive
// copies on every read and write. It is the reference implementation the
// contract tests run against.
package memorystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xsaga"
)

const StoreName = "memory"

func init() {
	if err := xsaga.RegisterStore(StoreName, func(_ map[string]any) (xsaga.Store, error) {
		return New(), nil
	}); err != nil {
		panic(fmt.Errorf("xsaga/memorystore: failed to register store: %w", err))
	}
}

type instanceKey struct {
	name string
	id   string
}

type correlationKey struct {
	name          string
	correlationID string
}

// Store keeps saga state in process memory under a single mutex. The mutex
// makes every operation atomic with respect to concurrent callers, which is
// what lets it arbitrate conflicting optimistic-concurrency writers.
type Store struct {
	mu          sync.Mutex
	byID        map[instanceKey]*xsaga.State
	correlation map[correlationKey]string // -> saga id
}

var _ xsaga.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		byID:        make(map[instanceKey]*xsaga.State),
		correlation: make(map[correlationKey]string),
	}
}

// GetByID returns a copy of the instance or xsaga.ErrNotFound.
func (s *Store) GetByID(_ context.Context, name, id string) (*xsaga.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byID[instanceKey{name: name, id: id}]
	if !ok {
		return nil, xsaga.ErrNotFound
	}
	return st.Clone(), nil
}

// GetByCorrelationID returns a copy of the live instance matching
// (name, correlationID) or xsaga.ErrNotFound.
func (s *Store) GetByCorrelationID(_ context.Context, name, correlationID string) (*xsaga.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.correlation[correlationKey{name: name, correlationID: correlationID}]
	if !ok {
		return nil, xsaga.ErrNotFound
	}
	st, ok := s.byID[instanceKey{name: name, id: id}]
	if !ok {
		return nil, xsaga.ErrNotFound
	}
	return st.Clone(), nil
}

// Insert persists a new instance, enforcing both uniqueness constraints
// atomically.
func (s *Store) Insert(_ context.Context, state *xsaga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := instanceKey{name: state.Name, id: state.ID}
	ck := correlationKey{name: state.Name, correlationID: state.CorrelationID}

	if _, exists := s.byID[ik]; exists {
		return &xsaga.DuplicateError{SagaName: state.Name, SagaID: state.ID, CorrelationID: state.CorrelationID}
	}
	if _, exists := s.correlation[ck]; exists {
		return &xsaga.DuplicateError{SagaName: state.Name, SagaID: state.ID, CorrelationID: state.CorrelationID}
	}

	s.byID[ik] = state.Clone()
	s.correlation[ck] = state.ID
	return nil
}

// Update atomically verifies the stored version equals expectedVersion and
// that the new state advances it by exactly one, then replaces the snapshot.
func (s *Store) Update(_ context.Context, state *xsaga.State, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := instanceKey{name: state.Name, id: state.ID}
	current, ok := s.byID[ik]
	if !ok {
		return xsaga.ErrNotFound
	}
	if current.Version != expectedVersion || state.Version != expectedVersion+1 {
		return &xsaga.ConcurrencyError{
			SagaName: state.Name,
			SagaID:   state.ID,
			Expected: expectedVersion,
			Actual:   current.Version,
		}
	}

	s.byID[ik] = state.Clone()
	return nil
}

// Delete removes an instance and frees its correlation key. Missing
// instances are ignored.
func (s *Store) Delete(_ context.Context, name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := instanceKey{name: name, id: id}
	st, ok := s.byID[ik]
	if !ok {
		return nil
	}
	delete(s.byID, ik)
	delete(s.correlation, correlationKey{name: name, correlationID: st.CorrelationID})
	return nil
}

// Close implements xsaga.Store.
func (s *Store) Close(_ context.Context) error {
	return nil
}

// Len returns the number of stored instances (test helper).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
