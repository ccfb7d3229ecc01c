package xsaga

import (
	"context"
	"errors"
	"sync"
)

// Store is the persistence contract for saga state. Implementations are the
// serialization point for conflicting writers on the same (name, id): all
// operations must be atomic with respect to concurrent callers, and returned
// state must be defensively copied.
type Store interface {
	// GetByID returns the instance or ErrNotFound.
	GetByID(ctx context.Context, name, id string) (*State, error)
	// GetByCorrelationID returns the live instance matching the business
	// key, or ErrNotFound.
	GetByCorrelationID(ctx context.Context, name, correlationID string) (*State, error)
	// Insert persists a new instance with Version 1. Fails with
	// *DuplicateError when (name, id) or (name, correlationID) exists.
	Insert(ctx context.Context, state *State) error
	// Update atomically verifies the persisted version equals
	// expectedVersion and that state.Version == expectedVersion+1, else
	// fails with *ConcurrencyError carrying both versions.
	Update(ctx context.Context, state *State, expectedVersion int64) error
	// Delete removes an instance. Deleting a missing instance is not an
	// error.
	Delete(ctx context.Context, name, id string) error
	// Close releases resources.
	Close(ctx context.Context) error
}

// StoreFactory constructs stores from a config blob.
type StoreFactory func(cfg map[string]any) (Store, error)

var (
	storeRegistryMu sync.RWMutex
	storeRegistry   = map[string]StoreFactory{}
)

// RegisterStore registers a persistence adapter.
func RegisterStore(name string, factory StoreFactory) error {
	if name == "" {
		return errors.New("store name must not be empty")
	}
	if factory == nil {
		return errors.New("store factory must not be nil")
	}
	storeRegistryMu.Lock()
	storeRegistry[name] = factory
	storeRegistryMu.Unlock()
	return nil
}

// NewStore constructs a store by name with config.
func NewStore(name string, cfg map[string]any) (Store, error) {
	storeRegistryMu.RLock()
	f, ok := storeRegistry[name]
	storeRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownStore{name: name}
	}
	return f(cfg)
}
