package state

import (
	"context"
	"sync"
)

// MemoryStore keeps state in process memory. It never fails.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: Empty()}
}

func (m *MemoryStore) Get(context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, mutate func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.state.Clone()
	if err := mutate(&draft); err != nil {
		return err
	}
	m.state = draft.Clone()
	return nil
}
