package kvstore

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by single-process
// tooling that has no database.
type MemoryStore struct {
	mtx  sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]map[string]json.RawMessage{}}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, namespace, key string) (json.RawMessage, bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	v, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, namespace, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = map[string]json.RawMessage{}
		m.data[namespace] = ns
	}
	ns[key] = raw
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, namespace string) (map[string]json.RawMessage, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	out := map[string]json.RawMessage{}
	for k, v := range m.data[namespace] {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}
