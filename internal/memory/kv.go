package memory

import (
	"context"
	"sort"
	"sync"
)

// KV is the session-keyed field store the memory state lives in. PutFields
// must apply all fields or none.
type KV interface {
	Get(ctx context.Context, sessionKey, field string) ([]byte, bool, error)
	Put(ctx context.Context, sessionKey, field string, value []byte) error
	PutFields(ctx context.Context, sessionKey string, fields map[string][]byte) error
	DeleteAll(ctx context.Context, sessionKey string) error
}

// KeyLister is implemented by stores that can enumerate sessions holding a
// given field. The stale-job sweeper and session listing rely on it.
type KeyLister interface {
	SessionKeys(ctx context.Context, field string) ([]string, error)
}

// MemKV is an in-process KV. It backs tests and the ephemeral REPL.
type MemKV struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemKV returns an empty in-memory store.
func NewMemKV() *MemKV {
	return &MemKV{data: map[string]map[string][]byte{}}
}

func (m *MemKV) Get(_ context.Context, sessionKey, field string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[sessionKey][field]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemKV) Put(ctx context.Context, sessionKey, field string, value []byte) error {
	return m.PutFields(ctx, sessionKey, map[string][]byte{field: value})
}

func (m *MemKV) PutFields(_ context.Context, sessionKey string, fields map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.data[sessionKey]
	if row == nil {
		row = map[string][]byte{}
		m.data[sessionKey] = row
	}
	for f, v := range fields {
		row[f] = append([]byte(nil), v...)
	}
	return nil
}

func (m *MemKV) DeleteAll(_ context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionKey)
	return nil
}

func (m *MemKV) SessionKeys(_ context.Context, field string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, row := range m.data {
		if _, ok := row[field]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
