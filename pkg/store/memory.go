package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a Store backed by in-process maps. It exists for tests and
// single-process development servers; the compare-and-swap guarantee only
// holds within one process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Collection]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Collection]map[string][]byte),
	}
}

func (m *MemoryStore) Get(_ context.Context, col Collection, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[col][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, col Collection, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.collection(col)[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, col Collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.collection(col), key)
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, col Collection, key string, expected, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.data[col][key]
	if expected == nil {
		if exists {
			return ErrConflict
		}
	} else if !exists || !bytes.Equal(current, expected) {
		return ErrConflict
	}

	m.collection(col)[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) List(_ context.Context, col Collection, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []Entry
	for key, value := range m.data[col] {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{Key: key, Value: append([]byte(nil), value...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *MemoryStore) Scan(_ context.Context, col Collection, prefix, after string, limit int, reverse bool) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for key := range m.data[col] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if after != "" {
			if reverse && key >= after {
				continue
			}
			if !reverse && key <= after {
				continue
			}
		}
		keys = append(keys, key)
	}
	if reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	} else {
		sort.Strings(keys)
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, Entry{Key: key, Value: append([]byte(nil), m.data[col][key]...)})
	}
	return entries, nil
}

// collection returns the map for col, creating it if needed. Callers must
// hold the write lock.
func (m *MemoryStore) collection(col Collection) map[string][]byte {
	c, ok := m.data[col]
	if !ok {
		c = make(map[string][]byte)
		m.data[col] = c
	}
	return c
}
