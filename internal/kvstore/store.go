// Package kvstore is the persisted key-value store injected into the note
// ledger and the account resolver.
package kvstore

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("kvstore: not found")

type Entry struct {
	Key   []byte
	Value []byte
}

// Store is flushed on every mutation; there is no batching or implicit
// global instance.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// List returns entries whose key starts with prefix, ordered by key.
	List(prefix []byte) ([]Entry, error)
	Close() error
}

type memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() Store {
	return &memory{data: make(map[string][]byte)}
}

func (m *memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(value), nil
}

func (m *memory) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[string(key)] = bytes.Clone(value)
	return nil
}

func (m *memory) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, string(key))
	return nil
}

func (m *memory) List(prefix []byte) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			out = append(out, Entry{Key: []byte(k), Value: bytes.Clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

func (m *memory) Close() error {
	return nil
}
