// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend names accepted by OpenKV.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// =============================================================================
// KV INTERFACE
// =============================================================================

// Op is one write of a batch: a put, or a delete when Delete is set.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// Put returns a put operation.
func Put(key string, value []byte) Op {
	return Op{Key: key, Value: value}
}

// Del returns a delete operation. Deleting a missing key is not an error.
func Del(key string) Op {
	return Op{Key: key, Delete: true}
}

// KV is a durable string-keyed store.
//
// Apply is all-or-nothing: after an error no operation of the batch is
// visible.
type KV interface {
	Get(key string) ([]byte, error)
	Apply(ops ...Op) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// OpenKV opens a backend by name. path is ignored for the memory backend.
func OpenKV(backend, path string) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemoryKV(), nil
	case BackendFile, "":
		return OpenFileKV(path)
	case BackendSQLite:
		return OpenSQLiteKV(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func validateOps(ops []Op) error {
	for _, op := range ops {
		if op.Key == "" {
			return ErrEmptyKey
		}
	}
	return nil
}

// applyToMap applies ops to m in order.
func applyToMap(m map[string][]byte, ops []Op) {
	for _, op := range ops {
		if op.Delete {
			delete(m, op.Key)
			continue
		}
		v := make([]byte, len(op.Value))
		copy(v, op.Value)
		m[op.Key] = v
	}
}

func keysWithPrefix[V any](m map[string]V, prefix string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// MEMORY BACKEND
// =============================================================================

// MemoryKV keeps everything in a map.
type MemoryKV struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *MemoryKV) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Apply applies the batch under one lock.
func (m *MemoryKV) Apply(ops ...Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	applyToMap(m.data, ops)
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (m *MemoryKV) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return keysWithPrefix(m.data, prefix), nil
}

// Close marks the store closed.
func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
