// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jeranaias/chaterp/internal/util"
)

// FileKV stores the whole keyspace as one JSON object in a single file.
// Each Apply rewrites the file with util.AtomicWriteFile, so the file on
// disk always holds a complete batch.
type FileKV struct {
	path   string
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

// OpenFileKV loads path, or starts empty when it does not exist yet.
func OpenFileKV(path string) (*FileKV, error) {
	if path == "" {
		return nil, errors.New("file backend requires a path")
	}
	kv := &FileKV{path: path, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return kv, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return kv, nil
	}
	if err := json.Unmarshal(raw, &kv.data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return kv, nil
}

// Path returns the backing file.
func (f *FileKV) Path() string {
	return f.path
}

// Get returns the value stored under key.
func (f *FileKV) Get(key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	v, ok := f.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return []byte(v), nil
}

// Apply writes the batch to disk, then publishes it in memory.
func (f *FileKV) Apply(ops ...Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	next := make(map[string]string, len(f.data)+len(ops))
	for k, v := range f.data {
		next[k] = v
	}
	for _, op := range ops {
		if op.Delete {
			delete(next, op.Key)
		} else {
			next[op.Key] = string(op.Value)
		}
	}

	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(f.path, raw, 0600); err != nil {
		return err
	}
	f.data = next
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (f *FileKV) Keys(prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	return keysWithPrefix(f.data, prefix), nil
}

// Close marks the store closed. Data is already on disk.
func (f *FileKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
