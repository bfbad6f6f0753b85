// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists chat sessions.
//
// Conversations are stored as JSON documents in a key-value backend, one
// record per session id, next to a capped index of session summaries under
// IndexKey. Every mutation of the store is a single KV.Apply batch, so a
// crash never leaves the index pointing at a half-written record.
//
// # Backends
//
//   - MemoryKV: in-process map, used by tests and `--storage memory`
//   - FileKV: one JSON file replaced atomically on every batch
//   - SQLiteKV: a kv table in a SQLite database (pure Go driver)
//
// # Usage
//
//	kv, err := storage.OpenKV(storage.BackendFile, path)
//	store := storage.NewSessionStore(kv)
//	err = store.Save(conv.SessionID, conv)
//	summaries, err := store.ListSummaries()
package storage
