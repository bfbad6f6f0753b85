// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/chaterp/internal/logger"
)

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore keeps conversations and the session index in a KV backend.
// It is safe for concurrent use.
type SessionStore struct {
	kv  KV
	mu  sync.Mutex
	now func() time.Time
	log *log.Logger
}

// NewSessionStore creates a store over kv.
func NewSessionStore(kv KV) *SessionStore {
	return &SessionStore{
		kv:  kv,
		now: time.Now,
		log: logger.Component("storage"),
	}
}

// WithClock replaces the time source used for lastUpdated.
func (s *SessionStore) WithClock(now func() time.Time) *SessionStore {
	if now != nil {
		s.now = now
	}
	return s
}

// KV returns the backend.
func (s *SessionStore) KV() KV {
	return s.kv
}

// Close closes the backend.
func (s *SessionStore) Close() error {
	return s.kv.Close()
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save persists conv under sessionID and moves it to the front of the
// index. conv.SessionID and conv.LastUpdated are set by Save. Sessions
// pushed out of the index have their records removed in the same batch.
func (s *SessionStore) Save(sessionID string, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(sessionID, conv, false)
}

func (s *SessionStore) saveLocked(sessionID string, conv *Conversation, resetTitle bool) error {
	if sessionID == "" {
		return fmt.Errorf("save: %w", ErrEmptyKey)
	}
	if sessionID == IndexKey {
		return fmt.Errorf("save: %q is reserved", IndexKey)
	}
	if conv == nil {
		return errors.New("save: nil conversation")
	}

	conv.SessionID = sessionID
	conv.LastUpdated = s.now()
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}

	record, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	index, err := s.readIndex()
	if err != nil {
		return err
	}

	summary := SessionSummary{
		SessionID:    sessionID,
		Title:        conv.Title(),
		PersonaID:    conv.PersonaID,
		LastUpdated:  conv.LastUpdated,
		MessageCount: len(conv.Messages),
	}

	next := make([]SessionSummary, 0, len(index)+1)
	next = append(next, summary)
	for _, old := range index {
		if old.SessionID == sessionID {
			if !resetTitle && old.Title != "" && old.Title != DefaultTitle {
				next[0].Title = old.Title
			}
			continue
		}
		next = append(next, old)
	}

	var evicted []SessionSummary
	if len(next) > MaxSummaries {
		evicted = next[MaxSummaries:]
		next = next[:MaxSummaries]
	}

	indexData, err := json.Marshal(sessionIndex{Sessions: next})
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	ops := []Op{Put(sessionID, record), Put(IndexKey, indexData)}
	for _, ev := range evicted {
		ops = append(ops, Del(ev.SessionID))
	}
	if err := s.kv.Apply(ops...); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}

	for _, ev := range evicted {
		s.log.Debug("session evicted from index", "session", ev.SessionID)
	}
	return nil
}

// Clear empties the messages of a stored session and resets its title.
func (s *SessionStore) Clear(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.load(sessionID)
	if err != nil {
		return err
	}
	conv.Messages = []Message{}
	return s.saveLocked(sessionID, conv, true)
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation by session id.
func (s *SessionStore) Load(sessionID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(sessionID)
}

func (s *SessionStore) load(sessionID string) (*Conversation, error) {
	if sessionID == "" || sessionID == IndexKey {
		return nil, sessionNotFound(sessionID)
	}
	raw, err := s.kv.Get(sessionID)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, sessionNotFound(sessionID)
	}
	if err != nil {
		return nil, err
	}

	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, &SessionError{Message: "corrupt session record", SessionID: sessionID, Err: err}
	}
	if conv.SessionID == "" {
		conv.SessionID = sessionID
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return &conv, nil
}

// ListSummaries returns the session index, most recently updated first.
func (s *SessionStore) ListSummaries() ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndex()
}

// MostRecent returns the id at the front of the index.
func (s *SessionStore) MostRecent() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil || len(index) == 0 {
		return "", false, err
	}
	return index[0].SessionID, true, nil
}

func (s *SessionStore) readIndex() ([]SessionSummary, error) {
	raw, err := s.kv.Get(IndexKey)
	if errors.Is(err, ErrKeyNotFound) {
		return []SessionSummary{}, nil
	}
	if err != nil {
		return nil, err
	}

	var idx sessionIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		// A corrupt index is rebuilt by the next save.
		s.log.Warn("ignoring corrupt session index", "err", err)
		return []SessionSummary{}, nil
	}
	if idx.Sessions == nil {
		idx.Sessions = []SessionSummary{}
	}
	return idx.Sessions, nil
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a session record and its index entry. Deleting an
// unknown session is not an error.
func (s *SessionStore) Delete(sessionID string) error {
	if sessionID == "" || sessionID == IndexKey {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return err
	}
	next := make([]SessionSummary, 0, len(index))
	for _, sum := range index {
		if sum.SessionID != sessionID {
			next = append(next, sum)
		}
	}

	indexData, err := json.Marshal(sessionIndex{Sessions: next})
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := s.kv.Apply(Del(sessionID), Put(IndexKey, indexData)); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// Prune deletes session records that are not referenced by the index and
// returns how many were removed.
func (s *SessionStore) Prune() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(index))
	for _, sum := range index {
		keep[sum.SessionID] = true
	}

	keys, err := s.kv.Keys(SessionPrefix)
	if err != nil {
		return 0, err
	}
	var ops []Op
	for _, k := range keys {
		if !keep[k] {
			ops = append(ops, Del(k))
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := s.kv.Apply(ops...); err != nil {
		return 0, err
	}
	return len(ops), nil
}
