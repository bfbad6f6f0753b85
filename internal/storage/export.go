// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Export is the document written by SessionStore.Export.
type Export struct {
	Sessions      []SessionSummary `json:"sessions" yaml:"sessions"`
	Conversations []*Conversation  `json:"conversations" yaml:"conversations"`
}

// Snapshot collects the index and every indexed conversation. Index
// entries whose record is missing are skipped.
func (s *SessionStore) Snapshot() (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	out := &Export{Sessions: index, Conversations: make([]*Conversation, 0, len(index))}
	for _, sum := range index {
		conv, err := s.load(sum.SessionID)
		if errors.Is(err, ErrSessionNotFound) {
			s.log.Warn("indexed session has no record", "session", sum.SessionID)
			continue
		}
		if err != nil {
			return nil, err
		}
		out.Conversations = append(out.Conversations, conv)
	}
	return out, nil
}

// Export writes the snapshot to w as JSON or YAML.
func (s *SessionStore) Export(w io.Writer, format string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "yml" {
		format = FormatYAML
	}
	if format != FormatJSON && format != FormatYAML && format != "" {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	snap, err := s.Snapshot()
	if err != nil {
		return err
	}

	if format == FormatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
