// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chaterp/internal/util"
)

const (
	// IndexKey is the well-known key of the session summary index.
	IndexKey = "chaterp-history"

	// SessionPrefix starts every session id.
	SessionPrefix = "chat-session-"

	// MaxSummaries caps the session index.
	MaxSummaries = 10

	// TitleLength is the number of characters kept for a derived title.
	TitleLength = 50

	// DefaultTitle is used for sessions without messages.
	DefaultTitle = "New Chat"
)

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one entry of a conversation.
type Message struct {
	ID           string    `json:"id" yaml:"id"`
	Content      string    `json:"content" yaml:"content"`
	IsUser       bool      `json:"isUser" yaml:"isUser"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	ThinkContent *string   `json:"thinkContent,omitempty" yaml:"thinkContent,omitempty"`
	IsStreaming  bool      `json:"isStreaming" yaml:"isStreaming"`
	IsError      bool      `json:"isError" yaml:"isError"`
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		IsUser:    true,
		Timestamp: time.Now(),
	}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Thinking returns the reasoning text, or "".
func (m Message) Thinking() string {
	if m.ThinkContent == nil {
		return ""
	}
	return *m.ThinkContent
}

// =============================================================================
// CONVERSATION
// =============================================================================

// ModeFlags are the per-session toggles.
type ModeFlags struct {
	ThinkMode bool `json:"thinkMode" yaml:"thinkMode"`
	Stream    bool `json:"stream" yaml:"stream"`
}

// Conversation is the persisted record of one session.
type Conversation struct {
	SessionID   string    `json:"sessionId" yaml:"sessionId"`
	Messages    []Message `json:"messages" yaml:"messages"`
	PersonaID   string    `json:"personaId" yaml:"personaId"`
	ModeFlags   ModeFlags `json:"modeFlags" yaml:"modeFlags"`
	LastUpdated time.Time `json:"lastUpdated" yaml:"lastUpdated"`
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return SessionPrefix + uuid.NewString()
}

// NewConversation returns an empty conversation with a fresh id.
func NewConversation(personaID string, flags ModeFlags) *Conversation {
	return &Conversation{
		SessionID:   NewSessionID(),
		Messages:    []Message{},
		PersonaID:   personaID,
		ModeFlags:   flags,
		LastUpdated: time.Now(),
	}
}

// Title derives the display title: the first user message, else the first
// assistant message, cut to TitleLength characters.
func (c *Conversation) Title() string {
	for _, user := range []bool{true, false} {
		for _, m := range c.Messages {
			if m.IsUser == user && strings.TrimSpace(m.Content) != "" {
				return util.FirstRunes(m.Content, TitleLength)
			}
		}
	}
	return DefaultTitle
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	for i, m := range out.Messages {
		if m.ThinkContent != nil {
			v := *m.ThinkContent
			out.Messages[i].ThinkContent = &v
		}
	}
	return &out
}

// =============================================================================
// SESSION SUMMARY
// =============================================================================

// SessionSummary is one entry of the session index.
type SessionSummary struct {
	SessionID    string    `json:"sessionId" yaml:"sessionId"`
	Title        string    `json:"title" yaml:"title"`
	PersonaID    string    `json:"personaId" yaml:"personaId"`
	LastUpdated  time.Time `json:"lastUpdated" yaml:"lastUpdated"`
	MessageCount int       `json:"messageCount" yaml:"messageCount"`
}

// sessionIndex is the JSON shape stored under IndexKey.
type sessionIndex struct {
	Sessions []SessionSummary `json:"sessions"`
}
