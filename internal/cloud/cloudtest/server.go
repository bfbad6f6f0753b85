// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloudtest provides a simulated OpenAI-style completions provider
// for tests and offline demos.
//
// The default reply generator returns canned, keyword-triggered answers,
// including one with a reasoning preamble closed by </think>, so the whole
// pipeline can be exercised without a real provider.
package cloudtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/sse"
)

// ThinkingReply is the canned answer to prompts mentioning "test" or
// "thinking".
const ThinkingReply = `I need to analyze what the user is asking about testing or thinking functionality.

The user seems to be testing the thinking mode feature of the application.

I should provide information about how thinking mode works and demonstrate that the feature is functioning correctly.
</think>

I see you're testing the thinking mode feature! This is working correctly if you can see my thought process above this message.`

// Reply returns the canned answer for prompt.
func Reply(prompt string) string {
	lower := strings.ToLower(prompt)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	has := func(w string) bool {
		for _, x := range words {
			if x == w {
				return true
			}
		}
		return false
	}

	switch {
	case strings.Contains(lower, "test") || strings.Contains(lower, "thinking"):
		return ThinkingReply
	case has("hello") || has("hi"):
		return "Hello! I'm ChatERP. How can I help you today?"
	case has("help"):
		return "I can help you with various ERP-related tasks. What specific area would you like assistance with?"
	case strings.Contains(lower, "analyze"):
		return "I'll analyze that document for you. Please upload it or provide the text content."
	default:
		return "Thank you for your message. I'm ChatERP, and I'm here to assist with your business needs. Could you provide more details about what you're looking for?"
	}
}

// =============================================================================
// SERVER
// =============================================================================

// Server is a running simulated provider.
type Server struct {
	*httptest.Server

	replyFn    func(cloud.ChatRequest) string
	deltas     []string
	chunkSize  int
	status     int
	statusBody string
	malformed  bool
	noDone     bool
	hang       bool
	delay      time.Duration
	apiKey     string

	mu       sync.Mutex
	requests []Request
	open     atomic.Int32
}

// Request is one call received by the Server.
type Request struct {
	Header http.Header
	Body   cloud.ChatRequest
}

// Option configures a Server.
type Option func(*Server)

// WithReply answers every prompt with text.
func WithReply(text string) Option {
	return func(s *Server) {
		s.replyFn = func(cloud.ChatRequest) string { return text }
	}
}

// WithReplyFunc computes the answer from the request.
func WithReplyFunc(fn func(cloud.ChatRequest) string) Option {
	return func(s *Server) { s.replyFn = fn }
}

// WithDeltas streams exactly these deltas, one record each. Non-streaming
// calls receive their concatenation.
func WithDeltas(deltas ...string) Option {
	return func(s *Server) { s.deltas = deltas }
}

// WithChunkSize splits streamed replies into pieces of n runes.
func WithChunkSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithStatus makes every call fail with code and body.
func WithStatus(code int, body string) Option {
	return func(s *Server) {
		s.status = code
		s.statusBody = body
	}
}

// WithMalformedRecords interleaves unparsable records in streams.
func WithMalformedRecords() Option {
	return func(s *Server) { s.malformed = true }
}

// WithoutDone ends streams without the [DONE] record.
func WithoutDone() Option {
	return func(s *Server) { s.noDone = true }
}

// WithHang sends the first delta and then holds the stream open until the
// client disconnects.
func WithHang() Option {
	return func(s *Server) { s.hang = true }
}

// WithDelay pauses between streamed records.
func WithDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// WithAPIKey rejects requests whose bearer token differs from key.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// ProcessingComment is the comment line that opens every simulated stream.
const ProcessingComment = "PROCESSING"

// NewServer starts a simulated provider. Callers must Close it.
func NewServer(opts ...Option) *Server {
	s := &Server{
		replyFn:   func(r cloud.ChatRequest) string { return Reply(lastUser(r)) },
		chunkSize: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint returns the completions URL to configure clients with.
func (s *Server) Endpoint() string {
	return s.URL + "/v1/chat/completions"
}

// Requests returns a copy of the calls received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Open returns the number of requests still being served.
func (s *Server) Open() int {
	return int(s.open.Load())
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.open.Add(1)
	defer s.open.Add(-1)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body cloud.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Header: r.Header.Clone(), Body: body})
	s.mu.Unlock()

	if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	if s.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		fmt.Fprint(w, s.statusBody)
		return
	}

	deltas := s.deltas
	if deltas == nil {
		deltas = split(s.replyFn(body), s.chunkSize)
	}

	if !body.Stream {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-sim",
			"model": body.Model,
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": strings.Join(deltas, "")},
				"finish_reason": "stop",
			}},
		})
		return
	}

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sw := sse.NewWriter(w)
	// Hosted providers open streams with a comment while the model is queued.
	sw.WriteComment(ProcessingComment)

	for i, d := range deltas {
		if i > 0 && s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-r.Context().Done():
				return
			}
		}
		if s.malformed {
			sw.WriteData([]byte(`{"choices": [`))
		}
		sw.WriteJSON(chunk(d))
		if s.hang {
			<-r.Context().Done()
			return
		}
	}
	if !s.noDone {
		sw.WriteDone()
	}
}

func chunk(content string) map[string]any {
	return map[string]any{
		"id": "chatcmpl-sim",
		"choices": []map[string]any{{
			"delta": map[string]string{"content": content},
		}},
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": msg}})
}

func lastUser(r cloud.ChatRequest) string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

func split(s string, n int) []string {
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
