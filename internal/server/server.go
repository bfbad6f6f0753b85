// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/logger"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/sse"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = "127.0.0.1:3000"

	// MaxRequestBodySize is the maximum size for request body to prevent DoS (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024
)

// Version is reported by /health; main sets it at startup.
var Version = "dev"

// Error bodies returned by the chat endpoint.
const (
	msgMessageRequired = "message is required"
	msgUpstreamStatus  = "Failed to fetch from API"
	msgProcessing      = "Error processing chat request"
)

// Relayer is the upstream the chat endpoint forwards to. *cloud.Client
// implements it.
type Relayer interface {
	Relay(ctx context.Context, req cloud.RelayRequest) <-chan cloud.Event
	IsConfigured() bool
}

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks server usage statistics.
type ServerStats struct {
	TotalRequests    int64     `json:"total_requests"`
	StreamedRequests int64     `json:"streamed_requests"`
	FailedRequests   int64     `json:"failed_requests"`
	StartTime        time.Time `json:"start_time"`
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{StartTime: time.Now()}
}

// RecordRequest records one chat request.
func (s *ServerStats) RecordRequest(streamed, failed bool) {
	atomic.AddInt64(&s.TotalRequests, 1)
	if streamed {
		atomic.AddInt64(&s.StreamedRequests, 1)
	}
	if failed {
		atomic.AddInt64(&s.FailedRequests, 1)
	}
}

// GetStats returns a copy of the current stats.
func (s *ServerStats) GetStats() ServerStats {
	return ServerStats{
		TotalRequests:    atomic.LoadInt64(&s.TotalRequests),
		StreamedRequests: atomic.LoadInt64(&s.StreamedRequests),
		FailedRequests:   atomic.LoadInt64(&s.FailedRequests),
		StartTime:        s.StartTime,
	}
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// SERVER
// ============================================================================

// Server serves the chat endpoint. It keeps no state across requests
// besides counters.
type Server struct {
	addr   string
	router *http.ServeMux
	server *http.Server

	relay    Relayer
	personas *persona.Catalog
	params   cloud.GenerationParams
	cors     *CORSConfig
	stats    *ServerStats
	log      *log.Logger

	mu sync.RWMutex
}

// NewServer creates a new Server listening on addr.
// If addr is empty, DefaultAddr is used.
func NewServer(addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{
		addr:     addr,
		router:   http.NewServeMux(),
		personas: persona.Builtin(),
		cors:     DefaultCORSConfig(),
		stats:    NewServerStats(),
		log:      logger.Component("server"),
	}

	s.setupRoutes()
	return s
}

// WithRelay sets the upstream relay.
func (s *Server) WithRelay(r Relayer) *Server {
	s.SetRelay(r)
	return s
}

// SetRelay swaps the upstream relay. Requests in flight keep the relay
// they started with.
func (s *Server) SetRelay(r Relayer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = r
}

// WithPersonas sets the persona catalog.
func (s *Server) WithPersonas(c *persona.Catalog) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c != nil {
		s.personas = c
	}
	return s
}

// WithParams sets per-request generation overrides.
func (s *Server) WithParams(p cloud.GenerationParams) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return s
}

// WithCORS replaces the CORS configuration.
func (s *Server) WithCORS(c *CORSConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c != nil {
		s.cors = c
	}
	return s
}

// WithLogger replaces the component logger.
func (s *Server) WithLogger(l *log.Logger) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l != nil {
		s.log = l
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Stats returns the request counters.
func (s *Server) Stats() ServerStats {
	return s.stats.GetStats()
}

func (s *Server) current() (Relayer, *persona.Catalog, cloud.GenerationParams) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relay, s.personas, s.params
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /chat", s.handleChat)
	s.router.HandleFunc("POST /chat", s.handleChat)
	s.router.HandleFunc("GET /personas", s.handlePersonas)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlerLocked()
}

func (s *Server) handlerLocked() http.Handler {
	cors, l := s.cors, s.log
	return Chain(
		RecoveryMiddleware(l),
		SecurityHeadersMiddleware(),
		CORSMiddleware(cors),
		LoggingMiddleware(l),
	)(s.router)
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// ChatRequest is the input of the chat endpoint, from a JSON body or the
// query string.
type ChatRequest struct {
	Message   string `json:"message"`
	AdvisorID string `json:"advisorId"`
	PersonaID string `json:"personaId,omitempty"`
	ThinkMode bool   `json:"thinkMode"`
	Stream    bool   `json:"stream"`
}

// persona returns the requested persona id; advisorId wins over personaId.
func (r ChatRequest) persona() string {
	if r.AdvisorID != "" {
		return r.AdvisorID
	}
	return r.PersonaID
}

// ChatResponse is the non-streaming success body.
type ChatResponse struct {
	Content string `json:"content"`
}

// parseChatRequest reads a request from the query string (GET) or the JSON
// body (POST). GET requests always stream.
func parseChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		think, _ := strconv.ParseBool(q.Get("thinkMode"))
		return ChatRequest{
			Message:   q.Get("message"),
			AdvisorID: q.Get("advisorId"),
			PersonaID: q.Get("personaId"),
			ThinkMode: think,
			Stream:    true,
		}, nil
	}

	// CRITICAL FIX: Limit request body size to prevent DoS attacks
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, fmt.Errorf("request body exceeds maximum size of %d bytes", MaxRequestBodySize)
		}
		if errors.Is(err, io.EOF) {
			return req, errors.New("request body is empty")
		}
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	return req, nil
}

// handleChat handles GET and POST /chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := parseChatRequest(w, r)
	if err != nil {
		s.stats.RecordRequest(false, true)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	relay, personas, params := s.current()
	if relay == nil || !relay.IsConfigured() {
		s.log.Error("chat request rejected", "err", cloud.ErrNotConfigured)
		s.stats.RecordRequest(req.Stream, true)
		s.writeError(w, http.StatusInternalServerError, cloud.ErrNotConfigured.Error())
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		s.stats.RecordRequest(req.Stream, true)
		s.writeError(w, http.StatusBadRequest, msgMessageRequired)
		return
	}

	p := personas.Lookup(req.persona())
	s.log.Debug("chat request",
		"method", r.Method,
		"persona", p.ID,
		"stream", req.Stream,
		"think", req.ThinkMode,
		"chars", len(req.Message),
	)

	// The relay is bound to the client connection: a disconnect cancels it.
	events := relay.Relay(r.Context(), cloud.RelayRequest{
		Prompt:       req.Message,
		SystemPrompt: p.SystemPrompt,
		Stream:       req.Stream,
		Params:       params,
	})

	var failed bool
	if req.Stream {
		failed = s.streamChat(w, events)
	} else {
		failed = s.completeChat(w, events)
	}
	s.stats.RecordRequest(req.Stream, failed)
}

// completeChat collects the relay output into one JSON body.
func (s *Server) completeChat(w http.ResponseWriter, events <-chan cloud.Event) bool {
	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case cloud.EventContent:
			sb.WriteString(ev.Content)
		case cloud.EventError:
			s.writeRelayError(w, ev.Err)
			return true
		case cloud.EventDone:
			s.writeJSON(w, http.StatusOK, ChatResponse{Content: sb.String()})
			return false
		}
	}
	// Closed without a terminal event: the client went away.
	return true
}

// streamChat forwards relay events as SSE records. Headers are committed
// on the first event, so an upstream status error that arrives before any
// content is still answered with its status code.
func (s *Server) streamChat(w http.ResponseWriter, events <-chan cloud.Event) bool {
	var out *sse.Writer
	start := func() {
		if out != nil {
			return
		}
		sse.SetHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		out = sse.NewWriter(w)
		if !out.CanFlush() {
			s.log.Warn("response writer cannot flush; stream will arrive in one piece")
		}
	}

	for ev := range events {
		switch ev.Type {
		case cloud.EventContent:
			start()
			if err := out.WriteJSON(ChatResponse{Content: ev.Content}); err != nil {
				s.log.Debug("stream write failed", "err", err)
				return true
			}
		case cloud.EventError:
			if out == nil && cloud.StatusCode(ev.Err) != 0 {
				s.writeRelayError(w, ev.Err)
				return true
			}
			start()
			s.log.Warn("stream failed", "err", ev.Err)
			out.WriteJSON(map[string]string{"error": ev.Err.Error()})
			return true
		case cloud.EventDone:
			start()
			out.WriteDone()
			return false
		}
	}
	return true
}

// writeRelayError maps a relay error to a status code and JSON body.
func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	s.log.Warn("relay failed", "err", err)

	var se *cloud.StatusError
	switch {
	case errors.As(err, &se):
		body := map[string]string{"error": msgUpstreamStatus}
		if se.Message != "" {
			body["detail"] = se.Message
		}
		s.writeJSON(w, se.StatusCode, body)
	case errors.Is(err, cloud.ErrNotConfigured):
		s.writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, cloud.ErrTimeout):
		s.writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"message": msgProcessing,
			"error":   err.Error(),
		})
	default:
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"message": msgProcessing,
			"error":   err.Error(),
		})
	}
}

// ============================================================================
// PERSONAS / HEALTH
// ============================================================================

// handlePersonas handles GET /personas.
func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	_, personas, _ := s.current()
	s.writeJSON(w, http.StatusOK, map[string]any{"personas": personas.All()})
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status     string      `json:"status"`
	Configured bool        `json:"configured"`
	Version    string      `json:"version"`
	Uptime     string      `json:"uptime"`
	Stats      ServerStats `json:"stats"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	relay, _, _ := s.current()
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Configured: relay != nil && relay.IsConfigured(),
		Version:    Version,
		Uptime:     s.stats.Uptime().Round(time.Second).String(),
		Stats:      s.stats.GetStats(),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// newHTTPServer must be called with s.mu held.
func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.addr,
		Handler:           s.handlerLocked(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: streams last as long as the relay allows.
		IdleTimeout: 120 * time.Second,
		ErrorLog:    logger.Std(s.log),
	}
}

// prepare builds the http.Server used by Serve and ListenAndServe.
func (s *Server) prepare() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.server = s.newHTTPServer()
	return s.server
}

// Serve serves on an existing listener until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.prepare()
	s.log.Info("server starting", "addr", ln.Addr().String(), "version", Version)
	return srv.Serve(ln)
}

// ListenAndServe runs the server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := s.prepare()
	s.log.Info("server starting", "addr", ln.Addr().String(), "version", Version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	st := s.stats.GetStats()
	s.log.Info("server shutting down",
		"requests", st.TotalRequests,
		"streamed", st.StreamedRequests,
		"failed", st.FailedRequests,
	)
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response write failed", "err", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
