// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/cloud/cloudtest"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/sse"
)

// =============================================================================
// HELPERS
// =============================================================================

// newTestServer wires a Server to a simulated upstream.
func newTestServer(t *testing.T, opts ...cloudtest.Option) (*Server, *cloudtest.Server) {
	t.Helper()
	up := cloudtest.NewServer(opts...)
	t.Cleanup(up.Close)

	client := cloud.NewClient("sk-test-key").
		WithEndpoint(up.Endpoint()).
		WithHTTPClient(up.Client())
	return NewServer("").WithRelay(client), up
}

func do(s *Server, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// records decodes an SSE body into its data payloads.
func records(body string) []string {
	var d sse.Decoder
	var out []string
	for _, r := range append(d.Feed([]byte(body)), d.Flush()...) {
		out = append(out, r.Data)
	}
	return out
}

func assertCORS(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", h.Get("Access-Control-Allow-Headers"))
}

// fakeRelay replays fixed events.
type fakeRelay struct {
	events []cloud.Event
}

func (f *fakeRelay) IsConfigured() bool { return true }

func (f *fakeRelay) Relay(ctx context.Context, req cloud.RelayRequest) <-chan cloud.Event {
	ch := make(chan cloud.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

// =============================================================================
// CORS / PREFLIGHT
// =============================================================================

func TestChat_Preflight(t *testing.T) {
	s, up := newTestServer(t)

	rec := do(s, http.MethodOptions, "/chat", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assertCORS(t, rec.Header())
	assert.Empty(t, up.Requests(), "preflight must not reach the upstream")
}

func TestCORS_SpecificOrigins(t *testing.T) {
	cfg := &CORSConfig{
		AllowedOrigins: []string{"https://erp.example.com", "*.jytech.dev"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	}
	h := CORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tests := []struct {
		origin string
		want   string
	}{
		{"https://erp.example.com", "https://erp.example.com"},
		{"https://app.jytech.dev", "https://app.jytech.dev"},
		{"https://evil.example.org", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/chat", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %q: Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
		if tt.want != "" && rec.Header().Get("Access-Control-Max-Age") != "600" {
			t.Errorf("origin %q: Max-Age = %q", tt.origin, rec.Header().Get("Access-Control-Max-Age"))
		}
	}
}

// =============================================================================
// CONFIGURATION / VALIDATION
// =============================================================================

func TestChat_MissingAPIKey(t *testing.T) {
	up := cloudtest.NewServer()
	defer up.Close()
	s := NewServer("").WithRelay(cloud.NewClient("").WithEndpoint(up.Endpoint()))

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		var rec *httptest.ResponseRecorder
		if method == http.MethodGet {
			rec = do(s, method, "/chat?message=hi", "")
		} else {
			rec = do(s, method, "/chat", `{"message":"hi"}`)
		}

		assert.Equal(t, http.StatusInternalServerError, rec.Code, method)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, map[string]string{"error": "API key is not configured"}, decodeBody(t, rec))
		assertCORS(t, rec.Header())
	}
	assert.Empty(t, up.Requests())
}

func TestChat_NoRelay(t *testing.T) {
	rec := do(NewServer(""), http.MethodPost, "/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChat_BadRequests(t *testing.T) {
	s, up := newTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"message":`, "invalid request body"},
		{"empty body", "", "request body is empty"},
		{"empty message", `{"message":"   "}`, msgMessageRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeBody(t, rec)["error"], tt.want)
		})
	}
	assert.Empty(t, up.Requests())
}

func TestChat_BodyTooLarge(t *testing.T) {
	s, _ := newTestServer(t)

	big := fmt.Sprintf(`{"message":"%s"}`, strings.Repeat("x", MaxRequestBodySize+10))
	rec := do(s, http.MethodPost, "/chat", big)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "maximum size")
}

// =============================================================================
// NON-STREAMING
// =============================================================================

func TestChat_PostNonStreaming(t *testing.T) {
	s, up := newTestServer(t, cloudtest.WithReply("Hi there"))

	rec := do(s, http.MethodPost, "/chat", `{"message":"Hello","advisorId":"general","thinkMode":false,"stream":false}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]string{"content": "Hi there"}, decodeBody(t, rec))
	assertCORS(t, rec.Header())

	reqs := up.Requests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].Body.Stream)
	assert.Equal(t, "Hello", reqs[0].Body.Messages[1].Content)

	st := s.Stats()
	assert.EqualValues(t, 1, st.TotalRequests)
	assert.EqualValues(t, 0, st.FailedRequests)
}

func TestChat_PersonaAlias(t *testing.T) {
	s, up := newTestServer(t, cloudtest.WithReply("ok"))

	do(s, http.MethodPost, "/chat", `{"message":"q","personaId":"askcba"}`)
	do(s, http.MethodPost, "/chat", `{"message":"q","advisorId":"business-risk","personaId":"askcba"}`)

	reqs := up.Requests()
	require.Len(t, reqs, 2)
	cat := persona.Builtin()
	assert.Equal(t, cat.Lookup("askcba").SystemPrompt, reqs[0].Body.Messages[0].Content)
	assert.Equal(t, cat.Lookup("business-risk").SystemPrompt, reqs[1].Body.Messages[0].Content)
}

func TestChat_CustomPersonas(t *testing.T) {
	s, up := newTestServer(t, cloudtest.WithReply("ok"))
	s.WithPersonas(persona.New(persona.Persona{ID: "general", SystemPrompt: "custom general"}))

	do(s, http.MethodPost, "/chat", `{"message":"q"}`)

	assert.Equal(t, "custom general", up.Requests()[0].Body.Messages[0].Content)
}

func TestChat_UpstreamStatus(t *testing.T) {
	for _, stream := range []bool{false, true} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			s, _ := newTestServer(t, cloudtest.WithStatus(http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`))

			rec := do(s, http.MethodPost, "/chat", fmt.Sprintf(`{"message":"q","stream":%v}`, stream))

			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "Failed to fetch from API", body["error"])
			assert.Equal(t, "overloaded", body["detail"])
			assert.EqualValues(t, 1, s.Stats().FailedRequests)
		})
	}
}

func TestChat_RelayErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"timeout", fmt.Errorf("%w after 2m0s", cloud.ErrTimeout), http.StatusGatewayTimeout},
		{"transport", fmt.Errorf("%w: connection refused", cloud.ErrTransport), http.StatusInternalServerError},
		{"not configured", cloud.ErrNotConfigured, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("").WithRelay(&fakeRelay{events: []cloud.Event{{Type: cloud.EventError, Err: tt.err}}})

			rec := do(s, http.MethodPost, "/chat", `{"message":"q"}`)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.err.Error(), body["error"])
			if tt.err != cloud.ErrNotConfigured {
				assert.Equal(t, "Error processing chat request", body["message"])
			}
		})
	}
}

// =============================================================================
// STREAMING
// =============================================================================

func TestChat_GetUnknownPersonaFallsBack(t *testing.T) {
	s, up := newTestServer(t, cloudtest.WithDeltas("Hel", "lo"))

	rec := do(s, http.MethodGet, "/chat?message=hello&advisorId=no-such-persona&thinkMode=true", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assertCORS(t, rec.Header())

	assert.Equal(t, []string{`{"content":"Hel"}`, `{"content":"lo"}`, "[DONE]"}, records(rec.Body.String()))

	reqs := up.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Body.Stream, "GET always streams")
	general := persona.Builtin().Lookup(persona.DefaultID)
	assert.Equal(t, general.SystemPrompt, reqs[0].Body.Messages[0].Content)
}

func TestChat_GetAndPostAreEquivalent(t *testing.T) {
	s, _ := newTestServer(t, cloudtest.WithReply("The quick brown fox"), cloudtest.WithChunkSize(5))

	q := url.Values{"message": {"hello"}, "advisorId": {"askcba"}}
	get := do(s, http.MethodGet, "/chat?"+q.Encode(), "")
	post := do(s, http.MethodPost, "/chat", `{"message":"hello","advisorId":"askcba","stream":true}`)

	assert.Equal(t, get.Code, post.Code)
	assert.Equal(t, records(get.Body.String()), records(post.Body.String()))
}

func TestChat_StreamErrorAfterContent(t *testing.T) {
	s := NewServer("").WithRelay(&fakeRelay{events: []cloud.Event{
		{Type: cloud.EventContent, Content: "partial"},
		{Type: cloud.EventError, Err: fmt.Errorf("%w: reset by peer", cloud.ErrTransport)},
	}})

	rec := do(s, http.MethodPost, "/chat", `{"message":"q","stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	got := records(rec.Body.String())
	require.Len(t, got, 2)
	assert.Equal(t, `{"content":"partial"}`, got[0])
	assert.Contains(t, got[1], `"error"`)
	assert.NotContains(t, rec.Body.String(), "[DONE]", "no end marker after an error")
}

// bufferedWriter is a ResponseWriter without http.Flusher.
type bufferedWriter struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func (w *bufferedWriter) Header() http.Header         { return w.header }
func (w *bufferedWriter) Write(b []byte) (int, error) { return w.body.Write(b) }
func (w *bufferedWriter) WriteHeader(code int)        { w.code = code }

func TestStreamChat_WarnsWhenWriterCannotFlush(t *testing.T) {
	var logs bytes.Buffer
	s := NewServer("").WithLogger(log.New(&logs))
	events := make(chan cloud.Event, 2)
	events <- cloud.Event{Type: cloud.EventContent, Content: "hi"}
	events <- cloud.Event{Type: cloud.EventDone}
	close(events)

	w := &bufferedWriter{header: http.Header{}}
	failed := s.streamChat(w, events)

	assert.False(t, failed)
	assert.Equal(t, http.StatusOK, w.code)
	assert.Equal(t, []string{`{"content":"hi"}`, "[DONE]"}, records(w.body.String()))
	assert.Contains(t, logs.String(), "cannot flush")
}

func TestChat_StreamTimeout(t *testing.T) {
	up := cloudtest.NewServer(cloudtest.WithDeltas("slow"), cloudtest.WithHang())
	defer up.Close()
	client := cloud.NewClient("sk-test").WithEndpoint(up.Endpoint()).
		WithHTTPClient(up.Client()).WithTimeout(100 * time.Millisecond)
	s := NewServer("").WithRelay(client)

	rec := do(s, http.MethodGet, "/chat?message=q", "")

	got := records(rec.Body.String())
	require.Len(t, got, 2)
	assert.Equal(t, `{"content":"slow"}`, got[0])
	assert.Contains(t, got[1], "timed out")
}

func TestChat_ClientDisconnectCancelsRelay(t *testing.T) {
	s, up := newTestServer(t, cloudtest.WithDeltas("first", "never"), cloudtest.WithHang())
	front := httptest.NewServer(s.Handler())
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, front.URL+"/chat?message=q", nil)
	require.NoError(t, err)

	resp, err := front.Client().Do(req)
	require.NoError(t, err)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"content\":\"first\"}\n", line)

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool { return up.Open() == 0 },
		2*time.Second, 10*time.Millisecond, "upstream request still open after disconnect")
}

// =============================================================================
// OTHER ROUTES
// =============================================================================

func TestHandlePersonas(t *testing.T) {
	s := NewServer("")
	rec := do(s, http.MethodGet, "/personas", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Personas []map[string]any `json:"personas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Personas, 6)
	assert.Equal(t, "general", body.Personas[0]["id"])
	assert.NotContains(t, body.Personas[0], "systemPrompt")
}

func TestHandleHealth(t *testing.T) {
	s := NewServer("")
	rec := do(s, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Configured)
	assert.Equal(t, Version, resp.Version)

	s.SetRelay(cloud.NewClient("sk-live"))
	rec = do(s, http.MethodGet, "/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Configured)
}

func TestSecurityHeaders(t *testing.T) {
	rec := do(NewServer(""), http.MethodGet, "/health", "")

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestNewServer_DefaultAddr(t *testing.T) {
	if got := NewServer("").Addr(); got != DefaultAddr {
		t.Errorf("Addr() = %q, want %q", got, DefaultAddr)
	}
	if got := NewServer(":9999").Addr(); got != ":9999" {
		t.Errorf("Addr() = %q, want %q", got, ":9999")
	}
}

func TestListenAndServe_Shutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRecoveryMiddleware(t *testing.T) {
	s := NewServer("")
	h := RecoveryMiddleware(s.log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Error processing chat request", body["message"])
	assert.Equal(t, "internal server error", body["error"])
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"), mw("c"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("abc"))
	rw.Flush()

	assert.Equal(t, http.StatusAccepted, rw.statusCode)
	assert.Equal(t, 3, rw.bytes)
	assert.True(t, rec.Flushed)
	assert.Equal(t, rec, rw.Unwrap())
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "203.0.113.7:5555", "", "203.0.113.7"},
		{"untrusted proxy ignored", "203.0.113.7:5555", "198.51.100.1", "203.0.113.7"},
		{"trusted proxy", "127.0.0.1:5555", "198.51.100.1, 10.0.0.1", "198.51.100.1"},
		{"trusted proxy bad header", "10.1.2.3:80", "not-an-ip", "10.1.2.3"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := GetClientIP(req); got != tt.want {
			t.Errorf("%s: GetClientIP() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSetTrustedProxies(t *testing.T) {
	defer SetTrustedProxies(nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	SetTrustedProxies([]string{"203.0.113.0/24", "bogus"})
	assert.Equal(t, "198.51.100.1", GetClientIP(req))

	SetTrustedProxies(nil)
	assert.Equal(t, "203.0.113.7", GetClientIP(req))
}
