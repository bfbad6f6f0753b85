// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chaterp/internal/chat"
	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/cloud/cloudtest"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/server"
	"github.com/jeranaias/chaterp/internal/storage"
)

// =============================================================================
// HELPERS
// =============================================================================

// endpoint runs the chat server over a simulated upstream and returns a
// transport pointed at it.
func endpoint(t *testing.T, apiKey string, opts ...cloudtest.Option) (*chat.HTTPTransport, *cloudtest.Server) {
	t.Helper()
	return endpointWithClient(t, func(c *cloud.Client) *cloud.Client { return c }, apiKey, opts...)
}

func endpointWithClient(t *testing.T, tune func(*cloud.Client) *cloud.Client, apiKey string, opts ...cloudtest.Option) (*chat.HTTPTransport, *cloudtest.Server) {
	t.Helper()
	up := cloudtest.NewServer(opts...)
	t.Cleanup(up.Close)

	client := cloud.NewClient(apiKey).WithEndpoint(up.Endpoint()).WithHTTPClient(up.Client())
	srv := httptest.NewServer(server.NewServer("").WithRelay(tune(client)).Handler())
	t.Cleanup(srv.Close)

	tr := chat.NewHTTPTransport(srv.URL + "/chat")
	tr.HTTPClient = srv.Client()
	return tr, up
}

// raw serves handler and returns a transport pointed at it.
func raw(t *testing.T, handler http.HandlerFunc) *chat.HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tr := chat.NewHTTPTransport(srv.URL)
	tr.HTTPClient = srv.Client()
	return tr
}

type deltaLog struct {
	mu  sync.Mutex
	got []string
}

func (d *deltaLog) add(s string) {
	d.mu.Lock()
	d.got = append(d.got, s)
	d.mu.Unlock()
}

// =============================================================================
// AGAINST THE CHAT ENDPOINT
// =============================================================================

func TestHTTPTransport_NonStreaming(t *testing.T) {
	tr, up := endpoint(t, "sk-test", cloudtest.WithReply("Hi there"))

	var deltas deltaLog
	text, err := tr.Send(context.Background(), chat.Request{Message: "hello", PersonaID: "askcba"}, deltas.add)

	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.Empty(t, deltas.got, "no deltas without streaming")

	reqs := up.Requests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].Body.Stream)
	assert.Equal(t, persona.Builtin().Lookup("askcba").SystemPrompt, reqs[0].Body.Messages[0].Content)
}

func TestHTTPTransport_Streaming(t *testing.T) {
	tr, up := endpoint(t, "sk-test", cloudtest.WithDeltas("Hel", "lo", " there"))

	var deltas deltaLog
	text, err := tr.Send(context.Background(), chat.Request{Message: "hello", Stream: true}, deltas.add)

	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)
	assert.Equal(t, []string{"Hel", "lo", " there"}, deltas.got)
	assert.True(t, up.Requests()[0].Body.Stream)
}

func TestHTTPTransport_NotConfigured(t *testing.T) {
	tr, up := endpoint(t, "")

	_, err := tr.Send(context.Background(), chat.Request{Message: "hi"}, nil)

	var se *chat.StatusError
	require.True(t, errors.As(err, &se), "err = %v", err)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, "API key is not configured", se.Message)
	assert.ErrorIs(t, err, chat.ErrEndpoint)
	assert.Empty(t, up.Requests())
}

func TestHTTPTransport_UpstreamStatus(t *testing.T) {
	tr, _ := endpoint(t, "sk-test", cloudtest.WithStatus(http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`))

	for _, stream := range []bool{false, true} {
		_, err := tr.Send(context.Background(), chat.Request{Message: "hi", Stream: stream}, nil)

		var se *chat.StatusError
		require.True(t, errors.As(err, &se), "stream=%v err=%v", stream, err)
		assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
		assert.Equal(t, "Failed to fetch from API: slow down", se.Message)
	}
}

func TestHTTPTransport_StreamErrorAfterContent(t *testing.T) {
	tr, _ := endpointWithClient(t, func(c *cloud.Client) *cloud.Client {
		return c.WithTimeout(100 * time.Millisecond)
	}, "sk-test", cloudtest.WithDeltas("part", "never"), cloudtest.WithHang())

	var deltas deltaLog
	text, err := tr.Send(context.Background(), chat.Request{Message: "hi", Stream: true}, deltas.add)

	assert.ErrorIs(t, err, chat.ErrEndpoint)
	assert.Equal(t, "part", text)
	assert.Equal(t, []string{"part"}, deltas.got)
}

func TestHTTPTransport_CancelClosesUpstream(t *testing.T) {
	tr, up := endpoint(t, "sk-test", cloudtest.WithDeltas("first", "never"), cloudtest.WithHang())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := tr.Send(ctx, chat.Request{Message: "hi", Stream: true}, func(string) { cancel() })

	assert.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool { return up.Open() == 0 },
		2*time.Second, 10*time.Millisecond, "upstream connection still open")
}

// =============================================================================
// CONTROLLER END TO END
// =============================================================================

func TestController_ThroughEndpoint(t *testing.T) {
	for _, stream := range []bool{false, true} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			tr, _ := endpoint(t, "sk-test", cloudtest.WithChunkSize(8))
			store := storage.NewSessionStore(storage.NewMemoryKV())
			c := chat.NewController(chat.Options{Store: store, Transport: tr, Stream: stream, ThinkMode: true})

			require.True(t, c.Submit(context.Background(), "is thinking mode working?"))

			msgs := c.Snapshot().Conversation.Messages
			require.Len(t, msgs, 2)
			assert.Contains(t, msgs[1].Content, "I see you're testing the thinking mode feature!")
			assert.Contains(t, msgs[1].Thinking(), "I need to analyze what the user is asking")
			assert.NotContains(t, msgs[1].Content, "</think>")

			summaries, err := store.ListSummaries()
			require.NoError(t, err)
			require.Len(t, summaries, 1)
			assert.Equal(t, "is thinking mode working?", summaries[0].Title)
		})
	}
}

func TestController_CancelMidStream(t *testing.T) {
	tr, up := endpoint(t, "sk-test", cloudtest.WithDeltas("first", "never"), cloudtest.WithHang())
	c := chat.NewController(chat.Options{Transport: tr, Stream: true})

	var once sync.Once
	c.Subscribe(func(s chat.Snapshot) {
		if s.Phase == chat.PhaseStreamingReply {
			once.Do(func() { c.Cancel() })
		}
	})

	require.True(t, c.Submit(context.Background(), "hi"))

	msgs := c.Snapshot().Conversation.Messages
	require.Len(t, msgs, 1, "placeholder is disposed, never finalized")
	require.Eventually(t, func() bool { return up.Open() == 0 },
		2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// RESPONSE SHAPES
// =============================================================================

func TestHTTPTransport_SingleBodyShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"content", `{"content":"a"}`, "a"},
		{"openai completion", `{"choices":[{"message":{"role":"assistant","content":"b"}}]}`, "b"},
		{"text", `{"text":"c"}`, "c"},
		{"empty content", `{"content":""}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := raw(t, func(w http.ResponseWriter, r *http.Request) {
				var req chat.Request
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.False(t, req.Stream)
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tt.body)
			})
			got, err := tr.Send(context.Background(), chat.Request{Message: "x"}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPTransport_SingleBodyWithoutContent(t *testing.T) {
	tr := raw(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"unexpected":true}`)
	})
	_, err := tr.Send(context.Background(), chat.Request{Message: "x"}, nil)
	assert.ErrorIs(t, err, chat.ErrEndpoint)
}

func TestHTTPTransport_StreamShapes(t *testing.T) {
	tr := raw(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, "data: {\"content\":\"a\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"content\":\"after done\"}\n\n")
	})

	var deltas deltaLog
	text, err := tr.Send(context.Background(), chat.Request{Message: "x", Stream: true}, deltas.add)

	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Equal(t, []string{"a", "b"}, deltas.got)
}

func TestHTTPTransport_StreamWithoutDone(t *testing.T) {
	tr := raw(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"partial answ\"}\n\n")
	})

	var deltas deltaLog
	text, err := tr.Send(context.Background(), chat.Request{Message: "x", Stream: true}, deltas.add)
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrEndpoint)
	assert.Contains(t, err.Error(), "[DONE]")
	assert.Equal(t, "partial answ", text)
	assert.Equal(t, []string{"partial answ"}, deltas.got)
}

func TestHTTPTransport_StreamDoneWithoutTrailingNewline(t *testing.T) {
	tr := raw(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"tail\"}\n\ndata: [DONE]")
	})

	text, err := tr.Send(context.Background(), chat.Request{Message: "x", Stream: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "tail", text)
}

func TestSubmit_TruncatedStreamIsAnError(t *testing.T) {
	tr := raw(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"The accrual is\"}\n\n")
	})
	c := chat.NewController(chat.Options{
		Store:     storage.NewSessionStore(storage.NewMemoryKV()),
		Transport: tr,
		Stream:    true,
	})

	require.True(t, c.Submit(context.Background(), "when do we accrue"))

	snap := c.Snapshot()
	require.Len(t, snap.Conversation.Messages, 2)
	last := snap.Conversation.Messages[1]
	assert.True(t, last.IsError)
	assert.Equal(t, chat.ErrorReply, last.Content)
	assert.Equal(t, chat.PhaseError, snap.Phase)
}

func TestHTTPTransport_StreamErrorRecord(t *testing.T) {
	tr := raw(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"x\"}\n\ndata: {\"error\":\"upstream request timed out\"}\n\n")
	})

	_, err := tr.Send(context.Background(), chat.Request{Message: "x", Stream: true}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrEndpoint)
	assert.Contains(t, err.Error(), "upstream request timed out")
}

func TestHTTPTransport_PlainErrorBody(t *testing.T) {
	tr := raw(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := tr.Send(context.Background(), chat.Request{Message: "x"}, nil)
	var se *chat.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "bad gateway", se.Message)
	assert.Equal(t, "chat endpoint returned HTTP 502: bad gateway", se.Error())
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := chat.NewHTTPTransport(url)
	tr.HTTPClient = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	_, err := tr.Send(context.Background(), chat.Request{Message: "x"}, nil)
	assert.ErrorIs(t, err, chat.ErrEndpoint)
}

func TestNewHTTPTransport_DefaultEndpoint(t *testing.T) {
	assert.Equal(t, chat.DefaultEndpoint, chat.NewHTTPTransport("").Endpoint)
}

// =============================================================================
// RELAY TRANSPORT
// =============================================================================

func TestRelayTransport(t *testing.T) {
	up := cloudtest.NewServer(cloudtest.WithDeltas("x", "y"))
	defer up.Close()

	client := cloud.NewClient("sk-test").WithEndpoint(up.Endpoint()).WithHTTPClient(up.Client())
	tr := chat.NewRelayTransport(client)

	var deltas deltaLog
	text, err := tr.Send(context.Background(), chat.Request{Message: "q", PersonaID: "business-risk", Stream: true}, deltas.add)

	require.NoError(t, err)
	assert.Equal(t, "xy", text)
	assert.Equal(t, []string{"x", "y"}, deltas.got)

	body := up.Requests()[0].Body
	assert.Equal(t, persona.Builtin().Lookup("business-risk").SystemPrompt, body.Messages[0].Content)
	assert.Equal(t, "q", body.Messages[1].Content)
}

func TestRelayTransport_Error(t *testing.T) {
	up := cloudtest.NewServer()
	defer up.Close()

	tr := chat.NewRelayTransport(cloud.NewClient("").WithEndpoint(up.Endpoint()).WithHTTPClient(up.Client()))
	_, err := tr.Send(context.Background(), chat.Request{Message: "q"}, nil)
	assert.ErrorIs(t, err, cloud.ErrNotConfigured)
}
