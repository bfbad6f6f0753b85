// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/logger"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/sse"
)

// DefaultEndpoint is the chat endpoint of a local `chaterp serve`.
const DefaultEndpoint = "http://127.0.0.1:3000/chat"

const (
	readBufferSize  = 4096
	maxResponseSize = 10 * 1024 * 1024
	maxErrorBody    = 4096
)

// Request is one turn sent to the chat endpoint.
type Request struct {
	Message   string `json:"message"`
	PersonaID string `json:"advisorId"`
	ThinkMode bool   `json:"thinkMode"`
	Stream    bool   `json:"stream"`
}

// Transport delivers a turn and returns the complete reply text. When
// req.Stream is set, onDelta receives each content delta in order before
// Send returns. Cancelling ctx must release the connection.
type Transport interface {
	Send(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrEndpoint is matched by every failure reported by the chat endpoint.
var ErrEndpoint = errors.New("chat endpoint error")

// StatusError is a non-2xx answer from the chat endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat endpoint returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("chat endpoint returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Is makes every StatusError match ErrEndpoint.
func (e *StatusError) Is(target error) bool {
	return target == ErrEndpoint
}

// =============================================================================
// HTTP TRANSPORT
// =============================================================================

// HTTPTransport posts turns to a chat endpoint.
type HTTPTransport struct {
	Endpoint   string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// NewHTTPTransport creates a transport for endpoint, or DefaultEndpoint
// when it is empty.
func NewHTTPTransport(endpoint string) *HTTPTransport {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &HTTPTransport{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Transport: http.DefaultTransport},
		Logger:     logger.Component("chat"),
	}
}

func (t *HTTPTransport) client() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}

func (t *HTTPTransport) log() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return logger.Logger
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := t.client().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readStream(ctx, resp.Body, onDelta)
	}
	return readSingle(resp.Body)
}

// readStream consumes SSE records until [DONE], an error record or EOF.
func (t *HTTPTransport) readStream(ctx context.Context, body io.Reader, onDelta func(string)) (string, error) {
	var (
		dec  sse.Decoder
		text strings.Builder
		buf  = make([]byte, readBufferSize)
	)

	handle := func(records []sse.Record) (bool, error) {
		for _, rec := range records {
			if rec.Done() {
				return true, nil
			}
			var payload streamPayload
			if err := json.Unmarshal([]byte(rec.Data), &payload); err != nil {
				t.log().Debug("skipping malformed stream record", "err", err)
				continue
			}
			if payload.Error != "" {
				return true, fmt.Errorf("%w: %s", ErrEndpoint, payload.Error)
			}
			if delta := payload.content(); delta != "" {
				text.WriteString(delta)
				if onDelta != nil {
					onDelta(delta)
				}
			}
		}
		return false, nil
	}

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			done, err := handle(dec.Feed(buf[:n]))
			if err != nil || done {
				return text.String(), err
			}
		}
		if rerr == io.EOF {
			if pending := dec.Buffered(); pending > 0 {
				t.log().Debug("stream ended mid-record", "bytes", pending)
			}
			done, err := handle(dec.Flush())
			if err == nil && !done {
				// The endpoint always closes with [DONE] or an error record.
				err = fmt.Errorf("%w: stream ended before [DONE]", ErrEndpoint)
			}
			return text.String(), err
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return text.String(), ctx.Err()
			}
			return text.String(), fmt.Errorf("%w: %w", ErrEndpoint, rerr)
		}
	}
}

// streamPayload accepts both the endpoint's {"content"} records and raw
// OpenAI chunks forwarded by other deployments.
type streamPayload struct {
	Content *string `json:"content"`
	Error   string  `json:"error"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p streamPayload) content() string {
	if p.Content != nil {
		return *p.Content
	}
	if len(p.Choices) > 0 {
		return p.Choices[0].Delta.Content
	}
	return ""
}

// singlePayload is a non-streaming body: {"content"}, an OpenAI
// completion, or {"text"}.
type singlePayload struct {
	Content *string `json:"content"`
	Text    *string `json:"text"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func readSingle(body io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEndpoint, err)
	}
	var p singlePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("%w: invalid response body: %w", ErrEndpoint, err)
	}
	switch {
	case p.Content != nil:
		return *p.Content, nil
	case len(p.Choices) > 0:
		return p.Choices[0].Message.Content, nil
	case p.Text != nil:
		return *p.Text, nil
	}
	return "", fmt.Errorf("%w: response has no content", ErrEndpoint)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))

	var body struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
		if body.Detail != "" {
			msg += ": " + body.Detail
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// =============================================================================
// RELAY TRANSPORT
// =============================================================================

// Relayer is the subset of *cloud.Client used by RelayTransport.
type Relayer interface {
	Relay(ctx context.Context, req cloud.RelayRequest) <-chan cloud.Event
}

// RelayTransport calls the upstream API in-process, resolving the persona
// prompt itself. It is used when no chat endpoint is running.
type RelayTransport struct {
	Relay    Relayer
	Personas *persona.Catalog
	Params   cloud.GenerationParams
}

// NewRelayTransport creates a transport over relay with the builtin
// personas.
func NewRelayTransport(relay Relayer) *RelayTransport {
	return &RelayTransport{Relay: relay, Personas: persona.Builtin()}
}

// Send implements Transport.
func (t *RelayTransport) Send(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	catalog := t.Personas
	if catalog == nil {
		catalog = persona.Builtin()
	}

	start := time.Now()
	events := t.Relay.Relay(ctx, cloud.RelayRequest{
		Prompt:       req.Message,
		SystemPrompt: catalog.Lookup(req.PersonaID).SystemPrompt,
		Stream:       req.Stream,
		Params:       t.Params,
	})

	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case cloud.EventContent:
			text.WriteString(ev.Content)
			if req.Stream && onDelta != nil {
				onDelta(ev.Content)
			}
		case cloud.EventError:
			return text.String(), ev.Err
		case cloud.EventDone:
			logger.Debug("relay turn finished", "elapsed", time.Since(start).Round(time.Millisecond))
			return text.String(), nil
		}
	}
	// Closed without a terminal event: ctx was cancelled.
	if err := ctx.Err(); err != nil {
		return text.String(), err
	}
	return text.String(), context.Canceled
}
