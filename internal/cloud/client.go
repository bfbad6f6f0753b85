// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/chaterp/internal/logger"
)

// Configuration constants for the upstream completion API.
const (
	// DefaultEndpoint is the chat completions URL used when none is configured.
	DefaultEndpoint = "https://api.operatornext.cn/v1/chat/completions"

	// DefaultModel is the model requested when none is configured.
	DefaultModel = "deepseek-v3-250324"

	// DefaultTimeout bounds one relay, including the whole stream.
	DefaultTimeout = 2 * time.Minute

	// DefaultMaxTokens is sent on non-streaming requests only.
	DefaultMaxTokens = 4000

	// MaxResponseSize is the maximum allowed non-streaming response body size.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 4096

	userAgent = "chaterp/1.0"
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// No client-level timeout: every request carries a deadline in its context.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// ERRORS
// =============================================================================

// Error variables for relay failures.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("API key is not configured")

	// ErrTransport indicates the request could not be sent or the response
	// could not be read.
	ErrTransport = errors.New("upstream transport error")

	// ErrTimeout indicates the relay exceeded its time budget.
	ErrTimeout = errors.New("upstream request timed out")

	// ErrEmptyResponse indicates a 2xx response with no completion choices.
	ErrEmptyResponse = errors.New("upstream returned no choices")
)

// StatusError is a non-2xx answer from the upstream API.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Is makes every StatusError match ErrTransport.
func (e *StatusError) Is(target error) bool {
	return target == ErrTransport
}

// StatusCode extracts the upstream HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`    // "user", "assistant", or "system"
	Content string `json:"content"` // The message content
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// GenerationParams are passed to the provider unchanged. Nil fields are
// omitted from the request body.
type GenerationParams struct {
	Model            string   `toml:"model" json:"model,omitempty"`
	Temperature      *float64 `toml:"temperature" json:"temperature,omitempty"`
	PresencePenalty  *float64 `toml:"presence_penalty" json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `toml:"frequency_penalty" json:"frequency_penalty,omitempty"`
	TopP             *float64 `toml:"top_p" json:"top_p,omitempty"`
	MaxTokens        *int     `toml:"max_tokens" json:"max_tokens,omitempty"`
}

// DefaultParams returns the generation settings the web front-end shipped
// with.
func DefaultParams() GenerationParams {
	return GenerationParams{
		Model:            DefaultModel,
		Temperature:      Float(0.5),
		PresencePenalty:  Float(0),
		FrequencyPenalty: Float(0),
		TopP:             Float(1),
		MaxTokens:        Int(DefaultMaxTokens),
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// ChatRequest is the JSON body sent to the completions endpoint.
type ChatRequest struct {
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	Model            string        `json:"model,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
}

// ChatResponse is a non-streaming completion.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// GetContent returns the content of the first choice.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client relays prompts to an OpenAI-compatible completions endpoint.
// A Client is safe for concurrent use once configured.
type Client struct {
	apiKey     string
	endpoint   string
	timeout    time.Duration
	params     GenerationParams
	httpClient *http.Client
	log        *log.Logger
}

// NewClient creates a client with the given API key and default settings.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		endpoint:   DefaultEndpoint,
		timeout:    DefaultTimeout,
		params:     DefaultParams(),
		httpClient: sharedHTTPClient,
		log:        logger.Component("cloud"),
	}
}

// WithEndpoint sets the completions URL.
func (c *Client) WithEndpoint(url string) *Client {
	if url != "" {
		c.endpoint = url
	}
	return c
}

// WithTimeout sets the upper bound for one relay. Zero or negative keeps
// the current value.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

// WithParams replaces the default generation parameters.
func (c *Client) WithParams(p GenerationParams) *Client {
	c.params = p
	return c
}

// WithModel overrides the model.
func (c *Client) WithModel(model string) *Client {
	if model != "" {
		c.params.Model = model
	}
	return c
}

// WithHTTPClient replaces the pooled HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithLogger replaces the component logger.
func (c *Client) WithLogger(l *log.Logger) *Client {
	if l != nil {
		c.log = l
	}
	return c
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// Endpoint returns the completions URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Params returns a copy of the default generation parameters.
func (c *Client) Params() GenerationParams {
	return c.params
}

// Timeout returns the relay time budget.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// APIKeyMasked returns a redacted form of the key for display.
func (c *Client) APIKeyMasked() string {
	if len(c.apiKey) <= 8 {
		if c.apiKey == "" {
			return ""
		}
		return "****"
	}
	return c.apiKey[:4] + "..." + c.apiKey[len(c.apiKey)-4:]
}

// buildRequest merges request-level parameters over the client defaults.
func (c *Client) buildRequest(req RelayRequest) ChatRequest {
	p := c.params
	o := req.Params
	if o.Model != "" {
		p.Model = o.Model
	}
	if o.Temperature != nil {
		p.Temperature = o.Temperature
	}
	if o.PresencePenalty != nil {
		p.PresencePenalty = o.PresencePenalty
	}
	if o.FrequencyPenalty != nil {
		p.FrequencyPenalty = o.FrequencyPenalty
	}
	if o.TopP != nil {
		p.TopP = o.TopP
	}
	if o.MaxTokens != nil {
		p.MaxTokens = o.MaxTokens
	}

	body := ChatRequest{
		Messages: []ChatMessage{
			NewSystemMessage(req.SystemPrompt),
			NewUserMessage(req.Prompt),
		},
		Stream:           req.Stream,
		Model:            p.Model,
		Temperature:      p.Temperature,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		TopP:             p.TopP,
	}
	// max_tokens is only sent on non-streaming requests.
	if !req.Stream {
		body.MaxTokens = p.MaxTokens
	}
	return body
}

// newHTTPRequest encodes body and sets the provider headers.
func (c *Client) newHTTPRequest(ctx context.Context, body ChatRequest) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	} else {
		req.Header.Set("Accept", "application/json, text/event-stream")
	}
	return req, nil
}

// readResponse reads a response body with the size cap applied.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeds %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts a non-2xx response into a StatusError,
// preferring the provider's own error message when it sent one.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
