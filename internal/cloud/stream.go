// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/chaterp/internal/sse"
)

// STREAMING: incremental SSE decoding, malformed records skipped

// readBufferSize is the size of each body read while streaming.
const readBufferSize = 4096

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk represents a single record of a streaming completion.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// errStreamDone stops dispatch after the [DONE] record.
var errStreamDone = errors.New("stream done")

// =============================================================================
// STREAMING RELAY
// =============================================================================

// relayStream performs a streaming completion and emits one content event
// per delta, in arrival order.
func (c *Client) relayStream(ctx context.Context, req RelayRequest, em emitter) error {
	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}

	var dec sse.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := c.dispatch(dec.Feed(buf[:n]), em); err != nil {
				return doneOrErr(err)
			}
		}
		if rerr == io.EOF {
			// A stream that ends without [DONE] is treated as complete.
			if err := c.dispatch(dec.Flush(), em); err != nil {
				return doneOrErr(err)
			}
			if dropped := dec.Dropped(); dropped > 0 {
				c.log.Warn("oversized stream records dropped", "count", dropped)
			}
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%w: %w", ErrTransport, rerr)
		}
	}
}

// dispatch turns decoded records into content events. It returns
// errStreamDone at the [DONE] record.
func (c *Client) dispatch(records []sse.Record, em emitter) error {
	for _, rec := range records {
		if rec.Done() {
			return errStreamDone
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(rec.Data), &chunk); err != nil {
			c.log.Debug("skipping malformed stream record", "err", err, "bytes", len(rec.Data))
			continue
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return fmt.Errorf("%w: %s", ErrTransport, chunk.Error.Message)
		}

		content := chunk.GetContent()
		if content == "" {
			continue
		}
		if !em.send(Event{Type: EventContent, Content: content}) {
			return em.ctx.Err()
		}
	}
	return nil
}

func doneOrErr(err error) error {
	if errors.Is(err, errStreamDone) {
		return nil
	}
	return err
}
