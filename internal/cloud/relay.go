// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// RELAY TYPES
// =============================================================================

// EventType distinguishes relay events.
type EventType int

const (
	// EventContent carries one content delta (or the whole reply when not
	// streaming).
	EventContent EventType = iota
	// EventError is terminal and carries the failure.
	EventError
	// EventDone is terminal and marks a successful end of the reply.
	EventDone
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventContent:
		return "content"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one item of a relay stream.
type Event struct {
	Type    EventType
	Content string
	Err     error
}

// RelayRequest describes one completion call.
type RelayRequest struct {
	Prompt       string
	SystemPrompt string
	Stream       bool
	Params       GenerationParams
}

// emitter delivers events unless the consumer has gone away.
type emitter struct {
	ctx context.Context
	out chan<- Event
}

func (e emitter) send(ev Event) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.out <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// =============================================================================
// RELAY
// =============================================================================

// Relay starts a completion call and returns its events. The channel
// carries zero or more EventContent values followed by exactly one
// EventDone or EventError, then it is closed. If ctx is cancelled the
// request is aborted, the connection released and the channel closed
// without a terminal event.
func (c *Client) Relay(ctx context.Context, req RelayRequest) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		c.run(ctx, req, emitter{ctx: ctx, out: events})
	}()
	return events
}

func (c *Client) run(ctx context.Context, req RelayRequest, em emitter) {
	if !c.IsConfigured() {
		em.send(Event{Type: EventError, Err: ErrNotConfigured})
		return
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var err error
	if req.Stream {
		err = c.relayStream(rctx, req, em)
	} else {
		err = c.relayOnce(rctx, req, em)
	}

	if ctx.Err() != nil {
		c.log.Debug("relay cancelled", "stream", req.Stream, "elapsed", time.Since(start))
		return
	}
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		c.log.Warn("relay failed", "stream", req.Stream, "status", StatusCode(err), "err", err)
		em.send(Event{Type: EventError, Err: err})
		return
	}

	c.log.Debug("relay complete", "stream", req.Stream, "elapsed", time.Since(start))
	em.send(Event{Type: EventDone})
}

// relayOnce performs a blocking, non-streaming completion.
func (c *Client) relayOnce(ctx context.Context, req RelayRequest, em emitter) error {
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

	body, err := readResponse(resp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	var cr ChatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return ErrEmptyResponse
	}

	if !em.send(Event{Type: EventContent, Content: cr.GetContent()}) {
		return ctx.Err()
	}
	return nil
}

// Complete runs a relay to completion and returns the concatenated content.
// On error the partial content received so far is returned with it.
func (c *Client) Complete(ctx context.Context, req RelayRequest) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sb strings.Builder
	for ev := range c.Relay(ctx, req) {
		switch ev.Type {
		case EventContent:
			sb.WriteString(ev.Content)
		case EventError:
			return sb.String(), ev.Err
		case EventDone:
			return sb.String(), nil
		}
	}
	return sb.String(), ctx.Err()
}
