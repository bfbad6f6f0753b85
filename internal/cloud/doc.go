// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud relays prompts to an OpenAI-compatible chat completions
// endpoint and normalizes the reply into a stream of events.
//
// Both request modes produce the same event shape: content events in
// arrival order followed by exactly one terminal event (done or error).
// Streaming replies are decoded incrementally with the sse package; each
// content event carries only the new delta, never the accumulated text.
//
// # Key Types
//
//   - Client: configured connection to the provider (key, endpoint,
//     timeout, default generation parameters)
//   - RelayRequest: prompt, persona system prompt, stream flag, parameters
//   - Event: content delta, error, or done
//   - StatusError: non-2xx answer from the provider
//
// # Usage
//
//	client := cloud.NewClient(apiKey).WithEndpoint(url)
//	for ev := range client.Relay(ctx, cloud.RelayRequest{
//	    Prompt:       "hello",
//	    SystemPrompt: persona.SystemPrompt,
//	    Stream:       true,
//	}) {
//	    switch ev.Type {
//	    case cloud.EventContent:
//	        fmt.Print(ev.Content)
//	    case cloud.EventError:
//	        return ev.Err
//	    }
//	}
//
// # Errors
//
// A missing key yields ErrNotConfigured without any network call. Provider
// failures yield *StatusError; network failures wrap ErrTransport; a relay
// that outlives the client timeout yields ErrTimeout. Nothing is retried.
// Cancelling the context aborts the request and releases the connection.
package cloud
