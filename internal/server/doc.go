// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP chat endpoint.
//
// The endpoint resolves a persona, relays the message to the upstream
// completions API and answers with either one JSON body or an SSE stream.
//
// # Endpoints
//
//   - GET  /chat     - streaming chat, parameters in the query string
//   - POST /chat     - chat with a JSON body, streaming when "stream" is true
//   - OPTIONS *      - CORS preflight, 204 with no body
//   - GET  /personas - persona catalog
//   - GET  /health   - health check
//
// # Responses
//
// Non-streaming success is {"content": "..."}. Streams carry one
// data: {"content": "..."} record per delta and end with data: [DONE], or
// with a single data: {"error": "..."} record on failure.
//
// # Usage
//
//	srv := server.NewServer(":3000").
//		WithRelay(cloud.NewClient(apiKey)).
//		WithPersonas(persona.Builtin())
//	if err := srv.ListenAndServe(ctx); err != nil {
//		log.Fatal(err)
//	}
package server
