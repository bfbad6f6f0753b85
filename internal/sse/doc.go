// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse reads and writes the server-sent event framing used by
// OpenAI-style completion streams.
//
// # Key Types
//
//   - Decoder: incremental parser that turns arbitrary byte chunks into
//     complete "data:" records, buffering partial lines between calls
//   - Record: one decoded data payload, possibly the [DONE] terminator
//   - Writer: emits "data: ..." frames and flushes them to the client
//
// # Usage
//
// Feed body chunks as they arrive:
//
//	var dec sse.Decoder
//	for {
//	    n, err := body.Read(buf)
//	    for _, rec := range dec.Feed(buf[:n]) {
//	        if rec.Done() {
//	            return
//	        }
//	        handle(rec.Data)
//	    }
//	    if err != nil {
//	        break
//	    }
//	}
//	for _, rec := range dec.Flush() { ... }
//
// Write frames from an HTTP handler:
//
//	w := sse.NewWriter(rw)
//	w.WriteJSON(map[string]string{"content": delta})
//	w.WriteDone()
package sse
