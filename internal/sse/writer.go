// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer emits SSE data frames. When the destination implements
// http.Flusher every frame is flushed immediately.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// CanFlush reports whether frames reach the client as they are written.
func (w *Writer) CanFlush() bool {
	return w.flusher != nil
}

// WriteData writes one "data: <payload>\n\n" frame.
func (w *Writer) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteJSON marshals v and writes it as a data frame.
func (w *Writer) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return w.WriteData(data)
}

// WriteDone writes the [DONE] terminator.
func (w *Writer) WriteDone() error {
	return w.WriteData([]byte(DoneToken))
}

// WriteComment writes a ": text" line, which clients ignore. Useful as a
// keep-alive.
func (w *Writer) WriteComment(text string) error {
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// SetHeaders sets the response headers for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
