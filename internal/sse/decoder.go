// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bytes"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DoneToken is the payload that terminates an OpenAI-style stream.
const DoneToken = "[DONE]"

// MaxLineSize bounds how many bytes the decoder buffers while waiting for a
// newline. A longer fragment is discarded and counted in Decoder.Dropped.
const MaxLineSize = 1 << 20

var dataField = []byte("data:")

// =============================================================================
// RECORD
// =============================================================================

// Record is one logical "data:" line with the field prefix removed.
type Record struct {
	Data string
}

// Done reports whether the record is the end-of-stream marker.
func (r Record) Done() bool {
	return r.Data == DoneToken
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder incrementally splits a byte stream into SSE data records.
// The zero value is ready to use. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	dropped int
}

// Feed appends chunk to the internal buffer and returns every record whose
// line is now complete. The trailing partial line, if any, stays buffered.
func (d *Decoder) Feed(chunk []byte) []Record {
	d.buf = append(d.buf, chunk...)

	var records []Record
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if rec, ok := parseLine(d.buf[:i]); ok {
			records = append(records, rec)
		}
		d.buf = d.buf[i+1:]
	}

	if len(d.buf) > MaxLineSize {
		d.buf = nil
		d.dropped++
	}

	// Release consumed capacity.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	} else if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 4096 {
		d.buf = append([]byte(nil), d.buf...)
	}

	return records
}

// Flush returns a final record when the stream ended on a data line with no
// trailing newline, and resets the decoder.
func (d *Decoder) Flush() []Record {
	rest := d.buf
	d.buf = nil
	if len(rest) == 0 {
		return nil
	}
	if rec, ok := parseLine(rest); ok {
		return []Record{rec}
	}
	return nil
}

// Buffered returns the number of bytes held back waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Dropped returns how many oversized fragments were discarded.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// parseLine extracts the payload of a "data:" line. Blank lines, comments
// and other fields (event:, id:, retry:) are not records.
func parseLine(line []byte) (Record, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataField) {
		return Record{}, false
	}
	payload := line[len(dataField):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return Record{Data: string(payload)}, true
}
