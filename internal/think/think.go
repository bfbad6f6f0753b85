// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package think splits model output into a reasoning segment and a final
// answer using the <think>...</think> convention.
//
// Four shapes are recognized, checked in this order:
//
//  1. "<think>X</think>Y"  thinking = X, final = Y (marker span removed)
//  2. "X</think>Y"         thinking = X, final = Y (no opening marker)
//  3. "...<think>X"        thinking = X (provisional), final = ""
//  4. no markers           no thinking, final = input unchanged
//
// A paired opening and closing marker always wins over a bare closing
// marker, so "a</think>b<think>c</think>d" yields thinking "c" and final
// "a</think>bd".
package think

import (
	"fmt"
	"strings"
)

const (
	// OpenTag starts a thinking segment.
	OpenTag = "<think>"
	// CloseTag ends a thinking segment.
	CloseTag = "</think>"
)

// Result is the outcome of Parse.
type Result struct {
	// Thinking is the trimmed reasoning text. Only meaningful when
	// HasThinking is true.
	Thinking string

	// HasThinking reports whether any marker was found.
	HasThinking bool

	// Final is the answer text shown to the user.
	Final string

	// InProgress is set when an opening marker has no closing marker yet.
	InProgress bool
}

// ThinkingPtr returns the thinking segment as a pointer, nil when absent.
func (r Result) ThinkingPtr() *string {
	if !r.HasThinking {
		return nil
	}
	s := r.Thinking
	return &s
}

// Parse splits content into thinking and final segments.
func Parse(content string) Result {
	open := strings.Index(content, OpenTag)
	if open >= 0 {
		rest := content[open+len(OpenTag):]
		if end := strings.Index(rest, CloseTag); end >= 0 {
			thinking := rest[:end]
			final := content[:open] + rest[end+len(CloseTag):]
			return Result{
				Thinking:    strings.TrimSpace(thinking),
				HasThinking: true,
				Final:       strings.TrimSpace(final),
			}
		}
	}

	if end := strings.Index(content, CloseTag); end >= 0 {
		return Result{
			Thinking:    strings.TrimSpace(content[:end]),
			HasThinking: true,
			Final:       strings.TrimSpace(content[end+len(CloseTag):]),
		}
	}

	if open >= 0 {
		return Result{
			Thinking:    strings.TrimSpace(content[open+len(OpenTag):]),
			HasThinking: true,
			InProgress:  true,
		}
	}

	return Result{Final: content}
}

// ParseAny is Parse for values of unknown type, such as a decoded JSON
// field. nil is treated as empty text and other non-string values are
// formatted with fmt.Sprint.
func ParseAny(v any) Result {
	switch t := v.(type) {
	case nil:
		return Result{}
	case string:
		return Parse(t)
	case []byte:
		return Parse(string(t))
	case fmt.Stringer:
		return Parse(t.String())
	default:
		return Parse(fmt.Sprint(t))
	}
}
