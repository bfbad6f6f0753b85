// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/chaterp/internal/logger"
	"github.com/jeranaias/chaterp/internal/storage"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// markdown renders replies for a terminal. A zero markdown prints text
// unchanged, which is what piped output gets.
type markdown struct {
	r *glamour.TermRenderer
}

// glamourStyle maps the configured theme to a glamour standard style.
func glamourStyle(theme string) string {
	switch theme {
	case "dark", "light", "notty", "ascii":
		return theme
	}
	if !ColorsEnabled() {
		return "notty"
	}
	if hasDarkBackground() {
		return "dark"
	}
	return "light"
}

// newMarkdown returns a renderer for out. Only terminals get glamour.
func newMarkdown(theme string, out io.Writer) *markdown {
	if !isTerminal(out) {
		return &markdown{}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(glamourStyle(theme)),
		glamour.WithWordWrap(widthOf(out)-4),
	)
	if err != nil {
		logger.Debug("markdown renderer unavailable", "err", err)
		return &markdown{}
	}
	return &markdown{r: r}
}

// Render returns content ready to print, ending in a newline.
func (m *markdown) Render(content string) string {
	if m != nil && m.r != nil {
		if out, err := m.r.Render(content); err == nil {
			return out
		}
	}
	if strings.HasSuffix(content, "\n") {
		return content
	}
	return content + "\n"
}

// =============================================================================
// MESSAGE DISPLAY
// =============================================================================

// printThinking writes a reasoning segment dimmed and indented.
func printThinking(w io.Writer, thinking string) {
	if strings.TrimSpace(thinking) == "" {
		return
	}
	fmt.Fprintln(w, DimStyle.Render("Thinking:"))
	for _, line := range strings.Split(WrapText(thinking, widthOf(w)-4), "\n") {
		fmt.Fprintln(w, DimStyle.Render("  "+line))
	}
	fmt.Fprintln(w)
}

// printMessage writes one stored message the way the REPL shows history.
func printMessage(w io.Writer, md *markdown, m storage.Message, showThinking bool) {
	switch {
	case m.IsUser:
		fmt.Fprintf(w, "%s %s\n", promptStyle.Render("you>"), m.Content)
	case m.IsError:
		fmt.Fprintln(w, ErrorStyle.Render(m.Content))
	default:
		if showThinking {
			printThinking(w, m.Thinking())
		}
		fmt.Fprint(w, md.Render(m.Content))
	}
}
