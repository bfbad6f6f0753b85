// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds the styled components of the chat view.
type Theme struct {
	IsDark       bool
	ColorProfile termenv.Profile

	Width  int
	Height int

	// ==========================================================================
	// HEADER
	// ==========================================================================

	Header        lipgloss.Style
	HeaderTitle   lipgloss.Style
	HeaderPersona lipgloss.Style

	// ==========================================================================
	// MESSAGES
	// ==========================================================================

	UserLabel      lipgloss.Style
	UserText       lipgloss.Style
	AssistantLabel lipgloss.Style
	Thinking       lipgloss.Style
	ThinkingLabel  lipgloss.Style
	ErrorText      lipgloss.Style
	Notice         lipgloss.Style
	Empty          lipgloss.Style

	// ==========================================================================
	// INPUT AND STATUS
	// ==========================================================================

	InputBorder lipgloss.Style
	StatusBar   lipgloss.Style
	StatusReady lipgloss.Style
	StatusBusy  lipgloss.Style
	StatusError lipgloss.Style
	StatusHint  lipgloss.Style
	ToggleOn    lipgloss.Style
	ToggleOff   lipgloss.Style
}

// NewTheme detects the terminal background and builds the styles.
func NewTheme() *Theme {
	t := &Theme{
		IsDark:       termenv.HasDarkBackground(),
		ColorProfile: termenv.ColorProfile(),
	}
	t.initStyles()
	return t
}

func (t *Theme) initStyles() {
	t.Header = lipgloss.NewStyle().
		Background(SurfaceDim).
		Padding(0, 1)
	t.HeaderTitle = lipgloss.NewStyle().
		Bold(true).
		Foreground(Purple)
	t.HeaderPersona = lipgloss.NewStyle().
		Foreground(TextSecondary)

	t.UserLabel = lipgloss.NewStyle().
		Bold(true).
		Foreground(Cyan)
	t.UserText = lipgloss.NewStyle().
		Foreground(TextPrimary)
	t.AssistantLabel = lipgloss.NewStyle().
		Bold(true).
		Foreground(Purple)
	t.Thinking = lipgloss.NewStyle().
		Foreground(TextMuted).
		Italic(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderLeft(true).
		BorderForeground(Amber).
		PaddingLeft(1)
	t.ThinkingLabel = lipgloss.NewStyle().
		Foreground(Amber)
	t.ErrorText = lipgloss.NewStyle().
		Foreground(Rose)
	t.Notice = lipgloss.NewStyle().
		Foreground(TextSecondary).
		Italic(true)
	t.Empty = lipgloss.NewStyle().
		Foreground(TextMuted).
		Padding(1, 2)

	t.InputBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Overlay)
	t.StatusBar = lipgloss.NewStyle().
		Background(SurfaceDim).
		Foreground(TextSecondary).
		Padding(0, 1)
	t.StatusReady = lipgloss.NewStyle().Foreground(Emerald)
	t.StatusBusy = lipgloss.NewStyle().Foreground(Amber)
	t.StatusError = lipgloss.NewStyle().Foreground(Rose).Bold(true)
	t.StatusHint = lipgloss.NewStyle().Foreground(TextMuted)
	t.ToggleOn = lipgloss.NewStyle().Foreground(Emerald)
	t.ToggleOff = lipgloss.NewStyle().Foreground(TextMuted)
}

// SetSize updates the theme dimensions for responsive layouts.
func (t *Theme) SetSize(width, height int) {
	t.Width = width
	t.Height = height
}

// GetLayoutMode returns the current layout mode based on width.
func (t *Theme) GetLayoutMode() LayoutMode {
	if t.Width < 60 {
		return LayoutNarrow
	}
	if t.Width < 100 {
		return LayoutMedium
	}
	return LayoutWide
}

// LayoutMode represents the current responsive layout mode.
type LayoutMode int

const (
	LayoutNarrow LayoutMode = iota // < 60 columns
	LayoutMedium                   // 60-100 columns
	LayoutWide                     // > 100 columns
)
