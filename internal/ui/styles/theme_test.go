// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"strings"
	"testing"
)

func TestNewTheme(t *testing.T) {
	theme := NewTheme()
	if theme == nil {
		t.Fatal("NewTheme returned nil")
	}
	if got := theme.UserLabel.Render("you"); !strings.Contains(got, "you") {
		t.Errorf("UserLabel lost its text: %q", got)
	}
}

func TestThemeGetLayoutMode(t *testing.T) {
	tests := []struct {
		width int
		want  LayoutMode
	}{
		{0, LayoutNarrow},
		{59, LayoutNarrow},
		{60, LayoutMedium},
		{99, LayoutMedium},
		{100, LayoutWide},
		{250, LayoutWide},
	}
	theme := NewTheme()
	for _, tt := range tests {
		theme.SetSize(tt.width, 24)
		if got := theme.GetLayoutMode(); got != tt.want {
			t.Errorf("width %d: layout = %v, want %v", tt.width, got, tt.want)
		}
	}
}

func TestRenderError(t *testing.T) {
	got := RenderError("upstream failed")
	if !strings.Contains(got, StatusIndicators.Error) || !strings.Contains(got, "upstream failed") {
		t.Errorf("RenderError() = %q", got)
	}
}

func TestStatusIndicatorsDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []string{
		StatusIndicators.Ready,
		StatusIndicators.Busy,
		StatusIndicators.Error,
		StatusIndicators.Cancelled,
	} {
		if s == "" || seen[s] {
			t.Errorf("indicator %q is empty or repeated", s)
		}
		seen[s] = true
	}
}
