// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	core "github.com/jeranaias/chaterp/internal/chat"
	"github.com/jeranaias/chaterp/internal/logger"
	"github.com/jeranaias/chaterp/internal/ui/styles"
)

// Fixed heights of the chrome around the transcript.
const (
	headerHeight = 1
	inputLines   = 3
	inputHeight  = inputLines + 2 // rounded border
	statusHeight = 1
)

// Options configures the chat view.
type Options struct {
	// Context bounds every turn submitted from the view.
	Context context.Context

	// GlamourStyle is a glamour standard style ("dark", "light", "notty").
	// Empty renders replies as plain wrapped text.
	GlamourStyle string

	// FrameInterval is the minimum time between streamed redraws.
	FrameInterval time.Duration

	// ExportDir receives transcripts written by /export. Empty means the
	// current directory.
	ExportDir string
}

// =============================================================================
// CHAT MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat view.
type Model struct {
	ctrl *core.Controller
	ctx  context.Context

	theme *styles.Theme
	keys  KeyMap
	help  help.Model

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	mdStyle string
	md      *glamour.TermRenderer
	// rendered caches finalized replies by message id for the current width.
	rendered map[string]string

	snap       core.Snapshot
	submitting bool
	panel      string
	notice     string
	noticeErr  bool

	width    int
	height   int
	ready    bool
	quitting bool

	exportDir string
}

// New creates a chat model over ctrl.
func New(ctrl *core.Controller, opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}

	ta := textarea.New()
	ta.Placeholder = "Type a message, or /help"
	ta.ShowLineNumbers = false
	ta.Prompt = "> "
	ta.CharLimit = 8192
	ta.SetHeight(inputLines)
	ta.KeyMap.InsertNewline.SetKeys("alt+enter", "ctrl+j")
	ta.Focus()

	vp := viewport.New(80, 20)

	sp := spinner.New()
	sp.Spinner = spinner.Spinner{
		Frames: []string{"|", "/", "-", "\\"},
		FPS:    time.Second / 10,
	}

	return Model{
		ctrl:     ctrl,
		ctx:      ctx,
		theme:    styles.NewTheme(),
		keys:     DefaultKeyMap(),
		help:     help.New(),
		viewport: vp,
		input:    ta,
		spinner:  sp,
		mdStyle:  opts.GlamourStyle,
		rendered: make(map[string]string),
		snap:     ctrl.Snapshot(),

		exportDir: opts.ExportDir,
	}
}

// Init starts the cursor blink and the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

// Snapshot returns the state the view last rendered.
func (m Model) Snapshot() core.Snapshot {
	return m.snap
}

// busy reports whether a turn is in flight or about to start.
func (m Model) busy() bool {
	return m.submitting || m.snap.Busy()
}

// refresh pulls the current controller state.
func (m *Model) refresh() {
	m.snap = m.ctrl.Snapshot()
	m.syncViewport()
}

// handleResize lays the view out for a new terminal size.
func (m *Model) handleResize(width, height int) {
	m.width = width
	m.height = height
	m.theme.SetSize(width, height)

	m.input.SetWidth(width - 2)
	m.viewport.Width = width
	m.viewport.Height = max(1, height-headerHeight-inputHeight-statusHeight)
	m.help.Width = width

	m.md = nil
	if m.mdStyle != "" {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(m.mdStyle),
			glamour.WithWordWrap(max(20, width-4)),
		)
		if err != nil {
			logger.Debug("markdown renderer unavailable", "err", err)
		} else {
			m.md = r
		}
	}
	clear(m.rendered)

	m.ready = true
	m.syncViewport()
}

// syncViewport re-renders the transcript, following the bottom when the
// user has not scrolled away or a reply is arriving.
func (m *Model) syncViewport() {
	if !m.ready {
		return
	}
	follow := m.viewport.AtBottom() || m.busy()
	m.viewport.SetContent(m.renderMessages())
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) setNotice(text string, isErr bool) {
	m.notice = text
	m.noticeErr = isErr
}
