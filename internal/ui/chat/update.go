// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	core "github.com/jeranaias/chaterp/internal/chat"
)

// =============================================================================
// UPDATE
// =============================================================================

// Update handles one message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.handleResize(msg.Width, msg.Height)
		return m, nil

	case SnapshotMsg:
		m.snap = msg.Snapshot
		m.syncViewport()
		return m, nil

	case TurnDoneMsg:
		m.submitting = false
		if !msg.Started {
			m.setNotice("The message was not sent: a reply is still in progress", true)
		}
		m.refresh()
		return m, nil

	case NoticeMsg:
		m.setNotice(msg.Text, msg.Error)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.busy() {
			m.syncViewport()
		}
		return m, cmd

	case tea.KeyMsg:
		if next, cmd, handled := m.handleKey(msg); handled {
			return next, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	if _, isKey := msg.(tea.KeyMsg); !isKey {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// handleKey runs the view's own bindings. Unhandled keys go to the input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.busy() {
			if m.ctrl.Cancel() {
				m.setNotice("Cancelled", false)
			}
			m.refresh()
			return m, nil, true
		}
		m.quitting = true
		return m, tea.Quit, true

	case key.Matches(msg, m.keys.Cancel):
		if m.busy() && m.ctrl.Cancel() {
			m.setNotice("Cancelled", false)
		}
		m.panel = ""
		m.refresh()
		return m, nil, true

	case key.Matches(msg, m.keys.Submit):
		next, cmd := m.submit()
		return next, cmd, true

	case key.Matches(msg, m.keys.NewSession):
		m.ctrl.NewSession()
		m.panel = ""
		m.setNotice("New session", false)
		m.refresh()
		return m, nil, true

	case key.Matches(msg, m.keys.ToggleThink):
		on := !m.snap.Conversation.ModeFlags.ThinkMode
		m.ctrl.SetThinkMode(on)
		m.setNotice("Think mode "+onOff(on), false)
		m.refresh()
		return m, nil, true

	case key.Matches(msg, m.keys.ToggleStream):
		on := !m.snap.Conversation.ModeFlags.Stream
		m.ctrl.SetStreaming(on)
		m.setNotice("Streaming "+onOff(on), false)
		m.refresh()
		return m, nil, true

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.ViewUp()
		return m, nil, true

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.ViewDown()
		return m, nil, true

	case key.Matches(msg, m.keys.Help):
		m.togglePanel(m.helpPanel())
		return m, nil, true
	}
	return m, nil, false
}

// submit sends the input box as a turn or runs it as a slash command.
func (m Model) submit() (Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if strings.HasPrefix(text, "/") {
		m.input.Reset()
		return m.runCommand(text)
	}
	if m.busy() {
		m.setNotice("Wait for the reply to finish, or press Esc to stop it", true)
		return m, nil
	}

	m.input.Reset()
	m.panel = ""
	m.setNotice("", false)
	m.submitting = true
	m.syncViewport()
	return m, submitCmd(m.ctx, m.ctrl, text)
}

// submitCmd runs a whole turn off the update loop. Progress arrives as
// snapshots; the returned message only marks the end.
func submitCmd(ctx context.Context, ctrl *core.Controller, text string) tea.Cmd {
	return func() tea.Msg {
		return TurnDoneMsg{Started: ctrl.Submit(ctx, text)}
	}
}

func (m *Model) togglePanel(content string) {
	if m.panel == content {
		m.panel = ""
	} else {
		m.panel = content
	}
	m.syncViewport()
	m.viewport.GotoBottom()
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
