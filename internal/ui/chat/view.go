// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	core "github.com/jeranaias/chaterp/internal/chat"
	"github.com/jeranaias/chaterp/internal/storage"
	"github.com/jeranaias/chaterp/internal/think"
	"github.com/jeranaias/chaterp/internal/ui/styles"
	"github.com/jeranaias/chaterp/internal/util"
)

// =============================================================================
// MAIN RENDER
// =============================================================================

// View renders header, transcript, input and status bar. Their heights add
// up to the terminal height set in handleResize.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		m.theme.InputBorder.Render(m.input.View()),
		m.renderStatusBar(),
	)
}

// =============================================================================
// HEADER
// =============================================================================

func (m Model) renderHeader() string {
	title := m.theme.HeaderTitle.Render("chaterp")
	persona := m.theme.HeaderPersona.Render(" | " + m.snap.Persona.Name)

	session := ""
	if conv := m.snap.Conversation; conv != nil && len(conv.Messages) > 0 {
		room := m.width - lipgloss.Width(title) - lipgloss.Width(persona) - 5
		if room > 8 {
			session = m.theme.HeaderPersona.Render(" | " + util.TruncateWidth(util.SingleLine(conv.Title()), room))
		}
	}

	return m.theme.Header.
		Width(m.width).
		MaxHeight(headerHeight).
		Render(title + persona + session)
}

// =============================================================================
// MESSAGES
// =============================================================================

// renderMessages renders the transcript followed by any open panel.
func (m *Model) renderMessages() string {
	width := max(20, m.width-2)
	var blocks []string

	conv := m.snap.Conversation
	if conv == nil || len(conv.Messages) == 0 {
		blocks = append(blocks, m.theme.Empty.Render(
			"Ask "+m.snap.Persona.Name+" anything. Enter sends, Alt+Enter adds a line, /help lists commands."))
	} else {
		showThinking := conv.ModeFlags.ThinkMode
		for _, msg := range conv.Messages {
			if msg.IsUser {
				blocks = append(blocks, m.renderUserMessage(msg, width))
			} else {
				blocks = append(blocks, m.renderAssistantMessage(msg, width, showThinking))
			}
		}
	}

	if m.panel != "" {
		blocks = append(blocks, m.theme.InputBorder.Width(width-2).Render(m.panel))
	}
	return strings.Join(blocks, "\n\n")
}

func (m *Model) renderUserMessage(msg storage.Message, width int) string {
	return m.theme.UserLabel.Render("you") + "\n" +
		m.theme.UserText.Width(width).Render(msg.Content)
}

func (m *Model) renderAssistantMessage(msg storage.Message, width int, showThinking bool) string {
	label := m.theme.AssistantLabel.Render(m.snap.Persona.Name)

	if msg.IsError {
		return label + "\n" + m.theme.ErrorText.Width(width).Render(msg.Content)
	}

	if msg.IsStreaming {
		r := think.Parse(msg.Content)
		if strings.TrimSpace(msg.Content) == "" || (r.InProgress && !showThinking) {
			return label + "\n" + m.theme.Notice.Render(m.spinner.View()+" thinking...")
		}
		var sb strings.Builder
		sb.WriteString(label)
		if showThinking && r.Thinking != "" {
			sb.WriteString("\n" + m.renderThinking(r.Thinking, width))
		}
		if r.Final != "" {
			sb.WriteString("\n" + lipgloss.NewStyle().Width(width).Render(r.Final))
		}
		return sb.String()
	}

	body := m.renderMarkdown(msg, width)
	if showThinking && msg.Thinking() != "" {
		return label + "\n" + m.renderThinking(msg.Thinking(), width) + "\n" + body
	}
	return label + "\n" + body
}

func (m *Model) renderThinking(text string, width int) string {
	return m.theme.ThinkingLabel.Render("Thinking") + "\n" +
		m.theme.Thinking.Width(width-2).Render(strings.TrimSpace(text))
}

// renderMarkdown renders a finalized reply, caching by message id.
func (m *Model) renderMarkdown(msg storage.Message, width int) string {
	if out, ok := m.rendered[msg.ID]; ok {
		return out
	}
	out := lipgloss.NewStyle().Width(width).Render(msg.Content)
	if m.md != nil {
		if s, err := m.md.Render(msg.Content); err == nil {
			out = strings.Trim(s, "\n")
		}
	}
	m.rendered[msg.ID] = out
	return out
}

// =============================================================================
// STATUS BAR
// =============================================================================

func (m Model) renderStatusBar() string {
	var state string
	switch {
	case m.submitting && !m.snap.Busy(), m.snap.Phase == core.PhaseAwaitingReply,
		m.snap.Phase == core.PhaseUserMessageAppended:
		state = m.theme.StatusBusy.Render(styles.StatusIndicators.Busy + " " + m.spinner.View() + " waiting")
	case m.snap.Phase == core.PhaseStreamingReply:
		state = m.theme.StatusBusy.Render(styles.StatusIndicators.Busy + " " + m.spinner.View() + " receiving")
	case m.snap.Phase == core.PhaseError:
		state = m.theme.StatusError.Render(styles.StatusIndicators.Error + " error")
	default:
		state = m.theme.StatusReady.Render(styles.StatusIndicators.Ready + " ready")
	}

	flags := "think " + m.toggle(m.snap.Conversation.ModeFlags.ThinkMode) +
		"  stream " + m.toggle(m.snap.Conversation.ModeFlags.Stream)

	left := state + "  " + flags
	notice := m.notice
	if notice == "" && m.snap.Phase == core.PhaseError && m.snap.LastError != nil {
		notice = m.snap.LastError.Error()
	}
	if notice != "" {
		style := m.theme.StatusHint
		if m.noticeErr || m.snap.Phase == core.PhaseError {
			style = m.theme.StatusError
		}
		room := m.width - lipgloss.Width(left) - 6
		if room > 8 {
			left += "  " + style.Render(util.TruncateWidth(util.SingleLine(notice), room))
		}
	}

	right := m.help.ShortHelpView(m.keys.ShortHelp())
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	line := left
	if gap >= 2 {
		line = left + strings.Repeat(" ", gap) + right
	}
	return m.theme.StatusBar.Width(m.width).MaxHeight(statusHeight).Render(line)
}

func (m Model) toggle(on bool) string {
	if on {
		return m.theme.ToggleOn.Render("on")
	}
	return m.theme.ToggleOff.Render("off")
}
