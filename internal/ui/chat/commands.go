// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/chaterp/internal/export"
	"github.com/jeranaias/chaterp/internal/storage"
	"github.com/jeranaias/chaterp/internal/util"
)

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// slashCommands is the help listing, in display order.
var slashCommands = [][2]string{
	{"/new", "start a new session"},
	{"/sessions", "list stored sessions"},
	{"/load <n|id>", "open a stored session"},
	{"/delete <n|id>", "delete a stored session"},
	{"/clear", "empty this conversation"},
	{"/persona [id]", "list personas or switch"},
	{"/think [on|off]", "show the model's reasoning"},
	{"/stream [on|off]", "receive replies incrementally"},
	{"/export [md|html]", "save a transcript file"},
	{"/quit", "leave"},
}

// runCommand executes one slash command. Errors land in the status bar.
func (m Model) runCommand(line string) (Model, tea.Cmd) {
	parts := strings.Fields(line)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	if err := m.dispatch(command, args); err != nil {
		if errors.Is(err, errQuit) {
			m.quitting = true
			return m, tea.Quit
		}
		m.setNotice(err.Error(), true)
	}
	m.refresh()
	return m, nil
}

var errQuit = errors.New("quit")

func (m *Model) dispatch(command string, args []string) error {
	switch command {
	case "/help", "/h", "/?", "/":
		m.togglePanel(m.helpPanel())

	case "/quit", "/q", "/exit":
		if m.busy() {
			m.ctrl.Cancel()
		}
		return errQuit

	case "/new", "/n":
		m.ctrl.NewSession()
		m.panel = ""
		m.setNotice("New session", false)

	case "/sessions", "/ls":
		panel, err := m.sessionsPanel()
		if err != nil {
			return err
		}
		m.togglePanel(panel)

	case "/load":
		if len(args) == 0 {
			return errors.New("usage: /load <n|id>")
		}
		id, err := m.resolveSession(args[0])
		if err != nil {
			return err
		}
		if err := m.ctrl.LoadSession(id); err != nil {
			return err
		}
		m.panel = ""
		m.setNotice("Loaded "+m.ctrl.Snapshot().Conversation.Title(), false)

	case "/delete", "/rm":
		if len(args) == 0 {
			return errors.New("usage: /delete <n|id>")
		}
		id, err := m.resolveSession(args[0])
		if err != nil {
			return err
		}
		if err := m.ctrl.DeleteSession(id); err != nil {
			return err
		}
		m.panel = ""
		m.setNotice("Deleted "+id, false)

	case "/clear", "/c":
		if err := m.ctrl.ClearConversation(); err != nil {
			return err
		}
		m.setNotice("Conversation cleared", false)

	case "/persona", "/p":
		if len(args) == 0 {
			m.togglePanel(m.personasPanel())
			return nil
		}
		if _, ok := m.ctrl.Personas().Get(args[0]); !ok {
			return fmt.Errorf("unknown persona %q (see /persona)", args[0])
		}
		p := m.ctrl.SetPersona(args[0])
		m.setNotice("Persona: "+p.Name, false)

	case "/think":
		on, err := parseToggle(args, m.snap.Conversation.ModeFlags.ThinkMode)
		if err != nil {
			return err
		}
		m.ctrl.SetThinkMode(on)
		m.setNotice("Think mode "+onOff(on), false)

	case "/stream":
		on, err := parseToggle(args, m.snap.Conversation.ModeFlags.Stream)
		if err != nil {
			return err
		}
		m.ctrl.SetStreaming(on)
		m.setNotice("Streaming "+onOff(on), false)

	case "/export", "/save":
		format := export.FormatMarkdown
		if len(args) > 0 {
			format = args[0]
		}
		path, err := m.exportTranscript(format)
		if err != nil {
			return err
		}
		m.setNotice("Saved "+path, false)

	default:
		return fmt.Errorf("unknown command %s (see /help)", command)
	}
	return nil
}

// parseToggle reads on/off, or flips current when no argument is given.
func parseToggle(args []string, current bool) (bool, error) {
	if len(args) == 0 {
		return !current, nil
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return current, fmt.Errorf("expected on or off, got %q", args[0])
}

// resolveSession accepts a 1-based position in the session list, a full
// id, or a unique prefix with or without the session prefix.
func (m *Model) resolveSession(arg string) (string, error) {
	summaries, err := m.ctrl.Summaries()
	if err != nil {
		return "", err
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(summaries) {
			return "", fmt.Errorf("no session #%d", n)
		}
		return summaries[n-1].SessionID, nil
	}

	var matches []string
	for _, s := range summaries {
		short := strings.TrimPrefix(s.SessionID, storage.SessionPrefix)
		if s.SessionID == arg || short == arg {
			return s.SessionID, nil
		}
		if strings.HasPrefix(s.SessionID, arg) || strings.HasPrefix(short, arg) {
			matches = append(matches, s.SessionID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no session matches %q", arg)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%q matches %d sessions", arg, len(matches))
}

// =============================================================================
// PANELS
// =============================================================================

func (m *Model) helpPanel() string {
	var sb strings.Builder
	sb.WriteString(m.theme.AssistantLabel.Render("Keys"))
	sb.WriteString("\n")
	sb.WriteString(m.help.FullHelpView(m.keys.FullHelp()))
	sb.WriteString("\n\n")
	sb.WriteString(m.theme.AssistantLabel.Render("Commands"))
	sb.WriteString("\n")
	for _, c := range slashCommands {
		sb.WriteString("  " + m.theme.UserLabel.Render(util.PadRight(c[0], 18)) + m.theme.Notice.Render(c[1]) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m *Model) sessionsPanel() (string, error) {
	summaries, err := m.ctrl.Summaries()
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return m.theme.Notice.Render("No stored sessions."), nil
	}

	current := m.snap.Conversation.SessionID
	var sb strings.Builder
	sb.WriteString(m.theme.AssistantLabel.Render("Sessions"))
	for i, s := range summaries {
		marker := "  "
		if s.SessionID == current {
			marker = m.theme.StatusReady.Render("* ")
		}
		title := util.TruncateWidth(util.SingleLine(s.Title), max(10, m.width-30))
		fmt.Fprintf(&sb, "\n%s%2d. %s %s", marker, i+1, title,
			m.theme.Notice.Render(fmt.Sprintf("(%d msgs)", s.MessageCount)))
	}
	return sb.String(), nil
}

func (m *Model) personasPanel() string {
	var sb strings.Builder
	sb.WriteString(m.theme.AssistantLabel.Render("Personas"))
	for _, p := range m.ctrl.Personas().All() {
		marker := "  "
		if p.ID == m.snap.Persona.ID {
			marker = m.theme.StatusReady.Render("* ")
		}
		fmt.Fprintf(&sb, "\n%s%s %s", marker, m.theme.UserLabel.Render(util.PadRight(p.ID, 20)), p.Name)
	}
	return sb.String()
}

// exportTranscript writes the current conversation under exportDir. Reasoning
// is included when think mode is on.
func (m *Model) exportTranscript(format string) (string, error) {
	conv := m.ctrl.Snapshot().Conversation
	if len(conv.Messages) == 0 {
		return "", errors.New("nothing to export yet")
	}

	opts := export.DefaultOptions()
	opts.OutputDir = m.exportDir
	opts.IncludeThinking = conv.ModeFlags.ThinkMode
	opts.Personas = m.ctrl.Personas()
	if m.theme.IsDark {
		opts.Theme = "dark"
	}

	exp, err := export.New(format, opts)
	if err != nil {
		return "", err
	}
	return export.ExportToFile(conv, exp, opts)
}
