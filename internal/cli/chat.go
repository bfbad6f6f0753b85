// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL for the chaterp CLI.
//
// Command: chat
// Short:   Start an interactive chat session
//
// Examples:
//   chaterp chat                          Resume the last session
//   chaterp chat --new --persona askcba   Fresh session with a persona
//   chaterp chat --stream --think         Stream replies, show reasoning
//   chaterp chat --endpoint http://127.0.0.1:3000/chat
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /new                Start a new session
//   /sessions           List stored sessions
//   /load <id|n>        Open a stored session
//   /delete <id|n>      Delete a stored session
//   /clear, /c          Clear the current conversation
//   /history            Show the current conversation
//   /persona [id]       Show or switch persona
//   /think [on|off]     Toggle reasoning display
//   /stream [on|off]    Toggle streaming replies
//   /status, /s         Show session settings
//   /export [md|html]   Save the conversation as a transcript
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel the reply in progress
//   Ctrl+D              Exit chat
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jeranaias/chaterp/internal/chat"
	"github.com/jeranaias/chaterp/internal/config"
	"github.com/jeranaias/chaterp/internal/export"
	"github.com/jeranaias/chaterp/internal/storage"
	"github.com/jeranaias/chaterp/internal/think"
	"github.com/jeranaias/chaterp/internal/util"
)

func newChatCommand(app *App) *cobra.Command {
	var opts clientOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Chat with the assistant in a line-oriented REPL.

The last session is resumed unless --new or --session is given. Type /help
inside the REPL for the slash commands. Ctrl+C cancels a reply in progress.`,
		Example: `  chaterp chat
  chaterp chat --new --persona askcba
  chaterp chat --stream --think
  chaterp chat --endpoint http://127.0.0.1:3000/chat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeStore, err := app.newController(cmd, opts)
			if err != nil {
				return err
			}
			defer closeStore()

			r := newREPL(ctrl, cmd.InOrStdin(), cmd.OutOrStdout(), app.Config().Client.Theme)
			r.transport = transportName(app, cmd, opts)
			return r.Run(cmd.Context())
		},
	}
	opts.register(cmd)
	return cmd
}

// =============================================================================
// INPUT
// =============================================================================

// lineReader is the REPL input: liner on a terminal, plain lines otherwise.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI with history kept in the config directory.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// plainReader reads lines from piped input.
type plainReader struct {
	sc *bufio.Scanner
}

func newPlainReader(r io.Reader) *plainReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &plainReader{sc: sc}
}

func (p *plainReader) ReadInput(string) (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}

func (p *plainReader) Close() {}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamInterval bounds how often a streaming reply is redrawn.
const streamInterval = 40 * time.Millisecond

// streamPrinter writes a streaming reply incrementally. Reasoning is held
// back while its closing marker is outstanding. When the visible text stops
// growing by appending, incremental output stops and the final reply is
// printed whole.
type streamPrinter struct {
	out     io.Writer
	limiter *rate.Limiter

	showThinking  bool
	printed       string
	indicator     bool
	thinkingDone  bool
	thinkingShown bool
	diverged      bool
}

func newStreamPrinter(out io.Writer, showThinking bool) *streamPrinter {
	return &streamPrinter{
		out:          out,
		limiter:      rate.NewLimiter(rate.Every(streamInterval), 1),
		showThinking: showThinking,
	}
}

// holdPartialTag trims a trailing fragment that could grow into a
// reasoning marker.
func holdPartialTag(s string) string {
	for _, tag := range []string{think.OpenTag, think.CloseTag} {
		for n := len(tag) - 1; n > 0; n-- {
			if strings.HasSuffix(s, tag[:n]) {
				return s[:len(s)-n]
			}
		}
	}
	return s
}

// update redraws from the accumulated content. Calls over the rate limit
// are skipped unless force is set; finish catches up.
func (p *streamPrinter) update(content string, force bool) {
	if p.diverged || (!force && !p.limiter.Allow()) {
		return
	}

	r := think.Parse(holdPartialTag(content))
	if r.InProgress {
		if !p.indicator && p.printed == "" {
			fmt.Fprintln(p.out, DimStyle.Render("thinking..."))
			p.indicator = true
		}
		return
	}

	if r.HasThinking && !p.thinkingDone {
		if p.printed != "" {
			p.diverged = true
			return
		}
		if p.showThinking {
			printThinking(p.out, r.Thinking)
			p.thinkingShown = true
		}
		p.thinkingDone = true
	}

	if !strings.HasPrefix(r.Final, p.printed) {
		p.diverged = true
		return
	}
	fmt.Fprint(p.out, r.Final[len(p.printed):])
	p.printed = r.Final
}

// finish completes the reply with its final text. It returns false when
// the caller must print the reply whole.
func (p *streamPrinter) finish(final string) bool {
	if !p.diverged && p.printed != "" && strings.HasPrefix(final, p.printed) {
		fmt.Fprintln(p.out, final[len(p.printed):])
		return true
	}
	if p.printed != "" {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, RenderSeparator())
	}
	return false
}

// =============================================================================
// REPL
// =============================================================================

type repl struct {
	ctrl      *chat.Controller
	in        lineReader
	out       io.Writer
	md        *markdown
	transport string

	mu       sync.Mutex
	turnOpen bool
	stream   *streamPrinter
}

func newREPL(ctrl *chat.Controller, in io.Reader, out io.Writer, theme string) *repl {
	var reader lineReader
	if isTerminal(in) && isTerminal(out) {
		reader = NewChatCLI()
	} else {
		reader = newPlainReader(in)
	}
	return &repl{
		ctrl: ctrl,
		in:   reader,
		out:  out,
		md:   newMarkdown(theme, out),
	}
}

// Run reads input until /quit or end of input.
func (r *repl) Run(ctx context.Context) error {
	defer r.in.Close()

	unsubscribe := r.ctrl.Subscribe(r.onChange)
	defer unsubscribe()

	// First Ctrl+C while a reply is in flight cancels it; at the prompt
	// liner reports it as ErrPromptAborted.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigChan:
				r.ctrl.Cancel()
			}
		}
	}()

	r.printWelcome()

	for {
		input, err := r.in.ReadInput(promptStyle.Render("chaterp> "))
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, liner.ErrPromptAborted) {
				return err
			}
			r.println("")
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := r.handleSlashCommand(input)
			if err != nil {
				r.println(ErrorStyle.Render("[Error]") + " " + err.Error())
			}
			if !keepGoing {
				return nil
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.ctrl.Submit(ctx, input)
	}
}

func (r *repl) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

// onChange renders controller transitions. It runs on the goroutine that
// caused the change.
func (r *repl) onChange(s chat.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := s.Conversation.Messages
	var last storage.Message
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1]
	}

	switch s.Phase {
	case chat.PhaseAwaitingReply:
		r.turnOpen = true
		r.stream = nil
		if s.Conversation.ModeFlags.Stream {
			r.stream = newStreamPrinter(r.out, s.Conversation.ModeFlags.ThinkMode)
		}

	case chat.PhaseStreamingReply:
		if r.stream != nil && last.IsStreaming {
			r.stream.update(last.Content, false)
		}

	case chat.PhaseReplyFinalized:
		r.turnOpen = false
		showThinking := s.Conversation.ModeFlags.ThinkMode
		if r.stream != nil {
			if r.stream.finish(last.Content) {
				return
			}
			showThinking = showThinking && !r.stream.thinkingShown
		}
		printMessage(r.out, r.md, last, showThinking)

	case chat.PhaseError:
		r.turnOpen = false
		if r.stream != nil && r.stream.printed != "" {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, ErrorStyle.Render(last.Content))
		if s.LastError != nil {
			fmt.Fprintln(r.out, DimStyle.Render("  "+s.LastError.Error()))
		}

	case chat.PhaseIdle:
		if r.turnOpen {
			r.turnOpen = false
			if r.stream != nil && r.stream.printed != "" {
				fmt.Fprintln(r.out)
			}
			fmt.Fprintln(r.out, WarningStyle.Render("[Cancelled]"))
		}
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands.
// Returns (keepGoing, error) where keepGoing=false means exit.
func (r *repl) handleSlashCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		r.printHelp()

	case "/quit", "/q", "/exit":
		return false, nil

	case "/new", "/n":
		id := r.ctrl.NewSession()
		r.println(CommandStyle.Render("[New session]") + " " + DimStyle.Render(id))

	case "/sessions", "/ls":
		return true, r.printSessions()

	case "/load":
		if len(args) == 0 {
			return true, errors.New("usage: /load <id|number>")
		}
		id, err := r.resolveSession(args[0])
		if err != nil {
			return true, err
		}
		if err := r.ctrl.LoadSession(id); err != nil {
			return true, err
		}
		snap := r.ctrl.Snapshot()
		r.println(CommandStyle.Render("[Loaded]") + " " + snap.Conversation.Title())
		r.printHistory()

	case "/delete", "/rm":
		if len(args) == 0 {
			return true, errors.New("usage: /delete <id|number>")
		}
		id, err := r.resolveSession(args[0])
		if err != nil {
			return true, err
		}
		if err := r.ctrl.DeleteSession(id); err != nil {
			return true, err
		}
		r.println(CommandStyle.Render("[Deleted]") + " " + DimStyle.Render(id))

	case "/clear", "/c":
		if err := r.ctrl.ClearConversation(); err != nil {
			return true, err
		}
		r.println(CommandStyle.Render("[Conversation cleared]"))

	case "/history":
		r.printHistory()

	case "/persona", "/p":
		if len(args) == 0 {
			r.printPersonas()
			return true, nil
		}
		if _, ok := r.ctrl.Personas().Get(args[0]); !ok {
			return true, fmt.Errorf("unknown persona %q (see /persona)", args[0])
		}
		p := r.ctrl.SetPersona(args[0])
		r.println(CommandStyle.Render("[Persona]") + " " + p.Name)

	case "/think":
		on, err := toggle(args, r.ctrl.Snapshot().Conversation.ModeFlags.ThinkMode)
		if err != nil {
			return true, err
		}
		r.ctrl.SetThinkMode(on)
		r.println(CommandStyle.Render("[Think mode]") + " " + RenderOnOff(on))

	case "/stream":
		on, err := toggle(args, r.ctrl.Snapshot().Conversation.ModeFlags.Stream)
		if err != nil {
			return true, err
		}
		r.ctrl.SetStreaming(on)
		r.println(CommandStyle.Render("[Streaming]") + " " + RenderOnOff(on))

	case "/status", "/s":
		r.printStatus()

	case "/export", "/save":
		format := export.FormatMarkdown
		if len(args) > 0 {
			format = args[0]
		}
		snap := r.ctrl.Snapshot()
		if len(snap.Conversation.Messages) == 0 {
			return true, errors.New("nothing to export yet")
		}
		path, err := saveTranscript(snap.Conversation, r.ctrl.Personas(), format, ".",
			snap.Conversation.ModeFlags.ThinkMode, false)
		if err != nil {
			return true, err
		}
		r.println(CommandStyle.Render("[Saved]") + " " + path)

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return true, nil
}

// toggle interprets an optional on/off argument, flipping current when
// there is none.
func toggle(args []string, current bool) (bool, error) {
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

// resolveSession accepts a list number, a full id, or a unique id prefix
// with or without the session prefix.
func (r *repl) resolveSession(arg string) (string, error) {
	summaries, err := r.ctrl.Summaries()
	if err != nil {
		return "", err
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(summaries) {
			return "", fmt.Errorf("no session number %d (see /sessions)", n)
		}
		return summaries[n-1].SessionID, nil
	}

	var matches []string
	for _, s := range summaries {
		id := s.SessionID
		if id == arg {
			return id, nil
		}
		if strings.HasPrefix(id, arg) || strings.HasPrefix(strings.TrimPrefix(id, storage.SessionPrefix), arg) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no session matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d sessions", arg, len(matches))
	}
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

func (r *repl) printWelcome() {
	snap := r.ctrl.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.out
	fmt.Fprintln(w, welcomeStyle.Render("chaterp interactive chat"))
	fmt.Fprintln(w, RenderSeparator(30))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Persona:"), ValueStyle.Render(snap.Persona.Name))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Session:"), ValueStyle.Render(snap.Conversation.Title()))
	if r.transport != "" {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Sending to:"), DimStyle.Render(r.transport))
	}
	fmt.Fprintf(w, "%s stream %s, think %s\n", RenderLabel("Mode:"),
		RenderOnOff(snap.Conversation.ModeFlags.Stream),
		RenderOnOff(snap.Conversation.ModeFlags.ThinkMode))
	if n := len(snap.Conversation.Messages); n > 0 {
		fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("Resumed with %d messages. /history shows them, /new starts over.", n)))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, DimStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(w)
}

func (r *repl) printHelp() {
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/new", "Start a new session"},
		{"/sessions", "List stored sessions"},
		{"/load <id|n>", "Open a stored session"},
		{"/delete <id|n>", "Delete a stored session"},
		{"/clear, /c", "Clear the current conversation"},
		{"/history", "Show the current conversation"},
		{"/persona [id]", "Show or switch persona"},
		{"/think [on|off]", "Toggle reasoning display"},
		{"/stream [on|off]", "Toggle streaming replies"},
		{"/status, /s", "Show session settings"},
		{"/export [md|html]", "Save the conversation as a transcript"},
		{"/quit, /q", "Exit chat"},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, headerStyle.Render("Available Commands"))
	fmt.Fprintln(r.out, RenderSeparator(20))
	for _, c := range commands {
		fmt.Fprintf(r.out, "  %s  %s\n",
			CommandStyle.Render(util.PadRight(c.cmd, 18)),
			DimStyle.Render(c.desc))
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, DimStyle.Render("Tip: Ctrl+C cancels the reply in progress, Ctrl+D exits"))
}

func (r *repl) printSessions() error {
	summaries, err := r.ctrl.Summaries()
	if err != nil {
		return err
	}
	active := r.ctrl.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(summaries) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("No stored sessions."))
		return nil
	}
	for i, s := range summaries {
		marker := "  "
		title := util.TruncateWidth(util.SingleLine(s.Title), 40)
		if s.SessionID == active {
			marker = activeStyle.Render("* ")
		}
		fmt.Fprintf(r.out, "%s%s %s %s\n",
			marker,
			CommandStyle.Render(fmt.Sprintf("%2d", i+1)),
			util.PadRight(title, 40),
			DimStyle.Render(formatAge(s.LastUpdated)))
	}
	return nil
}

func (r *repl) printHistory() {
	snap := r.ctrl.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(snap.Conversation.Messages) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("No messages yet."))
		return
	}
	for _, m := range snap.Conversation.Messages {
		printMessage(r.out, r.md, m, snap.Conversation.ModeFlags.ThinkMode)
	}
}

func (r *repl) printPersonas() {
	current := r.ctrl.Snapshot().Persona.ID

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.ctrl.Personas().All() {
		marker := "  "
		if p.ID == current {
			marker = activeStyle.Render("* ")
		}
		fmt.Fprintf(r.out, "%s%s %s\n", marker, CommandStyle.Render(util.PadRight(p.ID, 20)), p.Name)
	}
}

func (r *repl) printStatus() {
	snap := r.ctrl.Snapshot()
	conv := snap.Conversation

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Session:"), conv.SessionID)
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Title:"), conv.Title())
	fmt.Fprintf(r.out, "%s %s (%s)\n", RenderLabel("Persona:"), snap.Persona.Name, snap.Persona.ID)
	fmt.Fprintf(r.out, "%s %d\n", RenderLabel("Messages:"), len(conv.Messages))
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Streaming:"), RenderOnOff(conv.ModeFlags.Stream))
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Think mode:"), RenderOnOff(conv.ModeFlags.ThinkMode))
	if snap.LastError != nil {
		fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Last error:"), ErrorStyle.Render(snap.LastError.Error()))
	}
}

// formatAge renders a timestamp relative to now for listings.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Local().Format("2006-01-02")
	}
}
