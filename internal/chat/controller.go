// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/chaterp/internal/logger"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/storage"
	"github.com/jeranaias/chaterp/internal/think"
)

// ErrorReply replaces the assistant placeholder when a turn fails.
const ErrorReply = "Sorry, there was an error processing your request."

// =============================================================================
// PHASE
// =============================================================================

// Phase is the turn state of a Controller.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUserMessageAppended
	PhaseAwaitingReply
	PhaseStreamingReply
	PhaseReplyFinalized
	PhaseError
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUserMessageAppended:
		return "user-message-appended"
	case PhaseAwaitingReply:
		return "awaiting-reply"
	case PhaseStreamingReply:
		return "streaming-reply"
	case PhaseReplyFinalized:
		return "reply-finalized"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Busy reports whether a turn is in flight during this phase.
func (p Phase) Busy() bool {
	switch p {
	case PhaseUserMessageAppended, PhaseAwaitingReply, PhaseStreamingReply:
		return true
	}
	return false
}

// =============================================================================
// IN-FLIGHT TURN
// =============================================================================

// turn is the in-flight request. A turn is current while the controller
// still points at it; a replaced or cancelled turn never touches messages.
type turn struct {
	placeholderID string
	cancel        context.CancelFunc
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Options configures a Controller.
type Options struct {
	// Store persists conversations. Nil keeps everything in memory.
	Store *storage.SessionStore

	// Transport delivers turns. Required.
	Transport Transport

	// Personas resolves persona ids. Defaults to the builtin catalog.
	Personas *persona.Catalog

	// PersonaID, ThinkMode and Stream seed the first new session.
	PersonaID string
	ThinkMode bool
	Stream    bool

	Logger *log.Logger
}

// Snapshot is a copy of the controller state for display.
type Snapshot struct {
	Conversation *storage.Conversation
	Persona      persona.Persona
	Phase        Phase
	LastError    error
}

// Busy reports whether a turn is in flight.
func (s Snapshot) Busy() bool {
	return s.Phase.Busy()
}

// Controller owns the active conversation and runs one turn at a time.
// All methods are safe for concurrent use. Subscribers are called
// synchronously after each state change, outside the controller lock.
type Controller struct {
	mu        sync.Mutex
	store     *storage.SessionStore
	transport Transport
	personas  *persona.Catalog
	log       *log.Logger

	conv    *storage.Conversation
	phase   Phase
	lastErr error
	current *turn

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewController creates a controller with an empty session.
func NewController(opts Options) *Controller {
	c := &Controller{
		store:     opts.Store,
		transport: opts.Transport,
		personas:  opts.Personas,
		log:       opts.Logger,
		subs:      make(map[int]func(Snapshot)),
	}
	if c.personas == nil {
		c.personas = persona.Builtin()
	}
	if c.log == nil {
		c.log = logger.Component("chat")
	}
	c.conv = storage.NewConversation(
		c.personas.Lookup(opts.PersonaID).ID,
		storage.ModeFlags{ThinkMode: opts.ThinkMode, Stream: opts.Stream},
	)
	return c
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) notify() {
	snap := c.Snapshot()

	c.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Snapshot returns a deep copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Conversation: c.conv.Clone(),
		Persona:      c.personas.Lookup(c.conv.PersonaID),
		Phase:        c.phase,
		LastError:    c.lastErr,
	}
}

// SessionID returns the id of the active session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.SessionID
}

// Personas returns the catalog used to resolve persona ids.
func (c *Controller) Personas() *persona.Catalog {
	return c.personas
}

// =============================================================================
// TURNS
// =============================================================================

// Submit runs one turn on the caller's goroutine and returns once the
// reply is finalized, failed or cancelled. It returns false without doing
// anything when input is blank or another turn is in flight.
func (c *Controller) Submit(ctx context.Context, input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return false
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return false
	}

	c.conv.Messages = append(c.conv.Messages, storage.NewUserMessage(input))
	c.phase = PhaseUserMessageAppended
	c.lastErr = nil

	placeholder := storage.NewAssistantMessage("")
	placeholder.IsStreaming = true
	c.conv.Messages = append(c.conv.Messages, placeholder)

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{placeholderID: placeholder.ID, cancel: cancel}
	c.current = t

	req := Request{
		Message:   input,
		PersonaID: c.conv.PersonaID,
		ThinkMode: c.conv.ModeFlags.ThinkMode,
		Stream:    c.conv.ModeFlags.Stream,
	}
	c.mu.Unlock()
	defer cancel()

	c.notify()
	c.setPhase(t, PhaseAwaitingReply)

	text, err := c.transport.Send(turnCtx, req, func(delta string) {
		c.appendDelta(t, delta)
	})

	c.finish(turnCtx, t, text, err)
	return true
}

func (c *Controller) setPhase(t *turn, p Phase) {
	c.mu.Lock()
	if c.current != t {
		c.mu.Unlock()
		return
	}
	c.phase = p
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) appendDelta(t *turn, delta string) {
	c.mu.Lock()
	if c.current != t {
		c.mu.Unlock()
		return
	}
	if i := c.indexOf(t.placeholderID); i >= 0 {
		c.conv.Messages[i].Content += delta
	}
	c.phase = PhaseStreamingReply
	c.mu.Unlock()
	c.notify()
}

// finish finalizes the placeholder and saves the conversation.
func (c *Controller) finish(ctx context.Context, t *turn, text string, err error) {
	c.mu.Lock()
	if c.current != t {
		// Cancelled through the controller; the placeholder is gone.
		c.mu.Unlock()
		return
	}
	c.current = nil

	i := c.indexOf(t.placeholderID)
	switch {
	case err != nil && ctx.Err() != nil:
		// The caller's context ended the turn.
		c.removeAt(i)
		c.phase = PhaseIdle
		c.log.Debug("turn cancelled", "session", c.conv.SessionID)

	case err != nil:
		c.removeAt(i)
		failed := storage.NewAssistantMessage(ErrorReply)
		failed.IsError = true
		c.conv.Messages = append(c.conv.Messages, failed)
		c.phase = PhaseError
		c.lastErr = err
		c.log.Warn("turn failed", "session", c.conv.SessionID, "err", err)

	default:
		if i >= 0 {
			msg := &c.conv.Messages[i]
			if text == "" {
				text = msg.Content
			}
			parsed := think.Parse(text)
			msg.Content = parsed.Final
			msg.ThinkContent = parsed.ThinkingPtr()
			msg.IsStreaming = false
		}
		c.phase = PhaseReplyFinalized
	}

	c.saveLocked()
	finalized := c.phase == PhaseReplyFinalized
	c.mu.Unlock()
	c.notify()

	if finalized {
		c.mu.Lock()
		if c.current == nil && c.phase == PhaseReplyFinalized {
			c.phase = PhaseIdle
		}
		c.mu.Unlock()
		c.notify()
	}
}

// Cancel aborts the in-flight turn. It reports whether there was one.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	cancelled := c.cancelLocked()
	c.mu.Unlock()
	if cancelled {
		c.notify()
	}
	return cancelled
}

// cancelLocked drops the current turn and its placeholder, then closes
// the connection.
func (c *Controller) cancelLocked() bool {
	t := c.current
	if t == nil {
		return false
	}
	c.current = nil
	c.removeAt(c.indexOf(t.placeholderID))
	c.phase = PhaseIdle
	t.cancel()
	c.log.Debug("turn cancelled", "session", c.conv.SessionID)
	return true
}

func (c *Controller) indexOf(id string) int {
	for i := range c.conv.Messages {
		if c.conv.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) removeAt(i int) {
	if i < 0 || i >= len(c.conv.Messages) {
		return
	}
	c.conv.Messages = append(c.conv.Messages[:i], c.conv.Messages[i+1:]...)
}

// saveLocked persists the active conversation. Save failures are logged
// and surfaced through LastError without failing the turn.
func (c *Controller) saveLocked() {
	if c.store == nil {
		return
	}
	rec := c.conv.Clone()
	if err := c.store.Save(rec.SessionID, rec); err != nil {
		c.log.Error("failed to save session", "session", rec.SessionID, "err", err)
		if c.lastErr == nil {
			c.lastErr = err
		}
		return
	}
	c.conv.LastUpdated = rec.LastUpdated
}

// =============================================================================
// SESSIONS
// =============================================================================

// NewSession cancels any turn and starts an empty session with the current
// persona and flags. The session is stored once its first turn finishes.
func (c *Controller) NewSession() string {
	c.mu.Lock()
	c.cancelLocked()
	c.conv = storage.NewConversation(c.conv.PersonaID, c.conv.ModeFlags)
	c.phase = PhaseIdle
	c.lastErr = nil
	id := c.conv.SessionID
	c.mu.Unlock()

	c.notify()
	return id
}

// LoadSession cancels any turn and makes the stored session id active.
func (c *Controller) LoadSession(id string) error {
	if c.store == nil {
		return storage.ErrSessionNotFound
	}
	conv, err := c.store.Load(id)
	if err != nil {
		return err
	}
	dropStale(conv)
	conv.PersonaID = c.personas.Lookup(conv.PersonaID).ID

	c.mu.Lock()
	c.cancelLocked()
	c.conv = conv
	c.phase = PhaseIdle
	c.lastErr = nil
	c.mu.Unlock()

	c.notify()
	return nil
}

// dropStale removes placeholders left by an interrupted process.
func dropStale(conv *storage.Conversation) {
	kept := conv.Messages[:0]
	for _, m := range conv.Messages {
		if m.IsStreaming && !m.IsUser {
			continue
		}
		kept = append(kept, m)
	}
	conv.Messages = kept
}

// Resume activates the most recently updated session. When the index is
// empty or points at a missing record, a new session is started instead.
func (c *Controller) Resume() error {
	if c.store == nil {
		c.NewSession()
		return nil
	}
	id, ok, err := c.store.MostRecent()
	if err != nil {
		return err
	}
	if !ok {
		c.NewSession()
		return nil
	}
	err = c.LoadSession(id)
	if errors.Is(err, storage.ErrSessionNotFound) {
		c.log.Warn("session index points at a missing record", "session", id)
		if derr := c.store.Delete(id); derr != nil {
			c.log.Warn("failed to drop stale index entry", "session", id, "err", derr)
		}
		c.NewSession()
		return nil
	}
	return err
}

// DeleteSession removes a stored session. Deleting the active session
// cancels its turn and starts a new one before the record is removed, so a
// late reply cannot save it again.
func (c *Controller) DeleteSession(id string) error {
	c.mu.Lock()
	active := c.conv.SessionID == id
	if active {
		c.cancelLocked()
		c.conv = storage.NewConversation(c.conv.PersonaID, c.conv.ModeFlags)
		c.phase = PhaseIdle
		c.lastErr = nil
	}
	c.mu.Unlock()

	if active {
		c.notify()
	}
	if c.store == nil {
		return nil
	}
	return c.store.Delete(id)
}

// ClearConversation cancels any turn and removes every message of the
// active session.
func (c *Controller) ClearConversation() error {
	c.mu.Lock()
	c.cancelLocked()
	c.conv.Messages = []storage.Message{}
	c.phase = PhaseIdle
	c.lastErr = nil
	id := c.conv.SessionID

	var err error
	if c.store != nil {
		err = c.store.Clear(id)
		if errors.Is(err, storage.ErrSessionNotFound) {
			err = nil
		}
	}
	c.mu.Unlock()

	c.notify()
	return err
}

// Summaries returns the session index.
func (c *Controller) Summaries() ([]storage.SessionSummary, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.ListSummaries()
}

// =============================================================================
// SETTINGS
// =============================================================================

// SetPersona switches the persona of the active session. Unknown ids fall
// back to the default persona, which is returned.
func (c *Controller) SetPersona(id string) persona.Persona {
	p := c.personas.Lookup(id)
	c.updateSettings(func(conv *storage.Conversation) {
		conv.PersonaID = p.ID
	})
	return p
}

// SetThinkMode toggles display of reasoning segments.
func (c *Controller) SetThinkMode(on bool) {
	c.updateSettings(func(conv *storage.Conversation) {
		conv.ModeFlags.ThinkMode = on
	})
}

// SetStreaming toggles streaming replies.
func (c *Controller) SetStreaming(on bool) {
	c.updateSettings(func(conv *storage.Conversation) {
		conv.ModeFlags.Stream = on
	})
}

// updateSettings applies fn and saves sessions that already have messages.
func (c *Controller) updateSettings(fn func(*storage.Conversation)) {
	c.mu.Lock()
	fn(c.conv)
	if len(c.conv.Messages) > 0 && c.current == nil {
		c.saveLocked()
	}
	c.mu.Unlock()
	c.notify()
}
