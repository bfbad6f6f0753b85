// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/chaterp/internal/chat"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HELPERS
// =============================================================================

type sendFunc func(ctx context.Context, req chat.Request, onDelta func(string)) (string, error)

// fakeTransport records requests and answers with send.
type fakeTransport struct {
	mu   sync.Mutex
	reqs []chat.Request
	send sendFunc
}

func (f *fakeTransport) Send(ctx context.Context, req chat.Request, onDelta func(string)) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.send(ctx, req, onDelta)
}

func (f *fakeTransport) Requests() []chat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Request(nil), f.reqs...)
}

func reply(text string) *fakeTransport {
	return &fakeTransport{send: func(context.Context, chat.Request, func(string)) (string, error) {
		return text, nil
	}}
}

func deltas(parts ...string) *fakeTransport {
	return &fakeTransport{send: func(_ context.Context, _ chat.Request, onDelta func(string)) (string, error) {
		var all string
		for _, p := range parts {
			onDelta(p)
			all += p
		}
		return all, nil
	}}
}

func failing(err error) *fakeTransport {
	return &fakeTransport{send: func(context.Context, chat.Request, func(string)) (string, error) {
		return "", err
	}}
}

// blocking returns a transport that waits for cancellation, and a channel
// closed once the request has started.
func blocking() (*fakeTransport, <-chan struct{}) {
	started := make(chan struct{})
	var once sync.Once
	return &fakeTransport{send: func(ctx context.Context, _ chat.Request, _ func(string)) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}}, started
}

func newStore() *storage.SessionStore {
	return storage.NewSessionStore(storage.NewMemoryKV())
}

func newController(tr chat.Transport, store *storage.SessionStore) *chat.Controller {
	return chat.NewController(chat.Options{Store: store, Transport: tr})
}

// submitAsync runs Submit in a goroutine and returns a channel with its
// result.
func submitAsync(ctx context.Context, c *chat.Controller, input string) <-chan bool {
	done := make(chan bool, 1)
	go func() { done <- c.Submit(ctx, input) }()
	return done
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport")
	}
}

func waitResult(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not return")
		return false
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_BlankInputIsIgnored(t *testing.T) {
	tr := reply("unused")
	c := newController(tr, newStore())

	for _, in := range []string{"", "   ", "\n\t"} {
		assert.False(t, c.Submit(context.Background(), in), "input %q", in)
	}
	assert.Empty(t, c.Snapshot().Conversation.Messages)
	assert.Empty(t, tr.Requests())
}

func TestSubmit_NonStreaming(t *testing.T) {
	store := newStore()
	c := chat.NewController(chat.Options{
		Store:     store,
		Transport: reply("<think>plan the greeting</think>\n\nHello!"),
		PersonaID: "askcba",
		ThinkMode: true,
	})

	var phases []chat.Phase
	unsubscribe := c.Subscribe(func(s chat.Snapshot) { phases = append(phases, s.Phase) })
	defer unsubscribe()

	require.True(t, c.Submit(context.Background(), "  hi  "))

	assert.Equal(t, []chat.Phase{
		chat.PhaseUserMessageAppended,
		chat.PhaseAwaitingReply,
		chat.PhaseReplyFinalized,
		chat.PhaseIdle,
	}, phases)

	snap := c.Snapshot()
	msgs := snap.Conversation.Messages
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.False(t, msgs[1].IsUser)
	assert.Equal(t, "Hello!", msgs[1].Content)
	assert.Equal(t, "plan the greeting", msgs[1].Thinking())
	assert.False(t, msgs[1].IsStreaming)
	assert.False(t, msgs[1].IsError)
	assert.Equal(t, "askcba", snap.Persona.ID)
	assert.False(t, snap.Busy())

	stored, err := store.Load(snap.Conversation.SessionID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	for i := range msgs {
		assert.Equal(t, msgs[i].ID, stored.Messages[i].ID)
		assert.Equal(t, msgs[i].Content, stored.Messages[i].Content)
		assert.Equal(t, msgs[i].Thinking(), stored.Messages[i].Thinking())
		assert.True(t, msgs[i].Timestamp.Equal(stored.Messages[i].Timestamp))
	}
	assert.Equal(t, "askcba", stored.PersonaID)
	assert.True(t, stored.ModeFlags.ThinkMode)
}

func TestSubmit_RequestCarriesSessionSettings(t *testing.T) {
	tr := reply("ok")
	c := chat.NewController(chat.Options{Transport: tr, PersonaID: "business-risk", Stream: true, ThinkMode: true})

	c.Submit(context.Background(), "question")

	reqs := tr.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, chat.Request{Message: "question", PersonaID: "business-risk", ThinkMode: true, Stream: true}, reqs[0])
}

func TestSubmit_StreamingFillsPlaceholder(t *testing.T) {
	c := chat.NewController(chat.Options{
		Store:     newStore(),
		Transport: deltas("Hel", "lo", " there"),
		Stream:    true,
	})

	var partial []string
	c.Subscribe(func(s chat.Snapshot) {
		if s.Phase != chat.PhaseStreamingReply {
			return
		}
		last := s.Conversation.Messages[len(s.Conversation.Messages)-1]
		assert.True(t, last.IsStreaming)
		partial = append(partial, last.Content)
	})

	require.True(t, c.Submit(context.Background(), "hello"))

	assert.Equal(t, []string{"Hel", "Hello", "Hello there"}, partial)
	msgs := c.Snapshot().Conversation.Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Nil(t, msgs[1].ThinkContent)
}

func TestSubmit_StreamingThinkingSplitAtEnd(t *testing.T) {
	c := newController(deltas("weigh ", "it</think>", "Answer"), nil)

	require.True(t, c.Submit(context.Background(), "q"))

	msg := c.Snapshot().Conversation.Messages[1]
	assert.Equal(t, "Answer", msg.Content)
	assert.Equal(t, "weigh it", msg.Thinking())
}

func TestSubmit_ErrorReplacesPlaceholder(t *testing.T) {
	store := newStore()
	boom := errors.New("connection refused")
	c := newController(failing(boom), store)

	var phases []chat.Phase
	c.Subscribe(func(s chat.Snapshot) { phases = append(phases, s.Phase) })

	require.True(t, c.Submit(context.Background(), "hi"))

	snap := c.Snapshot()
	assert.Equal(t, chat.PhaseError, snap.Phase)
	assert.ErrorIs(t, snap.LastError, boom)
	assert.Equal(t, chat.PhaseError, phases[len(phases)-1])

	msgs := snap.Conversation.Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.ErrorReply, msgs[1].Content)
	assert.True(t, msgs[1].IsError)
	assert.False(t, msgs[1].IsStreaming)

	stored, err := store.Load(snap.Conversation.SessionID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.True(t, stored.Messages[1].IsError)
}

func TestSubmit_ErrorDiscardsPartialContent(t *testing.T) {
	tr := &fakeTransport{send: func(_ context.Context, _ chat.Request, onDelta func(string)) (string, error) {
		onDelta("half an ans")
		return "half an ans", errors.New("stream broke")
	}}
	c := newController(tr, nil)

	c.Submit(context.Background(), "q")

	msgs := c.Snapshot().Conversation.Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.ErrorReply, msgs[1].Content)
}

func TestSubmit_NextTurnAfterError(t *testing.T) {
	calls := 0
	tr := &fakeTransport{send: func(context.Context, chat.Request, func(string)) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first fails")
		}
		return "recovered", nil
	}}
	c := newController(tr, nil)

	require.True(t, c.Submit(context.Background(), "one"))
	require.True(t, c.Submit(context.Background(), "two"))

	snap := c.Snapshot()
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	assert.NoError(t, snap.LastError)
	require.Len(t, snap.Conversation.Messages, 4)
	assert.Equal(t, "recovered", snap.Conversation.Messages[3].Content)
}

func TestSubmit_OneTurnAtATime(t *testing.T) {
	tr, started := blocking()
	c := newController(tr, nil)

	first := submitAsync(context.Background(), c, "first")
	waitFor(t, started)

	assert.True(t, c.Snapshot().Busy())
	assert.False(t, c.Submit(context.Background(), "second"))

	require.True(t, c.Cancel())
	assert.True(t, waitResult(t, first))
	assert.Len(t, tr.Requests(), 1)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_RemovesPlaceholder(t *testing.T) {
	store := newStore()
	tr, started := blocking()
	c := newController(tr, store)

	done := submitAsync(context.Background(), c, "hello")
	waitFor(t, started)

	msgs := c.Snapshot().Conversation.Messages
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsStreaming)

	require.True(t, c.Cancel())
	waitResult(t, done)

	snap := c.Snapshot()
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	require.Len(t, snap.Conversation.Messages, 1)
	assert.True(t, snap.Conversation.Messages[0].IsUser)

	assert.False(t, c.Cancel(), "nothing left to cancel")

	summaries, err := store.ListSummaries()
	require.NoError(t, err)
	assert.Empty(t, summaries, "a cancelled turn is not saved")
}

func TestCancel_LateDeltasAreIgnored(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	tr := &fakeTransport{send: func(_ context.Context, _ chat.Request, onDelta func(string)) (string, error) {
		close(started)
		<-release
		onDelta("too late")
		return "too late", nil
	}}
	c := newController(tr, nil)

	done := submitAsync(context.Background(), c, "q")
	waitFor(t, started)
	c.Cancel()
	close(release)
	waitResult(t, done)

	msgs := c.Snapshot().Conversation.Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "q", msgs[0].Content)
}

func TestCancel_CallerContext(t *testing.T) {
	store := newStore()
	tr, started := blocking()
	c := newController(tr, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := submitAsync(ctx, c, "hello")
	waitFor(t, started)
	cancel()
	waitResult(t, done)

	snap := c.Snapshot()
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	assert.NoError(t, snap.LastError)
	require.Len(t, snap.Conversation.Messages, 1)
}

func TestNewSession_CancelsTurn(t *testing.T) {
	tr, started := blocking()
	c := newController(tr, newStore())
	before := c.SessionID()

	done := submitAsync(context.Background(), c, "q")
	waitFor(t, started)

	after := c.NewSession()
	waitResult(t, done)

	assert.NotEqual(t, before, after)
	assert.Equal(t, after, c.SessionID())
	assert.Empty(t, c.Snapshot().Conversation.Messages)
}

func TestNewSession_KeepsSettings(t *testing.T) {
	c := chat.NewController(chat.Options{Transport: reply("x"), PersonaID: "blended-finance", Stream: true})
	c.SetThinkMode(true)

	c.NewSession()

	conv := c.Snapshot().Conversation
	assert.Equal(t, "blended-finance", conv.PersonaID)
	assert.Equal(t, storage.ModeFlags{ThinkMode: true, Stream: true}, conv.ModeFlags)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestResume_EmptyStoreStartsNew(t *testing.T) {
	c := newController(reply("x"), newStore())
	before := c.SessionID()

	require.NoError(t, c.Resume())

	assert.NotEqual(t, before, c.SessionID())
	assert.Empty(t, c.Snapshot().Conversation.Messages)
}

func TestResume_LoadsMostRecent(t *testing.T) {
	store := newStore()
	first := newController(reply("answer"), store)
	require.True(t, first.Submit(context.Background(), "remember me"))
	id := first.SessionID()

	second := newController(reply("x"), store)
	require.NoError(t, second.Resume())

	assert.Equal(t, id, second.SessionID())
	msgs := second.Snapshot().Conversation.Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "remember me", msgs[0].Content)
}

func TestResume_MissingRecordStartsNew(t *testing.T) {
	store := newStore()
	first := newController(reply("answer"), store)
	first.Submit(context.Background(), "q")
	id := first.SessionID()

	// Remove the record behind the store's back.
	require.NoError(t, store.KV().Apply(storage.Del(id)))

	second := newController(reply("x"), store)
	require.NoError(t, second.Resume())

	assert.NotEqual(t, id, second.SessionID())
	summaries, err := store.ListSummaries()
	require.NoError(t, err)
	assert.Empty(t, summaries, "stale index entry is dropped")
}

func TestLoadSession(t *testing.T) {
	store := newStore()
	c := newController(reply("a1"), store)
	c.Submit(context.Background(), "first session")
	firstID := c.SessionID()

	c.NewSession()
	c.Submit(context.Background(), "second session")

	require.NoError(t, c.LoadSession(firstID))
	assert.Equal(t, firstID, c.SessionID())
	assert.Equal(t, "first session", c.Snapshot().Conversation.Messages[0].Content)

	err := c.LoadSession("chat-session-missing")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	assert.Equal(t, firstID, c.SessionID(), "failed load keeps the active session")
}

func TestLoadSession_DropsInterruptedPlaceholder(t *testing.T) {
	store := newStore()
	conv := storage.NewConversation(persona.DefaultID, storage.ModeFlags{})
	user := storage.NewUserMessage("q")
	stale := storage.NewAssistantMessage("partial")
	stale.IsStreaming = true
	conv.Messages = []storage.Message{user, stale}
	require.NoError(t, store.Save(conv.SessionID, conv))

	c := newController(reply("x"), store)
	require.NoError(t, c.LoadSession(conv.SessionID))

	msgs := c.Snapshot().Conversation.Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, user.ID, msgs[0].ID)
}

func TestDeleteSession(t *testing.T) {
	store := newStore()
	c := newController(reply("a"), store)
	c.Submit(context.Background(), "keep")
	keep := c.SessionID()

	c.NewSession()
	c.Submit(context.Background(), "drop")
	drop := c.SessionID()

	require.NoError(t, c.DeleteSession(keep))
	assert.Equal(t, drop, c.SessionID(), "deleting another session keeps the active one")

	require.NoError(t, c.DeleteSession(drop))
	assert.NotEqual(t, drop, c.SessionID(), "deleting the active session starts a new one")

	summaries, err := c.Summaries()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

// deleteHookKV runs onDelete after a batch that deletes a key has been
// applied.
type deleteHookKV struct {
	storage.KV
	onDelete func(key string)
}

func (k *deleteHookKV) Apply(ops ...storage.Op) error {
	if err := k.KV.Apply(ops...); err != nil {
		return err
	}
	for _, op := range ops {
		if op.Delete && k.onDelete != nil {
			k.onDelete(op.Key)
		}
	}
	return nil
}

func TestDeleteSession_LateReplyDoesNotRestoreSession(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls int
	var mu sync.Mutex
	tr := &fakeTransport{send: func(context.Context, chat.Request, func(string)) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return "first reply", nil
		}
		close(started)
		<-release
		return "late reply", nil
	}}

	kv := &deleteHookKV{KV: storage.NewMemoryKV()}
	store := storage.NewSessionStore(kv)
	c := newController(tr, store)

	require.True(t, c.Submit(context.Background(), "first question"))
	id := c.SessionID()

	result := make(chan bool, 1)
	finished := make(chan struct{})
	go func() {
		result <- c.Submit(context.Background(), "second question")
		close(finished)
	}()
	waitFor(t, started)

	// The transport ignores cancellation and answers right after the
	// record is gone.
	kv.onDelete = func(key string) {
		if key != id {
			return
		}
		kv.onDelete = nil
		close(release)
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
		}
	}

	require.NoError(t, c.DeleteSession(id))
	assert.True(t, waitResult(t, result))

	_, err := store.Load(id)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	summaries, err := store.ListSummaries()
	require.NoError(t, err)
	for _, s := range summaries {
		assert.NotEqual(t, id, s.SessionID, "deleted session is back in the index")
	}
	assert.NotEqual(t, id, c.SessionID())
}

func TestClearConversation(t *testing.T) {
	store := newStore()
	c := newController(reply("a"), store)
	c.Submit(context.Background(), "some title")
	id := c.SessionID()

	require.NoError(t, c.ClearConversation())

	assert.Empty(t, c.Snapshot().Conversation.Messages)
	assert.Equal(t, id, c.SessionID())

	summaries, err := store.ListSummaries()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, storage.DefaultTitle, summaries[0].Title)
}

func TestClearConversation_UnsavedSession(t *testing.T) {
	c := newController(reply("a"), newStore())
	assert.NoError(t, c.ClearConversation())
}

func TestSummaries_WithoutStore(t *testing.T) {
	c := newController(reply("a"), nil)
	summaries, err := c.Summaries()
	assert.NoError(t, err)
	assert.Empty(t, summaries)
	assert.ErrorIs(t, c.LoadSession("x"), storage.ErrSessionNotFound)
}

// =============================================================================
// SETTINGS
// =============================================================================

func TestSetPersona(t *testing.T) {
	store := newStore()
	c := newController(reply("a"), store)

	p := c.SetPersona("no-such-persona")
	assert.Equal(t, persona.DefaultID, p.ID)

	p = c.SetPersona("document-analyzer")
	assert.Equal(t, "Document Analyzer", p.Name)
	assert.Equal(t, "document-analyzer", c.Snapshot().Persona.ID)

	summaries, _ := store.ListSummaries()
	assert.Empty(t, summaries, "empty sessions are not saved")

	c.Submit(context.Background(), "q")
	c.SetPersona("askcba")

	stored, err := store.Load(c.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "askcba", stored.PersonaID)
}

func TestSetFlags(t *testing.T) {
	store := newStore()
	c := newController(reply("a"), store)
	c.Submit(context.Background(), "q")

	c.SetStreaming(true)
	c.SetThinkMode(true)

	stored, err := store.Load(c.SessionID())
	require.NoError(t, err)
	assert.Equal(t, storage.ModeFlags{ThinkMode: true, Stream: true}, stored.ModeFlags)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c := newController(reply("a"), nil)
	calls := 0
	unsubscribe := c.Subscribe(func(chat.Snapshot) { calls++ })

	c.SetThinkMode(true)
	unsubscribe()
	c.SetThinkMode(false)

	assert.Equal(t, 1, calls)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "idle", chat.PhaseIdle.String())
	assert.Equal(t, "streaming-reply", chat.PhaseStreamingReply.String())
	assert.Equal(t, "Phase(42)", chat.Phase(42).String())
	assert.True(t, chat.PhaseAwaitingReply.Busy())
	assert.False(t, chat.PhaseError.Busy())
}
