// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/time/rate"

	core "github.com/jeranaias/chaterp/internal/chat"
)

// =============================================================================
// CONTROLLER BRIDGE
// =============================================================================

// DefaultFrameInterval caps redraws while a reply streams in (about 30fps).
const DefaultFrameInterval = 33 * time.Millisecond

// Bridge forwards controller snapshots to a running program.
//
// Forward never blocks: the controller calls it synchronously, sometimes
// from inside Update, where a blocking Program.Send would deadlock. It
// keeps only the newest snapshot and a single pump goroutine delivers it,
// at most once per frame interval. A snapshot is the whole state, so
// skipping intermediate ones loses nothing.
type Bridge struct {
	send    func(tea.Msg)
	limiter *rate.Limiter

	mu     sync.Mutex
	latest *core.Snapshot
	wake   chan struct{}
}

// NewBridge returns a bridge that calls send, typically (*tea.Program).Send.
func NewBridge(send func(tea.Msg), interval time.Duration) *Bridge {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Bridge{
		send:    send,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		wake:    make(chan struct{}, 1),
	}
}

// Forward is the controller subscription callback.
func (b *Bridge) Forward(s core.Snapshot) {
	b.mu.Lock()
	b.latest = &s
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run delivers snapshots until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}

		b.mu.Lock()
		s := b.latest
		b.latest = nil
		b.mu.Unlock()

		if s != nil {
			b.send(SnapshotMsg{Snapshot: *s})
		}
	}
}
