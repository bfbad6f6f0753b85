// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	core "github.com/jeranaias/chaterp/internal/chat"
)

// Run shows the chat view on the alternate screen until the user quits or
// ctx is cancelled. A turn still in flight is cancelled on the way out.
func Run(ctx context.Context, ctrl *core.Controller, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts.Context = ctx

	p := tea.NewProgram(New(ctrl, opts),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)

	bridge := NewBridge(p.Send, opts.FrameInterval)
	unsubscribe := ctrl.Subscribe(bridge.Forward)
	defer unsubscribe()
	go bridge.Run(ctx)

	_, err := p.Run()
	ctrl.Cancel()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
