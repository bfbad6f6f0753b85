// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	core "github.com/jeranaias/chaterp/internal/chat"
)

// SnapshotMsg carries controller state into the update loop.
type SnapshotMsg struct {
	Snapshot core.Snapshot
}

// TurnDoneMsg is returned by the submit command once the controller has
// finished the turn. Started is false when the controller refused it.
type TurnDoneMsg struct {
	Started bool
}

// NoticeMsg replaces the status line text.
type NoticeMsg struct {
	Text  string
	Error bool
}
