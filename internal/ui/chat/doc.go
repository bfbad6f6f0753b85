// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat is the full-screen Bubble Tea view of a conversation.
//
// The model never talks to the upstream itself. It drives a chat
// controller: Enter submits a turn on a command goroutine, Esc cancels it,
// and every controller state change arrives as a snapshot message through
// a Bridge subscribed to the controller. The view is a pure function of
// the latest snapshot plus local input state.
//
// Layout, top to bottom: a one-line header, the scrollable transcript, the
// input box and a one-line status bar.
package chat
