// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives conversation turns for the terminal front-ends.
//
// A Controller owns the active conversation. Submit appends the user
// message and an empty streaming placeholder, sends the turn through a
// Transport, fills the placeholder with deltas as they arrive and splits
// the final text into reasoning and answer. Every finished turn is saved
// to the SessionStore. Display layers read state through Snapshot and
// Subscribe and never mutate messages themselves.
//
// # Phases
//
//	Idle -> UserMessageAppended -> AwaitingReply -> StreamingReply* -> ReplyFinalized -> Idle
//	AwaitingReply | StreamingReply -> Error
//
// # Transports
//
//   - HTTPTransport talks to the chat endpoint served by `chaterp serve`
//   - RelayTransport calls the upstream directly through a cloud.Client
package chat
