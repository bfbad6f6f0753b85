// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the chaterp packages.
//
// # Key Functions
//
// String Utilities:
//   - FirstRunes: title derivation, counts characters not bytes
//   - TruncateWidth, PadRight: column-aware layout for terminal listings
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	title := util.FirstRunes(text, 50)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
