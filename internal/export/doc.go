// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders a stored conversation as a standalone document.
//
// # Supported Formats
//
//   - Markdown: YAML frontmatter followed by one section per message
//   - HTML: a self-contained page with embedded CSS and highlighted code
//
// Reasoning text is included only when Options.IncludeThinking is set, and
// messages that are still streaming are skipped.
//
// # Usage
//
//	exp, err := export.New("html", export.Options{Personas: catalog})
//	path, err := export.ExportToFile(conv, exp, export.Options{OutputDir: "."})
package export
