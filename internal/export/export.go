// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/storage"
	"github.com/jeranaias/chaterp/internal/util"
)

// =============================================================================
// EXPORTER INTERFACE
// =============================================================================

// Exporter renders a conversation into one document format.
type Exporter interface {
	// Export renders the conversation.
	Export(conv *storage.Conversation) ([]byte, error)

	// FileExtension returns the extension including the dot.
	FileExtension() string

	// MimeType returns the MIME type of the output.
	MimeType() string
}

// Format names accepted by New.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// Formats lists the accepted format names.
var Formats = []string{FormatMarkdown, FormatHTML}

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is where ExportToFile writes. Empty means the current directory.
	OutputDir string

	// IncludeMetadata adds session id, persona and mode flags.
	IncludeMetadata bool

	// IncludeTimestamps adds a time to each message.
	IncludeTimestamps bool

	// IncludeThinking adds the reasoning text of assistant replies.
	IncludeThinking bool

	// Theme is "light" or "dark" (HTML only).
	Theme string

	// Personas resolves persona names. Nil shows the raw persona id.
	Personas *persona.Catalog

	// Now stamps the document. Nil means time.Now.
	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		Theme:             "light",
	}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) personaName(id string) string {
	if o.Personas != nil {
		if p, ok := o.Personas.Get(id); ok {
			return p.Name
		}
	}
	if id == "" {
		return "Assistant"
	}
	return id
}

// New returns the exporter for format ("markdown", "md" or "html").
func New(format string, opts Options) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatMarkdown, "md":
		return NewMarkdownExporter(opts), nil
	case FormatHTML, "htm":
		return NewHTMLExporter(opts), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (expected %s)", format, strings.Join(Formats, " or "))
	}
}

// =============================================================================
// FILE OUTPUT
// =============================================================================

// ExportToFile renders conv and writes it under opts.OutputDir. The file name
// is derived from the conversation title and the export time. It returns the
// path written.
func ExportToFile(conv *storage.Conversation, exporter Exporter, opts Options) (string, error) {
	if conv == nil {
		return "", fmt.Errorf("no conversation to export")
	}

	data, err := exporter.Export(conv)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	dir := opts.OutputDir
	if dir == "" {
		dir = "."
	}
	name := fmt.Sprintf("chat_%s_%s%s",
		sanitizeFilename(conv.Title()),
		opts.now().Format("20060102_150405"),
		exporter.FileExtension())
	path := filepath.Join(dir, name)

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// sanitizeFilename keeps letters, digits, dashes and underscores, collapsing
// everything else to a single underscore.
func sanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, "_")
	if len(name) > 50 {
		name = strings.TrimRight(name[:50], "_")
	}
	if name == "" {
		return "conversation"
	}
	return name
}

// exportable returns the messages worth writing: streaming placeholders are
// dropped.
func exportable(conv *storage.Conversation) []storage.Message {
	out := make([]storage.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.IsStreaming {
			continue
		}
		out = append(out, m)
	}
	return out
}

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}
