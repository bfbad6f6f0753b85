// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"

	"github.com/jeranaias/chaterp/internal/storage"
)

// MarkdownExporter writes a conversation as Markdown with YAML frontmatter.
type MarkdownExporter struct {
	options Options
}

// NewMarkdownExporter creates a Markdown exporter.
func NewMarkdownExporter(opts Options) *MarkdownExporter {
	return &MarkdownExporter{options: opts}
}

// Export renders the conversation.
func (e *MarkdownExporter) Export(conv *storage.Conversation) ([]byte, error) {
	var sb strings.Builder
	title := conv.Title()
	name := e.options.personaName(conv.PersonaID)
	messages := exportable(conv)

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(title))
		fmt.Fprintf(&sb, "session: %s\n", escapeYAML(conv.SessionID))
		fmt.Fprintf(&sb, "persona: %s\n", escapeYAML(name))
		fmt.Fprintf(&sb, "updated: %s\n", conv.LastUpdated.Format("2006-01-02T15:04:05Z07:00"))
		fmt.Fprintf(&sb, "messages: %d\n", len(messages))
		fmt.Fprintf(&sb, "think_mode: %t\n", conv.ModeFlags.ThinkMode)
		fmt.Fprintf(&sb, "exported: %s\n", e.options.now().Format("2006-01-02T15:04:05Z07:00"))
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(title))

	for i, msg := range messages {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}
		e.writeMessage(&sb, msg, name)
	}

	return []byte(sb.String()), nil
}

func (e *MarkdownExporter) writeMessage(sb *strings.Builder, msg storage.Message, personaName string) {
	label := "You"
	if !msg.IsUser {
		label = personaName
	}
	if e.options.IncludeTimestamps {
		fmt.Fprintf(sb, "## %s *(%s)*\n\n", escapeMarkdown(label), formatShortTimestamp(msg.Timestamp))
	} else {
		fmt.Fprintf(sb, "## %s\n\n", escapeMarkdown(label))
	}

	if thinking := msg.Thinking(); e.options.IncludeThinking && thinking != "" {
		sb.WriteString("<details>\n<summary>Thinking</summary>\n\n")
		sb.WriteString(strings.TrimSpace(thinking))
		sb.WriteString("\n\n</details>\n\n")
	}

	if msg.IsError {
		fmt.Fprintf(sb, "> **Error:** %s\n", strings.TrimSpace(msg.Content))
		return
	}
	sb.WriteString(strings.TrimSpace(msg.Content))
	sb.WriteString("\n")
}

// FileExtension returns ".md".
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the Markdown MIME type.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// escapeMarkdown escapes characters that would change heading text.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"*", "\\*",
		"_", "\\_",
		"`", "\\`",
		"#", "\\#",
		"[", "\\[",
		"]", "\\]",
		"\n", " ",
	)
	return replacer.Replace(s)
}

// escapeYAML quotes a scalar when it contains characters YAML would
// interpret. Newlines are escaped so a title cannot inject keys.
func escapeYAML(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, ":#{}[]&*!|>'\"%@`,\n\r\t\\") || strings.TrimSpace(s) != s {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		s = strings.ReplaceAll(s, "\t", "\\t")
		return "\"" + s + "\""
	}
	return s
}
