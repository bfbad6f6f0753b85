// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	chromastyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"

	"github.com/jeranaias/chaterp/internal/storage"
)

// HTMLExporter writes a conversation as a self-contained HTML page.
// Message bodies are rendered as Markdown with raw HTML dropped.
type HTMLExporter struct {
	options Options
	md      goldmark.Markdown
	style   *chroma.Style
}

// NewHTMLExporter creates an HTML exporter.
func NewHTMLExporter(opts Options) *HTMLExporter {
	if opts.Theme == "" {
		opts.Theme = "light"
	}
	style := chromastyles.Get("github")
	if opts.Theme == "dark" {
		style = chromastyles.Get("monokai")
	}

	e := &HTMLExporter{options: opts, style: style}
	e.md = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(gmutil.Prioritized(&codeBlockRenderer{style: style}, 100)),
		),
	)
	return e
}

// Export renders the conversation.
func (e *HTMLExporter) Export(conv *storage.Conversation) ([]byte, error) {
	var sb strings.Builder
	title := conv.Title()
	name := e.options.personaName(conv.PersonaID)
	messages := exportable(conv)

	sb.WriteString("<!DOCTYPE html>\n")
	fmt.Fprintf(&sb, "<html lang=\"en\" data-theme=\"%s\">\n", html.EscapeString(e.options.Theme))
	sb.WriteString("<head>\n")
	sb.WriteString("    <meta charset=\"UTF-8\">\n")
	sb.WriteString("    <meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "    <title>%s</title>\n", html.EscapeString(title))
	sb.WriteString("    <style>\n")
	sb.WriteString(pageCSS)
	if err := chromahtml.New(chromahtml.WithClasses(true)).WriteCSS(&sb, e.style); err != nil {
		return nil, fmt.Errorf("failed to write highlight css: %w", err)
	}
	sb.WriteString("    </style>\n")
	sb.WriteString("</head>\n<body>\n")
	sb.WriteString("    <div class=\"container\">\n")

	e.writeHeader(&sb, conv, title, name, len(messages))

	sb.WriteString("        <main class=\"messages\">\n")
	for _, msg := range messages {
		if err := e.writeMessage(&sb, msg, name); err != nil {
			return nil, err
		}
	}
	sb.WriteString("        </main>\n")

	fmt.Fprintf(&sb, "        <footer>Exported %s</footer>\n", formatTimestamp(e.options.now()))
	sb.WriteString("    </div>\n</body>\n</html>\n")

	return []byte(sb.String()), nil
}

func (e *HTMLExporter) writeHeader(sb *strings.Builder, conv *storage.Conversation, title, name string, count int) {
	sb.WriteString("        <header>\n")
	fmt.Fprintf(sb, "            <h1>%s</h1>\n", html.EscapeString(title))
	if e.options.IncludeMetadata {
		sb.WriteString("            <div class=\"metadata\">\n")
		fmt.Fprintf(sb, "                <span><strong>Persona:</strong> %s</span>\n", html.EscapeString(name))
		fmt.Fprintf(sb, "                <span><strong>Messages:</strong> %d</span>\n", count)
		fmt.Fprintf(sb, "                <span><strong>Updated:</strong> %s</span>\n", formatTimestamp(conv.LastUpdated))
		fmt.Fprintf(sb, "                <span><strong>Session:</strong> <code>%s</code></span>\n", html.EscapeString(conv.SessionID))
		sb.WriteString("            </div>\n")
	}
	sb.WriteString("        </header>\n")
}

func (e *HTMLExporter) writeMessage(sb *strings.Builder, msg storage.Message, personaName string) error {
	class, label := "assistant", personaName
	if msg.IsUser {
		class, label = "user", "You"
	}
	if msg.IsError {
		class += " error"
	}

	fmt.Fprintf(sb, "            <div class=\"message %s\">\n", class)
	sb.WriteString("                <div class=\"message-header\">\n")
	fmt.Fprintf(sb, "                    <span class=\"role\">%s</span>\n", html.EscapeString(label))
	if e.options.IncludeTimestamps {
		fmt.Fprintf(sb, "                    <span class=\"timestamp\">%s</span>\n", formatShortTimestamp(msg.Timestamp))
	}
	sb.WriteString("                </div>\n")

	if thinking := msg.Thinking(); e.options.IncludeThinking && thinking != "" {
		sb.WriteString("                <details class=\"thinking\"><summary>Thinking</summary>\n")
		fmt.Fprintf(sb, "<pre>%s</pre>\n", html.EscapeString(strings.TrimSpace(thinking)))
		sb.WriteString("                </details>\n")
	}

	sb.WriteString("                <div class=\"message-content\">\n")
	if msg.IsUser || msg.IsError {
		fmt.Fprintf(sb, "<p>%s</p>\n", strings.ReplaceAll(html.EscapeString(msg.Content), "\n", "<br>\n"))
	} else {
		var buf bytes.Buffer
		if err := e.md.Convert([]byte(msg.Content), &buf); err != nil {
			return fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
		sb.Write(buf.Bytes())
	}
	sb.WriteString("                </div>\n")
	sb.WriteString("            </div>\n")
	return nil
}

// FileExtension returns ".html".
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the HTML MIME type.
func (e *HTMLExporter) MimeType() string {
	return "text/html"
}

// =============================================================================
// CODE HIGHLIGHTING
// =============================================================================

// codeBlockRenderer replaces goldmark's fenced code output with chroma
// class-based markup. The language name only selects a lexer and is never
// written to the page.
type codeBlockRenderer struct {
	style *chroma.Style
}

func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.render)
}

func (r *codeBlockRenderer) render(w gmutil.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)

	var code strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}

	lexer := lexers.Get(string(n.Language(source)))
	if lexer == nil {
		lexer = lexers.Fallback
	}
	iterator, err := chroma.Coalesce(lexer).Tokenise(nil, code.String())
	if err != nil {
		return ast.WalkStop, err
	}

	_, _ = w.WriteString("<div class=\"code-block\">")
	if err := chromahtml.New(chromahtml.WithClasses(true)).Format(w, r.style, iterator); err != nil {
		return ast.WalkStop, err
	}
	_, _ = w.WriteString("</div>\n")
	return ast.WalkSkipChildren, nil
}

// =============================================================================
// EMBEDDED CSS
// =============================================================================

const pageCSS = `        :root {
            --bg: #ffffff;
            --surface: #f6f8fa;
            --text: #1f2328;
            --muted: #656d76;
            --border: #d0d7de;
            --accent: #7c3aed;
            --user: #0e7490;
            --error: #be123c;
        }
        [data-theme="dark"] {
            --bg: #0d1117;
            --surface: #161b22;
            --text: #e6edf3;
            --muted: #8b949e;
            --border: #30363d;
            --accent: #a78bfa;
            --user: #22d3ee;
            --error: #fb7185;
        }
        * { box-sizing: border-box; }
        body {
            margin: 0;
            background: var(--bg);
            color: var(--text);
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif;
            line-height: 1.6;
        }
        .container { max-width: 860px; margin: 0 auto; padding: 2rem 1rem; }
        header { border-bottom: 1px solid var(--border); margin-bottom: 1.5rem; }
        header h1 { margin: 0 0 0.5rem; font-size: 1.6rem; }
        .metadata { display: flex; flex-wrap: wrap; gap: 1rem; color: var(--muted); font-size: 0.9rem; padding-bottom: 1rem; }
        .message { border: 1px solid var(--border); border-radius: 8px; padding: 0.75rem 1rem; margin-bottom: 1rem; background: var(--surface); }
        .message-header { display: flex; justify-content: space-between; margin-bottom: 0.5rem; }
        .message.user .role { color: var(--user); font-weight: 600; }
        .message.assistant .role { color: var(--accent); font-weight: 600; }
        .message.error { border-color: var(--error); }
        .message.error .message-content { color: var(--error); }
        .timestamp { color: var(--muted); font-size: 0.85rem; }
        .thinking { color: var(--muted); margin-bottom: 0.5rem; }
        .thinking pre { white-space: pre-wrap; font-style: italic; }
        .code-block pre { padding: 0.75rem; border-radius: 6px; overflow-x: auto; }
        code { font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace; font-size: 0.9em; }
        table { border-collapse: collapse; }
        th, td { border: 1px solid var(--border); padding: 0.25rem 0.5rem; }
        footer { color: var(--muted); font-size: 0.85rem; text-align: center; margin-top: 2rem; }
`
