// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chaterp/internal/export"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/storage"
	"github.com/jeranaias/chaterp/internal/util"
)

// Column widths of the session listing.
const (
	colID      = 20
	colTitle   = 40
	colPersona = 18
	colCount   = 5
)

func newSessionsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List, show, export and delete stored sessions",
		Long: `Manage the stored conversation history. The index keeps the ten most
recently updated sessions; older ones are removed as new ones are saved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSessions(cmd, app, false)
		},
	}

	cmd.AddCommand(
		newSessionsListCommand(app),
		newSessionsShowCommand(app),
		newSessionsDeleteCommand(app),
		newSessionsExportCommand(app),
		newSessionsSaveCommand(app),
		newSessionsPruneCommand(app),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(app *App, fn func(*storage.SessionStore) error) error {
	store, err := app.Config().OpenSessionStore()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// =============================================================================
// LIST
// =============================================================================

func newSessionsListCommand(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored sessions, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSessions(cmd, app, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func listSessions(cmd *cobra.Command, app *App, asJSON bool) error {
	return withStore(app, func(store *storage.SessionStore) error {
		summaries, err := store.ListSummaries()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, "sessions list", summaries)
		}
		if len(summaries) == 0 {
			fmt.Fprintln(out, DimStyle.Render("No stored sessions."))
			return nil
		}
		printSessionTable(out, summaries)
		return nil
	})
}

// printSessionTable writes summaries as aligned columns. Widths are
// measured in display cells so CJK titles line up.
func printSessionTable(w io.Writer, summaries []storage.SessionSummary) {
	header := strings.Join([]string{
		util.PadRight("ID", colID),
		util.PadRight("TITLE", colTitle),
		util.PadRight("PERSONA", colPersona),
		util.PadRight("MSGS", colCount),
		"UPDATED",
	}, "  ")
	fmt.Fprintln(w, headerStyle.Render(header))

	for _, s := range summaries {
		id := util.TruncateWidth(strings.TrimPrefix(s.SessionID, storage.SessionPrefix), colID)
		title := util.TruncateWidth(util.SingleLine(s.Title), colTitle)
		fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
			CommandStyle.Render(util.PadRight(id, colID)),
			util.PadRight(title, colTitle),
			DimStyle.Render(util.PadRight(s.PersonaID, colPersona)),
			util.PadRight(fmt.Sprint(s.MessageCount), colCount),
			DimStyle.Render(formatAge(s.LastUpdated)))
	}
}

// resolveStoredSession accepts a full id, an id without the session
// prefix, or a unique prefix of either.
func resolveStoredSession(store *storage.SessionStore, arg string) (string, error) {
	summaries, err := store.ListSummaries()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range summaries {
		if s.SessionID == arg || s.SessionID == storage.SessionPrefix+arg {
			return s.SessionID, nil
		}
		if strings.HasPrefix(s.SessionID, arg) || strings.HasPrefix(strings.TrimPrefix(s.SessionID, storage.SessionPrefix), arg) {
			matches = append(matches, s.SessionID)
		}
	}
	switch len(matches) {
	case 0:
		// Records outside the index are still loadable by exact id.
		return arg, nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d sessions", arg, len(matches))
	}
}

// =============================================================================
// SHOW
// =============================================================================

func newSessionsShowCommand(app *App) *cobra.Command {
	var (
		asJSON       bool
		showThinking bool
	)
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(store *storage.SessionStore) error {
				id, err := resolveStoredSession(store, args[0])
				if err != nil {
					return err
				}
				conv, err := store.Load(id)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, "sessions show", conv)
				}
				fmt.Fprintln(out, TitleStyle.Render(conv.Title()))
				fmt.Fprintf(out, "%s %s\n", RenderLabel("Session:"), conv.SessionID)
				fmt.Fprintf(out, "%s %s\n", RenderLabel("Persona:"), conv.PersonaID)
				fmt.Fprintf(out, "%s %s\n", RenderLabel("Updated:"), conv.LastUpdated.Local().Format("2006-01-02 15:04"))
				fmt.Fprintln(out, RenderSeparator())

				md := newMarkdown(app.Config().Client.Theme, out)
				for _, m := range conv.Messages {
					printMessage(out, md, m, showThinking)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&showThinking, "think", false, "include reasoning segments")
	return cmd
}

// =============================================================================
// DELETE
// =============================================================================

func newSessionsDeleteCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <session-id>...",
		Aliases: []string{"rm"},
		Short:   "Delete stored sessions",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(store *storage.SessionStore) error {
				for _, arg := range args {
					id, err := resolveStoredSession(store, arg)
					if err != nil {
						return err
					}
					if err := store.Delete(id); err != nil {
						return fmt.Errorf("failed to delete %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Deleted"), id)
				}
				return nil
			})
		},
	}
}

// =============================================================================
// EXPORT
// =============================================================================

func newSessionsExportCommand(app *App) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the index and every indexed conversation",
		Example: `  chaterp sessions export > sessions.json
  chaterp sessions export --format yaml -o sessions.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(store *storage.SessionStore) error {
				if output == "" || output == "-" {
					return store.Export(cmd.OutOrStdout(), format)
				}

				var sb strings.Builder
				if err := store.Export(&sb, format); err != nil {
					return err
				}
				if err := util.AtomicWriteFile(output, []byte(sb.String()), 0600); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				abs, _ := filepath.Abs(output)
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", SuccessStyle.Render("Exported to"), abs)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", storage.FormatJSON, "output format: json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

// =============================================================================
// SAVE
// =============================================================================

func newSessionsSaveCommand(app *App) *cobra.Command {
	var (
		format       string
		dir          string
		showThinking bool
		dark         bool
	)
	cmd := &cobra.Command{
		Use:   "save <session-id>",
		Short: "Save one conversation as a Markdown or HTML transcript",
		Example: `  chaterp sessions save 3f2a
  chaterp sessions save chat-session-3f2a --format html --dir ~/reports`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(store *storage.SessionStore) error {
				id, err := resolveStoredSession(store, args[0])
				if err != nil {
					return err
				}
				conv, err := store.Load(id)
				if err != nil {
					return err
				}

				path, err := saveTranscript(conv, app.Config().PersonaCatalog(), format, dir, showThinking, dark)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Saved"), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", export.FormatMarkdown, "transcript format: markdown or html")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to write into")
	cmd.Flags().BoolVar(&showThinking, "think", false, "include reasoning segments")
	cmd.Flags().BoolVar(&dark, "dark", false, "use the dark page theme (html only)")
	return cmd
}

// saveTranscript renders conv with the named exporter and writes it under dir.
func saveTranscript(conv *storage.Conversation, personas *persona.Catalog, format, dir string, thinking, dark bool) (string, error) {
	opts := export.DefaultOptions()
	opts.OutputDir = dir
	opts.IncludeThinking = thinking
	opts.Personas = personas
	if dark {
		opts.Theme = "dark"
	}

	exp, err := export.New(format, opts)
	if err != nil {
		return "", err
	}
	path, err := export.ExportToFile(conv, exp, opts)
	if err != nil {
		return "", err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, nil
}

// =============================================================================
// PRUNE
// =============================================================================

func newSessionsPruneCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete stored conversations that fell out of the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(app, func(store *storage.SessionStore) error {
				n, err := store.Prune()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned session(s)\n", n)
				return nil
			})
		},
	}
}
