// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/util"
)

func newPersonasCommand(app *App) *cobra.Command {
	var (
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:     "personas",
		Aliases: []string{"persona"},
		Short:   "List the persona catalog",
		Long: `List the personas a turn can be addressed to. Entries under [[personas]]
in the config file add to or replace the builtin ones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config()
			all := cfg.PersonaCatalog().All()
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, "personas", all)
			}

			def := cfg.Client.Persona
			if def == "" {
				def = persona.DefaultID
			}
			for _, p := range all {
				marker := "  "
				if p.ID == def {
					marker = activeStyle.Render("* ")
				}
				fmt.Fprintf(out, "%s%s %s\n", marker, CommandStyle.Render(util.PadRight(p.ID, 20)), p.Name)
				if verbose {
					fmt.Fprintln(out, DimStyle.Render(WrapText(p.SystemPrompt, widthOf(out)-4)))
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include system prompts")
	return cmd
}
