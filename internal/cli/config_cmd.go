// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chaterp/internal/config"
)

func newConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit the configuration",
		Long: `Show and edit ~/.chaterp/config.toml (or the file given by --config or
$CHATERP_CONFIG). Environment variables such as API_KEY and API_URL override
the file and are reflected by "config show".`,
	}
	cmd.AddCommand(
		newConfigShowCommand(app),
		newConfigPathCommand(app),
		newConfigInitCommand(app),
		newConfigGetCommand(app),
		newConfigSetCommand(app),
		newConfigKeysCommand(app),
	)
	return cmd
}

func newConfigShowCommand(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config().Redacted()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), "config show", cfg)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "wrap the output in the JSON envelope")
	return cmd
}

func newConfigPathCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the config file path",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.path()
			if err != nil {
				return err
			}
			status := DimStyle.Render("(not created yet)")
			if _, err := os.Stat(path); err == nil {
				status = SuccessStyle.Render("(exists)")
			}
			if !isTerminal(cmd.OutOrStdout()) {
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", path, status)
			return nil
		},
	}
}

func newConfigInitCommand(app *App) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a default config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.path()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := saveFile(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Wrote"), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigGetCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting, e.g. upstream.timeout_secs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := app.Config().Redacted().Get(args[0])
			if err != nil {
				return err
			}
			switch t := v.(type) {
			case nil:
				fmt.Fprintln(cmd.OutOrStdout(), "")
			case []string:
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(t, ","))
			default:
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

// newConfigSetCommand edits the file itself, not the effective config, so
// environment overrides are never written back.
func newConfigSetCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "set <key> <value>",
		Short:       "Change one setting in the config file",
		Example:     "  chaterp config set upstream.timeout_secs 60\n  chaterp config set server.allowed_origins https://erp.example.com,https://admin.example.com",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.path()
			if err != nil {
				return err
			}

			cfg := config.Default()
			if _, err := os.Stat(path); err == nil {
				if err := loadFile(cfg, path); err != nil {
					return err
				}
			}

			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			cfg.SetDefaults()
			if err := cfg.Validate(); err != nil {
				var verrs config.ValidateErrors
				if errors.As(err, &verrs) {
					return fmt.Errorf("refusing to save: %w", verrs)
				}
				return err
			}
			if err := saveFile(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", SuccessStyle.Render("Set"), args[0], args[1])
			return nil
		},
	}
}

func loadFile(cfg *config.Config, path string) error {
	if strings.HasSuffix(path, ".json") {
		return config.LoadJSON(cfg, path)
	}
	return config.LoadTOML(cfg, path)
}

func saveFile(cfg *config.Config, path string) error {
	if strings.HasSuffix(path, ".json") {
		return config.SaveJSON(cfg, path)
	}
	return config.SaveTOML(cfg, path)
}

func newConfigKeysCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "keys",
		Short:       "List the keys accepted by get and set",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, k := range config.GetAllKeys() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}
