// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chaterp/internal/config"
	"github.com/jeranaias/chaterp/internal/logger"
	uichat "github.com/jeranaias/chaterp/internal/ui/chat"
)

// tuiLogName is where logs go while the full-screen view owns the
// terminal and no log file is configured.
const tuiLogName = "tui.log"

func newTUICommand(app *App) *cobra.Command {
	var opts clientOptions

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Start the full-screen chat interface",
		Long: `Chat in a full-screen terminal interface with a scrollable transcript.

Enter sends, Alt+Enter inserts a line break, Esc stops a reply and Ctrl+C
quits. The same slash commands as "chaterp chat" are available; F1 shows
them. Logs go to ~/.chaterp/tui.log unless logging.file is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !IsTTY() || !IsStdoutTTY() {
				return errors.New("tui needs an interactive terminal (use \"chaterp chat\" instead)")
			}

			cfg := app.Config()
			if cfg.Logging.File == "" {
				dir, err := config.ConfigDir()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create %s: %w", dir, err)
				}
				level := app.logLevel
				if level == "" {
					level = cfg.Logging.Level
				}
				if err := logger.Configure(level, filepath.Join(dir, tuiLogName)); err != nil {
					return err
				}
			}

			ctrl, closeStore, err := app.newController(cmd, opts)
			if err != nil {
				return err
			}
			defer closeStore()

			return uichat.Run(cmd.Context(), ctrl, uichat.Options{
				GlamourStyle:  glamourStyle(cfg.Client.Theme),
				FrameInterval: streamInterval,
			})
		},
	}
	opts.register(cmd)
	return cmd
}
