// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chaterp/internal/config"
	"github.com/jeranaias/chaterp/internal/logger"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// skipConfig marks commands that must run even when the config file is
// missing or invalid.
const skipConfig = "chaterp/skip-config"

// App carries the state shared by every command of one invocation.
type App struct {
	configPath string
	logLevel   string

	cfg *config.Config
}

// Config returns the configuration loaded before the command ran. Commands
// marked with skipConfig get the defaults.
func (a *App) Config() *config.Config {
	if a.cfg == nil {
		a.cfg = config.Default()
	}
	return a.cfg
}

// path returns the config file this invocation reads and writes.
func (a *App) path() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.ConfigPathTOML()
}

// load reads the configuration and configures logging.
func (a *App) load(cmd *cobra.Command) error {
	if cmd.Annotations[skipConfig] == "" {
		cfg, err := a.readConfig()
		if err != nil {
			return err
		}
		a.cfg = cfg
		config.SetGlobal(cfg)
	}

	cfg := a.Config()
	level := a.logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	if err := logger.Configure(level, cfg.Logging.File); err != nil {
		return err
	}
	return nil
}

func (a *App) readConfig() (*config.Config, error) {
	if a.configPath == "" {
		return config.Load()
	}
	if _, err := os.Stat(a.configPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s does not exist (create it with: chaterp config init --config %s)", a.configPath, a.configPath)
	}
	config.LoadDotEnv()
	return config.LoadFromPath(a.configPath)
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the chaterp command tree.
func NewRootCommand() *cobra.Command {
	app := &App{}

	root := &cobra.Command{
		Use:   "chaterp",
		Short: "ChatERP assistant: chat endpoint, terminal client and session store",
		Long: `chaterp relays chat turns to an OpenAI-compatible completions API and
keeps a local history of conversations.

Run "chaterp serve" to expose the /chat endpoint for the web front-end, or
talk to the assistant straight from the terminal with "chaterp chat" or
"chaterp tui".

Quick Start:
  export API_KEY=sk-...
  chaterp serve                     # HTTP endpoint on 127.0.0.1:3000
  chaterp chat                      # line REPL (direct to the API)
  chaterp chat --endpoint http://127.0.0.1:3000/chat
  chaterp ask "Summarize our Q3 AP aging"
  chaterp sessions list`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return app.load(cmd) },
	}

	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default ~/.chaterp/config.toml, or $CHATERP_CONFIG)")
	root.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCommand(app),
		newChatCommand(app),
		newTUICommand(app),
		newAskCommand(app),
		newSessionsCommand(app),
		newPersonasCommand(app),
		newConfigCommand(app),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	return run(NewRootCommand(), os.Stderr)
}

func run(root *cobra.Command, stderr io.Writer) int {
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "%s %v\n", ErrorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}
