// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/think"
)

// maxStdinPrompt caps a prompt read from piped input.
const maxStdinPrompt = 1 << 20

type askOptions struct {
	Persona string
	Stream  bool
	Think   bool
	Raw     bool
}

func newAskCommand(app *App) *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt to the upstream API and print the answer",
		Long: `Send a single prompt straight to the upstream completions API, without
the chat endpoint or the session store. With no arguments the prompt is
read from standard input.`,
		Example: `  chaterp ask "What is three-way matching?"
  chaterp ask --persona askcba --think "Draft a collective agreement summary"
  git log -1 --format=%B | chaterp ask --raw`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if strings.TrimSpace(prompt) == "" {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxStdinPrompt))
				if err != nil {
					return fmt.Errorf("failed to read prompt: %w", err)
				}
				prompt = string(data)
			}
			if strings.TrimSpace(prompt) == "" {
				return errors.New("a prompt is required")
			}
			return runAsk(cmd, app, opts, strings.TrimSpace(prompt))
		},
	}

	cmd.Flags().StringVarP(&opts.Persona, "persona", "p", "", "persona id (default from config)")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "print the answer as it is generated")
	cmd.Flags().BoolVar(&opts.Think, "think", false, "print the model's reasoning")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "print the reply unparsed and unrendered")
	return cmd
}

func runAsk(cmd *cobra.Command, app *App, opts askOptions, prompt string) error {
	cfg := app.Config()
	client := cfg.CloudClient()
	if !client.IsConfigured() {
		return fmt.Errorf("%w (set API_KEY or upstream.api_key)", cloud.ErrNotConfigured)
	}

	personaID := cfg.Client.Persona
	if opts.Persona != "" {
		personaID = opts.Persona
	}
	p := cfg.PersonaCatalog().Lookup(personaID)

	out := cmd.OutOrStdout()
	req := cloud.RelayRequest{
		Prompt:       prompt,
		SystemPrompt: p.SystemPrompt,
		Stream:       opts.Stream,
	}

	if !opts.Stream {
		text, err := client.Complete(cmd.Context(), req)
		if err != nil {
			return err
		}
		printAnswer(out, newMarkdown(cfg.Client.Theme, out), text, opts)
		return nil
	}

	sp := newStreamPrinter(out, opts.Think)
	var text strings.Builder
	for ev := range client.Relay(cmd.Context(), req) {
		switch ev.Type {
		case cloud.EventContent:
			text.WriteString(ev.Content)
			if opts.Raw {
				fmt.Fprint(out, ev.Content)
			} else {
				sp.update(text.String(), false)
			}
		case cloud.EventError:
			fmt.Fprintln(out)
			return ev.Err
		}
	}
	if err := cmd.Context().Err(); err != nil {
		return err
	}

	if opts.Raw {
		fmt.Fprintln(out)
		return nil
	}
	final := think.Parse(text.String()).Final
	if !sp.finish(final) {
		opts.Think = opts.Think && !sp.thinkingShown
		printAnswer(out, &markdown{}, text.String(), opts)
	}
	return nil
}

// printAnswer splits reasoning from the reply and prints both.
func printAnswer(out io.Writer, md *markdown, text string, opts askOptions) {
	if opts.Raw {
		fmt.Fprintln(out, text)
		return
	}
	r := think.Parse(text)
	if opts.Think && r.HasThinking {
		printThinking(out, r.Thinking)
	}
	fmt.Fprint(out, md.Render(r.Final))
}
