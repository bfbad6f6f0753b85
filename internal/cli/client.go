// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chaterp/internal/chat"
	"github.com/jeranaias/chaterp/internal/logger"
)

// clientOptions are the flags shared by chat and tui.
type clientOptions struct {
	Endpoint string
	Persona  string
	Stream   bool
	Think    bool
	Session  string
	New      bool
}

func (o *clientOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.Endpoint, "endpoint", "", "chat endpoint URL (default: call the upstream API directly)")
	f.StringVarP(&o.Persona, "persona", "p", "", "persona id (see: chaterp personas)")
	f.BoolVar(&o.Stream, "stream", false, "stream replies as they are generated")
	f.BoolVar(&o.Think, "think", false, "show the model's reasoning")
	f.StringVar(&o.Session, "session", "", "open a stored session by id")
	f.BoolVar(&o.New, "new", false, "start a new session instead of resuming the last one")
}

// newController builds the conversation controller for an interactive
// command. Explicit flags win over the config file and over the settings
// of a resumed session. The returned function closes the session store.
func (a *App) newController(cmd *cobra.Command, opts clientOptions) (*chat.Controller, func(), error) {
	cfg := a.Config()
	cc := cfg.Client
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cc.Endpoint = opts.Endpoint
	}

	store, err := cfg.OpenSessionStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close session store", "err", err)
		}
	}

	var transport chat.Transport
	if cc.Endpoint != "" {
		transport = chat.NewHTTPTransport(cc.Endpoint)
	} else {
		rt := chat.NewRelayTransport(cfg.CloudClient())
		rt.Personas = cfg.PersonaCatalog()
		transport = rt
	}

	ctrl := chat.NewController(chat.Options{
		Store:     store,
		Transport: transport,
		Personas:  cfg.PersonaCatalog(),
		PersonaID: cc.Persona,
		ThinkMode: cc.ThinkMode,
		Stream:    cc.Stream,
	})

	switch {
	case opts.Session != "":
		if err := ctrl.LoadSession(opts.Session); err != nil {
			closeStore()
			return nil, nil, fmt.Errorf("failed to load session %s: %w", opts.Session, err)
		}
	case opts.New:
	case cc.Resume:
		if err := ctrl.Resume(); err != nil {
			logger.Warn("could not resume last session", "err", err)
		}
	}

	if flags.Changed("persona") {
		ctrl.SetPersona(opts.Persona)
	}
	if flags.Changed("think") {
		ctrl.SetThinkMode(opts.Think)
	}
	if flags.Changed("stream") {
		ctrl.SetStreaming(opts.Stream)
	}
	return ctrl, closeStore, nil
}

// transportName describes where turns go, for banners.
func transportName(a *App, cmd *cobra.Command, opts clientOptions) string {
	endpoint := a.Config().Client.Endpoint
	if cmd.Flags().Changed("endpoint") {
		endpoint = opts.Endpoint
	}
	if endpoint == "" {
		return "upstream " + a.Config().Upstream.URL
	}
	return endpoint
}
