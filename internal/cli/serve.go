// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/cloud/cloudtest"
	"github.com/jeranaias/chaterp/internal/config"
	"github.com/jeranaias/chaterp/internal/logger"
	"github.com/jeranaias/chaterp/internal/server"
)

// simulatedKey is the bearer token used between the endpoint and the
// in-process simulated provider.
const simulatedKey = "sk-simulated"

type serveOptions struct {
	Addr     string
	Simulate bool
	Watch    bool
}

func newServeCommand(app *App) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the /chat HTTP endpoint",
		Long: `Serve the chat endpoint used by the web front-end.

POST /chat and GET /chat relay a turn to the upstream completions API,
answering with one JSON object or a server-sent event stream. GET /personas
lists the persona catalog and GET /health reports status.`,
		Example: `  chaterp serve
  chaterp serve --addr 0.0.0.0:8080
  chaterp serve --simulate          # canned replies, no API key needed
  chaterp serve --watch             # reload personas and upstream on config change`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, app, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.Simulate, "simulate", false, "answer from a built-in simulated provider")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload the config file when it changes")
	return cmd
}

// runServe runs the endpoint, and the config watcher when asked, until ctx
// is cancelled or either fails.
func runServe(ctx context.Context, app *App, opts serveOptions) error {
	cfg := app.Config()
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	var sim *cloudtest.Server
	if opts.Simulate {
		sim = cloudtest.NewServer(
			cloudtest.WithChunkSize(6),
			cloudtest.WithDelay(30*time.Millisecond),
			cloudtest.WithAPIKey(simulatedKey),
		)
		defer sim.Close()
		logger.Info("using simulated upstream", "endpoint", sim.Endpoint())
	}

	srv := server.NewServer(cfg.Server.Addr).WithCORS(corsConfig(cfg))
	applyServerConfig(srv, cfg, sim)

	if sim == nil && cfg.Upstream.APIKey == "" {
		logger.Warn("API_KEY is not set; chat requests will fail until it is configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if opts.Watch {
		path, err := app.path()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return config.Watch(gctx, path, func(next *config.Config, err error) {
				if err != nil {
					return
				}
				if next.Server.Addr != cfg.Server.Addr && opts.Addr == "" {
					logger.Warn("server.addr changes need a restart", "running", cfg.Server.Addr, "configured", next.Server.Addr)
				}
				applyServerConfig(srv, next, sim)
			})
		})
	}

	return g.Wait()
}

// corsConfig builds the middleware settings from the config.
func corsConfig(cfg *config.Config) *server.CORSConfig {
	c := server.DefaultCORSConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		c.AllowedOrigins = cfg.Server.AllowedOrigins
	}
	return c
}

// applyServerConfig installs the parts of cfg that can change while the
// server runs: the relay and the persona catalog.
func applyServerConfig(srv *server.Server, cfg *config.Config, sim *cloudtest.Server) {
	client := cfg.CloudClient()
	if sim != nil {
		client = cloud.NewClient(simulatedKey).
			WithEndpoint(sim.Endpoint()).
			WithHTTPClient(sim.Client()).
			WithTimeout(cfg.Upstream.Timeout()).
			WithParams(cfg.Upstream.Params)
	}
	if client.IsConfigured() {
		logger.Info("relay configured", "endpoint", client.Endpoint(), "key", client.APIKeyMasked())
	}
	srv.SetRelay(client)
	srv.WithPersonas(cfg.PersonaCatalog())
	server.SetTrustedProxies(cfg.Server.TrustedProxies)
}
