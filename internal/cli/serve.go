package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/cbruyndoncx/paperbanana-lite/internal/server"
)

// serveOpts holds the command-line flags for the serve command.
type serveOpts struct {
	addr       string
	concurrent int
}

// serveCommand creates the serve command for the HTTP API.
func (c *CLI) serveCommand() *cobra.Command {
	opts := serveOpts{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API for submitting and inspecting runs.

Runs execute in the background, at most --max-runs at a time. Stopping the
server cancels in-flight runs; they stay resumable with "paperbanana resume".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if opts.addr != "" {
				cfg.Server.Addr = opts.addr
			}
			if opts.concurrent > 0 {
				cfg.Server.MaxConcurrentRuns = opts.concurrent
			}

			logger := loggerFromContext(ctx)
			e, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			srv := server.New(e.Orchestrator, e.store, server.Options{
				MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
				Logger:            logger,
			})
			printInfo("Serving on %s", StyleLink.Render(cfg.Server.Addr))
			printDetail("provider %s · %d concurrent runs · output %s", cfg.Provider, cfg.Server.MaxConcurrentRuns, cfg.Pipeline.OutputDir)

			err = srv.ListenAndServe(ctx, cfg.Server.Addr)
			if errors.Is(err, context.Canceled) {
				printSuccess("Server stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (default from config, :8080)")
	cmd.Flags().IntVar(&opts.concurrent, "max-runs", 0, "maximum concurrently executing runs")

	return cmd
}
