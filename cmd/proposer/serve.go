package main

import (
	"github.com/spf13/cobra"

	"github.com/danshapiro/proposer/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		Long: `Serve the run API over HTTP:

  POST /runs              submit a run (202 with its run_id)
  GET  /runs/{id}         run status
  GET  /runs/{id}/events  progress as Server-Sent Events
  POST /runs/{id}/cancel  cancel a running run
  GET  /metrics           Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(configPath, "", c.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := server.New(server.Config{
				Addr:    addr,
				Factory: a.newEngine,
				Metrics: a.metrics.Handler(),
				Logger:  a.logger,
			})
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Run config file (YAML or JSON)")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "Listen address")
	return cmd
}
