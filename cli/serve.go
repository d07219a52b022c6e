package cli

import (
	"context"
	"fmt"
	"time"

	"EzMMLab/engine"
	"EzMMLab/monitor"
	"EzMMLab/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(app *App) *cobra.Command {
	var (
		port        int
		metricsPort int
		idleTimeout time.Duration
		outDir      string
		device      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP and websocket, with Prometheus metrics on a second port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := app.Settings.Server
			f := cmd.Flags()
			if f.Changed("port") {
				s.Port = port
			}
			if f.Changed("metrics-port") {
				s.MetricsPort = metricsPort
			}
			if f.Changed("idle-timeout") {
				s.IdleTimeout = idleTimeout
			}

			srv, err := server.New(server.Options{
				Registry:    app.Registry,
				IdleTimeout: s.IdleTimeout,
				OutDir:      outDir,
				Device:      device,
				Build: func(ctx context.Context, model string) (*engine.Detector, error) {
					return app.detector(ctx, model, "")
				},
			})
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			if s.MetricsPort > 0 {
				g.Go(func() error {
					monitor.StartMon(s.MetricsPort, ctx)
					return nil
				})
			}
			g.Go(func() error {
				return srv.Run(ctx, fmt.Sprintf(":%d", s.Port))
			})
			return g.Wait()
		},
	}
	f := cmd.Flags()
	f.IntVar(&port, "port", 8080, "API port (default from settings server.port)")
	f.IntVar(&metricsPort, "metrics-port", 9090, "Prometheus port, 0 disables (default from settings server.metrics_port)")
	f.DurationVar(&idleTimeout, "idle-timeout", time.Minute, "Close websocket sessions idle for this long")
	f.StringVar(&outDir, "out-dir", "", "Keep per-request visualizations under this directory")
	f.StringVar(&device, "device", "cpu", "Computing device")
	return cmd
}
