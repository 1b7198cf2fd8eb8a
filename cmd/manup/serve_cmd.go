package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/internal/server"
	"github.com/stepherg/manup/runtime"
)

func newServeCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the policy fresh and serve the status API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(v, baseLogger, "cli.serve")
			s, err := readSettings(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			src, closeSrc, err := openSource(ctx, s, v.GetBool("watch"), logger)
			if err != nil {
				return err
			}
			defer closeSrc()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics, err := runtime.NewMetrics(reg)
			if err != nil {
				return err
			}

			opts := manup.DefaultOptions()
			opts.Platform = s.Platform
			opts.Refresh.Interval = v.GetDuration("interval")
			opts.Refresh.RefetchOnFocus = v.GetBool("refetch-on-focus")
			opts.Refresh.RequestTimeout = s.RequestTimeout
			opts.SurfaceFetchErrors = v.GetBool("surface-fetch-errors")

			orc, err := runtime.NewOrchestrator(runtime.OrchestratorOptions{
				Source:   src,
				Versions: manup.StaticVersion(s.AppVersion),
				Options:  opts,
				Logger:   logger,
				Metrics:  metrics,
			})
			if err != nil {
				return err
			}
			defer orc.Close()

			_, err = orc.Subscribe(manup.Callbacks{
				OnUpdateAvailable: func() { logger.Info("update available", "version", s.AppVersion) },
				OnUpdateRequired:  func() { logger.Warn("update required", "version", s.AppVersion) },
				OnMaintenanceMode: func() { logger.Warn("maintenance mode", "platform", s.Platform) },
			})
			if err != nil {
				return err
			}

			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case err := <-orc.Errors():
						logger.Error("configuration fetch failed", "error", err)
					}
				}
			}()

			_, errCh, err := server.StartStatusServer(ctx, server.StatusConfig{
				ListenAddr: v.GetString("listen"),
				Service:    orc,
				Gatherer:   reg,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			runErr := make(chan error, 1)
			go func() { runErr <- orc.Run(ctx) }()

			logger.Info("serving", "source", s.Source, "platform", s.Platform, "version", s.AppVersion, "interval", opts.Refresh.Interval)
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case err, ok := <-errCh:
				if ok && err != nil {
					return fmt.Errorf("status server: %w", err)
				}
				return nil
			case err := <-runErr:
				return err
			}
		},
	}
	flags := cmd.Flags()
	flags.String("listen", ":8090", "status API listen address")
	flags.Duration("interval", manup.DefaultRefreshInterval, "refetch interval (0 disables timed refetches)")
	flags.Bool("refetch-on-focus", true, "accept POST /api/refresh as a focus-regained signal")
	flags.Bool("surface-fetch-errors", false, "report fetch failures as the Error status instead of keeping the last status")
	flags.Bool("watch", true, "watch file:// sources for changes")
	return cmd
}
