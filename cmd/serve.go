package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"chatrelay/internal/budget"
	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/observability"
	"chatrelay/internal/prompt"
	providerfactory "chatrelay/internal/provider/factory"
	"chatrelay/internal/relay"
	"chatrelay/internal/server"
)

// encoderPreloadTimeout bounds the tokenizer download at startup.
const encoderPreloadTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		cfgPath      string
		overridePort int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}

			if err := cfg.ValidateServer(); err != nil {
				return err
			}

			upstream, err := providerfactory.NewProvider(cfg)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := observability.New(registry)
			logger := slog.Default()

			counter := budget.NewCounter(budget.WithLogger(logger))
			preloadCtx, cancel := context.WithTimeout(cmd.Context(), encoderPreloadTimeout)
			if err := counter.Preload(preloadCtx, append(models.IDs(), cfg.Upstream.DefaultModel)...); err != nil {
				logger.Warn("token encoders not ready, prompt sizes may be approximated", "error", err)
			}
			cancel()

			rl, err := relay.New(upstream,
				relay.WithBuilder(prompt.NewBuilder(cfg.Upstream.DefaultModel)),
				relay.WithCounter(counter),
				relay.WithMetrics(metrics),
				relay.WithLogger(logger),
			)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg.Server, rl,
				server.WithMetrics(metrics, registry),
				server.WithLogger(logger),
			)
			if err != nil {
				return err
			}

			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML configuration file")
	cmd.Flags().IntVar(&overridePort, "port", 0, "override server port from configuration")
	return cmd
}
