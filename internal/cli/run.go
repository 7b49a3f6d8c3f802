package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	errs "github.com/coral-mesh/methodprof/internal/errors"
	"github.com/coral-mesh/methodprof/internal/ingest"
)

const metricsShutdownTimeout = 5 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest windows from stdin and regenerate the profiling file periodically",
		Long: `Reads newline-delimited JSON windows from stdin for as long as the process
runs and republishes the profiling file every generate_interval.

On SIGINT or SIGTERM a final pass is published before exiting so the most
recent aggregates are not lost.`,
		Example: `  agent-exporter | methodprof run --tags-file tags.yaml
  methodprof run --config /etc/methodprof/methodprof.yaml --interval 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.GenerateInterval = interval
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			p, err := newPipeline(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Enabled {
				srv, err := serveMetrics(p, cfg.Metrics.ListenAddr)
				if err != nil {
					return err
				}
				defer shutdownMetrics(srv, p.logger)
			}

			go func() {
				defer errs.Recover(p.logger, "window ingestion panicked")

				stats, err := ingest.NewConsumer(p.store, p.logger, p.metrics).Consume(ctx, cmd.InOrStdin())
				level := zerolog.InfoLevel
				if err != nil && !errors.Is(err, context.Canceled) {
					level = zerolog.ErrorLevel
				}
				p.logger.WithLevel(level).
					Err(err).
					Int("windows", stats.Windows).
					Int("no_data", stats.NoData).
					Int("skipped", stats.Skipped).
					Msg("Window input closed")
			}()

			p.logger.Info().
				Str("params_file", cfg.ParamsFile).
				Int("methods", p.tags.Len()).
				Msg("methodprof started - waiting for shutdown signal")

			p.generator.Run(ctx, cfg.GenerateInterval)

			p.logger.Info().Msg("methodprof stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Regeneration interval (overrides generate_interval)")

	return cmd
}

// serveMetrics exposes the pipeline registry on addr/metrics.
func serveMetrics(p *pipeline, addr string) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer errs.Recover(p.logger, "metrics server panicked")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	p.logger.Info().Str("addr", lis.Addr().String()).Msg("Serving metrics")
	return srv, nil
}

func shutdownMetrics(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to shut down metrics server")
	}
}
