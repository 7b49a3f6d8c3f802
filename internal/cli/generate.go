package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/methodprof/internal/errors"
	"github.com/coral-mesh/methodprof/internal/ingest"
)

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var windowsFile string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Fold a windows file and publish the profiling file once",
		Long: `Reads newline-delimited JSON windows, folds them into the aggregate store
and publishes the profiling file a single time.

Each line looks like:
  {"method_id": 7, "tp95": 40, "tp99": 80, "tp999": 150, "tp9999": 200}
  {"method_id": 9, "no_data": true}

Use "-" to read windows from stdin.`,
		Example: `  methodprof generate --tags-file tags.yaml --windows windows.jsonl
  cat windows.jsonl | methodprof generate --tags-file tags.yaml --windows -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			p, err := newPipeline(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			if windowsFile != "" {
				in, err := openWindows(cmd, windowsFile)
				if err != nil {
					return err
				}
				defer errors.DeferClose(p.logger, in, "failed to close windows file")

				stats, err := ingest.NewConsumer(p.store, p.logger, p.metrics).Consume(cmd.Context(), in)
				if err != nil {
					return err
				}
				p.logger.Info().
					Int("windows", stats.Windows).
					Int("no_data", stats.NoData).
					Int("skipped", stats.Skipped).
					Msg("Ingested windows")
			}

			res, err := p.generator.Generate(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Printf("Published %s (%d invoked, %d never invoked)\n",
				res.Path, res.Invoked, res.NeverInvoked)
			return nil
		},
	}

	cmd.Flags().StringVar(&windowsFile, "windows", "", `Newline-delimited JSON windows file ("-" for stdin)`)

	return cmd
}

func openWindows(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}

	// #nosec G304 -- path is provided by the operator.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open windows file: %w", err)
	}
	return f, nil
}
