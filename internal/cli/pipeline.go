package cli

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/methodprof/internal/config"
	"github.com/coral-mesh/methodprof/internal/constants"
	"github.com/coral-mesh/methodprof/internal/histogram"
	"github.com/coral-mesh/methodprof/internal/logging"
	"github.com/coral-mesh/methodprof/internal/methodtag"
	"github.com/coral-mesh/methodprof/internal/metrics"
	"github.com/coral-mesh/methodprof/internal/profiling"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	paramsFile string
	tagsFile   string
	logLevel   string
}

func (o *rootOptions) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.configPath, "config", constants.ConfigFile, "Path to the config file")
	flags.StringVar(&o.paramsFile, "params-file", "", "Destination of the generated profiling file")
	flags.StringVar(&o.tagsFile, "tags-file", "", "YAML file listing the monitored method tags")
	flags.StringVar(&o.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}

// loadConfig resolves the effective configuration. Flags explicitly set on
// the command line override every other layer.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.ProfilingConfig, error) {
	cfg, err := config.NewLayeredLoader().LoadProfilingConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("params-file") {
		cfg.ParamsFile = o.paramsFile
	}
	if flags.Changed("tags-file") {
		cfg.TagsFile = o.tagsFile
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// pipeline wires the store, tag registry and generator for one command.
type pipeline struct {
	cfg       *config.ProfilingConfig
	logger    zerolog.Logger
	store     *histogram.Store
	tags      *methodtag.Registry
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	generator *profiling.Generator
}

func newPipeline(cfg *config.ProfilingConfig, logOut io.Writer) (*pipeline, error) {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: logOut,
	})

	if cfg.TagsFile == "" {
		return nil, fmt.Errorf("tags file is required (set tags_file or --tags-file)")
	}
	tags, err := methodtag.LoadFile(cfg.TagsFile)
	if err != nil {
		return nil, err
	}

	store := histogram.NewStore(histogram.Options{Shards: cfg.StoreShards})
	for _, tag := range tags.List() {
		store.Register(tag.ID)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	gen, err := profiling.New(profiling.Options{
		Store:   store,
		Tags:    tags,
		Paths:   cfg,
		Name:    cfg.GeneratorName,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("tags_file", cfg.TagsFile).
		Int("methods", tags.Len()).
		Str("params_file", cfg.ParamsFile).
		Msg("Loaded method tags")

	return &pipeline{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		tags:      tags,
		registry:  registry,
		metrics:   m,
		generator: gen,
	}, nil
}
