package config

import (
	"github.com/coral-mesh/methodprof/internal/constants"
	"github.com/coral-mesh/methodprof/internal/histogram"
)

// SchemaVersion is the current config file version.
const SchemaVersion = "1"

// DefaultProfilingConfig returns the default configuration.
func DefaultProfilingConfig() *ProfilingConfig {
	return &ProfilingConfig{
		Version:          SchemaVersion,
		ParamsFile:       constants.DefaultParamsFile,
		GenerateInterval: constants.DefaultGenerateInterval,
		GeneratorName:    constants.AppName,
		StoreShards:      histogram.DefaultShards,
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: constants.DefaultMetricsAddr,
		},
	}
}
