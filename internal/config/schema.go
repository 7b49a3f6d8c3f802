// Package config provides configuration loading for methodprof.
package config

import "time"

// ProfilingConfig represents the methodprof.yaml config file.
type ProfilingConfig struct {
	Version string `yaml:"version"`

	// ParamsFile is the destination of the generated profiling file.
	ParamsFile string `yaml:"params_file" env:"METHODPROF_PARAMS_FILE"`
	// TagsFile lists the method tags known to the instrumentation layer.
	TagsFile string `yaml:"tags_file,omitempty" env:"METHODPROF_TAGS_FILE"`
	// GenerateInterval is the period between regeneration passes.
	GenerateInterval time.Duration `yaml:"generate_interval" env:"METHODPROF_GENERATE_INTERVAL"`
	// GeneratorName appears in the generated file header.
	GeneratorName string `yaml:"generator_name" env:"METHODPROF_GENERATOR_NAME"`
	// StoreShards is the lock-shard count of the aggregate store.
	StoreShards int `yaml:"store_shards,omitempty" env:"METHODPROF_STORE_SHARDS"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"METHODPROF_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"METHODPROF_LOG_PRETTY"`
}

// MetricsConfig controls the Prometheus endpoint of `methodprof run`.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"METHODPROF_METRICS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"METHODPROF_METRICS_ADDR"`
}

// DestinationFilePath returns where the generated profiling file goes.
func (c *ProfilingConfig) DestinationFilePath() string {
	return c.ParamsFile
}
