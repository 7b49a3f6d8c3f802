// Package constants defines shared configuration constants.
package constants

import "time"

const (
	// AppName is used in generated file headers and the CLI.
	AppName = "methodprof"

	ConfigFile = "methodprof.yaml"

	DefaultDir = ".methodprof"

	// DefaultParamsFile is where the generated profiling file is published.
	DefaultParamsFile = DefaultDir + "/sys_gen_profiling.conf"

	// TempFileSuffix is appended to the destination path while writing.
	TempFileSuffix = "_tmp"

	// DefaultGenerateInterval is how often the profiling file is regenerated.
	DefaultGenerateInterval = time.Minute

	DefaultMetricsAddr = "127.0.0.1:9464"
)
