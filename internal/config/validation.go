package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"
)

// MinGenerateInterval bounds how often the profiling file may be rewritten.
const MinGenerateInterval = time.Second

// Validate checks the configuration and returns every problem found.
func (c *ProfilingConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ParamsFile) == "" {
		errs = append(errs, fmt.Errorf("params_file cannot be empty"))
	} else if strings.HasSuffix(c.ParamsFile, string(filepath.Separator)) {
		errs = append(errs, fmt.Errorf("params_file %q must name a file, not a directory", c.ParamsFile))
	}

	if c.TagsFile != "" && filepath.Clean(c.TagsFile) == filepath.Clean(c.ParamsFile) {
		errs = append(errs, fmt.Errorf("tags_file and params_file must differ"))
	}

	if c.GenerateInterval < MinGenerateInterval {
		errs = append(errs, fmt.Errorf("generate_interval %s is below the minimum of %s",
			c.GenerateInterval, MinGenerateInterval))
	}

	if strings.ContainsAny(c.GeneratorName, "\r\n") {
		errs = append(errs, fmt.Errorf("generator_name cannot contain line breaks"))
	}

	if c.StoreShards < 0 {
		errs = append(errs, fmt.Errorf("store_shards cannot be negative"))
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid metrics listen_addr %q: %w", c.Metrics.ListenAddr, err))
		}
	}

	return errors.Join(errs...)
}
