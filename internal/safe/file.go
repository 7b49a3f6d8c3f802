// Package safe provides file helpers that log rather than drop cleanup errors.
package safe

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ReadOnlyPerm is the mode applied to published files.
const ReadOnlyPerm os.FileMode = 0o444

// ErrNotReadOnly marks a PublishReadOnly failure that happened after the
// rename: dst already holds the new content but is still writable.
var ErrNotReadOnly = errors.New("published file is not read-only")

// Close closes gracefully a Closer interface, handling and logging the error.
func Close(c io.Closer, logger zerolog.Logger, msg string) {
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg(msg)
	}
}

// RemoveFile removes gracefully a file, handling and logging the error.
// A file that no longer exists is not an error.
func RemoveFile(path string, logger zerolog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Error().Err(err).Str("path", path).Msg("failed to remove file")
	}
}

// PublishReadOnly atomically replaces dst with the fully written file at
// src, then marks dst read-only. Readers see either the previous dst or the
// complete new one.
//
// An error wrapping ErrNotReadOnly means the rename succeeded and dst holds
// the new content; only the permission change failed. Any other error
// leaves dst untouched.
func PublishReadOnly(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", src, dst, err)
	}
	if err := os.Chmod(dst, ReadOnlyPerm); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotReadOnly, dst, err)
	}
	return nil
}
