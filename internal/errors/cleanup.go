// Package errors provides utilities for error handling in methodprof.
package errors

import (
	"io"

	"github.com/rs/zerolog"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// Recover turns a panic in the calling goroutine into a logged error. Use
// it as the first defer of background loops that must not take the host
// process down.
func Recover(logger zerolog.Logger, msg string) {
	if r := recover(); r != nil {
		logger.Error().Interface("panic", r).Msg(msg)
	}
}
