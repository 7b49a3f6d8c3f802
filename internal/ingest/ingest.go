// Package ingest decodes percentile windows emitted by the instrumentation
// layer and records them into an aggregate store.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/methodprof/internal/metrics"
)

// maxLineSize bounds a single window record.
const maxLineSize = 64 * 1024

// Recorder receives decoded windows. *histogram.Store implements it.
type Recorder interface {
	Record(methodID, tp95, tp99, tp999, tp9999 int)
	RecordNone(methodID int)
}

// Window is one JSON-lines record.
type Window struct {
	MethodID int  `json:"method_id"`
	TP95     int  `json:"tp95"`
	TP99     int  `json:"tp99"`
	TP999    int  `json:"tp999"`
	TP9999   int  `json:"tp9999"`
	NoData   bool `json:"no_data,omitempty"`
}

// Stats summarises one Consume call.
type Stats struct {
	Windows int
	NoData  int
	Skipped int
}

// Consumer feeds windows read from a stream into a Recorder.
type Consumer struct {
	rec     Recorder
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewConsumer creates a Consumer. m may be nil.
func NewConsumer(rec Recorder, logger zerolog.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		rec:     rec,
		logger:  logger.With().Str("component", "ingest").Logger(),
		metrics: m,
	}
}

// Consume reads newline-delimited windows from r until EOF or until ctx is
// cancelled. Blank lines are ignored; malformed lines are logged, counted
// and skipped.
func (c *Consumer) Consume(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		w, err := decode(raw)
		if err != nil {
			stats.Skipped++
			c.metrics.IncIngestError()
			c.logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed window")
			continue
		}

		c.apply(w)
		stats.Windows++
		if w.NoData {
			stats.NoData++
		}
	}

	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read windows: %w", err)
	}
	return stats, nil
}

func (c *Consumer) apply(w Window) {
	if w.NoData {
		c.rec.RecordNone(w.MethodID)
	} else {
		c.rec.Record(w.MethodID, w.TP95, w.TP99, w.TP999, w.TP9999)
	}
	c.metrics.IncWindow(w.NoData)
}

func decode(raw []byte) (Window, error) {
	var w Window
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Window{}, fmt.Errorf("invalid window: %w", err)
	}
	if w.MethodID < 0 {
		return Window{}, fmt.Errorf("invalid window: negative method_id %d", w.MethodID)
	}
	return w, nil
}
