// Package profiling publishes the generated per-method threshold file.
//
// Each pass snapshots the aggregate store, derives a threshold for every
// method and writes
//
//	#This is a file automatically generated by <name>, please do not edit!
//	<fullMethodDescription>=<tier>:<tolerance>
//	#The following methods have never been invoked!
//	<fullMethodDescription>=128:32
//
// to a sibling temp file, which is then renamed over the destination and
// marked read-only. Readers never observe a partially written file.
package profiling

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/coral-mesh/methodprof/internal/constants"
	"github.com/coral-mesh/methodprof/internal/histogram"
	"github.com/coral-mesh/methodprof/internal/metrics"
	"github.com/coral-mesh/methodprof/internal/retry"
	"github.com/coral-mesh/methodprof/internal/safe"
	"github.com/coral-mesh/methodprof/internal/threshold"
)

// ErrNoDestination is returned when the path provider yields an empty path.
var ErrNoDestination = errors.New("no destination file path configured")

const (
	headerFormat       = "#This is a file automatically generated by %s, please do not edit!\n"
	neverInvokedHeader = "#The following methods have never been invoked!\n"

	writeBufferSize = 8 * 1024
	tempFilePerm    = 0o644
	dirPerm         = 0o755
)

// finalPassPolicy governs the shutdown pass of Run, which has no later tick
// to fall back on.
var finalPassPolicy = retry.Policy{
	Attempts:   3,
	Backoff:    100 * time.Millisecond,
	MaxBackoff: time.Second,
}

// TagResolver maps a method identifier to its full description.
type TagResolver interface {
	Resolve(methodID int) (string, error)
}

// PathProvider supplies the destination of the generated file.
type PathProvider interface {
	DestinationFilePath() string
}

// Options configures a Generator.
type Options struct {
	Store *histogram.Store
	Tags  TagResolver
	Paths PathProvider
	// Name appears in the file header. Defaults to constants.AppName.
	Name    string
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Result describes one successful pass.
type Result struct {
	Path         string
	Invoked      int
	NeverInvoked int
	// Digest is the xxh3 hash of the published content.
	Digest uint64
}

// tempFile is the subset of *os.File the generator writes through.
type tempFile interface {
	io.Writer
	Sync() error
	Close() error
}

// Generator regenerates the profiling file from an aggregate store.
type Generator struct {
	store   *histogram.Store
	tags    TagResolver
	paths   PathProvider
	name    string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	group      singleflight.Group
	createFile func(path string) (tempFile, error)
	publish    func(src, dst string) error
	finalPass  retry.Policy
}

// New creates a Generator.
func New(opts Options) (*Generator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("aggregate store is required")
	}
	if opts.Tags == nil {
		return nil, fmt.Errorf("tag resolver is required")
	}
	if opts.Paths == nil {
		return nil, fmt.Errorf("path provider is required")
	}

	name := opts.Name
	if name == "" {
		name = constants.AppName
	}

	return &Generator{
		store:      opts.Store,
		tags:       opts.Tags,
		paths:      opts.Paths,
		name:       name,
		logger:     opts.Logger.With().Str("component", "profiling_generator").Logger(),
		metrics:    opts.Metrics,
		createFile: createTempFile,
		publish:    safe.PublishReadOnly,
		finalPass:  finalPassPolicy,
	}, nil
}

// TempPath returns the sibling path written before publishing to dst.
func TempPath(dst string) string {
	return dst + constants.TempFileSuffix
}

// Generate performs one publish pass. Overlapping calls share a single
// pass, which runs under the context of the caller that started it. A
// joined caller whose own ctx is still live does not inherit that caller's
// cancellation: it runs a fresh pass instead. On failure the previously
// published file is left untouched and the error is logged and returned;
// Generate never panics.
func (g *Generator) Generate(ctx context.Context) (Result, error) {
	for {
		v, err, shared := g.group.Do("generate", func() (any, error) {
			return g.generate(ctx)
		})
		if shared {
			g.logger.Debug().Msg("Joined in-flight profiling file generation")
			if isContextErr(err) && ctx.Err() == nil {
				continue
			}
		}
		res, _ := v.(Result)
		return res, err
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Run regenerates the file every interval until ctx is cancelled, then
// performs one final pass so the last aggregates are not lost. A failed
// final pass is retried with backoff.
func (g *Generator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.logger.Info().
		Dur("interval", interval).
		Msg("Starting profiling file generation loop")

	for {
		select {
		case <-ctx.Done():
			g.logger.Info().Msg("Stopping profiling file generation loop")
			g.runFinalPass(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			_, _ = g.Generate(ctx)
		}
	}
}

func (g *Generator) runFinalPass(ctx context.Context) {
	err := retry.Do(ctx, g.finalPass, func() error {
		_, err := g.Generate(ctx)
		return err
	}, func(err error) bool {
		return !errors.Is(err, ErrNoDestination)
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("Final profiling file generation failed")
	}
}

func (g *Generator) generate(ctx context.Context) (res Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("profiling file generation panicked: %v", r)
		}

		elapsed := time.Since(start)
		g.metrics.ObserveGenerate(err, elapsed)
		if err != nil {
			g.logger.Error().
				Err(err).
				Str("path", res.Path).
				Dur("cost", elapsed).
				Msg("Failed to generate profiling file")
			return
		}

		g.metrics.SetPublished(res.Invoked, res.NeverInvoked)
		g.logger.Debug().
			Str("path", res.Path).
			Int("invoked", res.Invoked).
			Int("never_invoked", res.NeverInvoked).
			Str("digest", strconv.FormatUint(res.Digest, 16)).
			Dur("cost", elapsed).
			Msg("Published profiling file")
	}()

	dst := g.paths.DestinationFilePath()
	if dst == "" {
		return res, ErrNoDestination
	}
	res.Path = dst

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return res, fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmp := TempPath(dst)
	written, err := g.writeTemp(ctx, tmp)
	if err != nil {
		safe.RemoveFile(tmp, g.logger)
		return res, err
	}

	if err := g.publish(tmp, dst); err != nil {
		if !errors.Is(err, safe.ErrNotReadOnly) {
			safe.RemoveFile(tmp, g.logger)
			return res, err
		}
		// The new content is in place; only the permission change failed.
		g.logger.Warn().
			Err(err).
			Str("path", dst).
			Msg("Published profiling file is still writable")
	}

	written.Path = dst
	return written, nil
}

// writeTemp writes the complete file to path and closes it.
func (g *Generator) writeTemp(ctx context.Context, path string) (Result, error) {
	var res Result

	f, err := g.createFile(path)
	if err != nil {
		return res, fmt.Errorf("failed to create temp file: %w", err)
	}

	hasher := xxh3.New()
	w := bufio.NewWriterSize(io.MultiWriter(f, hasher), writeBufferSize)

	if err := g.writeEntries(ctx, w, &res); err != nil {
		safe.Close(f, g.logger, "failed to close temp profiling file")
		return res, err
	}

	if err := w.Flush(); err != nil {
		safe.Close(f, g.logger, "failed to close temp profiling file")
		return res, fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		safe.Close(f, g.logger, "failed to close temp profiling file")
		return res, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("failed to close temp file: %w", err)
	}

	res.Digest = hasher.Sum64()
	return res, nil
}

func (g *Generator) writeEntries(ctx context.Context, w *bufio.Writer, res *Result) error {
	if _, err := fmt.Fprintf(w, headerFormat, g.name); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	var neverInvoked []int
	for methodID, agg := range g.store.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !agg.Invoked() {
			neverInvoked = append(neverInvoked, methodID)
			continue
		}
		if err := g.writeEntry(w, methodID, threshold.Decide(agg)); err != nil {
			return err
		}
		res.Invoked++
	}

	if len(neverInvoked) == 0 {
		return nil
	}

	if _, err := w.WriteString(neverInvokedHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, methodID := range neverInvoked {
		if err := g.writeEntry(w, methodID, threshold.NeverInvoked); err != nil {
			return err
		}
		res.NeverInvoked++
	}
	return nil
}

// writeEntry writes "<desc>=<tier>:<tolerance>\n".
func (g *Generator) writeEntry(w *bufio.Writer, methodID int, d threshold.Decision) error {
	desc, err := g.tags.Resolve(methodID)
	if err != nil {
		return fmt.Errorf("failed to resolve method %d: %w", methodID, err)
	}

	var line []byte
	line = append(line, desc...)
	line = append(line, '=')
	line = strconv.AppendInt(line, int64(d.Tier), 10)
	line = append(line, ':')
	line = strconv.AppendInt(line, int64(d.Tolerance), 10)
	line = append(line, '\n')

	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to write method %d: %w", methodID, err)
	}
	return nil
}

func createTempFile(path string) (tempFile, error) {
	// #nosec G304 -- path is derived from the configured destination.
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, tempFilePerm)
}
