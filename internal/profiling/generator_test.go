package profiling

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/methodprof/internal/histogram"
	"github.com/coral-mesh/methodprof/internal/methodtag"
	"github.com/coral-mesh/methodprof/internal/metrics"
	"github.com/coral-mesh/methodprof/internal/retry"
	"github.com/coral-mesh/methodprof/internal/safe"
	"github.com/coral-mesh/methodprof/internal/testutil"
)

type staticPath string

func (p staticPath) DestinationFilePath() string { return string(p) }

type fixture struct {
	store *histogram.Store
	tags  *methodtag.Registry
	path  string
	gen   *Generator
	logs  *testutil.LogBuffer
}

func newFixture(t *testing.T, ids ...int) *fixture {
	t.Helper()

	store := histogram.NewStore(histogram.Options{Shards: 4})
	tags := methodtag.New()
	for _, id := range ids {
		require.NoError(t, tags.Register(methodtag.Tag{
			ID:         id,
			ClassName:  "cn.demo.Service",
			MethodName: fmt.Sprintf("m%d", id),
			ParamDesc:  "()",
		}))
	}

	path := filepath.Join(t.TempDir(), "conf", "profiling.conf")
	logger, logs := testutil.NewBufferedLogger(t)
	gen, err := New(Options{
		Store:  store,
		Tags:   tags,
		Paths:  staticPath(path),
		Name:   "TestAgent",
		Logger: logger,
	})
	require.NoError(t, err)

	return &fixture{store: store, tags: tags, path: path, gen: gen, logs: logs}
}

func desc(id int) string {
	return fmt.Sprintf("cn.demo.Service.m%d()", id)
}

// parsed is a generated file split into its two sections.
type parsed struct {
	header       string
	invoked      map[string]string
	neverHeader  string
	neverInvoked map[string]string
}

func parseFile(t *testing.T, path string) parsed {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "\n"), "file must be newline terminated")

	p := parsed{invoked: map[string]string{}, neverInvoked: map[string]string{}}
	section := p.invoked
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for i := 0; scanner.Scan(); i++ {
		line := scanner.Text()
		switch {
		case i == 0:
			p.header = line
		case strings.HasPrefix(line, "#"):
			p.neverHeader = line
			section = p.neverInvoked
		default:
			k, v, ok := strings.Cut(line, "=")
			require.True(t, ok, "malformed line %q", line)
			section[k] = v
		}
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	store := histogram.NewStore(histogram.Options{})
	tags := methodtag.New()

	_, err := New(Options{Tags: tags, Paths: staticPath("x")})
	assert.Error(t, err)
	_, err = New(Options{Store: store, Paths: staticPath("x")})
	assert.Error(t, err)
	_, err = New(Options{Store: store, Tags: tags})
	assert.Error(t, err)

	gen, err := New(Options{Store: store, Tags: tags, Paths: staticPath("x")})
	require.NoError(t, err)
	assert.Equal(t, "methodprof", gen.name)
}

func TestTempPath(t *testing.T) {
	assert.Equal(t, "/a/b.conf_tmp", TempPath("/a/b.conf"))
}

func TestGenerator_Generate(t *testing.T) {
	f := newFixture(t, 1, 2, 3, 4, 5)

	f.store.Record(1, 0, 0, 0, 50)            // tier 64
	f.store.Record(2, 0, 0, 100, 300)         // falls through to P999
	f.store.Record(3, 9999, 9999, 9999, 9999) // fallback
	f.store.RecordNone(4)                     // only no-data windows
	f.store.Register(5)                       // registered, never recorded

	res, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.path, res.Path)
	assert.Equal(t, 3, res.Invoked)
	assert.Equal(t, 2, res.NeverInvoked)
	assert.NotZero(t, res.Digest)

	p := parseFile(t, f.path)
	assert.Equal(t, "#This is a file automatically generated by TestAgent, please do not edit!", p.header)
	assert.Equal(t, "#The following methods have never been invoked!", p.neverHeader)
	assert.Equal(t, map[string]string{
		desc(1): "64:8",
		desc(2): "128:8",
		desc(3): "2048:128",
	}, p.invoked)
	assert.Equal(t, map[string]string{
		desc(4): "128:32",
		desc(5): "128:32",
	}, p.neverInvoked)

	info, err := os.Stat(f.path)
	require.NoError(t, err)
	assert.Equal(t, safe.ReadOnlyPerm, info.Mode().Perm())
	assert.NoFileExists(t, TempPath(f.path))

	assert.Contains(t, f.logs.String(), "Published profiling file")
	assert.Contains(t, f.logs.String(), `"cost"`)
}

func TestGenerator_Generate_NoNeverInvokedSection(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 600, 600, 600, 600)

	_, err := f.gen.Generate(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t,
		"#This is a file automatically generated by TestAgent, please do not edit!\n"+
			desc(1)+"=1024:32\n",
		string(data))
}

func TestGenerator_Generate_EmptyStore(t *testing.T) {
	f := newFixture(t)

	res, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Invoked)
	assert.Zero(t, res.NeverInvoked)

	data, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, "#This is a file automatically generated by TestAgent, please do not edit!\n", string(data))
}

func TestGenerator_Generate_ReplacesPreviousFile(t *testing.T) {
	f := newFixture(t, 1)

	f.store.Record(1, 0, 0, 0, 10)
	first, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "64:8", parseFile(t, f.path).invoked[desc(1)])

	// Average P9999 becomes (10+990)/2 = 500 > 256, P999 average 450.
	f.store.Record(1, 0, 0, 900, 990)
	second, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "512:16", parseFile(t, f.path).invoked[desc(1)])
	assert.NotEqual(t, first.Digest, second.Digest)
}

func TestGenerator_Generate_SameContentSameDigest(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 1, 1, 1, 1)

	first, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	second, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Digest, second.Digest)
}

// flakyFile fails every write once the byte budget is exhausted.
type flakyFile struct {
	*os.File
	budget int
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if len(p) > f.budget {
		return 0, errors.New("no space left on device")
	}
	f.budget -= len(p)
	return f.File.Write(p)
}

func TestGenerator_Generate_IOFailureKeepsPreviousFile(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.store.Record(1, 0, 0, 0, 10)

	_, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	before, err := os.ReadFile(f.path)
	require.NoError(t, err)

	f.store.Record(2, 0, 0, 0, 100)
	f.gen.createFile = func(path string) (tempFile, error) {
		file, err := createTempFile(path)
		if err != nil {
			return nil, err
		}
		return &flakyFile{File: file.(*os.File), budget: 16}, nil
	}

	_, err = f.gen.Generate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left on device")

	after, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.NoFileExists(t, TempPath(f.path))
	assert.Contains(t, f.logs.String(), "Failed to generate profiling file")

	// Restore I/O and retry.
	f.gen.createFile = createTempFile
	res, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Invoked)
	assert.Equal(t, "128:8", parseFile(t, f.path).invoked[desc(2)])
}

func TestGenerator_Generate_CreateFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 1, 1, 1, 1)
	f.gen.createFile = func(string) (tempFile, error) {
		return nil, os.ErrPermission
	}

	_, err := f.gen.Generate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.NoFileExists(t, f.path)
}

func TestGenerator_Generate_MissingTag(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 0, 0, 0, 10)
	_, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	before, err := os.ReadFile(f.path)
	require.NoError(t, err)

	// Method 99 was recorded without a tag.
	f.store.Record(99, 1, 1, 1, 1)
	_, err = f.gen.Generate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, methodtag.ErrTagNotFound)

	after, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

type panickingResolver struct{}

func (panickingResolver) Resolve(int) (string, error) { panic("registry corrupted") }

func TestGenerator_Generate_RecoversPanic(t *testing.T) {
	store := histogram.NewStore(histogram.Options{})
	store.Record(1, 1, 1, 1, 1)
	path := filepath.Join(t.TempDir(), "p.conf")

	gen, err := New(Options{
		Store:  store,
		Tags:   panickingResolver{},
		Paths:  staticPath(path),
		Logger: testutil.NewTestLogger(t),
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = gen.Generate(context.Background())
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry corrupted")
	assert.NoFileExists(t, path)
}

func TestGenerator_Generate_NoDestination(t *testing.T) {
	gen, err := New(Options{
		Store:  histogram.NewStore(histogram.Options{}),
		Tags:   methodtag.New(),
		Paths:  staticPath(""),
		Logger: testutil.NewTestLogger(t),
	})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background())
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestGenerator_Generate_Cancelled(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 1, 1, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.gen.Generate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, f.path)
}

func TestGenerator_Generate_ChmodFailureStillPublishes(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 0, 0, 0, 10)
	f.gen.publish = func(src, dst string) error {
		if err := os.Rename(src, dst); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s: %w", safe.ErrNotReadOnly, dst, os.ErrPermission)
	}

	res, err := f.gen.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Invoked)
	assert.Equal(t, "64:8", parseFile(t, f.path).invoked[desc(1)])
	assert.NoFileExists(t, TempPath(f.path))
	assert.Contains(t, f.logs.String(), "Published profiling file is still writable")
	assert.NotContains(t, f.logs.String(), "Failed to generate profiling file")
}

func TestGenerator_Generate_RenameFailureIsAnError(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 0, 0, 0, 10)
	f.gen.publish = func(string, string) error {
		return os.ErrPermission
	}

	_, err := f.gen.Generate(context.Background())
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.NoFileExists(t, f.path)
	assert.NoFileExists(t, TempPath(f.path))
}

// blockingFirstCreate parks the first temp-file creation until release is
// closed.
func blockingFirstCreate(entered, release chan struct{}) func(string) (tempFile, error) {
	var once sync.Once
	return func(path string) (tempFile, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-release
		}
		return createTempFile(path)
	}
}

func TestGenerator_Generate_JoinerSurvivesLeaderCancellation(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 0, 0, 0, 10)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gen.createFile = blockingFirstCreate(entered, release)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.gen.Generate(leaderCtx)
		leaderErr <- err
	}()
	<-entered

	joinerErr := make(chan error, 1)
	go func() {
		_, err := f.gen.Generate(context.Background())
		joinerErr <- err
	}()
	// Let the second caller join the in-flight pass.
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	close(release)

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	require.NoError(t, <-joinerErr)
	assert.Equal(t, "64:8", parseFile(t, f.path).invoked[desc(1)])
}

func TestGenerator_Generate_Metrics(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.gen.metrics = metrics.New(prometheus.NewRegistry())
	f.store.Record(1, 1, 1, 1, 1)
	f.store.RecordNone(2)

	_, err := f.gen.Generate(context.Background())
	require.NoError(t, err)

	f.gen.paths = staticPath("")
	_, err = f.gen.Generate(context.Background())
	require.Error(t, err)
}

func TestGenerator_Generate_ReadersNeverSeePartialFile(t *testing.T) {
	const methods = 2000
	ids := make([]int, methods)
	for i := range ids {
		ids[i] = i
	}
	f := newFixture(t, ids...)
	for _, id := range ids {
		f.store.Record(id, id, id, id, id)
	}
	_, err := f.gen.Generate(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			f.store.Record(i%methods, 1, 1, 1, 1)
			_, _ = f.gen.Generate(ctx)
		}
	}()

	for i := 0; i < 200; i++ {
		data, err := os.ReadFile(f.path)
		require.NoError(t, err)
		content := string(data)
		require.True(t, strings.HasPrefix(content, "#This is a file automatically generated by"))
		require.True(t, strings.HasSuffix(content, "\n"))
		require.Equal(t, methods+1, strings.Count(content, "\n"))
	}

	cancel()
	wg.Wait()
}

func TestGenerator_Generate_ConcurrentCallsAreSafe(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	f.store.Record(1, 1, 1, 1, 1)
	f.store.Record(2, 1, 1, 1, 1)
	f.store.RecordNone(3)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gen.Generate(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	p := parseFile(t, f.path)
	assert.Len(t, p.invoked, 2)
	assert.Len(t, p.neverInvoked, 1)
}

func TestGenerator_Run(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.store.Record(1, 1, 1, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.gen.Run(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(f.path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// Recorded just before shutdown; the final pass must still publish it.
	f.store.Record(2, 1, 1, 1, 1)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	p := parseFile(t, f.path)
	assert.Contains(t, p.invoked, desc(2))
	assert.Contains(t, f.logs.String(), "Stopping profiling file generation loop")
}

func TestGenerator_Run_RetriesFinalPass(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 0, 0, 0, 10)
	f.gen.finalPass = retry.Policy{Attempts: 3, Backoff: time.Millisecond}

	var mu sync.Mutex
	creates := 0
	f.gen.createFile = func(path string) (tempFile, error) {
		mu.Lock()
		creates++
		n := creates
		mu.Unlock()
		if n == 1 {
			return nil, os.ErrPermission
		}
		return createTempFile(path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.gen.Run(ctx, time.Hour)

	assert.Equal(t, 2, creates)
	assert.Equal(t, "64:8", parseFile(t, f.path).invoked[desc(1)])
}

func TestGenerator_Run_FinalPassGivesUp(t *testing.T) {
	f := newFixture(t, 1)
	f.store.Record(1, 1, 1, 1, 1)
	f.gen.finalPass = retry.Policy{Attempts: 2, Backoff: time.Millisecond}
	f.gen.createFile = func(string) (tempFile, error) {
		return nil, os.ErrPermission
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.gen.Run(ctx, time.Hour)

	assert.NoFileExists(t, f.path)
	assert.Contains(t, f.logs.String(), "Final profiling file generation failed")
}
