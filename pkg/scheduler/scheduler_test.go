package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/nnserver/pkg/emit"
	"github.com/cyclopcam/nnserver/pkg/source"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

// fakeSource returns its frames in order, and then nothing.
// A nil entry is an empty poll.
type fakeSource struct {
	clock        *fakeClock
	frames       []*source.Frame
	pollInterval time.Duration
	waits        int
}

func (f *fakeSource) Next() (*source.Frame, error) {
	if len(f.frames) == 0 {
		return nil, nil
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	return fr, nil
}

func (f *fakeSource) Wait(ctx context.Context) {
	f.waits++
	f.clock.Advance(f.pollInterval)
}

func (f *fakeSource) Close() error {
	return nil
}

type fakeEmitter struct {
	clock   *fakeClock
	perEmit time.Duration
	jobs    []emit.Job
}

func (f *fakeEmitter) Emit(job emit.Job) (*emit.Result, error) {
	f.jobs = append(f.jobs, job)
	f.clock.Advance(f.perEmit)
	return &emit.Result{Index: job.Index, Files: []string{job.Stem + ".json"}}, nil
}

type fakeRunner struct {
	code        int
	err         error
	calls       []string
	hadDeadline bool
}

func (f *fakeRunner) RunShell(ctx context.Context, command string) (int, error) {
	f.calls = append(f.calls, command)
	_, f.hadDeadline = ctx.Deadline()
	return f.code, f.err
}

type fakeArchiver struct {
	batches map[int64][]string
}

func (f *fakeArchiver) ArchiveBatch(batch int64, files []string) (int, error) {
	if f.batches == nil {
		f.batches = map[int64][]string{}
	}
	f.batches[batch] = append([]string(nil), files...)
	return len(files), nil
}

func frame(stem string) *source.Frame {
	return &source.Frame{
		Image: cimg.NewImage(8, 8, cimg.PixelFormatRGB),
		Stem:  stem,
	}
}

func frames(stems ...string) []*source.Frame {
	out := []*source.Frame{}
	for _, s := range stems {
		out = append(out, frame(s))
	}
	return out
}

type harness struct {
	clock   *fakeClock
	src     *fakeSource
	emitter *fakeEmitter
	runner  *fakeRunner
	sched   *Scheduler
}

func newHarness(t *testing.T, options Options, input []*source.Frame) *harness {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:   clock,
		src:     &fakeSource{clock: clock, frames: input, pollInterval: time.Second},
		emitter: &fakeEmitter{clock: clock},
		runner:  &fakeRunner{},
	}
	h.sched = NewScheduler(logs.NewTestingLog(t), options, h.src, h.emitter, h.runner, nil)
	h.sched.Now = clock.Now
	h.sched.Start()
	return h
}

func (h *harness) step(t *testing.T) {
	_, err := h.sched.Step(context.Background())
	require.NoError(t, err)
}

func TestMaxBatch(t *testing.T) {
	h := newHarness(t, Options{MaxBatchSize: 3}, frames("a", "b", "c", "d", "e", "f", "g"))

	h.step(t)
	h.step(t)
	require.Equal(t, 2, h.sched.State().BatchCount)
	require.Equal(t, int64(0), h.sched.State().Batches)

	h.step(t)
	st := h.sched.State()
	require.Equal(t, int64(1), st.Batches)
	require.Equal(t, 0, st.BatchCount)
	require.Equal(t, 3, st.LastBatch.Images)

	h.step(t)
	h.step(t)
	h.step(t)
	require.Equal(t, int64(2), h.sched.State().Batches)

	// The last image, followed by an empty poll, which closes the short batch
	h.step(t)
	require.Equal(t, 1, h.sched.State().BatchCount)
	h.step(t)
	st = h.sched.State()
	require.Equal(t, int64(3), st.Batches)
	require.Equal(t, 1, st.LastBatch.Images)
	require.Equal(t, int64(7), st.TotalProcessed)

	// Global indices are consecutive, starting at 1
	for i, job := range h.emitter.jobs {
		require.Equal(t, int64(i+1), job.Index)
	}

	// Further empty polls don't trigger anything
	h.step(t)
	require.Equal(t, int64(3), h.sched.State().Batches)
}

func TestUnlimitedBatch(t *testing.T) {
	h := newHarness(t, Options{MaxBatchSize: 0}, frames("a", "b", "c", "d", "e"))
	for i := 0; i < 5; i++ {
		h.step(t)
	}
	require.Equal(t, int64(0), h.sched.State().Batches)
	require.Equal(t, 5, h.sched.State().BatchCount)
	h.step(t)
	require.Equal(t, int64(1), h.sched.State().Batches)
	require.Equal(t, 5, h.sched.State().LastBatch.Images)
}

func TestIdleExit(t *testing.T) {
	idle := 5 * time.Second
	h := newHarness(t, Options{ExitIfIdle: true, IdleTime: idle}, frames("a"))

	phase, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseTerminated, phase)

	st := h.sched.State()
	require.Equal(t, int64(1), st.TotalProcessed)
	quiet := h.clock.Now().Sub(st.LastActivity)
	require.GreaterOrEqual(t, quiet, idle)
	require.LessOrEqual(t, quiet, idle+h.src.pollInterval)
}

func TestNoIdleExitWhenDisabled(t *testing.T) {
	h := newHarness(t, Options{ExitIfIdle: false, IdleTime: time.Second}, nil)
	for i := 0; i < 20; i++ {
		phase, err := h.sched.Step(context.Background())
		require.NoError(t, err)
		require.NotEqual(t, PhaseTerminated, phase)
	}
	require.Equal(t, 20, h.src.waits)
}

func TestContextCancel(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	phase, err := h.sched.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseIdleCheck, phase)
}

func TestUndecodableFrame(t *testing.T) {
	input := []*source.Frame{
		frame("a"),
		{Stem: "junk", Path: "/out/junk.jpg"},
	}
	h := newHarness(t, Options{}, input)
	h.step(t)
	require.Equal(t, 1, h.sched.State().BatchCount)

	h.clock.Advance(3 * time.Second)
	h.step(t)
	st := h.sched.State()
	// Not processed, but it counts as activity, and it closes the batch
	require.Equal(t, int64(1), st.TotalProcessed)
	require.Equal(t, h.clock.Now(), st.LastActivity)
	require.Equal(t, int64(1), st.Batches)
	require.Len(t, h.emitter.jobs, 1)
	// The source did produce something, so we don't back off
	require.Equal(t, 0, h.src.waits)
}

func TestThroughput(t *testing.T) {
	h := newHarness(t, Options{MaxBatchSize: 4}, frames("a", "b", "c", "d"))
	h.emitter.perEmit = 500 * time.Millisecond
	for i := 0; i < 4; i++ {
		h.step(t)
	}
	report := h.sched.State().LastBatch
	require.NotNil(t, report)
	require.Equal(t, 2*time.Second, report.Elapsed)
	require.InDelta(t, 2.0, report.Throughput, 1e-9)
	require.Equal(t, h.clock.Now(), h.sched.State().LastTrigger)
}

func outputDir(t *testing.T) string {
	dir := filepath.Join(t.TempDir(), "output")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0644))
	return dir
}

func TestCommandFailureSkipsPurge(t *testing.T) {
	dir := outputDir(t)
	h := newHarness(t, Options{OutputDirectory: dir, MaxBatchSize: 1, Command: "false", PurgeAfterCmd: true}, frames("a"))
	h.runner.code = 1
	h.step(t)

	st := h.sched.State()
	require.Equal(t, []string{"false"}, h.runner.calls)
	require.Equal(t, int64(1), st.CommandFailures)
	require.Equal(t, 1, st.LastBatch.ExitCode)
	require.False(t, st.LastBatch.Purged)
	require.Len(t, st.Warnings, 1)
	require.FileExists(t, filepath.Join(dir, "a.json"))

	// The scheduler keeps going
	phase, err := h.sched.Step(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, PhaseTerminated, phase)
}

func TestCommandErrorSkipsPurge(t *testing.T) {
	dir := outputDir(t)
	h := newHarness(t, Options{OutputDirectory: dir, MaxBatchSize: 1, Command: "x", PurgeAfterCmd: true}, frames("a"))
	h.runner.code = -1
	h.runner.err = errors.New("cannot start")
	h.step(t)
	st := h.sched.State()
	require.Equal(t, int64(1), st.CommandFailures)
	require.Equal(t, -1, st.LastBatch.ExitCode)
	require.FileExists(t, filepath.Join(dir, "a.json"))
}

func TestPurgeOnSuccess(t *testing.T) {
	dir := outputDir(t)
	h := newHarness(t, Options{OutputDirectory: dir, MaxBatchSize: 1, Command: "true", PurgeAfterCmd: true, CommandTimeout: time.Minute}, frames("a"))
	h.step(t)

	st := h.sched.State()
	require.Equal(t, int64(0), st.CommandFailures)
	require.True(t, st.LastBatch.Purged)
	require.NoFileExists(t, filepath.Join(dir, "a.json"))
	require.DirExists(t, dir)
	require.True(t, h.runner.hadDeadline)
}

func TestNoPurgeWhenDisabled(t *testing.T) {
	dir := outputDir(t)
	h := newHarness(t, Options{OutputDirectory: dir, MaxBatchSize: 1, Command: "true", PurgeAfterCmd: false}, frames("a"))
	h.step(t)
	require.False(t, h.sched.State().LastBatch.Purged)
	require.FileExists(t, filepath.Join(dir, "a.json"))
	require.False(t, h.runner.hadDeadline)
}

func TestNoCommand(t *testing.T) {
	dir := outputDir(t)
	h := newHarness(t, Options{OutputDirectory: dir, MaxBatchSize: 1, PurgeAfterCmd: true}, frames("a"))
	h.step(t)
	require.Empty(t, h.runner.calls)
	require.False(t, h.sched.State().LastBatch.Purged)
	require.FileExists(t, filepath.Join(dir, "a.json"))
}

func TestArchive(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	input := []*source.Frame{frame("a"), frame("b")}
	input[0].Path = "/out/a.jpg"
	input[1].Path = "/out/b.jpg"
	src := &fakeSource{clock: clock, frames: input, pollInterval: time.Second}
	arc := &fakeArchiver{}
	sched := NewScheduler(logs.NewTestingLog(t), Options{MaxBatchSize: 2}, src, &fakeEmitter{clock: clock}, &fakeRunner{}, arc)
	sched.Now = clock.Now
	sched.Start()
	for i := 0; i < 2; i++ {
		_, err := sched.Step(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, []string{"/out/a.jpg", "a.json", "/out/b.jpg", "b.json"}, arc.batches[1])
	require.Equal(t, 4, sched.State().LastBatch.Archived)
}

func TestROI(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.roi"), []byte("1 2 3 4"), 0644))
	input := frames("a", "b")
	input[0].Path = filepath.Join(dir, "a.jpg")
	input[0].ROIPath = filepath.Join(dir, "a.roi")
	input[1].Path = filepath.Join(dir, "b.jpg")

	h := newHarness(t, Options{ApplyROI: true}, input)
	h.step(t)
	h.step(t)
	require.Len(t, h.emitter.jobs, 2)
	require.NotNil(t, h.emitter.jobs[0].ROIs)
	require.Equal(t, 1, h.emitter.jobs[0].ROIs.Len())
	// Gating is on, but there is no ROI file
	require.NotNil(t, h.emitter.jobs[1].ROIs)
	require.Equal(t, 0, h.emitter.jobs[1].ROIs.Len())

	h2 := newHarness(t, Options{ApplyROI: false}, frames("c"))
	h2.step(t)
	require.Nil(t, h2.emitter.jobs[0].ROIs)
}
