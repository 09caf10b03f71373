package scheduler

// package scheduler is the main loop of the server.
// It pulls frames from a source, hands them to the emitter, and closes off a batch
// whenever the source runs dry or the batch is full. When a batch closes, the batch's
// files are archived, and an external command is run.
// Everything happens on the caller's goroutine, one frame at a time.

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/nnserver/pkg/emit"
	"github.com/cyclopcam/nnserver/pkg/perfstats"
	"github.com/cyclopcam/nnserver/pkg/roi"
	"github.com/cyclopcam/nnserver/pkg/shell"
	"github.com/cyclopcam/nnserver/pkg/source"
)

// Phase is the state of the scheduler's state machine
type Phase string

const (
	PhaseRunning      Phase = "RUNNING"
	PhaseIdleCheck    Phase = "IDLE_CHECK"
	PhaseBatchTrigger Phase = "BATCH_TRIGGER"
	PhaseTerminated   Phase = "TERMINATED"
)

// Emitter processes one image
type Emitter interface {
	Emit(job emit.Job) (*emit.Result, error)
}

// Archiver stores the files of a finished batch
type Archiver interface {
	ArchiveBatch(batch int64, files []string) (int, error)
}

type Options struct {
	OutputDirectory string
	ExitIfIdle      bool
	IdleTime        time.Duration
	MaxBatchSize    int           // Close the batch after this many images. Zero or negative means no limit.
	Command         string        // Run after every batch. Empty for none.
	CommandTimeout  time.Duration // Zero means no timeout
	PurgeAfterCmd   bool          // Delete and recreate OutputDirectory after Command succeeds
	ApplyROI        bool
}

// BatchReport describes a batch that has been closed off
type BatchReport struct {
	Batch      int64
	Images     int
	Elapsed    time.Duration
	Throughput float64 // Images per second
	ExitCode   int     // -1 if the command could not be run, or there is no command
	Purged     bool
	Archived   int
}

// State is everything that the scheduler tracks between iterations
type State struct {
	Phase           Phase
	TotalProcessed  int64     // Images that have been handed to the emitter, ever
	BatchCount      int       // Images processed since the last batch trigger
	LastActivity    time.Time // Last time a frame was processed or attempted
	LastTrigger     time.Time // Last batch trigger, or the start time
	Batches         int64     // Number of batch triggers
	CommandFailures int64
	LastBatch       *BatchReport
	Warnings        []string // Non-fatal problems, most recent last
}

const maxWarnings = 100

type Scheduler struct {
	Now func() time.Time // Overridable for tests

	log      logs.Log
	options  Options
	source   source.Source
	emitter  Emitter
	runner   shell.CommandRunner
	archiver Archiver // May be nil
	state    State

	// Files produced by the current batch, for the archiver
	batchFiles []string
}

func NewScheduler(log logs.Log, options Options, src source.Source, emitter Emitter, runner shell.CommandRunner, archiver Archiver) *Scheduler {
	s := &Scheduler{
		Now:      time.Now,
		log:      log,
		options:  options,
		source:   src,
		emitter:  emitter,
		runner:   runner,
		archiver: archiver,
	}
	s.state.Phase = PhaseRunning
	return s
}

// State returns a copy of the scheduler's state
func (s *Scheduler) State() State {
	st := s.state
	st.Warnings = append([]string(nil), s.state.Warnings...)
	return st
}

func (s *Scheduler) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Warnf("%v", msg)
	s.state.Warnings = append(s.state.Warnings, msg)
	if len(s.state.Warnings) > maxWarnings {
		s.state.Warnings = s.state.Warnings[len(s.state.Warnings)-maxWarnings:]
	}
}

// Run loops until the idle timeout expires, or ctx is done, or the source fails.
// Returns the final phase.
func (s *Scheduler) Run(ctx context.Context) (Phase, error) {
	s.Start()
	for {
		phase, err := s.Step(ctx)
		if err != nil {
			return phase, err
		}
		if phase == PhaseTerminated || ctx.Err() != nil {
			return phase, nil
		}
	}
}

// Step runs one iteration of the loop.
// If you call Step directly instead of Run, call Start first.
func (s *Scheduler) Step(ctx context.Context) (Phase, error) {
	now := s.Now()

	s.state.Phase = PhaseIdleCheck
	if ctx.Err() != nil {
		s.log.Infof("Stopping: %v", ctx.Err())
		return s.state.Phase, nil
	}
	if s.options.ExitIfIdle && now.Sub(s.state.LastActivity) > s.options.IdleTime {
		s.log.Infof("No activity for %.1f seconds. Exiting", now.Sub(s.state.LastActivity).Seconds())
		s.state.Phase = PhaseTerminated
		return s.state.Phase, nil
	}

	s.state.Phase = PhaseRunning
	frame, err := s.source.Next()
	if err != nil {
		return s.state.Phase, err
	}
	if frame != nil {
		// Attempted frames count as activity, even if they can't be decoded
		s.state.LastActivity = now
		if frame.Path != "" {
			s.batchFiles = append(s.batchFiles, frame.Path)
		}
		if frame.ROIPath != "" {
			s.batchFiles = append(s.batchFiles, frame.ROIPath)
		}
	}
	usable := frame.Usable()
	if usable {
		s.process(frame, now)
	}

	full := s.options.MaxBatchSize > 0 && s.state.BatchCount >= s.options.MaxBatchSize
	if (!usable && s.state.BatchCount > 0) || full {
		s.state.Phase = PhaseBatchTrigger
		s.trigger(ctx)
		s.state.Phase = PhaseRunning
	}

	if frame == nil {
		s.source.Wait(ctx)
	}
	return s.state.Phase, nil
}

// Start initializes the timestamps. Run calls this for you.
func (s *Scheduler) Start() {
	now := s.Now()
	s.state.LastActivity = now
	s.state.LastTrigger = now
	s.state.Phase = PhaseRunning
}

func (s *Scheduler) process(frame *source.Frame, now time.Time) {
	s.state.TotalProcessed++
	s.state.BatchCount++

	job := emit.Job{
		Image:            frame.Image,
		Stem:             frame.Stem,
		Index:            s.state.TotalProcessed,
		Timestamp:        now,
		OriginalFilename: frame.Path,
	}
	if s.options.ApplyROI {
		// roi.Load finds the sidecar from either the image or the sidecar itself
		roiSource := frame.ROIPath
		if roiSource == "" {
			roiSource = frame.Path
		}
		rois := roi.Set{}
		if roiSource != "" {
			var err error
			rois, err = roi.Load(roiSource)
			if err != nil {
				s.log.Errorf("Failed to load regions of interest for %v: %v", frame.Stem, err)
			} else if rois.Len() != 0 {
				s.log.Debugf("%v regions of interest for %v", rois.Len(), frame.Stem)
			}
		}
		job.ROIs = &rois
	}

	result, err := s.emitter.Emit(job)
	if result != nil {
		s.batchFiles = append(s.batchFiles, result.Files...)
	}
	if err != nil {
		s.log.Errorf("Failed to process %v: %v", frame.Stem, err)
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	now := s.Now()
	s.state.Batches++
	elapsed := now.Sub(s.state.LastTrigger)
	report := &BatchReport{
		Batch:      s.state.Batches,
		Images:     s.state.BatchCount,
		Elapsed:    elapsed,
		Throughput: perfstats.Rate(int64(s.state.BatchCount), elapsed),
		ExitCode:   -1,
	}
	s.log.Infof("Batch %v: %v images in %.3f seconds (%.2f images/second)", report.Batch, report.Images, elapsed.Seconds(), report.Throughput)

	if s.archiver != nil && len(s.batchFiles) != 0 {
		n, err := s.archiver.ArchiveBatch(report.Batch, s.batchFiles)
		report.Archived = n
		if err != nil {
			s.warn("Archiving batch %v failed: %v", report.Batch, err)
		}
	}

	if s.options.Command != "" {
		report.ExitCode = s.runCommand(ctx)
		if report.ExitCode == 0 && s.options.PurgeAfterCmd {
			if err := s.purge(); err != nil {
				s.warn("Failed to purge %v: %v", s.options.OutputDirectory, err)
			} else {
				report.Purged = true
			}
		}
	}

	s.state.LastBatch = report
	s.state.BatchCount = 0
	s.state.LastTrigger = s.Now()
	s.batchFiles = s.batchFiles[:0]
}

// Returns the exit code, or -1 if the command could not be run
func (s *Scheduler) runCommand(ctx context.Context) int {
	s.log.Infof("Running command: %v", s.options.Command)
	if s.options.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.CommandTimeout)
		defer cancel()
	}
	code, err := s.runner.RunShell(ctx, s.options.Command)
	if err != nil {
		s.state.CommandFailures++
		s.warn("Command '%v' failed: %v", s.options.Command, err)
		return -1
	}
	if code != 0 {
		s.state.CommandFailures++
		s.warn("Command '%v' returned exit code %v", s.options.Command, code)
	}
	return code
}

func (s *Scheduler) purge() error {
	s.log.Infof("Purging %v", s.options.OutputDirectory)
	if err := os.RemoveAll(s.options.OutputDirectory); err != nil {
		return err
	}
	return os.MkdirAll(s.options.OutputDirectory, 0755)
}
