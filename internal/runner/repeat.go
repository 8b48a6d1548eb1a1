// Package runner repeats a task N times on a bounded pool, one tracked run
// per invocation, and merges the runs' results once all of them returned.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/signalnine/orruns/internal/config"
	"github.com/signalnine/orruns/internal/logging"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/result"
	"github.com/signalnine/orruns/internal/tracker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/signalnine/orruns/internal/runner"

type Options struct {
	Times          int
	ExperimentName string
	// Parallel runs up to MaxWorkers runs at once; MaxWorkers <= 0 means
	// one worker per CPU.
	Parallel   bool
	MaxWorkers int
	Merge      merge.Config
	// Seed, when set, gives run i the seed *Seed+i.
	Seed       *int64
	Timeout    time.Duration
	SystemInfo string
	// Isolation is config.IsolationGoroutine (default), IsolationProcess or
	// IsolationDocker. The last two need TaskName to be registered in the
	// worker binary.
	Isolation string
	TaskName  string
	// WorkerCommand is the argv that starts a worker for process isolation.
	// Defaults to the running executable with the "worker" argument.
	WorkerCommand []string
	Docker        config.Docker
	BaseDir       string
	Params        map[string]any
	// LogLevel is handed to process and docker workers.
	LogLevel string
	Logger   *zap.Logger
	Tracer   trace.Tracer
	// Progress, if set, is called once per run, including runs skipped
	// because ctx was done before they started.
	Progress func(done, total int, run RunRecord)
}

type RunRecord struct {
	RunID string
	Index int
	Seed  int64
	Dir   string
	Err   error
}

type Outcome struct {
	Experiment string
	Runs       []RunRecord
	Merged     *merge.Merged
	MergeDir   string
}

// Repeat invokes task opts.Times times and merges the results. Failed runs
// do not stop the others: the merged outcome is returned together with a
// multierror of every failure. A nil outcome means nothing ran.
func Repeat(ctx context.Context, task Task, opts Options) (*Outcome, error) {
	if opts.Times < 1 {
		return nil, fmt.Errorf("times must be at least 1, got %d", opts.Times)
	}
	if err := tracker.ValidateName(opts.ExperimentName); err != nil {
		return nil, fmt.Errorf("experiment name: %w", err)
	}
	if err := opts.Merge.Validate(); err != nil {
		return nil, err
	}
	if task == nil && opts.TaskName != "" {
		registered, ok := Lookup(opts.TaskName)
		if !ok {
			return nil, fmt.Errorf("unknown task %q", opts.TaskName)
		}
		task = registered
	}
	if opts.Isolation == "" {
		opts.Isolation = config.IsolationGoroutine
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("experiment", opts.ExperimentName))
	if opts.BaseDir == "" {
		opts.BaseDir = config.Default().Results.Dir
	}
	baseDir, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving base dir: %w", err)
	}
	backend, err := newBackend(task, opts, logger)
	if err != nil {
		return nil, err
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	ctx, span := tracer.Start(ctx, "runner.Repeat", trace.WithAttributes(
		attribute.String("experiment", opts.ExperimentName),
		attribute.Int("times", opts.Times),
		attribute.String("isolation", opts.Isolation),
	))
	defer span.End()

	specs := planRuns(baseDir, opts)
	workers := 1
	if opts.Parallel {
		workers = opts.MaxWorkers
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
	}
	workers = min(workers, opts.Times)
	logger.Info("starting repeated experiment",
		zap.Int("times", opts.Times), zap.Int("workers", workers), zap.String("isolation", opts.Isolation))

	outputs := make([]merge.RunOutput, len(specs))
	jobs := make([]Job, len(specs))
	started := make([]bool, len(specs))
	done := make(chan RunRecord, len(specs))
	for i, spec := range specs {
		outputs[i] = merge.RunOutput{
			RunID: spec.RunID,
			Index: spec.Index,
			Dir:   result.RunDir(baseDir, spec.Experiment, spec.RunID),
		}
		jobs[i] = func(ctx context.Context) error {
			started[i] = true
			runCtx, runSpan := tracer.Start(ctx, "runner.run", trace.WithAttributes(
				attribute.String("run_id", spec.RunID),
				attribute.Int("index", spec.Index),
				attribute.Int64("seed", spec.Seed),
			))
			defer runSpan.End()
			if d := runDeadline(opts); d > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, d)
				defer cancel()
			}
			res, err := backend.Run(runCtx, spec)
			outputs[i].Result = res
			if err != nil {
				runSpan.RecordError(err)
				runSpan.SetStatus(codes.Error, err.Error())
				logger.Warn("run failed", zap.String("run_id", spec.RunID), zap.Int("index", spec.Index), zap.Error(err))
			} else {
				logger.Debug("run completed", zap.String("run_id", spec.RunID), zap.Int("index", spec.Index))
			}
			done <- RunRecord{RunID: spec.RunID, Index: spec.Index, Seed: spec.Seed, Dir: outputs[i].Dir, Err: err}
			return err
		}
	}

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		n := 0
		for rec := range done {
			n++
			if opts.Progress != nil {
				opts.Progress(n, len(specs), rec)
			}
		}
	}()
	errs := RunPool(ctx, workers, jobs)
	for i, err := range errs {
		if !started[i] {
			done <- RunRecord{RunID: specs[i].RunID, Index: specs[i].Index, Seed: specs[i].Seed, Dir: outputs[i].Dir, Err: err}
		}
	}
	close(done)
	<-progressDone
	if failed := Failed(errs); len(failed) > 0 {
		logger.Warn("some runs failed", zap.Int("failed", len(failed)), zap.Int("times", opts.Times))
	}

	out := &Outcome{Experiment: opts.ExperimentName}
	var failures *multierror.Error
	for i, err := range errs {
		outputs[i].Err = err
		out.Runs = append(out.Runs, RunRecord{
			RunID: specs[i].RunID, Index: specs[i].Index, Seed: specs[i].Seed, Dir: outputs[i].Dir, Err: err,
		})
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("run %d (%s): %w", specs[i].Index, specs[i].RunID, err))
			continue
		}
		metrics, err := result.ReadMetrics(outputs[i].Dir)
		if err != nil {
			logger.Warn("reading run metrics", zap.String("run_id", specs[i].RunID), zap.Error(err))
		}
		outputs[i].Metrics = metrics
	}

	merged, err := merge.Merge(opts.ExperimentName, outputs, opts.Merge, logger)
	if err != nil {
		return out, errors.Join(err, failures.ErrorOrNil())
	}
	mergeDir, err := result.CreateMergeDir(baseDir, opts.ExperimentName)
	if err != nil {
		return out, errors.Join(err, failures.ErrorOrNil())
	}
	if err := merged.Write(mergeDir); err != nil {
		return out, errors.Join(err, failures.ErrorOrNil())
	}
	out.Merged = merged
	out.MergeDir = mergeDir

	span.SetAttributes(attribute.Int("failed", len(merged.FailedRuns)))
	if err := failures.ErrorOrNil(); err != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d runs failed", len(merged.FailedRuns), opts.Times))
	}
	logger.Info("repeated experiment finished",
		zap.Int("succeeded", merged.Succeeded()), zap.Int("failed", len(merged.FailedRuns)), zap.String("merge_dir", mergeDir))
	return out, failures.ErrorOrNil()
}

// runDeadline is the per-run timeout Repeat applies to the run's context.
// The docker backend enforces opts.Timeout on the container itself so it
// can kill it and keep its logs.
func runDeadline(opts Options) time.Duration {
	if opts.Isolation == config.IsolationDocker {
		return 0
	}
	return opts.Timeout
}

// planRuns assigns every run its id, index and seed up front so the merged
// result can reference all of them even if a worker never starts.
func planRuns(baseDir string, opts Options) []RunSpec {
	base := time.Now().UnixNano()
	if opts.Seed != nil {
		base = *opts.Seed
	}
	seen := map[string]bool{}
	specs := make([]RunSpec, opts.Times)
	for i := range specs {
		id := tracker.NewRunID()
		for seen[id] {
			id = tracker.NewRunID()
		}
		seen[id] = true
		specs[i] = RunSpec{
			Task:       opts.TaskName,
			Experiment: opts.ExperimentName,
			RunID:      id,
			Index:      i,
			Seed:       base + int64(i),
			BaseDir:    baseDir,
			SystemInfo: opts.SystemInfo,
			Isolation:  opts.Isolation,
			Params:     opts.Params,
			LogLevel:   opts.LogLevel,
		}
	}
	return specs
}

func newBackend(task Task, opts Options, logger *zap.Logger) (Backend, error) {
	switch opts.Isolation {
	case config.IsolationGoroutine:
		if task == nil {
			return nil, errors.New("no task to run")
		}
		return &goroutineBackend{task: task, logger: logger}, nil
	case config.IsolationProcess:
		if opts.TaskName == "" {
			return nil, errors.New("process isolation needs a registered task name")
		}
		command := opts.WorkerCommand
		if len(command) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locating worker executable: %w", err)
			}
			command = []string{exe, "worker"}
		}
		return &processBackend{command: command, logger: logger}, nil
	case config.IsolationDocker:
		if opts.TaskName == "" {
			return nil, errors.New("docker isolation needs a registered task name")
		}
		if opts.Docker.Image == "" {
			return nil, errors.New("docker isolation needs an image")
		}
		d := opts.Docker
		if d.Binary == "" {
			d.Binary = config.Default().Runner.Docker.Binary
		}
		return &dockerBackend{opts: d, timeout: opts.Timeout, logger: logger}, nil
	}
	return nil, fmt.Errorf("unknown isolation %q", opts.Isolation)
}
