package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalnine/orruns/internal/config"
	"github.com/signalnine/orruns/internal/docker"
	"github.com/signalnine/orruns/internal/logging"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/result"
	"go.uber.org/zap"
)

// WorkerEnv carries the JSON encoded RunSpec to a worker process.
const WorkerEnv = "ORRUNS_WORKER_REQUEST"

// Backend executes a single run and returns its result mapping.
type Backend interface {
	Run(ctx context.Context, spec RunSpec) (merge.Result, error)
}

type goroutineBackend struct {
	task   Task
	logger *zap.Logger
}

func (b *goroutineBackend) Run(ctx context.Context, spec RunSpec) (merge.Result, error) {
	return Execute(ctx, spec, b.task, b.logger)
}

// processBackend re-executes a binary whose hidden worker command serves the
// run described in WorkerEnv.
type processBackend struct {
	command []string
	logger  *zap.Logger
}

func (b *processBackend) Run(ctx context.Context, spec RunSpec) (merge.Result, error) {
	req, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding worker request: %w", err)
	}
	cmd := exec.CommandContext(ctx, b.command[0], b.command[1:]...)
	cmd.Env = append(os.Environ(), WorkerEnv+"="+string(req))
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	runErr := cmd.Run()
	if ctx.Err() != nil {
		runErr = fmt.Errorf("%w (%v)", ctx.Err(), runErr)
	}
	b.logger.Debug("worker process exited", zap.String("run_id", spec.RunID), zap.Error(runErr))
	return collectRun(spec, runErr, output.Bytes())
}

type dockerBackend struct {
	opts    config.Docker
	timeout time.Duration
	logger  *zap.Logger
}

func (b *dockerBackend) Run(ctx context.Context, spec RunSpec) (merge.Result, error) {
	req, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding worker request: %w", err)
	}
	res, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:       b.opts.Image,
		Command:     []string{b.opts.Binary, "worker"},
		Env:         map[string]string{WorkerEnv: string(req)},
		Timeout:     b.timeout,
		Mounts:      []docker.Mount{{Source: spec.BaseDir, Target: spec.BaseDir}},
		CPULimit:    b.opts.CPULimit,
		MemoryLimit: b.opts.MemoryLimit,
		UserID:      fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Labels:      map[string]string{"orruns.experiment": spec.Experiment, "orruns.run_id": spec.RunID},
		LogTail:     "100",
	})
	if err != nil {
		return nil, fmt.Errorf("running worker container: %w", err)
	}
	var runErr error
	switch {
	case res.TimedOut:
		runErr = fmt.Errorf("worker container timed out after %s", res.Duration.Round(time.Second))
	case res.ExitCode != 0:
		runErr = fmt.Errorf("worker container exited with code %d", res.ExitCode)
	}
	b.logger.Debug("worker container exited", zap.String("run_id", spec.RunID), zap.Int("exit_code", res.ExitCode))
	return collectRun(spec, runErr, res.Logs)
}

// collectRun reads back what an out-of-process worker left in the run
// directory.
func collectRun(spec RunSpec, runErr error, output []byte) (merge.Result, error) {
	dir := result.RunDir(spec.BaseDir, spec.Experiment, spec.RunID)
	meta, err := result.ReadRunMeta(filepath.Join(dir, result.RunMetaFile))
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("worker: %w%s", runErr, outputTail(output))
		}
		return nil, fmt.Errorf("worker left no run metadata: %w", err)
	}
	switch meta.Status {
	case result.StatusFailed:
		return nil, errors.New(meta.Error)
	case result.StatusRunning:
		if runErr == nil {
			runErr = errors.New("exited without finishing the run")
		}
		return nil, fmt.Errorf("worker: %w%s", runErr, outputTail(output))
	}
	var res merge.Result
	if err := result.ReadJSON(filepath.Join(dir, result.ResultFile), &res); err != nil {
		return nil, fmt.Errorf("reading worker result: %w", err)
	}
	return res, nil
}

func outputTail(output []byte) string {
	s := strings.TrimSpace(string(output))
	if s == "" {
		return ""
	}
	const max = 2000
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return ": " + s
}

// ServeWorker runs the task described by request, a JSON encoded RunSpec,
// in the current process. It is the entry point of the hidden worker
// command.
func ServeWorker(ctx context.Context, request string, logger *zap.Logger) error {
	if request == "" {
		return fmt.Errorf("%s is not set", WorkerEnv)
	}
	var spec RunSpec
	if err := json.Unmarshal([]byte(request), &spec); err != nil {
		return fmt.Errorf("decoding worker request: %w", err)
	}
	task, ok := Lookup(spec.Task)
	if !ok {
		return fmt.Errorf("unknown task %q (registered: %s)", spec.Task, strings.Join(Registered(), ", "))
	}
	if logger == nil {
		logger = logging.Stderr(spec.LogLevel, "json")
	}
	_, err := Execute(ctx, spec, task, logger)
	return err
}
