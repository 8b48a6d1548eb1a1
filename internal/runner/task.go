package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/signalnine/orruns/internal/logging"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/tracker"
	"go.uber.org/zap"
)

// Task is the unit of work repeated by Repeat. It receives a tracker bound
// to a fresh run and returns the run's result mapping.
type Task func(ctx context.Context, tr *tracker.Tracker) (merge.Result, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Task{}
)

// Register makes a task available by name to process and docker workers.
// It panics if name is registered twice.
func Register(name string, task Task) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if task == nil {
		panic("runner: Register task is nil")
	}
	if _, dup := registry[name]; dup {
		panic("runner: Register called twice for task " + name)
	}
	registry[name] = task
}

func Lookup(name string) (Task, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[name]
	return t, ok
}

// Registered returns the sorted names of all registered tasks.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunSpec describes one run of a repeated experiment. It is also the request
// handed to out-of-process workers, so every field is JSON encodable.
type RunSpec struct {
	Task       string         `json:"task,omitempty"`
	Experiment string         `json:"experiment"`
	RunID      string         `json:"run_id"`
	Index      int            `json:"index"`
	Seed       int64          `json:"seed"`
	BaseDir    string         `json:"base_dir"`
	SystemInfo string         `json:"system_info,omitempty"`
	Isolation  string         `json:"isolation,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	LogLevel   string         `json:"log_level,omitempty"`
}

// Execute runs task in the calling process: it creates the run's tracker,
// logs the run's params, calls the task, stores the result and finishes
// the run. Panics in the task are reported as errors.
func Execute(ctx context.Context, spec RunSpec, task Task, logger *zap.Logger) (merge.Result, error) {
	logger = logging.OrNop(logger)
	tr, err := tracker.New(spec.Experiment,
		tracker.WithBaseDir(spec.BaseDir),
		tracker.WithRunID(spec.RunID),
		tracker.WithSeed(spec.Seed),
		tracker.WithIndex(spec.Index),
		tracker.WithSystemInfo(spec.SystemInfo),
		tracker.WithIsolation(spec.Isolation),
		tracker.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tracker: %w", err)
	}
	if len(spec.Params) > 0 {
		if err := tr.LogParams(spec.Params); err != nil {
			tr.Finish(err)
			return nil, err
		}
	}

	type outcome struct {
		res merge.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v\n%s", p, debug.Stack())}
			}
		}()
		res, err := task(ctx, tr)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("run %s: %w", spec.RunID, ctx.Err())
	}

	if out.err == nil {
		if err := tr.WriteResult(out.res); err != nil {
			out.err = err
		}
	}
	if err := tr.Finish(out.err); err != nil {
		logger.Warn("finishing run", zap.String("run_id", spec.RunID), zap.Error(err))
	}
	return out.res, out.err
}
