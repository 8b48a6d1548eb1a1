package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/signalnine/orruns/internal/config"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/result"
	"github.com/signalnine/orruns/internal/runner"
	"github.com/signalnine/orruns/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareTask(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
	x := float64(tr.Seed())
	for step := 0; step < 3; step++ {
		if err := tr.LogMetric("loss", x/float64(step+1), step); err != nil {
			return nil, err
		}
	}
	if _, err := tr.LogText("summary.txt", "seed "+tr.RunID()); err != nil {
		return nil, err
	}
	return merge.Result{
		"best":    x * x,
		"history": []float64{x, x + 1, x + 2},
		"extra":   "ignored",
	}, nil
}

func failOddTask(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
	if tr.Seed()%2 == 1 {
		return nil, errors.New("odd seed")
	}
	return merge.Result{"best": float64(tr.Seed())}, nil
}

func TestMain(m *testing.M) {
	runner.Register("square", squareTask)
	runner.Register("fail_odd", failOddTask)
	if req := os.Getenv(runner.WorkerEnv); req != "" {
		if err := runner.ServeWorker(context.Background(), req, nil); err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func seed(n int64) *int64 { return &n }

func TestRepeatCreatesOneRunPerTime(t *testing.T) {
	base := t.TempDir()
	out, err := runner.Repeat(context.Background(), squareTask, runner.Options{
		Times:          5,
		ExperimentName: "square_study",
		Parallel:       true,
		MaxWorkers:     3,
		Seed:           seed(10),
		BaseDir:        base,
		Merge: merge.Config{
			Scalars:    []string{"best"},
			Arrays:     []string{"history"},
			TimeSeries: []string{"loss"},
			Text:       []string{"summary.txt"},
		},
		Params: map[string]any{"dimension": 10},
	})
	require.NoError(t, err)
	require.Len(t, out.Runs, 5)

	ids := map[string]bool{}
	for i, run := range out.Runs {
		ids[run.RunID] = true
		assert.Equal(t, i, run.Index)
		assert.Equal(t, int64(10+i), run.Seed)
		meta, err := result.ReadRunMeta(filepath.Join(run.Dir, result.RunMetaFile))
		require.NoError(t, err)
		assert.Equal(t, result.StatusCompleted, meta.Status)
		var params map[string]any
		require.NoError(t, result.ReadJSON(filepath.Join(run.Dir, result.ParamsFile), &params))
		assert.Equal(t, float64(10), params["dimension"])
	}
	assert.Len(t, ids, 5)

	m := out.Merged
	assert.Len(t, m.RunIDs, 5)
	assert.Len(t, m.Scalars["best"].Values, 5)
	assert.Len(t, m.Arrays["history"].Values, 5)
	assert.Equal(t, []int{0, 1, 2}, m.TimeSeries["loss"].Steps)
	assert.Len(t, m.Text["summary.txt"], 5)
	assert.Equal(t, []string{"extra"}, m.Unmerged)
	assert.InDelta(t, (100+121+144+169+196)/5.0, m.Scalars["best"].Mean, 1e-9)

	back, err := merge.Read(filepath.Join(base, "square_study", result.MergedDir, result.LatestLink, result.MergedFile))
	require.NoError(t, err)
	assert.Equal(t, m.RunIDs, back.RunIDs)
}

func TestRepeatCollectsFailures(t *testing.T) {
	out, err := runner.Repeat(context.Background(), failOddTask, runner.Options{
		Times:          4,
		ExperimentName: "flaky",
		Seed:           seed(0),
		BaseDir:        t.TempDir(),
		Merge:          merge.Config{Scalars: []string{"best"}},
	})
	require.Error(t, err)
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)

	require.NotNil(t, out)
	assert.Len(t, out.Merged.RunIDs, 4)
	assert.Len(t, out.Merged.FailedRuns, 2)
	assert.Equal(t, []float64{0, 2}, out.Merged.Scalars["best"].Values)

	meta, err := result.ReadRunMeta(filepath.Join(out.Runs[1].Dir, result.RunMetaFile))
	require.NoError(t, err)
	assert.Equal(t, result.StatusFailed, meta.Status)
	assert.Equal(t, "odd seed", meta.Error)
}

func TestRepeatRecoversPanics(t *testing.T) {
	out, err := runner.Repeat(context.Background(), func(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
		panic("boom")
	}, runner.Options{Times: 1, ExperimentName: "panics", BaseDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked: boom")
	assert.Len(t, out.Merged.FailedRuns, 1)
}

func TestRepeatTimeout(t *testing.T) {
	out, err := runner.Repeat(context.Background(), func(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, runner.Options{Times: 2, ExperimentName: "slow", Timeout: 20 * time.Millisecond, BaseDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, out.Merged.FailedRuns, 2)
}

func TestRepeatCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	out, err := runner.Repeat(ctx, func(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
		calls.Add(1)
		return merge.Result{}, nil
	}, runner.Options{Times: 3, ExperimentName: "cancelled", Parallel: true, BaseDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), calls.Load())
	assert.Len(t, out.Merged.RunIDs, 3)
	assert.Len(t, out.Merged.FailedRuns, 3)
}

func TestRepeatProgress(t *testing.T) {
	var calls []int
	_, err := runner.Repeat(context.Background(), squareTask, runner.Options{
		Times: 3, ExperimentName: "progress", BaseDir: t.TempDir(),
		Progress: func(done, total int, run runner.RunRecord) {
			assert.Equal(t, 3, total)
			calls = append(calls, done)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestRepeatProgressReportsSkippedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls []int
	var skipped int
	_, err := runner.Repeat(ctx, squareTask, runner.Options{
		Times: 3, ExperimentName: "skipped", Parallel: true, BaseDir: t.TempDir(),
		Progress: func(done, total int, run runner.RunRecord) {
			assert.Equal(t, 3, total)
			calls = append(calls, done)
			if errors.Is(run.Err, context.Canceled) {
				skipped++
			}
		},
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, calls)
	assert.Equal(t, 3, skipped)
}

func TestRepeatValidation(t *testing.T) {
	ctx := context.Background()
	_, err := runner.Repeat(ctx, squareTask, runner.Options{Times: 0, ExperimentName: "x"})
	assert.Error(t, err)
	_, err = runner.Repeat(ctx, squareTask, runner.Options{Times: 1, ExperimentName: "../x"})
	assert.Error(t, err)
	_, err = runner.Repeat(ctx, nil, runner.Options{Times: 1, ExperimentName: "x", TaskName: "missing"})
	assert.Error(t, err)
	_, err = runner.Repeat(ctx, squareTask, runner.Options{Times: 1, ExperimentName: "x", Isolation: config.IsolationProcess})
	assert.Error(t, err)
	_, err = runner.Repeat(ctx, squareTask, runner.Options{Times: 1, ExperimentName: "x", Isolation: "vm"})
	assert.Error(t, err)
}

func TestRepeatByRegisteredName(t *testing.T) {
	out, err := runner.Repeat(context.Background(), nil, runner.Options{
		Times: 2, ExperimentName: "named", TaskName: "square", BaseDir: t.TempDir(),
		Merge: merge.Config{Scalars: []string{"best"}},
	})
	require.NoError(t, err)
	assert.Len(t, out.Merged.Scalars["best"].Values, 2)
}

func TestRepeatProcessIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	out, err := runner.Repeat(context.Background(), nil, runner.Options{
		Times:          3,
		ExperimentName: "isolated",
		Parallel:       true,
		Isolation:      config.IsolationProcess,
		TaskName:       "square",
		WorkerCommand:  []string{exe, "-test.run=^$"},
		Seed:           seed(2),
		BaseDir:        t.TempDir(),
		Merge:          merge.Config{Scalars: []string{"best"}, Arrays: []string{"history"}},
	})
	require.NoError(t, err)
	assert.Len(t, out.Merged.Scalars["best"].Values, 3)
	assert.ElementsMatch(t, []float64{4, 9, 16}, out.Merged.Scalars["best"].Values)
	assert.Len(t, out.Merged.Arrays["history"].Values, 3)
	for _, run := range out.Runs {
		meta, err := result.ReadRunMeta(filepath.Join(run.Dir, result.RunMetaFile))
		require.NoError(t, err)
		assert.Equal(t, config.IsolationProcess, meta.Isolation)
	}
}

func TestRepeatProcessIsolationFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	out, err := runner.Repeat(context.Background(), nil, runner.Options{
		Times:          2,
		ExperimentName: "isolated_fail",
		Isolation:      config.IsolationProcess,
		TaskName:       "fail_odd",
		WorkerCommand:  []string{exe, "-test.run=^$"},
		Seed:           seed(0),
		BaseDir:        t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "odd seed"))
	require.Len(t, out.Merged.FailedRuns, 1)
	assert.Equal(t, 1, out.Merged.FailedRuns[0].Index)
}

func TestServeWorkerUnknownTask(t *testing.T) {
	err := runner.ServeWorker(context.Background(), `{"task":"nope","experiment":"x","run_id":"r","base_dir":"`+t.TempDir()+`"}`, nil)
	assert.ErrorContains(t, err, "unknown task")
	assert.Error(t, runner.ServeWorker(context.Background(), "", nil))
}

func TestRegistered(t *testing.T) {
	names := runner.Registered()
	assert.Contains(t, names, "square")
	assert.Contains(t, names, "fail_odd")
	assert.Panics(t, func() { runner.Register("square", squareTask) })
}
