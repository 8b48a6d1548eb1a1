// Package tracker records parameters, time-stepped metrics and artifacts for
// a single run. Every Tracker owns exactly one run directory
// (<base>/<experiment>/<run_id>) and is the only writer of it.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalnine/orruns/internal/logging"
	"github.com/signalnine/orruns/internal/result"
	"go.uber.org/zap"
)

// ErrFinished is returned by logging calls made after Finish.
var ErrFinished = errors.New("tracker: run already finished")

type options struct {
	baseDir    string
	runID      string
	seed       *int64
	index      int
	systemInfo string
	isolation  string
	logger     *zap.Logger
}

type Option func(*options)

// WithBaseDir sets the root directory experiments are stored under.
func WithBaseDir(dir string) Option {
	return func(o *options) { o.baseDir = dir }
}

// WithRunID uses a pre-assigned run id instead of generating one.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = &seed }
}

// WithIndex records the run's position within a repeated experiment.
func WithIndex(i int) Option {
	return func(o *options) { o.index = i }
}

// WithSystemInfo selects how much host information goes into run.json:
// "none", "basic" or "full".
func WithSystemInfo(level string) Option {
	return func(o *options) { o.systemInfo = level }
}

func WithIsolation(name string) Option {
	return func(o *options) { o.isolation = name }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

type Tracker struct {
	mu       sync.Mutex
	dir      string
	meta     result.RunMeta
	params   map[string]any
	metrics  map[string][]result.MetricPoint
	rng      *rand.Rand
	finished bool
	logger   *zap.Logger
}

// NewRunID returns a run id of the form 20060102_150405_<8 hex>.
func NewRunID() string {
	return time.Now().Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// New creates a run of the named experiment and writes its initial run.json.
func New(experiment string, opts ...Option) (*Tracker, error) {
	if err := ValidateName(experiment); err != nil {
		return nil, fmt.Errorf("experiment name: %w", err)
	}
	o := options{baseDir: "./orruns_experiments", systemInfo: "none"}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger)

	runID := o.runID
	var dir string
	var err error
	if runID != "" {
		if err := ValidateName(runID); err != nil {
			return nil, fmt.Errorf("run id: %w", err)
		}
		dir, err = result.CreateRunDir(o.baseDir, experiment, runID)
	} else {
		for attempt := 0; attempt < 5; attempt++ {
			runID = NewRunID()
			dir, err = result.CreateRunDir(o.baseDir, experiment, runID)
			if err == nil || !errors.Is(err, os.ErrExist) {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}

	seed := time.Now().UnixNano()
	if o.seed != nil {
		seed = *o.seed
	}

	t := &Tracker{
		dir: dir,
		meta: result.RunMeta{
			RunID:      runID,
			Experiment: experiment,
			Status:     result.StatusRunning,
			Index:      o.index,
			Seed:       seed,
			StartedAt:  time.Now().UTC(),
			Isolation:  o.isolation,
			SystemInfo: collectSystemInfo(o.systemInfo),
		},
		params:  map[string]any{},
		metrics: map[string][]result.MetricPoint{},
		rng:     rand.New(rand.NewSource(seed)),
		logger:  logger.With(zap.String("experiment", experiment), zap.String("run_id", runID)),
	}
	if err := result.WriteRunMeta(dir, &t.meta); err != nil {
		return nil, err
	}
	t.logger.Debug("run created", zap.String("dir", dir), zap.Int64("seed", seed))
	return t, nil
}

// ValidateName checks that s can be used as a single path segment for an
// experiment or run.
func ValidateName(s string) error {
	switch {
	case s == "":
		return errors.New("empty name")
	case s == "." || s == "..":
		return fmt.Errorf("invalid name %q", s)
	case strings.ContainsAny(s, `/\`):
		return fmt.Errorf("name %q contains a path separator", s)
	case strings.HasPrefix(s, "_") || strings.HasPrefix(s, "."):
		return fmt.Errorf("name %q must not start with '_' or '.'", s)
	}
	return nil
}

func (t *Tracker) RunID() string      { return t.meta.RunID }
func (t *Tracker) Experiment() string { return t.meta.Experiment }
func (t *Tracker) Dir() string        { return t.dir }
func (t *Tracker) Seed() int64        { return t.meta.Seed }

// Rand returns the run's random source, seeded from the run seed. It is not
// safe for concurrent use.
func (t *Tracker) Rand() *rand.Rand { return t.rng }

// Meta returns a copy of the run metadata.
func (t *Tracker) Meta() result.RunMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// Params returns a copy of the logged parameters.
func (t *Tracker) Params() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

// Metrics returns a copy of every logged metric series.
func (t *Tracker) Metrics() map[string][]result.MetricPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]result.MetricPoint, len(t.metrics))
	for k, v := range t.metrics {
		out[k] = append([]result.MetricPoint(nil), v...)
	}
	return out
}

// LogParams merges params into params.json. Values must be JSON encodable.
func (t *Tracker) LogParams(params map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrFinished
	}
	for k, v := range params {
		if k == "" {
			return errors.New("log params: empty key")
		}
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("log params: value for %q: %w", k, err)
		}
	}
	for k, v := range params {
		t.params[k] = v
	}
	if err := result.WriteJSON(filepath.Join(t.dir, result.ParamsFile), t.params); err != nil {
		return fmt.Errorf("log params: %w", err)
	}
	t.logger.Debug("params logged", zap.Int("count", len(params)))
	return nil
}

// LogMetrics appends one point per key at the given step. A negative step
// means "one past the last step logged for that key".
func (t *Tracker) LogMetrics(values map[string]float64, step int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrFinished
	}
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if k == "" {
			return errors.New("log metrics: empty key")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("log metrics: %q is not finite", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	points := make([]result.MetricPoint, 0, len(keys))
	for _, k := range keys {
		s := step
		if s < 0 {
			s = 0
			if series := t.metrics[k]; len(series) > 0 {
				s = series[len(series)-1].Step + 1
			}
		}
		points = append(points, result.MetricPoint{Key: k, Step: s, Value: values[k], Timestamp: now})
	}
	if err := result.AppendMetrics(t.dir, points); err != nil {
		return fmt.Errorf("log metrics: %w", err)
	}
	for _, p := range points {
		t.metrics[p.Key] = append(t.metrics[p.Key], p)
	}
	return nil
}

// LogMetric is LogMetrics for a single key.
func (t *Tracker) LogMetric(key string, value float64, step int) error {
	return t.LogMetrics(map[string]float64{key: value}, step)
}

// Finish records the final status. A non-nil runErr marks the run failed.
func (t *Tracker) Finish(runErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrFinished
	}
	t.finished = true
	now := time.Now().UTC()
	t.meta.FinishedAt = &now
	t.meta.DurationS = now.Sub(t.meta.StartedAt).Seconds()
	t.meta.Status = result.StatusCompleted
	if runErr != nil {
		t.meta.Status = result.StatusFailed
		t.meta.Error = runErr.Error()
	}
	if err := result.WriteRunMeta(t.dir, &t.meta); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	t.logger.Debug("run finished", zap.String("status", string(t.meta.Status)), zap.Float64("duration_s", t.meta.DurationS))
	return nil
}

// WriteResult stores the task's result mapping as result.json.
func (t *Tracker) WriteResult(res map[string]any) error {
	if res == nil {
		res = map[string]any{}
	}
	if err := result.WriteJSON(filepath.Join(t.dir, result.ResultFile), res); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}
