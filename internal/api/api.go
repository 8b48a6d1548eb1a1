// Package api reads persisted experiments: it lists and filters runs and
// loads their artifacts and merged results.
package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/signalnine/orruns/internal/logging"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/query"
	"github.com/signalnine/orruns/internal/result"
	"go.uber.org/zap"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidPath = errors.New("invalid path")
)

type API struct {
	baseDir string
	workers int
	logger  *zap.Logger

	poolOnce sync.Once
	pool     *ants.PoolWithFunc
	poolErr  error
}

type Option func(*API)

// WithWorkers bounds how many runs are read concurrently.
func WithWorkers(n int) Option {
	return func(a *API) { a.workers = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *API) { a.logger = l }
}

func New(baseDir string, opts ...Option) *API {
	a := &API{baseDir: baseDir, workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrNop(a.logger)
	return a
}

func (a *API) BaseDir() string { return a.baseDir }

// Close releases the worker pool.
func (a *API) Close() {
	if a.pool != nil {
		a.pool.Release()
	}
}

type ExperimentSummary struct {
	Name        string    `json:"name"`
	RunCount    int       `json:"run_count"`
	LastUpdated time.Time `json:"last_updated"`
	MergedCount int       `json:"merged_count"`
}

// RunSummary is a run's metadata with its params and the last value of
// every metric.
type RunSummary struct {
	result.RunMeta
	Params      map[string]any     `json:"params"`
	LastMetrics map[string]float64 `json:"last_metrics"`
}

type Experiment struct {
	Name       string        `json:"name"`
	Runs       []*RunSummary `json:"runs"`
	ParamKeys  []string      `json:"param_keys"`
	MetricKeys []string      `json:"metric_keys"`
	Merged     []string      `json:"merged"`
}

type Run struct {
	Meta      result.RunMeta                  `json:"meta"`
	Dir       string                          `json:"dir"`
	Params    map[string]any                  `json:"params"`
	Metrics   map[string][]result.MetricPoint `json:"metrics"`
	Result    map[string]any                  `json:"result,omitempty"`
	Artifacts result.ArtifactIndex            `json:"artifacts"`
}

type ListOptions struct {
	// Last keeps only the N most recently updated experiments.
	Last int
	// Pattern is a glob such as "optimization_*".
	Pattern string
}

// ListExperiments returns experiments ordered newest first.
func (a *API) ListExperiments(opts ListOptions) ([]ExperimentSummary, error) {
	if opts.Pattern != "" && !doublestar.ValidatePattern(opts.Pattern) {
		return nil, fmt.Errorf("%w: pattern %q", ErrInvalidPath, opts.Pattern)
	}
	entries, err := os.ReadDir(a.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []ExperimentSummary{}, nil
		}
		return nil, fmt.Errorf("reading results dir: %w", err)
	}

	out := []ExperimentSummary{}
	for _, e := range entries {
		if !e.IsDir() || !result.IsRunName(e.Name()) {
			continue
		}
		if opts.Pattern != "" {
			if ok, _ := doublestar.Match(opts.Pattern, e.Name()); !ok {
				continue
			}
		}
		summary, err := a.summarize(e.Name())
		if err != nil {
			a.logger.Warn("skipping experiment", zap.String("experiment", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].Name < out[j].Name
	})
	if opts.Last > 0 && len(out) > opts.Last {
		out = out[:opts.Last]
	}
	return out, nil
}

func (a *API) summarize(name string) (ExperimentSummary, error) {
	dir := result.ExperimentDir(a.baseDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		return ExperimentSummary{}, err
	}
	s := ExperimentSummary{Name: name, LastUpdated: info.ModTime().UTC()}
	ids, err := a.runIDs(name)
	if err != nil {
		return s, err
	}
	s.RunCount = len(ids)
	for _, id := range ids {
		if fi, err := os.Stat(filepath.Join(dir, id, result.RunMetaFile)); err == nil && fi.ModTime().After(s.LastUpdated) {
			s.LastUpdated = fi.ModTime().UTC()
		}
	}
	merged, _ := a.ListMerged(name)
	s.MergedCount = len(merged)
	return s, nil
}

// runIDs lists the run directories of an experiment in name order, which
// is creation order for generated ids.
func (a *API) runIDs(experiment string) ([]string, error) {
	entries, err := os.ReadDir(result.ExperimentDir(a.baseDir, experiment))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("experiment %q: %w", experiment, ErrNotFound)
		}
		return nil, fmt.Errorf("reading experiment %s: %w", experiment, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && result.IsRunName(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// GetExperiment returns every readable run of an experiment along with the
// parameter and metric keys seen across them.
func (a *API) GetExperiment(name string) (*Experiment, error) {
	if !validSegment(name) {
		return nil, fmt.Errorf("experiment %q: %w", name, ErrInvalidPath)
	}
	ids, err := a.runIDs(name)
	if err != nil {
		return nil, err
	}
	runs, err := a.loadRuns(name, ids)
	if err != nil {
		return nil, err
	}
	exp := &Experiment{Name: name, Runs: runs, ParamKeys: []string{}, MetricKeys: []string{}}
	params, metrics := map[string]bool{}, map[string]bool{}
	for _, r := range runs {
		for k := range r.Params {
			params[k] = true
		}
		for k := range r.LastMetrics {
			metrics[k] = true
		}
	}
	exp.ParamKeys = sortedSet(params)
	exp.MetricKeys = sortedSet(metrics)
	exp.Merged, _ = a.ListMerged(name)
	return exp, nil
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *API) runDir(experiment, runID string) (string, error) {
	if !validSegment(experiment) || !validSegment(runID) {
		return "", fmt.Errorf("run %s/%s: %w", experiment, runID, ErrInvalidPath)
	}
	dir := result.RunDir(a.baseDir, experiment, runID)
	if _, err := os.Stat(filepath.Join(dir, result.RunMetaFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("run %s/%s: %w", experiment, runID, ErrNotFound)
		}
		return "", err
	}
	return dir, nil
}

func (a *API) loadRunSummary(experiment, runID string) (*RunSummary, error) {
	dir, err := a.runDir(experiment, runID)
	if err != nil {
		return nil, err
	}
	meta, err := result.ReadRunMeta(filepath.Join(dir, result.RunMetaFile))
	if err != nil {
		return nil, err
	}
	params, err := readParams(dir)
	if err != nil {
		return nil, err
	}
	metrics, err := result.ReadMetrics(dir)
	if err != nil {
		return nil, err
	}
	last := make(map[string]float64, len(metrics))
	for k, series := range metrics {
		if len(series) > 0 {
			last[k] = series[len(series)-1].Value
		}
	}
	return &RunSummary{RunMeta: *meta, Params: params, LastMetrics: last}, nil
}

func readParams(dir string) (map[string]any, error) {
	params := map[string]any{}
	err := result.ReadJSON(filepath.Join(dir, result.ParamsFile), &params)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return params, nil
}

// GetRun loads everything recorded for one run.
func (a *API) GetRun(experiment, runID string) (*Run, error) {
	dir, err := a.runDir(experiment, runID)
	if err != nil {
		return nil, err
	}
	meta, err := result.ReadRunMeta(filepath.Join(dir, result.RunMetaFile))
	if err != nil {
		return nil, err
	}
	run := &Run{Meta: *meta, Dir: dir}
	if run.Params, err = readParams(dir); err != nil {
		return nil, err
	}
	if run.Metrics, err = result.ReadMetrics(dir); err != nil {
		return nil, err
	}
	if err := result.ReadJSON(filepath.Join(dir, result.ResultFile), &run.Result); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if run.Artifacts, err = result.ListArtifacts(dir); err != nil {
		return nil, err
	}
	return run, nil
}

// Query selects runs. Experiment is an exact name or a glob; empty means
// every experiment. Filters use the `<field>__<op>` form; metric filters
// test each metric's last logged value.
type Query struct {
	Experiment    string
	ParamFilters  map[string]any
	MetricFilters map[string]any
}

// QueryExperiments returns the runs satisfying every filter.
func (a *API) QueryExperiments(q Query) ([]*RunSummary, error) {
	paramFilters, err := query.ParseFilters(q.ParamFilters)
	if err != nil {
		return nil, fmt.Errorf("param filters: %w", err)
	}
	metricFilters, err := query.ParseFilters(q.MetricFilters)
	if err != nil {
		return nil, fmt.Errorf("metric filters: %w", err)
	}

	var names []string
	if q.Experiment != "" && validSegment(q.Experiment) && !strings.ContainsAny(q.Experiment, "*?[{") {
		names = []string{q.Experiment}
	} else {
		exps, err := a.ListExperiments(ListOptions{Pattern: q.Experiment})
		if err != nil {
			return nil, err
		}
		for _, e := range exps {
			names = append(names, e.Name)
		}
		sort.Strings(names)
	}

	out := []*RunSummary{}
	for _, name := range names {
		ids, err := a.runIDs(name)
		if err != nil {
			return nil, err
		}
		runs, err := a.loadRuns(name, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			params := func(f string) (any, bool) { return query.Lookup(r.Params, f) }
			metrics := func(f string) (any, bool) {
				v, ok := r.LastMetrics[f]
				return v, ok
			}
			if query.MatchAll(paramFilters, params) && query.MatchAll(metricFilters, metrics) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// GetArtifacts lists a run's artifacts by kind.
func (a *API) GetArtifacts(experiment, runID string) (result.ArtifactIndex, error) {
	dir, err := a.runDir(experiment, runID)
	if err != nil {
		return result.ArtifactIndex{}, err
	}
	return result.ListArtifacts(dir)
}

// GetArtifactPath resolves an artifact to an absolute path. With an empty
// kind, path must start with the kind directory ("figures/x.png").
func (a *API) GetArtifactPath(experiment, runID, path string, kind result.ArtifactKind) (string, error) {
	dir, err := a.runDir(experiment, runID)
	if err != nil {
		return "", err
	}
	name := filepath.ToSlash(path)
	if kind == "" {
		prefix, rest, ok := strings.Cut(name, "/")
		k, known := result.ParseArtifactKind(prefix)
		if !ok || !known {
			return "", fmt.Errorf("artifact %q: no kind given: %w", path, ErrInvalidPath)
		}
		kind, name = k, rest
	}
	if !validSegment(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("artifact %q: %w", path, ErrInvalidPath)
	}
	root := result.ArtifactDir(dir, kind)
	full := filepath.Join(root, name)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel != name {
		return "", fmt.Errorf("artifact %q: %w", path, ErrInvalidPath)
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("artifact %s/%s: %w", kind.Dir(), name, ErrNotFound)
		}
		return "", err
	}
	return abs, nil
}

// LoadArtifact decodes an artifact: CSV as [][]string, JSON as the decoded
// value, figures as raw bytes and everything else as a string.
func (a *API) LoadArtifact(experiment, runID, path string, kind result.ArtifactKind) (any, error) {
	full, err := a.GetArtifactPath(experiment, runID, path, kind)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	if filepath.Base(filepath.Dir(full)) == result.KindFigure.Dir() {
		return data, nil
	}
	switch strings.ToLower(filepath.Ext(full)) {
	case ".csv":
		r := csv.NewReader(bytes.NewReader(data))
		r.FieldsPerRecord = -1
		rows, err := r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(full), err)
		}
		return rows, nil
	case ".json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(full), err)
		}
		return v, nil
	}
	return string(data), nil
}

// ListMerged returns the ids of an experiment's merged results, oldest
// first.
func (a *API) ListMerged(experiment string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(result.ExperimentDir(a.baseDir, experiment), result.MergedDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := []string{}
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// GetMerged reads a merged result. mergeID may be "latest" or empty.
func (a *API) GetMerged(experiment, mergeID string) (*merge.Merged, error) {
	if mergeID == "" {
		mergeID = result.LatestLink
	}
	if !validSegment(experiment) || !validSegment(mergeID) {
		return nil, fmt.Errorf("merged %s/%s: %w", experiment, mergeID, ErrInvalidPath)
	}
	path := filepath.Join(result.ExperimentDir(a.baseDir, experiment), result.MergedDir, mergeID, result.MergedFile)
	m, err := merge.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("merged %s/%s: %w", experiment, mergeID, ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}
