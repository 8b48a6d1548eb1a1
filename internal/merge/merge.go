package merge

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/signalnine/orruns/internal/result"
	"github.com/signalnine/orruns/internal/stats"
	"go.uber.org/zap"
)

// HistogramBins is the number of bins used for distribution histograms.
const HistogramBins = 10

// Result is the mapping a task returns for one run.
type Result map[string]any

// RunOutput is everything the merge step knows about one finished run.
type RunOutput struct {
	RunID   string
	Index   int
	Dir     string
	Result  Result
	Metrics map[string][]result.MetricPoint
	Err     error
}

type FailedRun struct {
	RunID string `json:"run_id"`
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ScalarSummary struct {
	Values []float64 `json:"values"`
	RunIDs []string  `json:"run_ids"`
	stats.Summary
}

type ArraySummary struct {
	Values [][]float64 `json:"values"`
	RunIDs []string    `json:"run_ids"`
	// Mean and Std are element-wise over the shortest array's length.
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

type Series struct {
	RunID  string    `json:"run_id"`
	Steps  []int     `json:"steps"`
	Values []float64 `json:"values"`
}

type SeriesSummary struct {
	Runs  []Series  `json:"runs"`
	Steps []int     `json:"steps"`
	Mean  []float64 `json:"mean"`
	Std   []float64 `json:"std"`
	Count []int     `json:"count"`
}

type Histogram struct {
	Edges  []float64 `json:"edges"`
	Counts []int     `json:"counts"`
}

type DistributionSummary struct {
	RunIDs []string `json:"run_ids"`
	stats.Summary
	Q25       float64   `json:"q25"`
	Q75       float64   `json:"q75"`
	Histogram Histogram `json:"histogram"`
}

type ImageRef struct {
	RunID string `json:"run_id"`
	// Path is the source artifact until the merged result is written, and
	// the copy inside the merge directory afterwards.
	Path string `json:"path"`
}

type TextEntry struct {
	RunID string `json:"run_id"`
	Text  string `json:"text"`
}

// Merged is the persisted merge of a repeated experiment (merged.json).
type Merged struct {
	Experiment    string                         `json:"experiment"`
	MergeID       string                         `json:"merge_id,omitempty"`
	CreatedAt     time.Time                      `json:"created_at"`
	Times         int                            `json:"times"`
	RunIDs        []string                       `json:"run_ids"`
	FailedRuns    []FailedRun                    `json:"failed_runs"`
	Config        Config                         `json:"config"`
	Scalars       map[string]ScalarSummary       `json:"scalars"`
	Arrays        map[string]ArraySummary        `json:"arrays"`
	TimeSeries    map[string]SeriesSummary       `json:"time_series"`
	Distributions map[string]DistributionSummary `json:"distributions"`
	Images        map[string][]ImageRef          `json:"images"`
	Text          map[string][]TextEntry         `json:"text"`
	// Missing lists, per classified key, the successful runs that did not
	// provide a usable value for it.
	Missing  map[string][]string `json:"missing,omitempty"`
	Unmerged []string            `json:"unmerged"`
}

// Succeeded returns the number of runs that contributed values.
func (m *Merged) Succeeded() int {
	return len(m.RunIDs) - len(m.FailedRuns)
}

// Merge aggregates runs according to cfg. Runs with a non-nil Err are listed
// as failed and contribute no values. Runs are processed in Index order.
func Merge(experiment string, runs []RunOutput, cfg Config, logger *zap.Logger) (*Merged, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ordered := append([]RunOutput(nil), runs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	m := &Merged{
		Experiment:    experiment,
		CreatedAt:     time.Now().UTC(),
		Times:         len(ordered),
		RunIDs:        make([]string, 0, len(ordered)),
		FailedRuns:    []FailedRun{},
		Config:        cfg,
		Scalars:       map[string]ScalarSummary{},
		Arrays:        map[string]ArraySummary{},
		TimeSeries:    map[string]SeriesSummary{},
		Distributions: map[string]DistributionSummary{},
		Images:        map[string][]ImageRef{},
		Text:          map[string][]TextEntry{},
		Missing:       map[string][]string{},
		Unmerged:      []string{},
	}

	var ok []RunOutput
	unmerged := map[string]bool{}
	for _, r := range ordered {
		m.RunIDs = append(m.RunIDs, r.RunID)
		if r.Err != nil {
			m.FailedRuns = append(m.FailedRuns, FailedRun{RunID: r.RunID, Index: r.Index, Error: r.Err.Error()})
			continue
		}
		ok = append(ok, r)
		for k := range r.Result {
			if !cfg.Classified(k) {
				unmerged[k] = true
			}
		}
	}
	m.Unmerged = sortedKeys(unmerged)
	if len(m.Unmerged) > 0 {
		logger.Debug("result keys not merged", zap.Strings("keys", m.Unmerged))
	}

	for _, key := range cfg.Scalars {
		m.Scalars[key] = mergeScalar(key, ok, m)
	}
	for _, key := range cfg.Arrays {
		m.Arrays[key] = mergeArray(key, ok, m)
	}
	for _, key := range cfg.TimeSeries {
		m.TimeSeries[key] = mergeSeries(key, ok, m)
	}
	for _, key := range cfg.Distributions {
		m.Distributions[key] = mergeDistribution(key, ok, m)
	}
	for _, key := range cfg.Images {
		m.Images[key] = mergeImages(key, ok, m)
	}
	for _, key := range cfg.Text {
		m.Text[key] = mergeText(key, ok, m)
	}
	if len(m.Missing) == 0 {
		m.Missing = nil
	}
	return m, nil
}

func (m *Merged) missing(key, runID string) {
	for _, id := range m.Missing[key] {
		if id == runID {
			return
		}
	}
	m.Missing[key] = append(m.Missing[key], runID)
}

func mergeScalar(key string, runs []RunOutput, m *Merged) ScalarSummary {
	s := ScalarSummary{Values: []float64{}, RunIDs: []string{}}
	for _, r := range runs {
		v, ok := stats.Float(r.Result[key])
		if !ok {
			m.missing(key, r.RunID)
			continue
		}
		s.Values = append(s.Values, v)
		s.RunIDs = append(s.RunIDs, r.RunID)
	}
	s.Summary = stats.Summarize(s.Values)
	return s
}

func mergeArray(key string, runs []RunOutput, m *Merged) ArraySummary {
	a := ArraySummary{Values: [][]float64{}, RunIDs: []string{}}
	for _, r := range runs {
		v, ok := toFloats(r.Result[key])
		if !ok {
			m.missing(key, r.RunID)
			continue
		}
		a.Values = append(a.Values, v)
		a.RunIDs = append(a.RunIDs, r.RunID)
	}
	if len(a.Values) == 0 {
		return a
	}
	width := len(a.Values[0])
	for _, row := range a.Values[1:] {
		width = min(width, len(row))
	}
	a.Mean = make([]float64, width)
	a.Std = make([]float64, width)
	col := make([]float64, len(a.Values))
	for j := 0; j < width; j++ {
		for i, row := range a.Values {
			col[i] = row[j]
		}
		a.Mean[j] = stats.Mean(col)
		a.Std[j] = stats.Std(col)
	}
	return a
}

func mergeSeries(key string, runs []RunOutput, m *Merged) SeriesSummary {
	s := SeriesSummary{Runs: []Series{}}
	byStep := map[int][]float64{}
	for _, r := range runs {
		series, ok := runSeries(key, r)
		if !ok {
			m.missing(key, r.RunID)
			continue
		}
		s.Runs = append(s.Runs, series)
		for i, step := range series.Steps {
			byStep[step] = append(byStep[step], series.Values[i])
		}
	}
	for step := range byStep {
		s.Steps = append(s.Steps, step)
	}
	sort.Ints(s.Steps)
	for _, step := range s.Steps {
		vals := byStep[step]
		s.Mean = append(s.Mean, stats.Mean(vals))
		s.Std = append(s.Std, stats.Std(vals))
		s.Count = append(s.Count, len(vals))
	}
	return s
}

// runSeries prefers the task's result value and falls back to the logged
// metric of the same name.
func runSeries(key string, r RunOutput) (Series, bool) {
	if raw, present := r.Result[key]; present {
		vals, ok := toFloats(raw)
		if !ok {
			return Series{}, false
		}
		steps := make([]int, len(vals))
		for i := range steps {
			steps[i] = i
		}
		return Series{RunID: r.RunID, Steps: steps, Values: vals}, true
	}
	points := r.Metrics[key]
	if len(points) == 0 {
		return Series{}, false
	}
	s := Series{RunID: r.RunID}
	for _, p := range points {
		s.Steps = append(s.Steps, p.Step)
		s.Values = append(s.Values, p.Value)
	}
	return s, true
}

func mergeDistribution(key string, runs []RunOutput, m *Merged) DistributionSummary {
	d := DistributionSummary{RunIDs: []string{}}
	var all []float64
	for _, r := range runs {
		raw := r.Result[key]
		vals, ok := toFloats(raw)
		if !ok {
			v, scalar := stats.Float(raw)
			if !scalar {
				m.missing(key, r.RunID)
				continue
			}
			vals = []float64{v}
		}
		all = append(all, vals...)
		d.RunIDs = append(d.RunIDs, r.RunID)
	}
	d.Summary = stats.Summarize(all)
	if len(all) > 0 {
		d.Q25 = stats.Quantile(all, 0.25)
		d.Q75 = stats.Quantile(all, 0.75)
	}
	d.Histogram.Edges, d.Histogram.Counts = stats.Histogram(all, HistogramBins)
	return d
}

func mergeImages(key string, runs []RunOutput, m *Merged) []ImageRef {
	refs := []ImageRef{}
	for _, r := range runs {
		name := key
		if s, ok := r.Result[key].(string); ok && s != "" {
			name = filepath.Base(s)
		}
		path := filepath.Join(result.ArtifactDir(r.Dir, result.KindFigure), name)
		if _, err := os.Stat(path); err != nil {
			m.missing(key, r.RunID)
			continue
		}
		refs = append(refs, ImageRef{RunID: r.RunID, Path: path})
	}
	return refs
}

func mergeText(key string, runs []RunOutput, m *Merged) []TextEntry {
	entries := []TextEntry{}
	for _, r := range runs {
		text, ok := runText(key, r)
		if !ok {
			m.missing(key, r.RunID)
			continue
		}
		entries = append(entries, TextEntry{RunID: r.RunID, Text: text})
	}
	return entries
}

func runText(key string, r RunOutput) (string, bool) {
	if raw, present := r.Result[key]; present {
		switch v := raw.(type) {
		case string:
			return v, true
		case []byte:
			return string(v), true
		case fmt.Stringer:
			return v.String(), true
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
	if r.Dir == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(result.ArtifactDir(r.Dir, result.KindOther), key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Write copies every retained image into dir, rewrites the image paths to
// the copies and stores the merged result as dir/merged.json.
func (m *Merged) Write(dir string) error {
	if m.MergeID == "" {
		m.MergeID = filepath.Base(dir)
	}
	for key, refs := range m.Images {
		for i, ref := range refs {
			ext := filepath.Ext(ref.Path)
			stem := strings.TrimSuffix(filepath.Base(ref.Path), ext)
			dst := filepath.Join(dir, stem+"_"+ref.RunID+ext)
			if err := copyFile(ref.Path, dst); err != nil {
				return fmt.Errorf("copying image %s of run %s: %w", key, ref.RunID, err)
			}
			refs[i].Path = dst
		}
	}
	if err := result.WriteJSON(filepath.Join(dir, result.MergedFile), m); err != nil {
		return fmt.Errorf("writing merged result: %w", err)
	}
	return nil
}

// Read loads a merged.json.
func Read(path string) (*Merged, error) {
	var m Merged
	if err := result.ReadJSON(path, &m); err != nil {
		return nil, fmt.Errorf("reading merged result: %w", err)
	}
	return &m, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// toFloats flattens a numeric sequence, nested sequences row-major.
func toFloats(v any) ([]float64, bool) {
	switch x := v.(type) {
	case []float64:
		return append([]float64{}, x...), true
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out, true
	case []int:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out, true
	case []int64:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out, true
	case [][]float64:
		out := []float64{}
		for _, row := range x {
			out = append(out, row...)
		}
		return out, true
	case []any:
		out := []float64{}
		for _, e := range x {
			if f, ok := stats.Float(e); ok {
				out = append(out, f)
				continue
			}
			nested, ok := toFloats(e)
			if !ok {
				return nil, false
			}
			out = append(out, nested...)
		}
		return out, true
	}
	return nil, false
}
