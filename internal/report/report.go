// Package report summarises an experiment's runs grouped by parameter set.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/result"
	"github.com/signalnine/orruns/internal/stats"
	"github.com/xuri/excelize/v2"
)

// GroupSummary aggregates the runs that share one parameter set.
type GroupSummary struct {
	Params         map[string]any           `json:"params"`
	Label          string                   `json:"label"`
	Runs           int                      `json:"runs"`
	Completed      int                      `json:"completed"`
	CompletionRate float64                  `json:"completion_rate"`
	MeanDurationS  float64                  `json:"mean_duration_s"`
	Metrics        map[string]stats.Summary `json:"metrics"`
}

type Report struct {
	Experiment string         `json:"experiment"`
	MetricKeys []string       `json:"metric_keys"`
	Groups     []GroupSummary `json:"groups"`
	Merged     *merge.Merged  `json:"merged,omitempty"`
}

// Build reads every run of experiment and aggregates the final value of
// each metric per parameter set. The latest merged result is attached when
// one exists.
func Build(a *api.API, experiment string) (*Report, error) {
	exp, err := a.GetExperiment(experiment)
	if err != nil {
		return nil, err
	}
	rep := &Report{Experiment: experiment, MetricKeys: exp.MetricKeys}

	type accum struct {
		params    map[string]any
		count     int
		completed int
		duration  float64
		metrics   map[string][]float64
	}
	byLabel := map[string]*accum{}
	for _, r := range exp.Runs {
		label := Label(r.Params)
		acc, ok := byLabel[label]
		if !ok {
			acc = &accum{params: r.Params, metrics: map[string][]float64{}}
			byLabel[label] = acc
		}
		acc.count++
		acc.duration += r.DurationS
		if r.Status == result.StatusCompleted {
			acc.completed++
		}
		for k, v := range r.LastMetrics {
			acc.metrics[k] = append(acc.metrics[k], v)
		}
	}

	for label, acc := range byLabel {
		g := GroupSummary{
			Params:         acc.params,
			Label:          label,
			Runs:           acc.count,
			Completed:      acc.completed,
			CompletionRate: float64(acc.completed) / float64(acc.count),
			MeanDurationS:  acc.duration / float64(acc.count),
			Metrics:        map[string]stats.Summary{},
		}
		for k, vals := range acc.metrics {
			g.Metrics[k] = stats.Summarize(vals)
		}
		rep.Groups = append(rep.Groups, g)
	}
	sort.Slice(rep.Groups, func(i, j int) bool {
		return rep.Groups[i].Label < rep.Groups[j].Label
	})

	merged, err := a.GetMerged(experiment, "")
	switch {
	case err == nil:
		rep.Merged = merged
	case !errors.Is(err, api.ErrNotFound):
		return nil, err
	}
	return rep, nil
}

// Label renders a parameter set as "a=1, b.c=x" with flattened, sorted keys.
func Label(params map[string]any) string {
	flat := map[string]any{}
	flatten("", params, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, flat[k])
	}
	if len(parts) == 0 {
		return "(no params)"
	}
	return strings.Join(parts, ", ")
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Generate builds the report for experiment and writes it in format:
// "table", "markdown", "json" or "xlsx".
func Generate(a *api.API, experiment, format string, w io.Writer) error {
	rep, err := Build(a, experiment)
	if err != nil {
		return err
	}
	switch format {
	case "markdown":
		return WriteMarkdown(rep, w)
	case "json":
		return writeJSON(rep, w)
	case "xlsx":
		return WriteXLSX(rep, w)
	case "table", "":
		return writeTable(rep, w)
	}
	return fmt.Errorf("unknown report format %q", format)
}

func cell(s stats.Summary, ok bool) string {
	if !ok {
		return "-"
	}
	if s.Count == 1 {
		return fmt.Sprintf("%.4g", s.Mean)
	}
	return fmt.Sprintf("%.4g ± %.2g", s.Mean, s.Std)
}

func writeTable(rep *Report, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := []string{"PARAMS", "RUNS", "COMPLETED"}
	for _, k := range rep.MetricKeys {
		header = append(header, strings.ToUpper(k))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, g := range rep.Groups {
		row := []string{g.Label, fmt.Sprint(g.Runs), fmt.Sprintf("%.0f%%", g.CompletionRate*100)}
		for _, k := range rep.MetricKeys {
			s, ok := g.Metrics[k]
			row = append(row, cell(s, ok))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// WriteMarkdown renders the report, including the latest merged scalars.
func WriteMarkdown(rep *Report, w io.Writer) error {
	fmt.Fprintf(w, "# %s\n\n", rep.Experiment)
	header := "| Params | Runs | Completed |"
	sep := "|---|---|---|"
	for _, k := range rep.MetricKeys {
		header += " " + k + " |"
		sep += "---|"
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, sep)
	for _, g := range rep.Groups {
		line := fmt.Sprintf("| %s | %d | %.0f%% |", g.Label, g.Runs, g.CompletionRate*100)
		for _, k := range rep.MetricKeys {
			s, ok := g.Metrics[k]
			line += " " + cell(s, ok) + " |"
		}
		fmt.Fprintln(w, line)
	}

	m := rep.Merged
	if m == nil {
		return nil
	}
	fmt.Fprintf(w, "\n## Merged result %s\n\n", m.MergeID)
	fmt.Fprintf(w, "%d runs, %d failed.\n", m.Times, len(m.FailedRuns))
	if len(m.Scalars) > 0 {
		fmt.Fprintln(w, "\n| Scalar | N | Mean | Std | Min | Max |")
		fmt.Fprintln(w, "|---|---|---|---|---|---|")
		keys := make([]string, 0, len(m.Scalars))
		for k := range m.Scalars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := m.Scalars[k]
			fmt.Fprintf(w, "| %s | %d | %.4g | %.4g | %.4g | %.4g |\n", k, s.Count, s.Mean, s.Std, s.Min, s.Max)
		}
	}
	for _, f := range m.FailedRuns {
		fmt.Fprintf(w, "\n- run %d (`%s`) failed: %s", f.Index, f.RunID, f.Error)
	}
	if len(m.FailedRuns) > 0 {
		fmt.Fprintln(w)
	}
	return nil
}

func writeJSON(rep *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

const groupsSheet = "groups"

// WriteXLSX writes one row per parameter group, with mean and std columns
// per metric.
func WriteXLSX(rep *Report, w io.Writer) error {
	file := excelize.NewFile()
	defer func() {
		_ = file.Close()
	}()

	if err := file.SetSheetName(file.GetSheetName(0), groupsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := []any{"params", "runs", "completed", "completion_rate", "mean_duration_s"}
	for _, k := range rep.MetricKeys {
		header = append(header, k+"_mean", k+"_std")
	}
	if err := file.SetSheetRow(groupsSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, g := range rep.Groups {
		row := []any{g.Label, g.Runs, g.Completed, g.CompletionRate, g.MeanDurationS}
		for _, k := range rep.MetricKeys {
			if s, ok := g.Metrics[k]; ok {
				row = append(row, s.Mean, s.Std)
			} else {
				row = append(row, nil, nil)
			}
		}
		cellName, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("convert row cell: %w", err)
		}
		if err := file.SetSheetRow(groupsSheet, cellName, &row); err != nil {
			return fmt.Errorf("write row %s: %w", cellName, err)
		}
	}
	if err := file.SetColWidth(groupsSheet, "A", "A", 48); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := file.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
