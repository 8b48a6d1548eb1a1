package report_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/report"
	"github.com/signalnine/orruns/internal/runner"
	"github.com/signalnine/orruns/internal/tracker"
	"github.com/xuri/excelize/v2"
)

func writeRuns(t *testing.T, base string) {
	t.Helper()
	for _, lr := range []float64{0.1, 0.01} {
		for i := 0; i < 2; i++ {
			tr, err := tracker.New("optimization_demo", tracker.WithBaseDir(base))
			if err != nil {
				t.Fatalf("tracker.New: %v", err)
			}
			if err := tr.LogParams(map[string]any{"learning_rate": lr, "optimizer": map[string]any{"name": "Adam"}}); err != nil {
				t.Fatal(err)
			}
			if err := tr.LogMetric("loss", lr*float64(i+1), 0); err != nil {
				t.Fatal(err)
			}
			var runErr error
			if lr == 0.1 && i == 1 {
				runErr = context.DeadlineExceeded
			}
			if err := tr.Finish(runErr); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestBuild(t *testing.T) {
	base := t.TempDir()
	writeRuns(t, base)
	a := api.New(base)
	defer a.Close()

	rep, err := report.Build(a, "optimization_demo")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(rep.Groups) != 2 {
		t.Fatalf("groups: got %d, want 2", len(rep.Groups))
	}
	g := rep.Groups[1]
	if g.Label != "learning_rate=0.1, optimizer.name=Adam" {
		t.Errorf("label: got %q", g.Label)
	}
	if g.Runs != 2 || g.Completed != 1 || g.CompletionRate != 0.5 {
		t.Errorf("counts: got runs=%d completed=%d rate=%v", g.Runs, g.Completed, g.CompletionRate)
	}
	loss := g.Metrics["loss"]
	if loss.Count != 2 || loss.Mean < 0.1499 || loss.Mean > 0.1501 {
		t.Errorf("loss summary: got %+v", loss)
	}
	if rep.Merged != nil {
		t.Error("expected no merged result")
	}
}

func TestGenerateFormats(t *testing.T) {
	base := t.TempDir()
	writeRuns(t, base)
	a := api.New(base)
	defer a.Close()

	tests := []struct {
		format string
		want   string
	}{
		{"table", "PARAMS"},
		{"markdown", "| Params | Runs | Completed | loss |"},
		{"json", `"experiment": "optimization_demo"`},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := report.Generate(a, "optimization_demo", tt.format, &buf); err != nil {
			t.Fatalf("Generate(%s): %v", tt.format, err)
		}
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("%s output missing %q:\n%s", tt.format, tt.want, buf.String())
		}
		if !strings.Contains(buf.String(), "learning_rate=0.01") {
			t.Errorf("%s output missing group label", tt.format)
		}
	}

	if err := report.Generate(a, "optimization_demo", "pdf", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestGenerateJSONRoundTrip(t *testing.T) {
	base := t.TempDir()
	writeRuns(t, base)
	a := api.New(base)
	defer a.Close()

	var buf bytes.Buffer
	if err := report.Generate(a, "optimization_demo", "json", &buf); err != nil {
		t.Fatal(err)
	}
	var rep report.Report
	if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if len(rep.Groups) != 2 || rep.MetricKeys[0] != "loss" {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestWriteXLSX(t *testing.T) {
	base := t.TempDir()
	writeRuns(t, base)
	a := api.New(base)
	defer a.Close()

	var buf bytes.Buffer
	if err := report.Generate(a, "optimization_demo", "xlsx", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("groups")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows: got %d, want 3", len(rows))
	}
	if rows[0][0] != "params" || rows[0][5] != "loss_mean" {
		t.Errorf("header: got %v", rows[0])
	}
}

func TestMarkdownIncludesMerged(t *testing.T) {
	base := t.TempDir()
	seed := int64(3)
	_, err := runner.Repeat(context.Background(), func(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
		return merge.Result{"best_fitness": float64(tr.Seed())}, nil
	}, runner.Options{Times: 2, ExperimentName: "ga", BaseDir: base, Seed: &seed, Merge: merge.Config{Scalars: []string{"best_fitness"}}})
	if err != nil {
		t.Fatal(err)
	}
	a := api.New(base)
	defer a.Close()

	var buf bytes.Buffer
	if err := report.Generate(a, "ga", "markdown", &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "## Merged result") || !strings.Contains(out, "| best_fitness | 2 | 3.5 |") {
		t.Errorf("markdown missing merged section:\n%s", out)
	}
}
