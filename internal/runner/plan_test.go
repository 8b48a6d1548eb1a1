package runner

import (
	"testing"
	"time"

	"github.com/signalnine/orruns/internal/config"
)

func TestPlanRunsCarriesWorkerSettings(t *testing.T) {
	seed := int64(40)
	specs := planRuns("/data", Options{
		Times: 3, ExperimentName: "lr_study", TaskName: "training",
		Seed: &seed, SystemInfo: "full", Isolation: config.IsolationProcess, LogLevel: "debug",
	})
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	ids := map[string]bool{}
	for i, spec := range specs {
		if spec.LogLevel != "debug" {
			t.Errorf("run %d log level: got %q, want debug", i, spec.LogLevel)
		}
		if spec.Seed != seed+int64(i) || spec.Index != i {
			t.Errorf("run %d: got seed %d index %d", i, spec.Seed, spec.Index)
		}
		if spec.Task != "training" || spec.BaseDir != "/data" || spec.SystemInfo != "full" {
			t.Errorf("run %d: got %+v", i, spec)
		}
		ids[spec.RunID] = true
	}
	if len(ids) != 3 {
		t.Errorf("run ids not distinct: %v", ids)
	}
}

func TestRunDeadline(t *testing.T) {
	tests := []struct {
		isolation string
		want      time.Duration
	}{
		{config.IsolationGoroutine, time.Minute},
		{config.IsolationProcess, time.Minute},
		{config.IsolationDocker, 0},
	}
	for _, tt := range tests {
		if got := runDeadline(Options{Isolation: tt.isolation, Timeout: time.Minute}); got != tt.want {
			t.Errorf("runDeadline(%s): got %s, want %s", tt.isolation, got, tt.want)
		}
	}
}
