package config_test

import (
	"testing"
	"time"

	"github.com/signalnine/orruns/internal/config"
)

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load("../../testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Results.Dir != "./results" {
		t.Errorf("expected results dir './results', got %q", cfg.Results.Dir)
	}
	if cfg.Runner.Parallel != 0 {
		t.Errorf("expected default parallel 0 (one worker per CPU), got %d", cfg.Runner.Parallel)
	}
	if cfg.Runner.Isolation != config.IsolationGoroutine {
		t.Errorf("expected goroutine isolation, got %q", cfg.Runner.Isolation)
	}
	if cfg.Dashboard.Port != 8050 {
		t.Errorf("expected dashboard port 8050, got %d", cfg.Dashboard.Port)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load("../../testdata/full.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Runner.Parallel != 4 {
		t.Errorf("expected parallel 4, got %d", cfg.Runner.Parallel)
	}
	if cfg.Runner.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %s", cfg.Runner.Timeout)
	}
	if cfg.Runner.Docker.Image != "orruns:latest" {
		t.Errorf("expected docker image, got %q", cfg.Runner.Docker.Image)
	}
	if cfg.Dashboard.PollInterval != 500*time.Millisecond {
		t.Errorf("expected poll interval 500ms, got %s", cfg.Dashboard.PollInterval)
	}
	if cfg.Publish.Bucket != "my-experiments" {
		t.Errorf("expected bucket, got %q", cfg.Publish.Bucket)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json log format, got %q", cfg.Log.Format)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load("nonexistent.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := config.LoadOrDefault("nonexistent.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Results.Dir == "" {
		t.Error("expected default results dir")
	}
}

func TestLoadInvalid(t *testing.T) {
	_, err := config.Load("../../testdata/invalid.yaml")
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
	if _, err := config.LoadOrDefault("../../testdata/invalid.yaml"); err == nil {
		t.Error("LoadOrDefault should surface parse errors")
	}
}

func TestLoadBadIsolation(t *testing.T) {
	_, err := config.Load("../../testdata/bad_isolation.yaml")
	if err == nil {
		t.Error("expected error for unknown isolation")
	}
}

func TestLoadNegativeParallel(t *testing.T) {
	_, err := config.Load("../../testdata/negative_parallel.yaml")
	if err == nil {
		t.Error("expected error for negative runner.parallel")
	}
}
