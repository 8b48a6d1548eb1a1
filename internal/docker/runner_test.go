package docker_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/orruns/internal/docker"
)

func skipWithoutDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("ORRUNS_DOCKER_TESTS") == "" {
		t.Skip("set ORRUNS_DOCKER_TESTS=1 to run Docker tests")
	}
}

func TestRunContainer(t *testing.T) {
	skipWithoutDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dir := t.TempDir()
	result, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "echo $RUN_ID > /results/output.txt && echo done"},
		Env:     map[string]string{"RUN_ID": "20240101_000000_abcdef01"},
		Mounts:  []docker.Mount{{Source: dir, Target: "/results"}},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunContainer: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code: got %d, want 0", result.ExitCode)
	}
	if result.TimedOut {
		t.Error("unexpected timeout")
	}
	if !strings.Contains(string(result.Logs), "done") {
		t.Errorf("logs: got %q", result.Logs)
	}
	content, err := os.ReadFile(filepath.Join(dir, "output.txt"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(content) != "20240101_000000_abcdef01\n" {
		t.Errorf("output: got %q", content)
	}
}

func TestRunContainerTimeout(t *testing.T) {
	skipWithoutDocker(t)
	result, err := docker.RunContainer(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sleep", "300"},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunContainer: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected timeout")
	}
	if result.ExitCode != docker.ExitTimeout {
		t.Errorf("exit code: got %d, want %d", result.ExitCode, docker.ExitTimeout)
	}
}

func TestRunContainerCrash(t *testing.T) {
	skipWithoutDocker(t)
	result, err := docker.RunContainer(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "exit 1"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunContainer: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("exit code: got %d, want 1", result.ExitCode)
	}
}
