package result

import "time"

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// RunMeta is the content of run.json.
type RunMeta struct {
	RunID      string      `json:"run_id"`
	Experiment string      `json:"experiment"`
	Status     RunStatus   `json:"status"`
	Index      int         `json:"index"`
	Seed       int64       `json:"seed"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	DurationS  float64     `json:"duration_s"`
	Error      string      `json:"error,omitempty"`
	Isolation  string      `json:"isolation,omitempty"`
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
}

type SystemInfo struct {
	Level     string `json:"level"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUs      int    `json:"cpus"`
	GoVersion string `json:"go_version"`
	Hostname  string `json:"hostname,omitempty"`
	PID       int    `json:"pid,omitempty"`
	MemSysMB  uint64 `json:"mem_sys_mb,omitempty"`
	WorkDir   string `json:"work_dir,omitempty"`
	// Git is the revision of WorkDir, when it is inside a git work tree.
	Git *GitRevision `json:"git,omitempty"`
}

type GitRevision struct {
	Commit string `json:"commit"`
	Branch string `json:"branch,omitempty"`
	Dirty  bool   `json:"dirty"`
}

// MetricPoint is one line of metrics.jsonl.
type MetricPoint struct {
	Key       string    `json:"key"`
	Step      int       `json:"step"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactKind selects the artifacts/ subdirectory a payload is stored in.
type ArtifactKind string

const (
	KindFigure ArtifactKind = "figure"
	KindData   ArtifactKind = "data"
	KindOther  ArtifactKind = "other"
)

// Dir returns the artifacts/ subdirectory name for the kind.
func (k ArtifactKind) Dir() string {
	switch k {
	case KindFigure:
		return "figures"
	case KindData:
		return "data"
	default:
		return "others"
	}
}

// ParseArtifactKind accepts both singular kinds and directory names
// ("figure", "figures", "data", "text", "other", "others").
func ParseArtifactKind(s string) (ArtifactKind, bool) {
	switch s {
	case "figure", "figures", "image", "images":
		return KindFigure, true
	case "data":
		return KindData, true
	case "other", "others", "text":
		return KindOther, true
	}
	return "", false
}

// ArtifactIndex lists artifact file names per kind.
type ArtifactIndex struct {
	Figures []string `json:"figures"`
	Data    []string `json:"data"`
	Others  []string `json:"others"`
}
