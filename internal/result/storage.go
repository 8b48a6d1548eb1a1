package result

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	RunMetaFile  = "run.json"
	ParamsFile   = "params.json"
	MetricsFile  = "metrics.jsonl"
	ResultFile   = "result.json"
	MergedFile   = "merged.json"
	ArtifactsDir = "artifacts"
	MergedDir    = "_merged"
	LatestLink   = "latest"
)

func ExperimentDir(baseDir, experiment string) string {
	return filepath.Join(baseDir, experiment)
}

func RunDir(baseDir, experiment, runID string) string {
	return filepath.Join(baseDir, experiment, runID)
}

// CreateRunDir creates the directory for a new run. It fails if the
// directory already exists so that no two trackers ever share a run.
func CreateRunDir(baseDir, experiment, runID string) (string, error) {
	expDir := ExperimentDir(baseDir, experiment)
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return "", fmt.Errorf("creating experiment dir: %w", err)
	}
	runDir, err := filepath.Abs(filepath.Join(expDir, runID))
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.Mkdir(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	for _, kind := range []ArtifactKind{KindFigure, KindData, KindOther} {
		if err := os.MkdirAll(ArtifactDir(runDir, kind), 0o755); err != nil {
			return "", fmt.Errorf("creating artifact dir: %w", err)
		}
	}
	return runDir, nil
}

// CreateMergeDir creates a timestamped directory for a merged result under
// <experiment>/_merged and points the latest symlink at it.
func CreateMergeDir(baseDir, experiment string) (string, error) {
	mergedRoot := filepath.Join(ExperimentDir(baseDir, experiment), MergedDir)
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	mergeDir, err := filepath.Abs(filepath.Join(mergedRoot, stamp))
	if err != nil {
		return "", fmt.Errorf("resolving merge dir: %w", err)
	}
	if err := os.MkdirAll(mergedRoot, 0o755); err != nil {
		return "", fmt.Errorf("creating merge dir: %w", err)
	}
	for i := 1; ; i++ {
		err := os.Mkdir(mergeDir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || i > 100 {
			return "", fmt.Errorf("creating merge dir: %w", err)
		}
		mergeDir = filepath.Join(filepath.Dir(mergeDir), fmt.Sprintf("%s-%d", stamp, i))
	}
	latest := filepath.Join(mergedRoot, LatestLink)
	os.Remove(latest)
	if err := os.Symlink(mergeDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return mergeDir, nil
}

func ArtifactDir(runDir string, kind ArtifactKind) string {
	return filepath.Join(runDir, ArtifactsDir, kind.Dir())
}

// IsRunName reports whether a directory entry inside an experiment is a run
// rather than bookkeeping (_merged, dotfiles).
func IsRunName(name string) bool {
	return name != "" && !strings.HasPrefix(name, "_") && !strings.HasPrefix(name, ".")
}

func WriteRunMeta(runDir string, meta *RunMeta) error {
	return WriteJSON(filepath.Join(runDir, RunMetaFile), meta)
}

func ReadRunMeta(path string) (*RunMeta, error) {
	var meta RunMeta
	if err := ReadJSON(path, &meta); err != nil {
		return nil, fmt.Errorf("reading run meta: %w", err)
	}
	return &meta, nil
}

// WriteJSON writes v as indented JSON. The file is replaced atomically so
// concurrent readers never see a partial document.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmpName, path)
}

// AppendMetrics appends points to the run's metrics.jsonl.
func AppendMetrics(runDir string, points []MetricPoint) error {
	f, err := os.OpenFile(filepath.Join(runDir, MetricsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening metrics: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, p := range points {
		if err := enc.Encode(p); err != nil {
			f.Close()
			return fmt.Errorf("encoding metric %s: %w", p.Key, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing metrics: %w", err)
	}
	return f.Close()
}

// ReadMetrics loads metrics.jsonl grouped by key, each series ordered by
// step. A missing file yields an empty map. Malformed lines are skipped.
func ReadMetrics(runDir string) (map[string][]MetricPoint, error) {
	out := map[string][]MetricPoint{}
	f, err := os.Open(filepath.Join(runDir, MetricsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("reading metrics: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var p MetricPoint
		if err := json.Unmarshal(line, &p); err != nil || p.Key == "" {
			continue
		}
		out[p.Key] = append(out[p.Key], p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning metrics: %w", err)
	}
	for k := range out {
		series := out[k]
		sort.SliceStable(series, func(i, j int) bool { return series[i].Step < series[j].Step })
	}
	return out, nil
}

// ListArtifacts returns the file names in each artifact directory, sorted.
func ListArtifacts(runDir string) (ArtifactIndex, error) {
	idx := ArtifactIndex{Figures: []string{}, Data: []string{}, Others: []string{}}
	for _, kind := range []ArtifactKind{KindFigure, KindData, KindOther} {
		entries, err := os.ReadDir(ArtifactDir(runDir, kind))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return idx, fmt.Errorf("listing %s artifacts: %w", kind, err)
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		switch kind {
		case KindFigure:
			idx.Figures = append(idx.Figures, names...)
		case KindData:
			idx.Data = append(idx.Data, names...)
		default:
			idx.Others = append(idx.Others, names...)
		}
	}
	return idx, nil
}
