// Package gitops reads the git state of the directory a run starts in, so
// full system info can record which revision produced a result.
package gitops

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

type Revision struct {
	Commit string `json:"commit"`
	Branch string `json:"branch,omitempty"`
	// Dirty is set when tracked or untracked files differ from Commit.
	Dirty bool `json:"dirty"`
}

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Describe returns the revision checked out in dir. It fails outside a
// work tree or before the first commit.
func Describe(dir string) (*Revision, error) {
	commit, err := git(dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	rev := &Revision{Commit: commit}
	// Detached heads report "HEAD".
	if branch, err := git(dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "HEAD" {
		rev.Branch = branch
	}
	status, err := git(dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	rev.Dirty = status != ""
	return rev, nil
}
