package tracker

import (
	"os"
	"runtime"

	"github.com/signalnine/orruns/internal/gitops"
	"github.com/signalnine/orruns/internal/result"
)

func collectSystemInfo(level string) *result.SystemInfo {
	if level != "basic" && level != "full" {
		return nil
	}
	info := &result.SystemInfo{
		Level:     level,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
	if level == "full" {
		info.Hostname, _ = os.Hostname()
		info.PID = os.Getpid()
		info.WorkDir, _ = os.Getwd()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		info.MemSysMB = ms.Sys / (1 << 20)
		if rev, err := gitops.Describe(info.WorkDir); err == nil {
			info.Git = &result.GitRevision{Commit: rev.Commit, Branch: rev.Branch, Dirty: rev.Dirty}
		}
	}
	return info
}
