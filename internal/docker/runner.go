// Package docker runs a single command in a throwaway container. It backs the
// docker isolation mode of the repeat runner.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// ExitTimeout is the exit code reported for a container killed on timeout.
const ExitTimeout = 124

type RunOpts struct {
	Image       string
	Command     []string
	Env         map[string]string
	Timeout     time.Duration
	Mounts      []Mount
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	Labels      map[string]string
	// LogTail limits how many log lines are captured; empty means all.
	LogTail string
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Logs     []byte
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// configs translates opts into the engine's container and host configs.
func configs(opts *RunOpts) (*container.Config, *container.HostConfig) {
	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if opts.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hostCfg.Memory = opts.MemoryLimit
	}

	labels := map[string]string{"orruns": "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	return &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Command,
		Env:    envList(opts.Env),
		Labels: labels,
		User:   opts.UserID,
	}, hostCfg
}

// RunContainer creates, starts and waits for a container, then removes it.
// A timeout kills the container and is reported through RunResult; a
// cancelled ctx kills it and returns ctx.Err().
func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	if opts.Image == "" {
		return nil, errors.New("no image given")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	containerCfg, hostCfg := configs(opts)
	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container from %s: %w", opts.Image, err)
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	waitResult := cli.ContainerWait(waitCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	select {
	case status := <-waitResult.Result:
		return &RunResult{
			ExitCode: int(status.StatusCode),
			Duration: time.Since(start),
			Logs:     readLogs(cli, containerID, opts.LogTail),
		}, nil
	case err := <-waitResult.Error:
		cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for container: %w", ctx.Err())
		}
		if waitCtx.Err() == nil {
			return nil, fmt.Errorf("waiting for container: %w", err)
		}
		return &RunResult{
			ExitCode: ExitTimeout,
			TimedOut: true,
			Duration: time.Since(start),
			Logs:     readLogs(cli, containerID, opts.LogTail),
		}, nil
	}
}

func readLogs(cli *client.Client, containerID, tail string) []byte {
	logReader, err := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil || logReader == nil {
		return nil
	}
	defer logReader.Close()
	data, _ := io.ReadAll(logReader)
	return data
}
