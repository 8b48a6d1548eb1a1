package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/config"
	"github.com/signalnine/orruns/internal/demo"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/query"
	"github.com/signalnine/orruns/internal/report"
	"github.com/signalnine/orruns/internal/runner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagTimes      int
	flagExperiment string
	flagParallel   bool
	flagWorkers    int
	flagSeed       int64
	flagIsolation  string
	flagMergeFile  string
	flagExpConfig  string
	flagParams     []string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Repeat a registered task and merge the runs",
		Long: "Run a registered task --times times, one tracked run each, then merge the results.\n" +
			"Registered tasks: " + strings.Join(runner.Registered(), ", "),
		Args: cobra.ExactArgs(1),
		RunE: runTask,
	}
	cmd.Flags().IntVar(&flagTimes, "times", 1, "number of runs")
	cmd.Flags().StringVar(&flagExperiment, "experiment", "", "experiment name (default: task name)")
	cmd.Flags().BoolVar(&flagParallel, "parallel", false, "run concurrently")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "max concurrent runs with --parallel (default: runner.parallel; 0 means one per CPU)")
	cmd.Flags().Int64Var(&flagSeed, "seed", 0, "base seed; run i gets seed+i (default: random)")
	cmd.Flags().StringVar(&flagIsolation, "isolation", "", "goroutine, process or docker (default: runner.isolation)")
	cmd.Flags().StringVar(&flagMergeFile, "merge", "", "merge config YAML (default: the task's built-in config)")
	cmd.Flags().StringVar(&flagExpConfig, "experiment-config", "", "experiment YAML; experiment.runs/parallel/seed set defaults and the document is logged as params")
	cmd.Flags().StringArrayVar(&flagParams, "param", nil, "run parameter key=value (repeatable, dotted keys nest)")
	return cmd
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	taskName := args[0]
	if _, ok := runner.Lookup(taskName); !ok {
		return fmt.Errorf("unknown task %q (registered: %s)", taskName, strings.Join(runner.Registered(), ", "))
	}

	opts := runOptions(cfg, taskName, logger)
	opts.Parallel = flagParallel
	opts.Times = flagTimes
	if flagExpConfig != "" {
		ec, err := config.LoadExperiment(flagExpConfig)
		if err != nil {
			return err
		}
		applyExperimentConfig(&opts, ec, cmd.Flags().Changed)
	}
	if flagExperiment != "" {
		opts.ExperimentName = flagExperiment
	}
	if cmd.Flags().Changed("workers") {
		opts.MaxWorkers = flagWorkers
	}
	if cmd.Flags().Changed("seed") {
		seed := flagSeed
		opts.Seed = &seed
	}
	if flagIsolation != "" {
		opts.Isolation = flagIsolation
	}
	if flagMergeFile != "" {
		data, err := os.ReadFile(flagMergeFile)
		if err != nil {
			return fmt.Errorf("reading merge config: %w", err)
		}
		if opts.Merge, err = merge.ParseConfig(data); err != nil {
			return fmt.Errorf("merge config %s: %w", flagMergeFile, err)
		}
	}
	params, err := parseParams(flagParams)
	if err != nil {
		return err
	}
	for k, v := range params {
		if opts.Params == nil {
			opts.Params = map[string]any{}
		}
		opts.Params[k] = v
	}
	opts.Progress = func(done, total int, run runner.RunRecord) {
		status := "ok"
		if run.Err != nil {
			status = "FAILED: " + run.Err.Error()
		}
		printf(cmd, "[%d/%d] run %d %s (seed %d) %s\n", done, total, run.Index, run.RunID, run.Seed, status)
	}

	printf(cmd, "Running %s × %d as experiment %q (isolation: %s)\n", taskName, opts.Times, opts.ExperimentName, opts.Isolation)
	out, runErr := runner.Repeat(cmd.Context(), nil, opts)
	if out == nil {
		return runErr
	}
	if out.MergeDir != "" {
		printf(cmd, "Merged result: %s\n", out.MergeDir)
	}

	printf(cmd, "\n--- Results ---\n")
	a := api.New(cfg.Results.Dir, api.WithLogger(logger))
	defer a.Close()
	if err := report.Generate(a, out.Experiment, "table", cmd.OutOrStdout()); err != nil {
		return err
	}
	return runErr
}

// runOptions builds the repeat options a run gets from the tool config
// alone, before flags and the experiment config are applied.
func runOptions(cfg *config.Config, taskName string, logger *zap.Logger) runner.Options {
	return runner.Options{
		TaskName:       taskName,
		ExperimentName: taskName,
		Times:          1,
		MaxWorkers:     cfg.Runner.Parallel,
		Timeout:        cfg.Runner.Timeout,
		SystemInfo:     cfg.Runner.SystemInfo,
		Isolation:      cfg.Runner.Isolation,
		Docker:         cfg.Runner.Docker,
		BaseDir:        cfg.Results.Dir,
		Merge:          demo.MergeConfig(taskName),
		LogLevel:       cfg.Log.Level,
		Logger:         logger,
	}
}

// applyExperimentConfig takes times, parallel and seed from the
// experiment.* section unless the matching flag was given, and logs the
// whole document as run params.
func applyExperimentConfig(opts *runner.Options, ec *config.ExperimentConfig, changed func(string) bool) {
	if !changed("times") {
		opts.Times = ec.GetInt("experiment.runs", opts.Times)
	}
	if !changed("parallel") {
		opts.Parallel = ec.GetBool("experiment.parallel", opts.Parallel)
	}
	if !changed("seed") {
		if v := ec.Get("experiment.seed", nil); v != nil {
			seed := int64(ec.GetInt("experiment.seed", 0))
			opts.Seed = &seed
		}
	}
	if name := ec.GetString("experiment.name", ""); name != "" {
		opts.ExperimentName = name
	}
	if opts.Params == nil {
		opts.Params = map[string]any{}
	}
	for k, v := range ec.Raw() {
		opts.Params[k] = v
	}
}

// parseParams turns key=value flags into a params map. Values are typed
// with query.ParseValue; dotted keys create nested maps.
func parseParams(exprs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, expr := range exprs {
		key, raw, ok := strings.Cut(expr, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q: want key=value", expr)
		}
		parts := strings.Split(key, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = query.ParseValue(raw)
	}
	return out, nil
}
