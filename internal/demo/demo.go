// Package demo holds the sample workloads shipped with orruns: toy
// optimisers registered as runner tasks, and Populate, which records a small
// set of experiments for trying out the API and dashboard.
package demo

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/result"
	"github.com/signalnine/orruns/internal/runner"
	"github.com/signalnine/orruns/internal/tracker"
	"go.uber.org/zap"
)

func init() {
	runner.Register("nsga2", nsga2Task)
	runner.Register("tsp", tspTask)
	runner.Register("training", trainingTask)
}

// NSGA2Merge is how repeated nsga2 runs are combined.
var NSGA2Merge = merge.Config{
	Scalars:    []string{"final_population_size"},
	TimeSeries: []string{"mean_f1", "mean_f2"},
	Images:     []string{"pareto_front.png"},
}

// MergeConfig returns the default merge configuration of a registered demo
// task, or an empty one.
func MergeConfig(task string) merge.Config {
	switch task {
	case "nsga2":
		return NSGA2Merge
	case "tsp":
		return TSPMerge
	case "training":
		return TrainingMerge
	}
	return merge.Config{}
}

// Experiments lists the experiments Populate writes.
var Experiments = []string{"aim", "sam", "optimization_demo"}

// LearningRates are the optimization_demo parameter sets.
var LearningRates = []float64{0.001, 0.01, 0.1}

const (
	samRepetitions = 5
	demoSeed       = 42
)

// Populate replaces the demo experiments under baseDir: a single unparameterised
// "aim" run, "sam" with s=3 and s=5 repeated five times each, and
// "optimization_demo" with one training run per learning rate.
func Populate(ctx context.Context, baseDir string, logger *zap.Logger) error {
	for _, name := range Experiments {
		if err := os.RemoveAll(result.ExperimentDir(baseDir, name)); err != nil {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
	}

	if err := decayRun(ctx, baseDir, "aim", nil, logger); err != nil {
		return err
	}
	for _, s := range []int{3, 5} {
		for i := 0; i < samRepetitions; i++ {
			if err := decayRun(ctx, baseDir, "sam", map[string]any{"s": s}, logger); err != nil {
				return err
			}
		}
	}
	for _, lr := range LearningRates {
		tr, err := tracker.New("optimization_demo",
			tracker.WithBaseDir(baseDir),
			tracker.WithSeed(demoSeed),
			tracker.WithLogger(logger))
		if err != nil {
			return err
		}
		if err := tr.LogParams(map[string]any{"learning_rate": lr, "batch_size": 32, "optimizer": "Adam"}); err != nil {
			return err
		}
		_, runErr := Train(ctx, tr, lr, defaultEpochs)
		if err := tr.Finish(runErr); err != nil {
			return err
		}
		if runErr != nil {
			return fmt.Errorf("optimization_demo lr=%g: %w", lr, runErr)
		}
	}
	return nil
}

// decayRun records 50 epochs of a noisy exponentially decaying loss.
func decayRun(ctx context.Context, baseDir, experiment string, params map[string]any, logger *zap.Logger) error {
	tr, err := tracker.New(experiment, tracker.WithBaseDir(baseDir), tracker.WithLogger(logger))
	if err != nil {
		return err
	}
	if params != nil {
		if err := tr.LogParams(params); err != nil {
			return err
		}
	}
	rng := tr.Rand()
	var runErr error
	for epoch := 0; epoch < defaultEpochs; epoch++ {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		loss := math.Exp(-0.1*float64(epoch)) + 0.1*rng.NormFloat64()
		acc := 1 - loss + 0.05*rng.NormFloat64()
		if runErr = tr.LogMetrics(map[string]float64{"loss": loss, "accuracy": acc}, epoch); runErr != nil {
			break
		}
	}
	if err := tr.Finish(runErr); err != nil {
		return err
	}
	return runErr
}
