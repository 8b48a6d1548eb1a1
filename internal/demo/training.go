package demo

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/signalnine/orruns/internal/figure"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/stats"
	"github.com/signalnine/orruns/internal/tracker"
)

const defaultEpochs = 50

// Train simulates a training loop whose loss decays as exp(-lr*epoch) plus
// Gaussian noise. It logs loss and accuracy per epoch, the history as CSV
// and the curves as a figure.
func Train(ctx context.Context, tr *tracker.Tracker, lr float64, epochs int) (merge.Result, error) {
	rng := tr.Rand()
	steps := make([]float64, epochs)
	losses := make([]float64, epochs)
	accs := make([]float64, epochs)
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := math.Exp(-lr * float64(epoch))
		loss := base + 0.1*rng.NormFloat64()
		acc := math.Min(1, math.Max(0, 1-base+0.05*rng.NormFloat64()))
		steps[epoch], losses[epoch], accs[epoch] = float64(epoch), loss, acc
		if err := tr.LogMetrics(map[string]float64{"loss": loss, "accuracy": acc}, epoch); err != nil {
			return nil, err
		}
	}

	history, err := tracker.NewTable([]string{"epoch", "loss", "accuracy"}, steps, losses, accs)
	if err != nil {
		return nil, err
	}
	if _, err := tr.LogArtifact("training_history.csv", history, tracker.TypeAuto); err != nil {
		return nil, fmt.Errorf("logging history: %w", err)
	}
	lrLabel := strconv.FormatFloat(lr, 'g', -1, 64)
	curves := figure.New("Training (lr="+lrLabel+")", "Epoch", "Value").
		Size(10, 5).
		Grid().
		Line("Loss", steps, losses).
		Line("Accuracy", steps, accs)
	if _, err := tr.LogArtifact("training_curves_lr_"+lrLabel+".png", curves, tracker.TypeAuto); err != nil {
		return nil, fmt.Errorf("logging curves: %w", err)
	}

	res := merge.Result{"final_loss": 0.0, "final_accuracy": 0.0}
	if epochs > 0 {
		res["final_loss"] = losses[epochs-1]
		res["final_accuracy"] = accs[epochs-1]
	}
	return res, nil
}

// TrainingMerge is how repeated training runs are combined.
var TrainingMerge = merge.Config{
	Scalars:    []string{"final_loss", "final_accuracy"},
	TimeSeries: []string{"loss", "accuracy"},
}

// trainingTask reads learning_rate and epochs from the run's params,
// defaulting to 0.01 and 50.
func trainingTask(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
	params := tr.Params()
	lr := 0.01
	if v, ok := stats.Float(params["learning_rate"]); ok {
		lr = v
	}
	epochs := defaultEpochs
	if v, ok := stats.Float(params["epochs"]); ok && v > 0 {
		epochs = int(v)
	}
	if err := tr.LogParams(map[string]any{"learning_rate": lr, "epochs": epochs}); err != nil {
		return nil, err
	}
	return Train(ctx, tr, lr, epochs)
}
