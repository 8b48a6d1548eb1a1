package demo

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/signalnine/orruns/internal/figure"
	"github.com/signalnine/orruns/internal/merge"
	"github.com/signalnine/orruns/internal/tracker"
)

// NSGA2 is a toy two-objective evolutionary optimiser on the ZDT1 problem.
// It only mutates and clips; there is no non-dominated sorting.
type NSGA2 struct {
	NVar    int
	PopSize int
	NGen    int
}

// Optimize evolves a random population for NGen generations, logging the
// mean of both objectives per generation and a Pareto front scatter plot.
func (o NSGA2) Optimize(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
	rng := tr.Rand()
	pop := make([][]float64, o.PopSize)
	for i := range pop {
		pop[i] = make([]float64, o.NVar)
		for j := range pop[i] {
			pop[i][j] = rng.Float64()
		}
	}

	for gen := 0; gen < o.NGen; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f1, f2 := zdt1(pop)
		if err := tr.LogMetrics(map[string]float64{"mean_f1": mean(f1), "mean_f2": mean(f2)}, gen); err != nil {
			return nil, err
		}
		pop = mutate(rng, pop)
	}

	f1, f2 := zdt1(pop)
	fig := figure.New("Pareto Front", "f1", "f2").Scatter("population", f1, f2)
	if _, err := tr.LogArtifact("pareto_front.png", fig, tracker.TypeFigure); err != nil {
		return nil, fmt.Errorf("logging pareto front: %w", err)
	}

	objectives := make([][]float64, len(f1))
	for i := range f1 {
		objectives[i] = []float64{f1[i], f2[i]}
	}
	return merge.Result{
		"final_population_size": len(pop),
		"final_objectives":      objectives,
	}, nil
}

// zdt1 returns f1 = x0 and f2 = g(1 - sqrt(f1/g)) with g = 1 + 9 mean(x1..).
func zdt1(pop [][]float64) (f1, f2 []float64) {
	f1 = make([]float64, len(pop))
	f2 = make([]float64, len(pop))
	for i, x := range pop {
		g := 1.0
		if len(x) > 1 {
			g += 9 * mean(x[1:])
		}
		f1[i] = x[0]
		f2[i] = g * (1 - math.Sqrt(x[0]/g))
	}
	return f1, f2
}

func mutate(rng *rand.Rand, pop [][]float64) [][]float64 {
	out := make([][]float64, len(pop))
	for i, x := range pop {
		out[i] = make([]float64, len(x))
		for j, v := range x {
			out[i][j] = math.Min(1, math.Max(0, v+0.1*rng.NormFloat64()))
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func nsga2Task(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
	sizes := []int{50, 100, 200}
	popSize := sizes[tr.Rand().Intn(len(sizes))]
	if err := tr.LogParams(map[string]any{
		"dimension":       30,
		"population_size": popSize,
		"generations":     10,
	}); err != nil {
		return nil, err
	}
	return NSGA2{NVar: 30, PopSize: popSize, NGen: 10}.Optimize(ctx, tr)
}
