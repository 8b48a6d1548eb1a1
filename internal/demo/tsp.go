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

// TSP is a random-reversal local search over cities in the unit square.
type TSP struct {
	Cities [][2]float64
	Iters  int
}

// NewTSP places n cities uniformly at random.
func NewTSP(rng *rand.Rand, n, iters int) *TSP {
	cities := make([][2]float64, n)
	for i := range cities {
		cities[i] = [2]float64{rng.Float64(), rng.Float64()}
	}
	return &TSP{Cities: cities, Iters: iters}
}

// Length is the open path length visiting cities in path order.
func (s *TSP) Length(path []int) float64 {
	var d float64
	for i := 1; i < len(path); i++ {
		a, b := s.Cities[path[i-1]], s.Cities[path[i]]
		d += math.Hypot(a[0]-b[0], a[1]-b[1])
	}
	return d
}

// Solve improves a random tour by reversing random segments, keeping the
// reversal when it shortens the tour.
func (s *TSP) Solve(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
	rng := tr.Rand()
	n := len(s.Cities)
	path := rng.Perm(n)
	best := s.Length(path)
	distances := []float64{best}

	for i := 0; i < s.Iters; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand := append([]int(nil), path...)
		a, b := rng.Intn(n), rng.Intn(n)
		if a > b {
			a, b = b, a
		}
		for l, r := a, b; l < r; l, r = l+1, r-1 {
			cand[l], cand[r] = cand[r], cand[l]
		}
		d := s.Length(cand)
		if d < best {
			path, best = cand, d
		}
		distances = append(distances, best)
		if err := tr.LogMetrics(map[string]float64{"best_distance": best, "current_distance": d}, i); err != nil {
			return nil, err
		}
	}

	curve := figure.New("Convergence Curve", "Iteration", "Distance").Size(10, 6).Line("best", nil, distances)
	if _, err := tr.LogArtifact("convergence.png", curve, tracker.TypeFigure); err != nil {
		return nil, fmt.Errorf("logging convergence: %w", err)
	}
	xs, ys := make([]float64, n+1), make([]float64, n+1)
	for i := 0; i <= n; i++ {
		c := s.Cities[path[i%n]]
		xs[i], ys[i] = c[0], c[1]
	}
	route := figure.New("Best Route", "x", "y").Size(8, 8).Line("route", xs, ys).Scatter("cities", xs[:n], ys[:n])
	if _, err := tr.LogArtifact("route.png", route, tracker.TypeFigure); err != nil {
		return nil, fmt.Errorf("logging route: %w", err)
	}
	if _, err := tr.LogArtifact("distances.csv", distances, tracker.TypeData); err != nil {
		return nil, fmt.Errorf("logging distances: %w", err)
	}

	return merge.Result{
		"distances":     distances,
		"best_path":     path,
		"best_distance": best,
	}, nil
}

// TSPMerge is how repeated tsp runs are combined.
var TSPMerge = merge.Config{
	Arrays:        []string{"distances"},
	Scalars:       []string{"best_distance"},
	Images:        []string{"convergence.png", "route.png"},
	Distributions: []string{"distances"},
}

func tspTask(ctx context.Context, tr *tracker.Tracker) (merge.Result, error) {
	sizes := []int{20, 30, 40}
	n := sizes[tr.Rand().Intn(len(sizes))]
	const iters = 10
	if err := tr.LogParams(map[string]any{"n_cities": n, "n_iterations": iters}); err != nil {
		return nil, err
	}
	return NewTSP(tr.Rand(), n, iters).Solve(ctx, tr)
}
