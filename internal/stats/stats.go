// Package stats holds the small numeric summaries used when runs are merged
// and reported.
package stats

import (
	"encoding/json"
	"math"
	"sort"

	"golang.org/x/exp/constraints"
)

// Number is any value that can be summarised.
type Number interface {
	constraints.Integer | constraints.Float
}

// Summary describes a sample of values.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// Mean returns the arithmetic mean, or 0 for an empty sample.
func Mean[T Number](xs []T) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	return sum / float64(len(xs))
}

// Std returns the population standard deviation.
func Std[T Number](xs []T) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var acc float64
	for _, x := range xs {
		d := float64(x) - m
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(xs)))
}

// Quantile returns the q-th quantile (0 <= q <= 1) using linear
// interpolation between closest ranks.
func Quantile[T Number](xs []T, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := toSortedFloats(xs)
	return quantileSorted(sorted, q)
}

// Summarize computes count, mean, std, min, max and median in one pass over
// a sorted copy of xs.
func Summarize[T Number](xs []T) Summary {
	if len(xs) == 0 {
		return Summary{}
	}
	sorted := toSortedFloats(xs)
	return Summary{
		Count:  len(xs),
		Mean:   Mean(xs),
		Std:    Std(xs),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: quantileSorted(sorted, 0.5),
	}
}

// Histogram splits [min, max] into bins equal-width buckets and counts
// values per bucket. Returns the bucket edges (bins+1) and counts.
func Histogram[T Number](xs []T, bins int) ([]float64, []int) {
	if len(xs) == 0 || bins < 1 {
		return nil, nil
	}
	sorted := toSortedFloats(xs)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	edges := make([]float64, bins+1)
	counts := make([]int, bins)
	width := (hi - lo) / float64(bins)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[bins] = hi
	for _, x := range sorted {
		idx := bins - 1
		if width > 0 {
			idx = int((x - lo) / width)
			if idx >= bins {
				idx = bins - 1
			}
		}
		counts[idx]++
	}
	return edges, counts
}

func toSortedFloats[T Number](xs []T) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	sort.Float64s(out)
	return out
}

func quantileSorted(sorted []float64, q float64) float64 {
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Float reads a decoded value (Go numeric types or json.Number) as float64.
func Float(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
