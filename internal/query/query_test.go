package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		key   string
		field string
		op    Op
	}{
		{"population_size__gt", "population_size", Gt},
		{"dimension__eq", "dimension", Eq},
		{"fitness__lt", "fitness", Lt},
		{"optimizer", "optimizer", Eq},
		{"algorithm.name__ne", "algorithm.name", Ne},
		{"max__iter__lte", "max__iter", Lte},
	}
	for _, tt := range tests {
		f, err := ParseFilter(tt.key, 1)
		require.NoError(t, err, tt.key)
		assert.Equal(t, tt.field, f.Field, tt.key)
		assert.Equal(t, tt.op, f.Op, tt.key)
	}
}

func TestParseFilterErrors(t *testing.T) {
	_, err := ParseFilter("fitness__approx", 1)
	assert.ErrorIs(t, err, ErrUnknownOperator)
	_, err = ParseFilter("__gt", 1)
	assert.Error(t, err)
	_, err = ParseFilter("", 1)
	assert.Error(t, err)
	_, err = ParseFilter("lr__in", 0.1)
	assert.Error(t, err)
}

func TestParseExpr(t *testing.T) {
	f, err := ParseExpr("population_size__gt=50")
	require.NoError(t, err)
	assert.Equal(t, Filter{Field: "population_size", Op: Gt, Value: int64(50)}, f)

	f, err = ParseExpr("learning_rate__in=0.1, 0.01")
	require.NoError(t, err)
	assert.Equal(t, []any{0.1, 0.01}, f.Value)

	f, err = ParseExpr("optimizer=Adam")
	require.NoError(t, err)
	assert.Equal(t, "Adam", f.Value)

	_, err = ParseExpr("no-equals")
	assert.Error(t, err)
}

func TestParseExprs(t *testing.T) {
	m, err := ParseExprs([]string{"population_size__gt=50", "optimizer=Adam"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"population_size__gt": int64(50), "optimizer__eq": "Adam"}, m)

	filters, err := ParseFilters(m)
	require.NoError(t, err)
	assert.Len(t, filters, 2)

	_, err = ParseExprs([]string{"x__near=1"})
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		actual any
		want   bool
	}{
		{"eq numbers across types", Filter{"d", Eq, 2}, 2.0, true},
		{"eq string number", Filter{"d", Eq, "2"}, 2.0, true},
		{"eq strings", Filter{"o", Eq, "Adam"}, "Adam", true},
		{"ne", Filter{"o", Ne, "SGD"}, "Adam", true},
		{"gt", Filter{"p", Gt, 50}, 100.0, true},
		{"gt equal", Filter{"p", Gt, 100}, 100.0, false},
		{"gte equal", Filter{"p", Gte, 100}, 100.0, true},
		{"lt", Filter{"f", Lt, 0.5}, 0.25, true},
		{"lte", Filter{"f", Lte, 0.25}, 0.5, false},
		{"gt strings", Filter{"n", Gt, "a"}, "b", true},
		{"gt mixed", Filter{"n", Gt, 1}, "b", false},
		{"in", Filter{"lr", In, []any{0.1, 0.01}}, 0.01, true},
		{"in typed slice", Filter{"lr", In, []float64{0.1}}, 0.01, false},
		{"contains string", Filter{"n", Contains, "VNS"}, "VNS-2opt", true},
		{"contains list", Filter{"tags", Contains, "tsp"}, []any{"tsp", "demo"}, true},
		{"bool eq", Filter{"b", Eq, true}, true, true},
		{"bool eq string", Filter{"b", Eq, "false"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.actual, true))
		})
	}
	assert.False(t, Filter{"x", Ne, 1}.Match(nil, false))
}

func TestLookup(t *testing.T) {
	params := map[string]any{
		"algorithm":  map[string]any{"name": "VNS", "params": map[string]any{"max_iterations": 1000.0}},
		"plain.dots": 1.0,
	}
	v, ok := Lookup(params, "algorithm.params.max_iterations")
	assert.True(t, ok)
	assert.Equal(t, 1000.0, v)
	v, ok = Lookup(params, "plain.dots")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
	_, ok = Lookup(params, "algorithm.missing")
	assert.False(t, ok)
}

func TestMatchAll(t *testing.T) {
	params := map[string]any{"population_size": 100.0, "dimension": 10.0}
	get := func(f string) (any, bool) { return Lookup(params, f) }
	filters, err := ParseFilters(map[string]any{"population_size__gt": 50, "dimension__eq": 10})
	require.NoError(t, err)
	assert.True(t, MatchAll(filters, get))

	filters, err = ParseFilters(map[string]any{"population_size__gt": 50, "missing__lt": 1})
	require.NoError(t, err)
	assert.False(t, MatchAll(filters, get))
}

func TestGtAgreesWithNumericOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.Float64Range(-1e3, 1e3).Draw(t, "threshold")
		v := rapid.Float64Range(-1e3, 1e3).Draw(t, "value")
		gt := Filter{Field: "x", Op: Gt, Value: threshold}.Match(v, true)
		lte := Filter{Field: "x", Op: Lte, Value: threshold}.Match(v, true)
		if gt != (v > threshold) {
			t.Fatalf("gt(%v, %v) = %v", v, threshold, gt)
		}
		if gt == lte {
			t.Fatalf("gt and lte agree for %v, %v", v, threshold)
		}
	})
}
