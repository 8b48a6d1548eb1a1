package figure_test

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/signalnine/orruns/internal/figure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPNG(t *testing.T) {
	f := figure.New("Convergence Curve", "Iteration", "Distance").
		Size(4, 3).
		Grid().
		Line("best", nil, []float64{5, 4, 3.5, 3.2}).
		Scatter("samples", []float64{0, 1, 2}, []float64{5, 4.4, 3.9})

	var buf bytes.Buffer
	require.NoError(t, f.Render(&buf))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)
}

func TestMismatchedSeries(t *testing.T) {
	f := figure.New("bad", "x", "y").Line("l", []float64{1, 2}, []float64{1})
	assert.Error(t, f.Err())
	assert.Error(t, f.Render(&bytes.Buffer{}))
}

func TestEmptySeries(t *testing.T) {
	f := figure.New("empty", "x", "y").Scatter("s", nil, nil)
	assert.Error(t, f.Err())
}
