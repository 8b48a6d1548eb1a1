// Package figure builds PNG figures for run artifacts. A Figure is an
// explicit value: create it, add series, then hand it to the tracker, which
// renders it through Render.
package figure

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var palette = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
}

type Figure struct {
	plot   *plot.Plot
	width  vg.Length
	height vg.Length
	series int
	err    error
}

// New returns an empty 8x6 inch figure.
func New(title, xLabel, yLabel string) *Figure {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	return &Figure{plot: p, width: 8 * vg.Inch, height: 6 * vg.Inch}
}

// Size sets the rendered size in inches.
func (f *Figure) Size(widthIn, heightIn float64) *Figure {
	f.width = vg.Length(widthIn) * vg.Inch
	f.height = vg.Length(heightIn) * vg.Inch
	return f
}

// Line adds a line series. A nil xs plots ys against their index.
func (f *Figure) Line(label string, xs, ys []float64) *Figure {
	pts, err := points(xs, ys)
	if err != nil {
		f.fail(fmt.Errorf("line %q: %w", label, err))
		return f
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		f.fail(fmt.Errorf("line %q: %w", label, err))
		return f
	}
	l.Color = f.nextColor()
	f.plot.Add(l)
	if label != "" {
		f.plot.Legend.Add(label, l)
	}
	return f
}

// Scatter adds a point series. A nil xs plots ys against their index.
func (f *Figure) Scatter(label string, xs, ys []float64) *Figure {
	pts, err := points(xs, ys)
	if err != nil {
		f.fail(fmt.Errorf("scatter %q: %w", label, err))
		return f
	}
	s, err := plotter.NewScatter(pts)
	if err != nil {
		f.fail(fmt.Errorf("scatter %q: %w", label, err))
		return f
	}
	s.GlyphStyle.Color = f.nextColor()
	f.plot.Add(s)
	if label != "" {
		f.plot.Legend.Add(label, s)
	}
	return f
}

// Grid draws grid lines behind the series.
func (f *Figure) Grid() *Figure {
	f.plot.Add(plotter.NewGrid())
	return f
}

// Err reports the first error recorded while building the figure.
func (f *Figure) Err() error {
	return f.err
}

// Render writes the figure as PNG.
func (f *Figure) Render(w io.Writer) error {
	if f.err != nil {
		return f.err
	}
	wt, err := f.plot.WriterTo(f.width, f.height, "png")
	if err != nil {
		return fmt.Errorf("rendering figure: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("writing figure: %w", err)
	}
	return nil
}

func (f *Figure) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *Figure) nextColor() color.Color {
	c := palette[f.series%len(palette)]
	f.series++
	return c
}

func points(xs, ys []float64) (plotter.XYs, error) {
	if len(ys) == 0 {
		return nil, errors.New("no points")
	}
	if xs != nil && len(xs) != len(ys) {
		return nil, fmt.Errorf("x has %d values, y has %d", len(xs), len(ys))
	}
	pts := make(plotter.XYs, len(ys))
	for i, y := range ys {
		x := float64(i)
		if xs != nil {
			x = xs[i]
		}
		pts[i].X = x
		pts[i].Y = y
	}
	return pts, nil
}
