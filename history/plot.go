package history

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Plotter renders loss-history curves as PNG images, one per key, at
// <dir>/<key>.png. Each render overwrites the previous image for that key.
// Construct it once at process startup; rendering carries no hidden global
// state.
type Plotter struct {
	dir string
}

// NewPlotter creates a Plotter writing into dir, creating it if needed.
func NewPlotter(dir string) (*Plotter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "history: creating plot dir")
	}
	return &Plotter{dir: dir}, nil
}

// Render writes the current curve for key.
func (p *Plotter) Render(key string, series []float64) error {
	pl := plot.New()
	pl.Title.Text = "Train"
	pl.X.Label.Text = "Iteration"
	pl.Y.Label.Text = "Loss"

	xys := make(plotter.XYs, len(series))
	for i, v := range series {
		xys[i].X = float64(i)
		xys[i].Y = v
	}

	line, err := plotter.NewLine(xys)
	if err != nil {
		return errors.Wrapf(err, "history: plotting %s", key)
	}
	pl.Add(line)
	pl.Legend.Add(key, line)

	out := filepath.Join(p.dir, key+".png")
	if err := pl.Save(6*vg.Inch, 4*vg.Inch, out); err != nil {
		return errors.Wrapf(err, "history: saving %s", out)
	}
	return nil
}
