package cli

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/solver"
)

// plotErrors draws the per frame reprojection error of a solve, in track file frame numbers,
// with the average as a flat line. The format follows the extension of path.
func plotErrors(path string, sum *solver.Summary, offset int) error {
	frames := make([]scene.FrameID, 0, len(sum.PerFrameError))
	for f := range sum.PerFrameError {
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return errors.New("no per frame errors to plot")
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })

	pts := make(plotter.XYs, len(frames))
	for i, f := range frames {
		pts[i].X = float64(int(f) - offset)
		pts[i].Y = sum.PerFrameError[f]
	}

	p := plot.New()
	p.Title.Text = "reprojection error"
	p.X.Label.Text = "frame"
	p.Y.Label.Text = "error"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "building error line")
	}
	average := plotter.NewFunction(func(float64) float64 { return sum.AverageError })
	average.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(line, average)
	p.Legend.Add("per frame", line)
	p.Legend.Add("average", average)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot %q", path)
	}
	return nil
}
