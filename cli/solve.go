package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/camsolve/camsolve/config"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/resultstore"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/solver"
	"github.com/camsolve/camsolve/trackio"
)

// spinnerFactory starts the solve spinner; nil uses pterm.
var spinnerFactory progressSpinnerFactory

// SolveAction solves the camera of a track file, optionally writing the solved tracks and
// storing the run.
func SolveAction(c *cli.Context) error {
	ctx := commandContext(c)
	logger := newLogger(c)
	tracksPath := c.Path(solveFlagTracks)

	defaults, err := defaultIntrinsics(c.Float64(solveFlagFocal), c.String(solveFlagFilmBack))
	if err != nil {
		return errors.Wrap(err, "invalid default camera")
	}
	opts := config.Default()
	if c.IsSet(solveFlagConfig) {
		opts, err = config.Load(c.Path(solveFlagConfig))
		if err != nil {
			return err
		}
	}
	file, err := trackio.ReadFile(tracksPath)
	if err != nil {
		return err
	}
	imp, err := trackio.ToScene(file, defaults)
	if err != nil {
		return err
	}
	logger.CDebugw(ctx, "tracks loaded", "path", tracksPath, "version", file.Version, "points", len(file.Points),
		"frame_offset", imp.FrameOffset)

	progress := newSolveProgress(!c.Bool(generalFlagQuiet), spinnerFactory, nil)
	sum, solveErr := solver.New(imp.Scene, opts, logger.Sublogger("solver"), solver.WithProgress(progress)).
		Solve(ctx)
	progress.finish(solveErr)
	if sum == nil {
		return solveErr
	}
	printSummary(c.App.Writer, sum, imp.FrameOffset)

	if c.IsSet(solveFlagDB) {
		name := c.String(solveFlagName)
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(tracksPath), filepath.Ext(tracksPath))
		}
		if err := storeRun(c, name, sum, imp.Scene); err != nil {
			return err
		}
	}
	if solveErr != nil {
		return solveErr
	}

	if c.IsSet(solveFlagPlot) {
		if err := plotErrors(c.Path(solveFlagPlot), sum, imp.FrameOffset); err != nil {
			return err
		}
		printf(c.App.Writer, "error plot written to %s", c.Path(solveFlagPlot))
	}
	if c.IsSet(solveFlagOut) {
		out, err := trackio.FromScene(imp.Scene, trackio.ExportOptions{
			FrameOffset: imp.FrameOffset,
			BundleMin:   opts.BundleValueMin,
			BundleMax:   opts.BundleValueMax,
		})
		if err != nil {
			return err
		}
		if err := trackio.WriteFile(c.Path(solveFlagOut), out, trackio.LatestVersion); err != nil {
			return errors.Wrap(err, "writing solved tracks")
		}
		printf(c.App.Writer, "solved tracks written to %s", c.Path(solveFlagOut))
	}
	return nil
}

func storeRun(c *cli.Context, name string, sum *solver.Summary, adapter scene.Adapter) error {
	store, err := resultstore.Open(c.Path(solveFlagDB), newLogger(c).Sublogger("store"))
	if err != nil {
		return err
	}
	run, err := store.SaveRun(c.Context, name, sum, adapter)
	if closeErr := store.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	printf(c.App.Writer, "run %d stored in %s", run.ID, c.Path(solveFlagDB))
	return nil
}

// printSummary prints frames in track file numbering.
func printSummary(w io.Writer, sum *solver.Summary, offset int) {
	file := func(f scene.FrameID) int { return int(f) - offset }
	printf(w, "status: %s", sum.Status)
	printf(w, "frames: %d to %d, seed %d", file(sum.Start), file(sum.End), file(sum.Seed))
	printf(w, "solved: %d frames, failed: %d frames", len(sum.SolvedFrames), len(sum.FailedFrames))
	if sum.PnPFallbacks > 0 {
		printf(w, "root frames solved from known bundles: %d", sum.PnPFallbacks)
	}
	for _, f := range sum.FailedFrames {
		kind := sum.Failures[f]
		if kind == failure.None {
			continue
		}
		printf(w, "\tframe %d: %s", file(f), kind)
	}
	if sum.Status != solver.StatusSolved {
		return
	}
	printf(w, "bundles: %d well solved, %d rejected", sum.WellSolvedBundles, sum.RejectedBundles)
	printf(w, "reprojection error: average %.6g, deviation %.6g, max %.6g",
		sum.AverageError, sum.ErrorStdDev, sum.MaxError)
	printf(w, "iterations: %d over %d passes", sum.Iterations(), len(sum.Passes))
	if len(sum.Passes) > 0 {
		printf(w, "%s", passTable(sum.Passes))
	}
	if n := sum.Normalization; n != nil {
		printf(w, "origin: frame %d, scale %.6g", file(n.Origin), n.Scale)
	}
}

func passTable(passes []solver.PassStats) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Pass", "Frames", "Iterations", "Initial RMS", "Final RMS", "Diverged"})
	for _, p := range passes {
		diverged := ""
		if p.Diverged {
			diverged = "rolled back"
		} else if len(p.DivergedFrames) > 0 {
			diverged = fmt.Sprintf("%d frames", len(p.DivergedFrames))
		}
		t.AppendRow(table.Row{p.Name, p.Frames, p.Iterations,
			fmt.Sprintf("%.4g", p.InitialRMS), fmt.Sprintf("%.4g", p.FinalRMS), diverged})
	}
	return t.Render()
}
