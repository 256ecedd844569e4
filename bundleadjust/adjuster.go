package bundleadjust

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/leastsq"
	"github.com/camsolve/camsolve/logging"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/utils"
)

// Observations is the marker data an adjustment reads. Only usable observations are reported.
type Observations interface {
	Marker(id scene.MarkerID) (scene.Marker, bool)
	Position(frame scene.FrameID, marker scene.MarkerID) (r2.Point, bool)
	Weight(frame scene.FrameID, marker scene.MarkerID) float64
}

// Options configure an Adjuster.
type Options struct {
	Version           leastsq.Version
	Backend           leastsq.Backend
	XTolerance        float64
	GradientTolerance float64
	BundleMin         float64
	BundleMax         float64
	// AnimateFocal solves one focal length per frame and keys it.
	AnimateFocal bool
	// Parallel evaluates residuals and Jacobian rows on several goroutines.
	Parallel bool
}

// DefaultOptions returns the default adjuster options.
func DefaultOptions() Options {
	return Options{
		Version:           leastsq.V2,
		Backend:           leastsq.CMinpackLM,
		XTolerance:        1e-10,
		GradientTolerance: 1e-12,
		BundleMin:         -1e5,
		BundleMax:         1e5,
		Parallel:          true,
	}
}

// Request is one refinement pass.
type Request struct {
	Frames     []scene.FrameID
	Markers    []scene.MarkerID
	Solve      Selection
	Iterations int
	// PerFrame solves each frame's animated attributes on their own, with static attributes
	// frozen.
	PerFrame bool
	EvalMode EvalMode
}

// StageResult reports one stage of a pass.
type StageResult struct {
	Name        string
	Parameters  int
	Residuals   int
	Iterations  int
	InitialCost float64
	FinalCost   float64
	Reason      leastsq.Reason
}

// Result reports a pass.
type Result struct {
	Stages     []StageResult
	Iterations int
	InitialRMS float64
	FinalRMS   float64
	// Diverged lists frames whose per-frame refinement was discarded.
	Diverged []scene.FrameID
}

// Adjuster runs refinement passes against a scene.
type Adjuster struct {
	adapter   scene.Adapter
	obs       Observations
	projector camera.DerivativeProjector
	solver    leastsq.Solver
	opts      Options
	logger    logging.Logger
}

// NewAdjuster returns an adjuster for a scene and its observations.
func NewAdjuster(
	adapter scene.Adapter,
	obs Observations,
	projector camera.DerivativeProjector,
	opts Options,
	logger logging.Logger,
) (*Adjuster, error) {
	solver, err := leastsq.NewSolver(opts.Version, opts.Backend, logger)
	if err != nil {
		return nil, failure.Wrap(err, failure.InputInvalid, "creating solver")
	}
	return &Adjuster{adapter: adapter, obs: obs, projector: projector, solver: solver, opts: opts, logger: logger}, nil
}

// Adjust runs one pass. A pass whose minimization does not succeed is rolled back to its entry
// state and reported as NumericalDivergence; adapter errors are returned as is. Cancellation is
// checked on entry only, a started pass always runs to the end.
func (a *Adjuster) Adjust(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	if req.Solve.empty() || len(req.Frames) == 0 || req.Iterations <= 0 {
		return &Result{}, nil
	}
	frames := append([]scene.FrameID{}, req.Frames...)
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })

	bundles, terms, err := a.collect(frames, req.Markers)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if len(terms) == 0 {
		return res, nil
	}
	snap, err := scene.TakeSnapshot(a.adapter, frames, bundles)
	if err != nil {
		return nil, errors.Wrap(err, "taking snapshot")
	}
	rollback := func(cause error) error {
		if err := snap.Restore(a.adapter); err != nil {
			return multierr.Combine(cause, errors.Wrap(err, "rolling back"))
		}
		return cause
	}

	animated, err := a.focalAnimated()
	if err != nil {
		return nil, err
	}
	if req.PerFrame {
		if err := a.adjustPerFrame(ctx, req, frames, bundles, terms, animated, res); err != nil {
			return res, rollback(err)
		}
		return res, nil
	}

	for i, stg := range plan(req.Solve, false) {
		iterations := stageIterations(req.Iterations, stg.fraction)
		base, err := readState(a.adapter, frames, bundles)
		if err != nil {
			return res, rollback(err)
		}
		p := a.buildProblem(ctx, base, stg.sel, frames, bundles, terms, animated)
		p.host = req.EvalMode == Host
		stageRes, st, err := a.solve(p, iterations)
		if err != nil {
			return res, rollback(err)
		}
		stageRes.Name = stg.name
		res.Stages = append(res.Stages, stageRes)
		res.Iterations += stageRes.Iterations
		if i == 0 {
			res.InitialRMS = rmsOf(stageRes.InitialCost, len(terms))
		}
		res.FinalRMS = rmsOf(stageRes.FinalCost, len(terms))
		if st == nil {
			return res, rollback(failure.New(failure.NumericalDivergence,
				"stage %s stopped with %s", stg.name, stageRes.Reason))
		}
		if err := st.write(a.adapter, p.attrs); err != nil {
			return res, rollback(err)
		}
		a.logger.CDebugw(ctx, "stage done", "stage", stg.name, "iterations", stageRes.Iterations,
			"cost", stageRes.FinalCost, "reason", stageRes.Reason)
	}
	return res, nil
}

// solve minimizes p and returns the final state, or a nil state when the minimization did not
// succeed.
func (a *Adjuster) solve(p *problem, iterations int) (StageResult, *evalState, error) {
	x0, lower, upper := p.start()
	stageRes := StageResult{Parameters: len(p.attrs), Residuals: p.NumResiduals()}
	if len(p.attrs) == 0 {
		return stageRes, p.base, nil
	}
	out, err := a.solver.Solve(p, x0, leastsq.Settings{
		MaxIterations:     iterations,
		XTolerance:        a.opts.XTolerance,
		GradientTolerance: a.opts.GradientTolerance,
		Lower:             lower,
		Upper:             upper,
	})
	if err != nil {
		return stageRes, nil, err
	}
	stageRes.Iterations = out.Iterations
	stageRes.InitialCost = out.InitialCost
	stageRes.FinalCost = out.FinalCost
	stageRes.Reason = out.Reason
	if !out.Success {
		return stageRes, nil, nil
	}
	st, err := p.base.apply(p.attrs, out.X)
	if err != nil {
		return stageRes, nil, err
	}
	return stageRes, st, nil
}

// collect lists the observations of markers on frames whose bundles are well solved.
func (a *Adjuster) collect(frames []scene.FrameID, markers []scene.MarkerID) ([]scene.BundleID, []term, error) {
	var bundles []scene.BundleID
	var terms []term
	for _, id := range markers {
		m, ok := a.obs.Marker(id)
		if !ok {
			continue
		}
		pos, err := a.adapter.BundlePosition(m.Bundle)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading bundle %d", m.Bundle)
		}
		if !scene.IsWellSolved(pos, a.opts.BundleMin, a.opts.BundleMax) {
			continue
		}
		before := len(terms)
		for _, f := range frames {
			uv, ok := a.obs.Position(f, id)
			if !ok {
				continue
			}
			terms = append(terms, term{marker: id, bundle: m.Bundle, frame: f, obs: uv, weight: a.obs.Weight(f, id)})
		}
		if len(terms) > before {
			bundles = append(bundles, m.Bundle)
		}
	}
	return bundles, terms, nil
}

func (a *Adjuster) focalAnimated() (bool, error) {
	if a.opts.AnimateFocal {
		return true, nil
	}
	animated, err := a.adapter.FocalLengthAnimated()
	if err != nil {
		return false, errors.Wrap(err, "reading focal animation")
	}
	return animated, nil
}

func (a *Adjuster) buildProblem(
	ctx context.Context,
	base *evalState,
	sel Selection,
	frames []scene.FrameID,
	bundles []scene.BundleID,
	terms []term,
	animated bool,
) *problem {
	p := newProblem(ctx, a.adapter, a.projector, base)
	p.parallel = a.opts.Parallel
	p.terms = terms
	if sel.Bundles {
		for _, b := range bundles {
			locks, err := a.adapter.BundleLocks(b)
			if err != nil {
				a.logger.Warnw("could not read bundle locks, solving all axes", "bundle", b, "error", err)
			}
			p.addBundle(b, locks, a.opts.BundleMin, a.opts.BundleMax)
		}
	}
	if sel.Extrinsics {
		for _, f := range frames {
			p.addExtrinsics(f)
		}
	}
	if sel.Intrinsics {
		p.addFocal(frames, animated)
	}
	if sel.Distortion {
		p.addDistortion()
	}
	return p
}

func rmsOf(cost float64, nTerms int) float64 {
	if nTerms == 0 {
		return 0
	}
	// cost is ½ Σ r² over two residuals per term
	return math.Sqrt(2 * cost / float64(nTerms))
}

type frameOutcome struct {
	stage StageResult
	state *evalState
	attrs []Attribute
	err   error
}

// adjustPerFrame solves each frame's animated attributes against frozen bundles and static
// intrinsics. Frames are independent: a frame that does not converge keeps its entry state and is
// listed in res.Diverged.
func (a *Adjuster) adjustPerFrame(
	ctx context.Context,
	req Request,
	frames []scene.FrameID,
	bundles []scene.BundleID,
	terms []term,
	animated bool,
	res *Result,
) error {
	base, err := readState(a.adapter, frames, bundles)
	if err != nil {
		return err
	}
	byFrame := make(map[scene.FrameID][]term, len(frames))
	for _, t := range terms {
		byFrame[t.frame] = append(byFrame[t.frame], t)
	}
	sel := Selection{Extrinsics: req.Solve.Extrinsics, Intrinsics: req.Solve.Intrinsics && animated}
	host := req.EvalMode == Host

	outcomes := make([]frameOutcome, len(frames))
	solveFrame := func(i int) {
		f := frames[i]
		if len(byFrame[f]) == 0 || sel.empty() {
			return
		}
		p := newProblem(ctx, a.adapter, a.projector, base)
		p.host = host
		p.terms = byFrame[f]
		if sel.Extrinsics {
			p.addExtrinsics(f)
		}
		if sel.Intrinsics {
			p.addFocal([]scene.FrameID{f}, true)
		}
		stageRes, st, err := a.solve(p, req.Iterations)
		stageRes.Name = "frame " + strconv.Itoa(int(f))
		outcomes[i] = frameOutcome{stage: stageRes, state: st, attrs: p.attrs, err: err}
	}
	// Host evaluation writes trial states to the scene, so frames are solved one after another.
	if err := utils.ForEachParallel(ctx, len(frames), a.opts.Parallel && !host, solveFrame); err != nil {
		return err
	}

	var initial, final float64
	for i, out := range outcomes {
		if out.err != nil {
			return out.err
		}
		if out.stage.Residuals == 0 {
			continue
		}
		res.Stages = append(res.Stages, out.stage)
		res.Iterations += out.stage.Iterations
		initial += out.stage.InitialCost
		if out.state == nil {
			a.logger.CDebugw(ctx, "frame diverged, keeping entry state", "frame", frames[i], "reason", out.stage.Reason)
			res.Diverged = append(res.Diverged, frames[i])
			final += out.stage.InitialCost
			if host {
				if err := base.write(a.adapter, out.attrs); err != nil {
					return err
				}
			}
			continue
		}
		final += out.stage.FinalCost
		if err := out.state.write(a.adapter, out.attrs); err != nil {
			return err
		}
	}
	res.InitialRMS = rmsOf(initial, len(terms))
	res.FinalRMS = rmsOf(final, len(terms))
	return nil
}

// ObservationError is the reprojection error of one observation.
type ObservationError struct {
	Marker scene.MarkerID
	Frame  scene.FrameID
	// Error is the unweighted image space distance; it is NaN when the bundle is behind the camera.
	Error  float64
	Weight float64
}

// ReprojectionErrors measures the observations of markers on frames whose bundles are well solved,
// in marker then frame order.
func (a *Adjuster) ReprojectionErrors(frames []scene.FrameID, markers []scene.MarkerID) ([]ObservationError, error) {
	frames = append([]scene.FrameID{}, frames...)
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	bundles, terms, err := a.collect(frames, markers)
	if err != nil {
		return nil, err
	}
	st, err := readState(a.adapter, frames, bundles)
	if err != nil {
		return nil, err
	}
	out := make([]ObservationError, len(terms))
	for i, t := range terms {
		fs := st.frames[t.frame]
		e := math.NaN()
		if uv, ok := a.projector.Project(st.bundles[t.bundle], fs.intrinsics, st.distorter, fs.pose); ok {
			e = t.obs.Sub(uv).Norm()
		}
		out[i] = ObservationError{Marker: t.marker, Frame: t.frame, Error: e, Weight: t.weight}
	}
	return out, nil
}
