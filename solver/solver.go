// Package solver runs the incremental camera solve: it seeds the reconstruction on the best
// connected pair of root frames, grows it one frame at a time, refines it by bundle adjustment
// and finally normalizes origin and scale.
package solver

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/camsolve/camsolve/bundleadjust"
	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/config"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/lens"
	"github.com/camsolve/camsolve/logging"
	"github.com/camsolve/camsolve/markercache"
	"github.com/camsolve/camsolve/normalize"
	"github.com/camsolve/camsolve/rootframe"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
	"github.com/camsolve/camsolve/transform"
)

// Option configures a Solver.
type Option func(*Solver)

// WithProgress sets the receiver of solve events.
func WithProgress(p Progress) Option {
	return func(s *Solver) {
		s.progress = p
	}
}

// WithProjector replaces the pinhole projector used by refinement.
func WithProjector(p camera.DerivativeProjector) Option {
	return func(s *Solver) {
		s.projector = p
	}
}

// Solver solves the camera of one scene.
type Solver struct {
	adapter   scene.Adapter
	opts      config.Options
	projector camera.DerivativeProjector
	progress  Progress
	logger    logging.Logger
}

// New returns a solver for adapter.
func New(adapter scene.Adapter, opts config.Options, logger logging.Logger, options ...Option) *Solver {
	s := &Solver{
		adapter:   adapter,
		opts:      opts,
		projector: camera.NewPinholeProjector(),
		progress:  noProgress{},
		logger:    logger,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// run is the state of one solve.
type run struct {
	*Solver
	cache     *markercache.Cache
	adjuster  *bundleadjust.Adjuster
	distorter lens.Distorter
	summary   *Summary

	twoView       transform.TwoViewParams
	pnp           transform.PnPParams
	triangulation transform.TriangulationParams

	solved    map[scene.FrameID]bool
	attempted map[Pair]bool
	known     map[scene.MarkerID]bool
	rejected  map[scene.MarkerID]bool
	euler     map[scene.FrameID]spatialmath.EulerZXY
	// sinceRefine counts poses added since the last periodic refinement.
	sinceRefine int
}

// Solve runs a full solve. Invalid options or too little marker data fail with InputInvalid before
// the scene is touched. When fewer than two frames solve, the summary is returned together with
// an InsufficientData error and the scene is not normalized. Adapter errors abort the solve.
// Cancellation is observed between passes.
func (s *Solver) Solve(ctx context.Context) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.opts.Validate(""); err != nil {
		return nil, failure.Wrap(err, failure.InputInvalid, "invalid options")
	}
	start, end, err := s.frameRange()
	if err != nil {
		return nil, err
	}
	cache, err := markercache.Build(ctx, s.adapter, start, end, s.opts.FOVMargin)
	if err != nil {
		return nil, errors.Wrap(err, "building marker cache")
	}
	if err := s.checkInput(cache); err != nil {
		return nil, err
	}

	policy := rootframe.Policy{
		UserFrames: lo.Map(s.opts.RootFrames, func(f int, _ int) scene.FrameID { return scene.FrameID(f) }),
		Step:       s.opts.RootStep(),
		PerMarker:  s.opts.RootFramesPerMarker,
		TieBreak:   s.opts.RootFrameTieBreak,
	}
	roots := policy.RootFrames(cache, start, end)
	seed, ok := rootframe.SeedFrame(cache, roots, s.opts.MinSharedMarkers, s.opts.MinPairDistance)
	if !ok {
		return nil, failure.New(failure.InputInvalid,
			"no two of %d root frames at least %d apart share %d markers",
			len(roots), s.opts.MinPairDistance, s.opts.MinSharedMarkers)
	}

	r, err := s.newRun(cache)
	if err != nil {
		return nil, err
	}
	r.summary.Start, r.summary.End = start, end
	r.summary.Seed = seed
	r.summary.RootFrames = roots
	s.logger.Infow("solve started", "start", start, "end", end, "markers", len(cache.Markers()),
		"roots", len(roots), "seed", seed)

	if err := r.addSeed(seed); err != nil {
		return nil, err
	}
	if err := r.rootPhase(ctx, roots); err != nil {
		return nil, err
	}
	if len(r.solved) >= 2 {
		if err := r.polish(ctx); err != nil {
			return nil, err
		}
	}
	r.summary.SolvedFrames = r.solvedFrames()
	if len(r.solved) < 2 {
		r.summary.Status = StatusInsufficientData
		s.logger.Warnw("solve stopped, too few frames solved", "solved", len(r.solved),
			"failed", len(r.summary.FailedFrames))
		return r.summary, failure.New(failure.InsufficientData, "only %d frame solved", len(r.solved))
	}
	if err := r.finish(ctx); err != nil {
		return nil, err
	}
	r.summary.Status = StatusSolved
	s.logger.Infow("solve finished", "solved", len(r.summary.SolvedFrames), "failed", len(r.summary.FailedFrames),
		"average_error", r.summary.AverageError, "bundles", r.summary.WellSolvedBundles)
	return r.summary, nil
}

// frameRange resolves the configured range against the frames carrying marker data.
func (s *Solver) frameRange() (scene.FrameID, scene.FrameID, error) {
	first, last, err := s.adapter.FrameRange()
	if err != nil {
		return 0, 0, failure.Wrap(err, failure.InputInvalid, "reading frame range")
	}
	start, end := first, last
	if s.opts.StartFrame != 0 {
		start = scene.FrameID(s.opts.StartFrame)
	}
	if s.opts.EndFrame != 0 {
		end = scene.FrameID(s.opts.EndFrame)
	}
	if end < start {
		return 0, 0, failure.New(failure.InputInvalid, "empty frame range [%d, %d]", start, end)
	}
	return start, end, nil
}

func (s *Solver) checkInput(cache *markercache.Cache) error {
	if frames := cache.Frames(); len(frames) < 2 {
		return failure.New(failure.InputInvalid, "markers are usable on %d frames, need 2", len(frames))
	}
	tracked := lo.CountBy(cache.MarkerIDs(), func(m scene.MarkerID) bool { return len(cache.EnabledFrames(m)) >= 2 })
	if tracked < s.opts.MinSharedMarkers {
		return failure.New(failure.InputInvalid, "%d markers are usable on two frames or more, need %d",
			tracked, s.opts.MinSharedMarkers)
	}
	return nil
}

func (s *Solver) newRun(cache *markercache.Cache) (*run, error) {
	adjuster, err := bundleadjust.NewAdjuster(s.adapter, cache, s.projector, bundleadjust.Options{
		Version:           s.opts.SolverVersion,
		Backend:           s.opts.SolverBackend,
		XTolerance:        s.opts.XTolerance,
		GradientTolerance: s.opts.GradientTolerance,
		BundleMin:         s.opts.BundleValueMin,
		BundleMax:         s.opts.BundleValueMax,
		AnimateFocal:      s.opts.AnimateFocalLength,
		Parallel:          s.opts.ParallelResiduals,
	}, s.logger.Sublogger("ba"))
	if err != nil {
		return nil, err
	}
	distorter, err := scene.Distorter(s.adapter)
	if err != nil {
		return nil, errors.Wrap(err, "reading distortion")
	}
	return &run{
		Solver:    s,
		cache:     cache,
		adjuster:  adjuster,
		distorter: distorter,
		summary:   &Summary{Failures: map[scene.FrameID]failure.Kind{}},
		twoView: transform.TwoViewParams{
			RANSACIterations: s.opts.RANSACIterations,
			Threshold:        s.opts.RANSACThreshold,
			MinInlierRatio:   s.opts.RANSACMinInlierRatio,
			Seed:             s.opts.RANSACSeed,
			MinParallaxDeg:   s.opts.MinParallaxDeg,
			RefineIterations: transform.DefaultTwoViewParams().RefineIterations,
		},
		pnp: transform.PnPParams{
			MaxError:         s.opts.PnPMaxError,
			RefineIterations: transform.DefaultPnPParams().RefineIterations,
		},
		triangulation: transform.TriangulationParams{
			DirectionToleranceDeg: s.opts.TriangulationDirectionToleranceDeg,
			BundleMin:             s.opts.BundleValueMin,
			BundleMax:             s.opts.BundleValueMax,
			RefineIterations:      transform.DefaultTriangulationParams().RefineIterations,
		},
		solved:    map[scene.FrameID]bool{},
		attempted: map[Pair]bool{},
		known:     map[scene.MarkerID]bool{},
		rejected:  map[scene.MarkerID]bool{},
		euler:     map[scene.FrameID]spatialmath.EulerZXY{},
	}, nil
}

// finish clears bundles the solve could not resolve, normalizes the scene and fills in the error
// statistics.
func (r *run) finish(ctx context.Context) error {
	var bundles []scene.BundleID
	for _, m := range r.cache.Markers() {
		if r.known[m.ID] {
			bundles = append(bundles, m.Bundle)
			continue
		}
		if err := r.adapter.SetBundlePosition(m.Bundle, scene.Unresolved()); err != nil {
			return errors.Wrapf(err, "clearing bundle %d", m.Bundle)
		}
	}

	origin := r.summary.Start
	if r.opts.OriginFrame != 0 {
		origin = scene.FrameID(r.opts.OriginFrame)
	}
	res, err := normalize.Normalize(ctx, r.adapter, r.summary.SolvedFrames, bundles, normalize.Options{
		OriginFrame: origin,
		SceneScale:  r.opts.SceneScale,
		BundleMin:   r.opts.BundleValueMin,
		BundleMax:   r.opts.BundleValueMax,
	}, r.logger.Sublogger("normalize"))
	if err != nil {
		return err
	}
	r.summary.Normalization = res

	obs, err := r.adjuster.ReprojectionErrors(r.summary.SolvedFrames, r.knownMarkers())
	if err != nil {
		return err
	}
	if err := r.summary.setErrors(obs); err != nil {
		return err
	}
	for _, m := range r.cache.Markers() {
		if !r.known[m.ID] {
			continue
		}
		pos, err := r.adapter.BundlePosition(m.Bundle)
		if err != nil {
			return errors.Wrapf(err, "reading bundle %d", m.Bundle)
		}
		if scene.IsWellSolved(pos, r.opts.BundleValueMin, r.opts.BundleValueMax) {
			r.summary.WellSolvedBundles++
		}
	}
	r.summary.RejectedBundles = lo.CountBy(lo.Keys(r.rejected), func(m scene.MarkerID) bool { return !r.known[m] })
	return nil
}

func (r *run) solvedFrames() []scene.FrameID {
	frames := lo.Keys(r.solved)
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	return frames
}

// knownMarkers lists the markers with a known bundle in scene order.
func (r *run) knownMarkers() []scene.MarkerID {
	return lo.Filter(r.cache.MarkerIDs(), func(m scene.MarkerID, _ int) bool { return r.known[m] })
}
