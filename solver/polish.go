package solver

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/camsolve/camsolve/bundleadjust"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
)

// maxPolishRounds bounds how often newly triangulated bundles restart the polish.
const maxPolishRounds = 3

// polish runs once no more root frames can be added: per-marker polish, the in-between frames,
// global polish repeated while new bundles become observable, and the per-frame polish.
func (r *run) polish(ctx context.Context) error {
	if err := r.perMarkerPolish(ctx); err != nil {
		return err
	}
	if err := r.solveInBetween(ctx); err != nil {
		return err
	}
	if err := r.globalPolish(ctx); err != nil {
		return err
	}
	for round := 1; round < maxPolishRounds; round++ {
		added, err := r.triangulate(ctx, r.cache.MarkerIDs())
		if err != nil {
			return err
		}
		if added == 0 {
			break
		}
		r.logger.CDebugf(ctx, "%d new bundles after global polish round %d", added, round)
		if err := r.perMarkerPolish(ctx); err != nil {
			return err
		}
		if err := r.globalPolish(ctx); err != nil {
			return err
		}
	}
	return r.perFramePolish(ctx)
}

// refine is the periodic refinement of the root phase.
func (r *run) refine(ctx context.Context) error {
	frames := r.solvedFrames()
	err := r.adjust(ctx, fmt.Sprintf("refine@%d", len(frames)), bundleadjust.Request{
		Frames:     frames,
		Markers:    r.knownMarkers(),
		Solve:      bundleadjust.Selection{Bundles: true, Extrinsics: true, Intrinsics: r.opts.PeriodicIntrinsics()},
		Iterations: r.opts.BundleIterNum,
		EvalMode:   r.opts.EvalMode,
	})
	if err != nil {
		return err
	}
	return r.afterPass(ctx, frames)
}

// perMarkerPolish refines every known bundle on its own over the solved frames that observe it.
// The per-marker passes are reported as one.
func (r *run) perMarkerPolish(ctx context.Context) error {
	stats := PassStats{Name: "per-marker", Frames: len(r.solved)}
	for _, id := range r.knownMarkers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		frames := lo.Filter(r.cache.EnabledFrames(id), func(f scene.FrameID, _ int) bool { return r.solved[f] })
		res, err := r.adjuster.Adjust(ctx, bundleadjust.Request{
			Frames:     frames,
			Markers:    []scene.MarkerID{id},
			Solve:      bundleadjust.Selection{Bundles: true},
			Iterations: r.opts.PerMarkerIterNum,
			EvalMode:   r.opts.EvalMode,
		})
		if res != nil {
			stats.Iterations += res.Iterations
		}
		if err != nil {
			if failure.KindOf(err) != failure.NumericalDivergence {
				return err
			}
			stats.Diverged = true
			r.logger.CDebugw(ctx, "per-marker polish diverged", "marker", id, "error", err)
		}
	}
	r.summary.Passes = append(r.summary.Passes, stats)
	r.progress.OnPassComplete(stats)
	return r.afterPass(ctx, r.solvedFrames())
}

// solveInBetween resolves every remaining frame of the range by PnP, nearest to the solved frames
// first, seeding each from its nearest solved neighbour.
func (r *run) solveInBetween(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, ref, ok := r.nextInBetween()
		if !ok {
			return nil
		}
		refPose, err := r.adapter.Pose(ref)
		if err != nil {
			return err
		}
		pose, err := r.estimatePnP(frame, &refPose)
		if err != nil {
			kind := failure.KindOf(err)
			if !kind.Local() {
				return err
			}
			r.summary.fail(frame, kind)
			r.logger.CDebugw(ctx, "in-between frame failed", "frame", frame, "kind", kind, "error", err)
			continue
		}
		if err := r.addPose(ctx, frame, ref, pose, MethodPnP); err != nil {
			return err
		}
	}
}

func (r *run) nextInBetween() (scene.FrameID, scene.FrameID, bool) {
	solved := r.solvedFrames()
	var bestFrame, bestRef scene.FrameID
	bestDist := -1
	for f := r.summary.Start; f <= r.summary.End; f++ {
		if _, failed := r.summary.Failures[f]; failed || r.solved[f] {
			continue
		}
		for _, s := range solved {
			d := frameDistance(f, s)
			if bestDist < 0 || d < bestDist {
				bestFrame, bestRef, bestDist = f, s, d
			}
		}
	}
	return bestFrame, bestRef, bestDist >= 0
}

// globalPolish refines everything requested over every solved frame.
func (r *run) globalPolish(ctx context.Context) error {
	frames := r.solvedFrames()
	err := r.adjust(ctx, "global", bundleadjust.Request{
		Frames:  frames,
		Markers: r.knownMarkers(),
		Solve: bundleadjust.Selection{
			Bundles:    true,
			Extrinsics: true,
			Intrinsics: r.opts.SolveFocalLength,
			Distortion: r.opts.SolveLensDistortion,
		},
		Iterations: r.opts.RootIterNum,
		EvalMode:   r.opts.EvalMode,
	})
	if err != nil {
		return err
	}
	return r.afterPass(ctx, frames)
}

// perFramePolish refines each solved frame's animated attributes on their own.
func (r *run) perFramePolish(ctx context.Context) error {
	frames := r.solvedFrames()
	return r.adjust(ctx, "per-frame", bundleadjust.Request{
		Frames:     frames,
		Markers:    r.knownMarkers(),
		Solve:      bundleadjust.Selection{Extrinsics: true, Intrinsics: r.opts.SolveFocalLength},
		Iterations: r.opts.AnimIterNum,
		PerFrame:   true,
		EvalMode:   r.opts.FinalPassEvalMode,
	})
}

// adjust runs one pass. A diverged pass has been rolled back by the adjuster and is only
// recorded.
func (r *run) adjust(ctx context.Context, name string, req bundleadjust.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := r.adjuster.Adjust(ctx, req)
	stats := PassStats{Name: name, Frames: len(req.Frames)}
	if res != nil {
		stats.Iterations = res.Iterations
		stats.InitialRMS = res.InitialRMS
		stats.FinalRMS = res.FinalRMS
		stats.DivergedFrames = res.Diverged
	}
	if err != nil {
		if failure.KindOf(err) != failure.NumericalDivergence {
			return err
		}
		stats.Diverged = true
		r.logger.Warnw("refinement diverged, keeping previous state", "pass", name, "error", err)
	}
	if len(stats.DivergedFrames) > 0 {
		r.logger.Warnw("per-frame refinement discarded", "pass", name, "frames", stats.DivergedFrames)
	}
	r.summary.Passes = append(r.summary.Passes, stats)
	r.progress.OnPassComplete(stats)
	r.logger.CDebugw(ctx, "pass done", "pass", name, "iterations", stats.Iterations, "rms", stats.FinalRMS)
	return nil
}

// afterPass picks up refined distortion, rejects bundles the pass made invalid and refilters the
// rotation curve.
func (r *run) afterPass(ctx context.Context, frames []scene.FrameID) error {
	distorter, err := scene.Distorter(r.adapter)
	if err != nil {
		return err
	}
	r.distorter = distorter
	if err := r.validate(ctx, frames, r.knownMarkers()); err != nil {
		return err
	}
	curve := make([]spatialmath.EulerZXY, len(frames))
	for i, f := range frames {
		pose, err := r.adapter.Pose(f)
		if err != nil {
			return err
		}
		curve[i] = spatialmath.EulerFromMatrix(pose.Rotation)
	}
	for i, e := range spatialmath.FilterEuler(curve) {
		r.euler[frames[i]] = e
	}
	return nil
}
