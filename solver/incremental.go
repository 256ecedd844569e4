package solver

import (
	"context"
	"runtime"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/rootframe"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
	"github.com/camsolve/camsolve/transform"
)

// addSeed fixes the seed frame at the origin.
func (r *run) addSeed(seed scene.FrameID) error {
	pose := spatialmath.NewZeroPose()
	if err := r.adapter.SetPose(seed, pose); err != nil {
		return errors.Wrapf(err, "writing seed pose on frame %d", seed)
	}
	r.solved[seed] = true
	r.euler[seed] = spatialmath.EulerFromMatrix(pose.Rotation)
	r.progress.OnPoseAdded(PoseStats{Frame: seed, Reference: seed, Method: MethodSeed, Euler: r.euler[seed], Solved: 1})
	return nil
}

// rootPhase solves the root frames, always taking next the unsolved root closest to a solved
// frame. Each reference and root pair is tried once.
func (r *run) rootPhase(ctx context.Context, roots []scene.FrameID) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ref, frame, ok := r.nextPair(roots)
		if !ok {
			return nil
		}
		r.attempted[Pair{Reference: ref, Frame: frame}] = true
		shared := r.cache.Shared(ref, frame)
		if len(shared) < r.opts.MinSharedMarkers {
			r.logger.CDebugw(ctx, "too few shared markers", "reference", ref, "frame", frame, "shared", len(shared))
			continue
		}
		r.summary.Pairs = append(r.summary.Pairs, Pair{Reference: ref, Frame: frame})

		pose, method, err := r.estimateRoot(ctx, ref, frame, shared)
		if err != nil {
			kind := failure.KindOf(err)
			if !kind.Local() {
				return err
			}
			r.summary.fail(frame, kind)
			r.logger.Warnw("root frame failed", "frame", frame, "reference", ref, "kind", kind, "error", err)
			continue
		}
		if err := r.addPose(ctx, frame, ref, pose, method); err != nil {
			return err
		}
		r.sinceRefine++
		if r.sinceRefine >= r.opts.BundleAdjustEveryNPoses {
			r.sinceRefine = 0
			if err := r.refine(ctx); err != nil {
				return err
			}
		}
	}
}

// nextPair returns the unsolved, unfailed root closest to any solved frame at least
// MinPairDistance away with which it was not tried yet. Ties go to the earlier root, then to
// the earlier reference.
func (r *run) nextPair(roots []scene.FrameID) (scene.FrameID, scene.FrameID, bool) {
	var bestRef, bestFrame scene.FrameID
	bestDist := -1
	for _, ref := range r.solvedFrames() {
		excluded := make(map[scene.FrameID]bool, len(r.summary.Failures))
		for f := range r.summary.Failures {
			excluded[f] = true
		}
		for p := range r.attempted {
			if p.Reference == ref {
				excluded[p.Frame] = true
			}
		}
		f, ok := rootframe.NextFrame(ref, roots, r.solved, excluded, r.opts.MinPairDistance)
		if !ok {
			continue
		}
		d := frameDistance(ref, f)
		if bestDist < 0 || d < bestDist || (d == bestDist && f < bestFrame) {
			bestRef, bestFrame, bestDist = ref, f, d
		}
	}
	return bestRef, bestFrame, bestDist >= 0
}

// estimateRoot solves frame against ref by relative pose, falling back to PnP on the known
// bundles when that fails and at least three of them are visible.
func (r *run) estimateRoot(ctx context.Context, ref, frame scene.FrameID, shared []scene.MarkerID) (spatialmath.Pose, Method, error) {
	poseRef, err := r.adapter.Pose(ref)
	if err != nil {
		return spatialmath.Pose{}, "", errors.Wrapf(err, "reading pose on frame %d", ref)
	}
	ptsA := make([]r2.Point, len(shared))
	ptsB := make([]r2.Point, len(shared))
	known := map[int]r3.Vector{}
	for i, m := range shared {
		if ptsA[i], err = r.focalPoint(ref, m); err != nil {
			return spatialmath.Pose{}, "", err
		}
		if ptsB[i], err = r.focalPoint(frame, m); err != nil {
			return spatialmath.Pose{}, "", err
		}
		if !r.known[m] {
			continue
		}
		if known[i], err = r.bundlePosition(m); err != nil {
			return spatialmath.Pose{}, "", err
		}
	}

	res, twoViewErr := transform.EstimateTwoView(poseRef, ptsA, ptsB, known, r.twoView)
	if twoViewErr == nil {
		r.logger.CDebugw(ctx, "two view pose", "reference", ref, "frame", frame, "inliers", res.InlierRatio,
			"parallax", res.ParallaxDeg, "scale", res.Scale)
		return res.Pose, MethodTwoView, nil
	}
	if !failure.KindOf(twoViewErr).Local() {
		return spatialmath.Pose{}, "", twoViewErr
	}
	visible := lo.CountBy(r.cache.EnabledMarkers(frame), func(m scene.MarkerID) bool { return r.known[m] })
	if visible < 3 {
		return spatialmath.Pose{}, "", twoViewErr
	}
	r.logger.CDebugw(ctx, "two view failed, trying pnp", "frame", frame, "known", visible, "error", twoViewErr)
	pose, err := r.estimatePnP(frame, &poseRef)
	if err != nil {
		return spatialmath.Pose{}, "", err
	}
	r.summary.PnPFallbacks++
	return pose, MethodPnP, nil
}

// estimatePnP solves frame from the known bundles visible on it.
func (r *run) estimatePnP(frame scene.FrameID, initial *spatialmath.Pose) (spatialmath.Pose, error) {
	var points []r3.Vector
	var obs []r2.Point
	for _, m := range r.cache.EnabledMarkers(frame) {
		if !r.known[m] {
			continue
		}
		p, err := r.bundlePosition(m)
		if err != nil {
			return spatialmath.Pose{}, err
		}
		o, err := r.focalPoint(frame, m)
		if err != nil {
			return spatialmath.Pose{}, err
		}
		points = append(points, p)
		obs = append(obs, o)
	}
	res, err := transform.EstimatePnP(points, obs, initial, r.pnp)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return res.Pose, nil
}

// addPose writes a newly solved pose, triangulates the bundles it makes observable and rejects
// the known bundles it sees that are now invalid.
func (r *run) addPose(
	ctx context.Context, frame, ref scene.FrameID, pose spatialmath.Pose, method Method,
) error {
	if err := r.adapter.SetPose(frame, pose); err != nil {
		return errors.Wrapf(err, "writing pose on frame %d", frame)
	}
	r.solved[frame] = true
	r.euler[frame] = spatialmath.EulerFromMatrixNear(pose.Rotation, r.euler[ref])

	markers := r.cache.EnabledMarkers(frame)
	if err := r.validate(ctx, []scene.FrameID{frame}, markers); err != nil {
		return err
	}
	if _, err := r.triangulate(ctx, markers); err != nil {
		return err
	}
	r.progress.OnPoseAdded(PoseStats{
		Frame:        frame,
		Reference:    ref,
		Method:       method,
		Euler:        r.euler[frame],
		Solved:       len(r.solved),
		KnownBundles: len(r.known),
	})
	r.logger.CDebugw(ctx, "pose added", "frame", frame, "reference", ref, "method", method, "known", len(r.known))
	return nil
}

type triangulationJob struct {
	marker scene.MarkerID
	bundle scene.BundleID
	views  []transform.View
}

// triangulate solves the unknown bundles of markers seen on two solved frames or more. The
// points are computed concurrently and written in marker order.
func (r *run) triangulate(ctx context.Context, markers []scene.MarkerID) (int, error) {
	var jobs []triangulationJob
	for _, id := range markers {
		if r.known[id] {
			continue
		}
		m, ok := r.cache.Marker(id)
		if !ok {
			continue
		}
		frames := lo.Filter(r.cache.EnabledFrames(id), func(f scene.FrameID, _ int) bool { return r.solved[f] })
		if len(frames) < 2 {
			continue
		}
		job := triangulationJob{marker: id, bundle: m.Bundle, views: make([]transform.View, len(frames))}
		for i, f := range frames {
			pose, err := r.adapter.Pose(f)
			if err != nil {
				return 0, errors.Wrapf(err, "reading pose on frame %d", f)
			}
			pt, err := r.focalPoint(f, id)
			if err != nil {
				return 0, err
			}
			job.views[i] = transform.View{Pose: pose, Point: pt, Weight: r.cache.Weight(f, id)}
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	points := make([]r3.Vector, len(jobs))
	errs := make([]error, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			points[i], errs[i] = transform.Triangulate(jobs[i].views, r.triangulation)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	added := 0
	for i, job := range jobs {
		if errs[i] != nil {
			if !failure.KindOf(errs[i]).Local() {
				return added, errs[i]
			}
			r.logger.CDebugw(ctx, "triangulation rejected", "marker", job.marker, "error", errs[i])
			r.rejected[job.marker] = true
			if err := r.adapter.SetBundlePosition(job.bundle, scene.Unresolved()); err != nil {
				return added, errors.Wrapf(err, "resetting bundle %d", job.bundle)
			}
			continue
		}
		if err := r.adapter.SetBundlePosition(job.bundle, points[i]); err != nil {
			return added, errors.Wrapf(err, "writing bundle %d", job.bundle)
		}
		r.known[job.marker] = true
		added++
	}
	return added, nil
}

// validate rejects the known bundles among markers that are out of bounds or behind one of the
// given solved frames observing them.
func (r *run) validate(ctx context.Context, frames []scene.FrameID, markers []scene.MarkerID) error {
	poses := make(map[scene.FrameID]spatialmath.Pose, len(frames))
	for _, f := range frames {
		pose, err := r.adapter.Pose(f)
		if err != nil {
			return errors.Wrapf(err, "reading pose on frame %d", f)
		}
		poses[f] = pose
	}
	for _, id := range markers {
		if !r.known[id] {
			continue
		}
		m, _ := r.cache.Marker(id)
		pos, err := r.adapter.BundlePosition(m.Bundle)
		if err != nil {
			return errors.Wrapf(err, "reading bundle %d", m.Bundle)
		}
		ok := scene.IsWellSolved(pos, r.opts.BundleValueMin, r.opts.BundleValueMax)
		for f, pose := range poses {
			if !ok {
				break
			}
			if _, seen := r.cache.Position(f, id); seen {
				ok = pose.InFront(pos)
			}
		}
		if ok {
			continue
		}
		r.logger.CDebugw(ctx, "bundle rejected", "marker", m.Name, "position", pos)
		delete(r.known, id)
		r.rejected[id] = true
		if err := r.adapter.SetBundlePosition(m.Bundle, scene.Unresolved()); err != nil {
			return errors.Wrapf(err, "resetting bundle %d", m.Bundle)
		}
	}
	return nil
}

// focalPoint is a marker's undistorted focal-plane position on a frame.
func (r *run) focalPoint(frame scene.FrameID, marker scene.MarkerID) (r2.Point, error) {
	uv, ok := r.cache.Position(frame, marker)
	if !ok {
		return r2.Point{}, errors.Errorf("marker %d not usable on frame %d", marker, frame)
	}
	in, err := r.adapter.Intrinsics(frame)
	if err != nil {
		return r2.Point{}, errors.Wrapf(err, "reading intrinsics on frame %d", frame)
	}
	return camera.Unproject(uv, in, r.distorter), nil
}

func (r *run) bundlePosition(marker scene.MarkerID) (r3.Vector, error) {
	m, _ := r.cache.Marker(marker)
	pos, err := r.adapter.BundlePosition(m.Bundle)
	if err != nil {
		return r3.Vector{}, errors.Wrapf(err, "reading bundle %d", m.Bundle)
	}
	return pos, nil
}

func frameDistance(a, b scene.FrameID) int {
	if a < b {
		return int(b - a)
	}
	return int(a - b)
}
