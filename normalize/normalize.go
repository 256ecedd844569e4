// Package normalize moves a solved scene into a canonical frame: the camera at the origin frame
// becomes the identity, the camera path is rescaled to a target size, every solved frame is keyed
// and keys outside the solved range are cut.
package normalize

import (
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/logging"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
)

// minPathSize is the smallest camera path diagonal that is rescaled.
const minPathSize = 1e-12

// Options control normalization.
type Options struct {
	OriginFrame scene.FrameID
	SceneScale  float64
	BundleMin   float64
	BundleMax   float64
}

// Result reports what was applied.
type Result struct {
	// Origin is the frame whose camera became the identity.
	Origin   scene.FrameID
	PathSize float64
	Scale    float64
	// Euler is the rotation curve of the solved frames, each decomposed nearest the previous one.
	Euler   map[scene.FrameID]spatialmath.EulerZXY
	CutKeys []scene.FrameID
}

// Normalize rebases and rescales the given frames and the well-solved bundles among bundles.
// When the origin frame is not solved the nearest solved frame is used, the earlier on a tie.
func Normalize(
	ctx context.Context,
	adapter scene.Adapter,
	frames []scene.FrameID,
	bundles []scene.BundleID,
	opts Options,
	logger logging.Logger,
) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, failure.New(failure.InsufficientData, "no solved frames to normalize")
	}
	if !(opts.SceneScale > 0) {
		return nil, failure.New(failure.InputInvalid, "scene scale must be positive, got %v", opts.SceneScale)
	}
	frames = lo.Uniq(frames)
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	first, last := frames[0], frames[len(frames)-1]

	origin := nearestFrame(frames, opts.OriginFrame)
	if origin != opts.OriginFrame {
		logger.Warnw("origin frame is not solved, using nearest solved frame",
			"requested", opts.OriginFrame, "origin", origin)
	}
	originPose, err := adapter.Pose(origin)
	if err != nil {
		return nil, errors.Wrapf(err, "reading origin pose on frame %d", origin)
	}
	rebase := originPose.Inverse()

	poses := make(map[scene.FrameID]spatialmath.Pose, len(frames))
	lo3 := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi3 := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, f := range frames {
		p, err := adapter.Pose(f)
		if err != nil {
			return nil, errors.Wrapf(err, "reading pose on frame %d", f)
		}
		p = rebase.Compose(p)
		poses[f] = p
		lo3 = r3.Vector{X: math.Min(lo3.X, p.Translation.X), Y: math.Min(lo3.Y, p.Translation.Y), Z: math.Min(lo3.Z, p.Translation.Z)}
		hi3 = r3.Vector{X: math.Max(hi3.X, p.Translation.X), Y: math.Max(hi3.Y, p.Translation.Y), Z: math.Max(hi3.Z, p.Translation.Z)}
	}
	pathSize := hi3.Sub(lo3).Norm()
	scale := 1.0
	if pathSize > minPathSize {
		scale = opts.SceneScale / pathSize
	} else {
		logger.Warnw("camera path has no extent, scene is not rescaled", "frames", len(frames))
	}

	res := &Result{
		Origin:   origin,
		PathSize: pathSize,
		Scale:    scale,
		Euler:    make(map[scene.FrameID]spatialmath.EulerZXY, len(frames)),
	}
	var prev *spatialmath.EulerZXY
	for _, f := range frames {
		p := poses[f]
		p.Translation = p.Translation.Mul(scale)
		if err := adapter.SetPose(f, p); err != nil {
			return nil, errors.Wrapf(err, "writing pose on frame %d", f)
		}
		e := spatialmath.EulerFromMatrix(p.Rotation)
		if prev != nil {
			e = spatialmath.EulerFromMatrixNear(p.Rotation, *prev)
		}
		res.Euler[f] = e
		prev = &e
	}

	for _, b := range lo.Uniq(bundles) {
		pos, err := adapter.BundlePosition(b)
		if err != nil {
			return nil, errors.Wrapf(err, "reading bundle %d", b)
		}
		if !scene.IsWellSolved(pos, opts.BundleMin, opts.BundleMax) {
			continue
		}
		if err := adapter.SetBundlePosition(b, rebase.CameraToWorld(pos).Mul(scale)); err != nil {
			return nil, errors.Wrapf(err, "writing bundle %d", b)
		}
	}

	if err := keyFocal(adapter, frames); err != nil {
		return nil, err
	}
	keyed, err := adapter.KeyedFrames()
	if err != nil {
		return nil, errors.Wrap(err, "listing keyed frames")
	}
	res.CutKeys = lo.Filter(keyed, func(f scene.FrameID, _ int) bool { return f < first || f > last })
	if len(res.CutKeys) > 0 {
		if err := adapter.CutKeys(res.CutKeys); err != nil {
			return nil, errors.Wrap(err, "cutting keys")
		}
	}
	logger.CDebugw(ctx, "normalized", "origin", origin, "path_size", pathSize, "scale", scale, "cut", len(res.CutKeys))
	return res, nil
}

// keyFocal keys an animated focal length on every frame. A static focal length stays static.
func keyFocal(adapter scene.Adapter, frames []scene.FrameID) error {
	animated, err := adapter.FocalLengthAnimated()
	if err != nil {
		return errors.Wrap(err, "reading focal animation")
	}
	if !animated {
		return nil
	}
	values := make([]float64, len(frames))
	for i, f := range frames {
		in, err := adapter.Intrinsics(f)
		if err != nil {
			return errors.Wrapf(err, "reading intrinsics on frame %d", f)
		}
		values[i] = in.FocalLength
	}
	for i, f := range frames {
		if err := adapter.KeyframeFocalLength(f, values[i]); err != nil {
			return errors.Wrapf(err, "keying focal length on frame %d", f)
		}
	}
	return nil
}

func nearestFrame(sorted []scene.FrameID, target scene.FrameID) scene.FrameID {
	best := sorted[0]
	for _, f := range sorted[1:] {
		if absFrame(f-target) < absFrame(best-target) {
			best = f
		}
	}
	return best
}

func absFrame(f scene.FrameID) scene.FrameID {
	if f < 0 {
		return -f
	}
	return f
}
