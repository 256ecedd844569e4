package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/camsolve/camsolve/lens"
	"github.com/camsolve/camsolve/spatialmath"
)

// minDepth keeps projections of points on the camera plane finite.
const minDepth = 1e-12

// Projector maps a world point into normalized image space for a camera with the given
// intrinsics, distortion and pose. ok is false when the point is not in front of the camera.
// A nil distortion means an ideal lens.
type Projector interface {
	Project(point r3.Vector, intrinsics Intrinsics, distortion lens.Distorter, pose spatialmath.Pose) (uv r2.Point, ok bool)
}

// DerivativeProjector is a Projector that also reports ∂(u,v)/∂pc, the derivative of the image
// point with respect to the camera-space point.
type DerivativeProjector interface {
	Projector
	ProjectCameraPoint(pc r3.Vector, intrinsics Intrinsics, distortion lens.Distorter) (uv r2.Point, d [2][3]float64, ok bool)
}

// PinholeProjector is the default projector: a pinhole camera looking down -Z followed by the
// lens distortion in focal-plane coordinates.
type PinholeProjector struct{}

// NewPinholeProjector returns the default projector.
func NewPinholeProjector() PinholeProjector {
	return PinholeProjector{}
}

// Project implements Projector.
func (PinholeProjector) Project(
	point r3.Vector, intrinsics Intrinsics, distortion lens.Distorter, pose spatialmath.Pose,
) (r2.Point, bool) {
	return ProjectCamera(pose.WorldToCamera(point), intrinsics, distortion)
}

// ProjectCameraPoint implements DerivativeProjector. The distortion's 2x2 Jacobian is taken by
// forward differences since evaluators are black boxes.
func (PinholeProjector) ProjectCameraPoint(
	pc r3.Vector, intrinsics Intrinsics, distortion lens.Distorter,
) (r2.Point, [2][3]float64, bool) {
	var d [2][3]float64
	depth := -pc.Z
	if depth < minDepth {
		return r2.Point{}, d, false
	}
	xn, yn := pc.X/depth, pc.Y/depth
	xd, yd := xn, yn
	jd := [2][2]float64{{1, 0}, {0, 1}}
	if distortion != nil {
		xd, yd = distortion.Distort(xn, yn)
		const h = 1e-7
		x1, y1 := distortion.Distort(xn+h, yn)
		x2, y2 := distortion.Distort(xn, yn+h)
		jd = [2][2]float64{{(x1 - xd) / h, (x2 - xd) / h}, {(y1 - yd) / h, (y2 - yd) / h}}
	}
	u, v := intrinsics.FocalToImage(xd, yd)

	// ∂(xn,yn)/∂pc with xn = X/(-Z), yn = Y/(-Z)
	dn := [2][3]float64{
		{1 / depth, 0, pc.X / (depth * depth)},
		{0, 1 / depth, pc.Y / (depth * depth)},
	}
	fx, fy := intrinsics.FocalX(), intrinsics.FocalY()
	for c := 0; c < 3; c++ {
		dxd := jd[0][0]*dn[0][c] + jd[0][1]*dn[1][c]
		dyd := jd[1][0]*dn[0][c] + jd[1][1]*dn[1][c]
		d[0][c] = fx * dxd
		d[1][c] = fy * dyd
	}
	return r2.Point{X: u, Y: v}, d, true
}

// ProjectCamera projects a camera-space point.
func ProjectCamera(pc r3.Vector, intrinsics Intrinsics, distortion lens.Distorter) (r2.Point, bool) {
	depth := -pc.Z
	if depth < minDepth {
		return r2.Point{}, false
	}
	xd, yd := pc.X/depth, pc.Y/depth
	if distortion != nil {
		xd, yd = distortion.Distort(xd, yd)
	}
	u, v := intrinsics.FocalToImage(xd, yd)
	return r2.Point{X: u, Y: v}, true
}

// Unproject returns the undistorted focal-plane coordinates (xn, yn) of an image point. The
// camera-space ray through it is (xn, yn, -1).
func Unproject(uv r2.Point, intrinsics Intrinsics, distortion lens.Distorter) r2.Point {
	xd, yd := intrinsics.ImageToFocal(uv.X, uv.Y)
	if distortion != nil {
		xd, yd = distortion.Undistort(xd, yd)
	}
	return r2.Point{X: xd, Y: yd}
}

// Ray returns the unit world-space direction of the ray through an image point.
func Ray(uv r2.Point, intrinsics Intrinsics, distortion lens.Distorter, pose spatialmath.Pose) r3.Vector {
	n := Unproject(uv, intrinsics, distortion)
	return pose.Rotation.MulVec(r3.Vector{X: n.X, Y: n.Y, Z: -1}).Normalize()
}
