package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/leastsq"
	"github.com/camsolve/camsolve/spatialmath"
)

// View is one observation of a point by a solved camera.
type View struct {
	Pose spatialmath.Pose
	// Point is the undistorted focal-plane observation.
	Point  r2.Point
	Weight float64
}

// TriangulationParams bound the acceptance of a triangulated point.
type TriangulationParams struct {
	// DirectionToleranceDeg rejects points whose observing rays all lie within this angle.
	DirectionToleranceDeg float64
	BundleMin             float64
	BundleMax             float64
	RefineIterations      int
}

// DefaultTriangulationParams returns the default acceptance bounds.
func DefaultTriangulationParams() TriangulationParams {
	return TriangulationParams{
		DirectionToleranceDeg: 1.0,
		BundleMin:             -1e5,
		BundleMax:             1e5,
		RefineIterations:      10,
	}
}

// cvCamera is a world-to-camera transform in the computer vision convention.
type cvCamera struct {
	R spatialmath.RotationMatrix
	T r3.Vector
}

func cvCameraOf(p spatialmath.Pose) cvCamera {
	r, t := p.CVExtrinsics()
	return cvCamera{R: r, T: t}
}

func (c cvCamera) depth(p r3.Vector) float64 {
	return c.R.MulVec(p).Add(c.T).Z
}

// triangulateCV solves the homogeneous DLT system built from x·P₃ − P₁ and y·P₃ − P₂ for every
// camera, with image points in the computer vision convention.
func triangulateCV(cams []cvCamera, pts []r2.Point) (r3.Vector, bool) {
	a := mat.NewDense(2*len(cams), 4, nil)
	for i, cam := range cams {
		p1, p2, p3 := cam.R.Row(0), cam.R.Row(1), cam.R.Row(2)
		x, y := pts[i].X, pts[i].Y
		a.SetRow(2*i, []float64{x*p3.X - p1.X, x*p3.Y - p1.Y, x*p3.Z - p1.Z, x*cam.T.Z - cam.T.X})
		a.SetRow(2*i+1, []float64{y*p3.X - p2.X, y*p3.Y - p2.Y, y*p3.Z - p2.Z, y*cam.T.Z - cam.T.Y})
	}
	h, ok := nullVector(a)
	if !ok || math.Abs(h[3]) < 1e-12 {
		return r3.Vector{}, false
	}
	out := r3.Vector{X: h[0] / h[3], Y: h[1] / h[3], Z: h[2] / h[3]}
	return out, finiteVector(out)
}

// MaxRayAngle returns the largest angle in degrees between the world-space rays of the views.
func MaxRayAngle(views []View) float64 {
	rays := make([]r3.Vector, len(views))
	for i, v := range views {
		rays[i] = v.Pose.Rotation.MulVec(r3.Vector{X: v.Point.X, Y: v.Point.Y, Z: -1})
	}
	var largest float64
	for i := range rays {
		for j := i + 1; j < len(rays); j++ {
			largest = math.Max(largest, angleDeg(rays[i], rays[j]))
		}
	}
	return largest
}

// Triangulate returns the world position of a point seen in two or more views: a linear DLT
// estimate refined by weighted reprojection error. The point is rejected with
// TriangulationRejected when the rays are nearly parallel, when it lies behind any of the cameras
// or when a coordinate leaves the bundle bounds.
func Triangulate(views []View, params TriangulationParams) (r3.Vector, error) {
	if len(views) < 2 {
		return r3.Vector{}, failure.New(failure.TriangulationRejected, "need two views, have %d", len(views))
	}
	if angle := MaxRayAngle(views); angle < params.DirectionToleranceDeg {
		return r3.Vector{}, failure.New(failure.TriangulationRejected,
			"observing rays within %.3g degrees of each other", angle)
	}

	cams := make([]cvCamera, len(views))
	pts := make([]r2.Point, len(views))
	for i, v := range views {
		cams[i] = cvCameraOf(v.Pose)
		pts[i] = toCV(v.Point)
	}
	point, ok := triangulateCV(cams, pts)
	if !ok {
		return r3.Vector{}, failure.New(failure.TriangulationRejected, "point at infinity")
	}
	if params.RefineIterations > 0 {
		point = refinePoint(views, point, params.RefineIterations)
	}

	for _, v := range views {
		if !v.Pose.InFront(point) {
			return r3.Vector{}, failure.New(failure.TriangulationRejected, "point %v behind camera", point)
		}
	}
	for _, c := range []float64{point.X, point.Y, point.Z} {
		if !(c > params.BundleMin && c < params.BundleMax) {
			return r3.Vector{}, failure.New(failure.TriangulationRejected, "point %v out of bounds", point)
		}
	}
	return point, nil
}

// refinePoint minimizes the weighted focal-plane reprojection error of a point. The input is
// returned when the refinement does not improve it.
func refinePoint(views []View, start r3.Vector, iterations int) r3.Vector {
	problem := &leastsq.FuncProblem{
		Params:   3,
		NumResid: 2 * len(views),
		ResidualFunc: func(x, out []float64) error {
			p := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
			for i, v := range views {
				pc := v.Pose.WorldToCamera(p)
				depth := math.Max(-pc.Z, 1e-9)
				w := v.Weight
				if w <= 0 {
					w = 1
				}
				out[2*i] = w * (v.Point.X - pc.X/depth)
				out[2*i+1] = w * (v.Point.Y - pc.Y/depth)
			}
			return nil
		},
	}
	solver, err := leastsq.NewSolver(leastsq.V2, leastsq.LevMar, nil)
	if err != nil {
		return start
	}
	res, err := solver.Solve(problem, []float64{start.X, start.Y, start.Z}, leastsq.Settings{MaxIterations: iterations})
	if err != nil || !res.Success {
		return start
	}
	return r3.Vector{X: res.X[0], Y: res.X[1], Z: res.X[2]}
}
