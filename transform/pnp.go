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

// minDLTPoints is the smallest correspondence count for a linear pose estimate.
const minDLTPoints = 6

// PnPParams configure absolute pose estimation.
type PnPParams struct {
	// MaxError is the largest accepted RMS reprojection error in focal-plane units.
	MaxError         float64
	RefineIterations int
}

// DefaultPnPParams returns the default estimation parameters.
func DefaultPnPParams() PnPParams {
	return PnPParams{MaxError: 0.01, RefineIterations: 50}
}

// PnPResult is an estimated absolute pose with its residual error.
type PnPResult struct {
	Pose     spatialmath.Pose
	RMSError float64
}

// EstimatePnP estimates a camera pose from known world points and their focal-plane
// observations. With six or more points a DLT estimate seeds the refinement; an initial pose,
// when given, seeds a second refinement and the better of the two is kept. Fewer than three
// points, no usable seed, points behind the camera or an RMS error above MaxError fail with
// PnPFailed.
func EstimatePnP(points []r3.Vector, obs []r2.Point, initial *spatialmath.Pose, params PnPParams) (*PnPResult, error) {
	if len(points) != len(obs) {
		return nil, failure.New(failure.InputInvalid, "%d points but %d observations", len(points), len(obs))
	}
	if len(points) < 3 {
		return nil, failure.New(failure.PnPFailed, "need 3 known points, have %d", len(points))
	}
	cvObs := make([]r2.Point, len(obs))
	for i, o := range obs {
		cvObs[i] = toCV(o)
	}

	var seeds []cvCamera
	if len(points) >= minDLTPoints {
		if cam, ok := poseDLT(points, cvObs); ok {
			seeds = append(seeds, cam)
		}
	}
	if initial != nil {
		seeds = append(seeds, cvCameraOf(*initial))
	}
	if len(seeds) == 0 {
		return nil, failure.New(failure.PnPFailed, "no initial pose for %d points", len(points))
	}

	var best *PnPResult
	for _, seed := range seeds {
		cam := refineCamera(seed, points, cvObs, params.RefineIterations)
		if !allInFront(cam, points) {
			continue
		}
		rms := reprojectionRMS(cam, points, cvObs)
		if best == nil || rms < best.RMSError {
			best = &PnPResult{Pose: spatialmath.PoseFromCVExtrinsics(cam.R, cam.T), RMSError: rms}
		}
	}
	if best == nil {
		return nil, failure.New(failure.PnPFailed, "known points behind the camera")
	}
	if !(best.RMSError <= params.MaxError) {
		return nil, failure.New(failure.PnPFailed, "reprojection error %.4g exceeds %.4g", best.RMSError, params.MaxError)
	}
	return best, nil
}

// poseDLT solves the 3x4 projection matrix linearly from normalized points and extracts the
// closest rigid transform.
func poseDLT(points []r3.Vector, obs []r2.Point) (cvCamera, bool) {
	n := len(points)
	normObs, t2 := normalizePoints(obs)

	var centroid r3.Vector
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(n))
	var spread float64
	for _, p := range points {
		spread += p.Sub(centroid).Norm() / float64(n)
	}
	if spread < 1e-12 {
		return cvCamera{}, false
	}
	s3 := math.Sqrt(3) / spread

	a := mat.NewDense(max(2*n, 12), 12, nil)
	for i, p := range points {
		q := p.Sub(centroid).Mul(s3)
		x, y := normObs[i].X, normObs[i].Y
		a.SetRow(2*i, []float64{q.X, q.Y, q.Z, 1, 0, 0, 0, 0, -x * q.X, -x * q.Y, -x * q.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, q.X, q.Y, q.Z, 1, -y * q.X, -y * q.Y, -y * q.Z, -y})
	}
	h, ok := nullVector(a)
	if !ok {
		return cvCamera{}, false
	}
	pn := mat.NewDense(3, 4, h)

	// P = T2⁻¹·Pn·T3
	var t2Inv mat.Dense
	if err := t2Inv.Inverse(t2); err != nil {
		return cvCamera{}, false
	}
	t3 := mat.NewDense(4, 4, []float64{
		s3, 0, 0, -s3 * centroid.X,
		0, s3, 0, -s3 * centroid.Y,
		0, 0, s3, -s3 * centroid.Z,
		0, 0, 0, 1,
	})
	var p mat.Dense
	p.Mul(&t2Inv, pn)
	p.Mul(&p, t3)

	m := p.Slice(0, 3, 0, 3)
	det := mat.Det(m)
	if math.Abs(det) < 1e-300 {
		return cvCamera{}, false
	}
	lambda := math.Cbrt(det)
	var scaled mat.Dense
	scaled.Scale(1/lambda, m)
	r, err := spatialmath.Orthonormalize(&scaled)
	if err != nil {
		return cvCamera{}, false
	}
	cam := cvCamera{R: r, T: r3.Vector{X: p.At(0, 3) / lambda, Y: p.At(1, 3) / lambda, Z: p.At(2, 3) / lambda}}
	return cam, finiteVector(cam.T)
}

// refineCamera minimizes reprojection error over a rotation increment and the translation.
func refineCamera(seed cvCamera, points []r3.Vector, obs []r2.Point, iterations int) cvCamera {
	unpack := func(x []float64) cvCamera {
		dr := spatialmath.RotationVectorToMatrix(r3.Vector{X: x[0], Y: x[1], Z: x[2]})
		return cvCamera{R: dr.Mul(seed.R), T: r3.Vector{X: x[3], Y: x[4], Z: x[5]}}
	}
	problem := &leastsq.FuncProblem{
		Params:   6,
		NumResid: 2 * len(points),
		ResidualFunc: func(x, out []float64) error {
			cam := unpack(x)
			for i, p := range points {
				pc := cam.R.MulVec(p).Add(cam.T)
				depth := math.Max(pc.Z, 1e-9)
				out[2*i] = obs[i].X - pc.X/depth
				out[2*i+1] = obs[i].Y - pc.Y/depth
			}
			return nil
		},
	}
	if iterations <= 0 {
		return seed
	}
	solver, err := leastsq.NewSolver(leastsq.V2, leastsq.LevMar, nil)
	if err != nil {
		return seed
	}
	res, err := solver.Solve(problem, []float64{0, 0, 0, seed.T.X, seed.T.Y, seed.T.Z}, leastsq.Settings{MaxIterations: iterations})
	if err != nil || !res.Success {
		return seed
	}
	return unpack(res.X)
}

func allInFront(cam cvCamera, points []r3.Vector) bool {
	for _, p := range points {
		if cam.depth(p) <= 0 {
			return false
		}
	}
	return true
}

func reprojectionRMS(cam cvCamera, points []r3.Vector, obs []r2.Point) float64 {
	var sum float64
	for i, p := range points {
		pc := cam.R.MulVec(p).Add(cam.T)
		d := r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}.Sub(obs[i])
		sum += d.Dot(d)
	}
	return math.Sqrt(sum / float64(len(points)))
}
