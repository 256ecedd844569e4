package transform

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/leastsq"
	"github.com/camsolve/camsolve/spatialmath"
)

// minPoints is the sample size of the eight point algorithm. Smaller sets down to
// minimalPoints go through essentialFromFewPoints instead.
const minPoints = 8

// TwoViewParams configure relative pose estimation.
type TwoViewParams struct {
	RANSACIterations int
	// Threshold is the largest Sampson error, in focal-plane units, of an inlier.
	Threshold      float64
	MinInlierRatio float64
	Seed           int64
	// MinParallaxDeg is the floor on the median triangulation angle of the inliers.
	MinParallaxDeg   float64
	RefineIterations int
}

// DefaultTwoViewParams returns the default estimation parameters.
func DefaultTwoViewParams() TwoViewParams {
	return TwoViewParams{
		RANSACIterations: 256,
		Threshold:        0.01,
		MinInlierRatio:   0.5,
		Seed:             1,
		MinParallaxDeg:   1.0,
		RefineIterations: 20,
	}
}

// TwoViewResult is the outcome of a relative pose estimation.
type TwoViewResult struct {
	// Pose is the absolute pose of the second camera.
	Pose spatialmath.Pose
	// Points holds world positions of the inliers that passed cheirality, keyed by index.
	Points      map[int]r3.Vector
	Inliers     []bool
	InlierRatio float64
	// ParallaxDeg is the median triangulation angle of the valid points.
	ParallaxDeg float64
	// Scale is the baseline length the unit relative translation was stretched to.
	Scale float64
}

// EstimateTwoView estimates the pose of camera B from focal-plane correspondences with camera A,
// whose absolute pose is known. The essential matrix is fit with the normalized eight point
// algorithm inside RANSAC, or from the cubic essential constraints when only six or seven
// correspondences exist, then decomposed, disambiguated by cheirality and refined on the inliers.
// When known world positions are given for some correspondences the baseline is scaled to
// match them, otherwise it has unit length.
func EstimateTwoView(
	poseA spatialmath.Pose,
	ptsA, ptsB []r2.Point,
	known map[int]r3.Vector,
	params TwoViewParams,
) (*TwoViewResult, error) {
	if len(ptsA) != len(ptsB) {
		return nil, failure.New(failure.InputInvalid, "the 2 sets of points don't have the same number of elements")
	}
	if len(ptsA) < minimalPoints {
		return nil, failure.New(failure.PoseEstimationFailed, "need %d correspondences, have %d", minimalPoints, len(ptsA))
	}
	a := make([]r2.Point, len(ptsA))
	b := make([]r2.Point, len(ptsB))
	for i := range ptsA {
		a[i] = toCV(ptsA[i])
		b[i] = toCV(ptsB[i])
	}

	essMat, inliers := ransacEssential(a, b, params)
	if essMat == nil {
		return nil, failure.New(failure.PoseEstimationFailed, "no essential matrix fits the correspondences")
	}
	nInliers := countTrue(inliers)
	ratio := float64(nInliers) / float64(len(a))
	if ratio < params.MinInlierRatio {
		return nil, failure.New(failure.PoseEstimationFailed, "inlier ratio %.3f below %.3f", ratio, params.MinInlierRatio)
	}

	rot, t, nValid, err := correctCameraPose(essMat, a, b, inliers)
	if err != nil {
		return nil, failure.Wrap(err, failure.PoseEstimationFailed, "decomposing essential matrix")
	}
	if nValid*2 < nInliers {
		return nil, failure.New(failure.PoseEstimationFailed, "cheirality rejects all decompositions")
	}
	if params.RefineIterations > 0 {
		rot, t = refineRelativePose(rot, t, a, b, inliers, params.RefineIterations)
	}

	// triangulate inliers in the first camera's frame with a unit baseline
	rel := cvCamera{R: rot, T: t}
	centerB := rot.TransposeMulVec(t).Mul(-1)
	cams := []cvCamera{{R: spatialmath.Identity()}, rel}
	local := map[int]r3.Vector{}
	var parallax []float64
	for i := range a {
		if !inliers[i] {
			continue
		}
		x, ok := triangulateCV(cams, []r2.Point{a[i], b[i]})
		if !ok || x.Z <= 0 || rel.depth(x) <= 0 {
			continue
		}
		local[i] = x
		parallax = append(parallax, angleDeg(x, x.Sub(centerB)))
	}
	if len(local)*2 < nInliers || len(local) == 0 {
		return nil, failure.New(failure.PoseEstimationFailed, "cheirality rejects all decompositions")
	}
	medianParallax, err := stats.Median(parallax)
	if err != nil {
		return nil, failure.Wrap(err, failure.PoseEstimationFailed, "parallax")
	}
	if medianParallax < params.MinParallaxDeg {
		return nil, failure.New(failure.PoseEstimationFailed,
			"median parallax %.3g degrees below %.3g", medianParallax, params.MinParallaxDeg)
	}

	camA := cvCameraOf(poseA)
	scale := baselineScale(camA, local, known)
	camB := cvCamera{R: rot.Mul(camA.R), T: rot.MulVec(camA.T).Add(t.Mul(scale))}
	result := &TwoViewResult{
		Pose:        spatialmath.PoseFromCVExtrinsics(camB.R, camB.T),
		Points:      make(map[int]r3.Vector, len(local)),
		Inliers:     inliers,
		InlierRatio: ratio,
		ParallaxDeg: medianParallax,
		Scale:       scale,
	}
	for i, x := range local {
		result.Points[i] = camA.R.TransposeMulVec(x.Mul(scale).Sub(camA.T))
	}
	return result, nil
}

// baselineScale is the median ratio of known point distances from camera A to their unit
// baseline reconstructions, or 1 when nothing is known.
func baselineScale(camA cvCamera, local, known map[int]r3.Vector) float64 {
	var ratios []float64
	for i, x := range local {
		k, ok := known[i]
		if !ok || x.Norm() == 0 {
			continue
		}
		ratios = append(ratios, camA.R.MulVec(k).Add(camA.T).Norm()/x.Norm())
	}
	if len(ratios) == 0 {
		return 1
	}
	scale, err := stats.Median(ratios)
	if err != nil || !(scale > 0) || math.IsInf(scale, 0) {
		return 1
	}
	return scale
}

// ransacEssential fits essential matrices to random minimal samples and keeps the one with the
// most Sampson inliers, refit on all of them. Ties go to the lower summed inlier error. Below
// eight correspondences every candidate of the few point solver is scored instead.
func ransacEssential(a, b []r2.Point, params TwoViewParams) (*mat.Dense, []bool) {
	n := len(a)
	var best *mat.Dense
	var bestInliers []bool
	bestCount, bestErr := -1, math.Inf(1)

	consider := func(e *mat.Dense) {
		inliers := sampsonInliers(e, a, b, params.Threshold)
		c := countTrue(inliers)
		var sum float64
		for i, in := range inliers {
			if in {
				sum += math.Abs(sampsonResidual(e, a[i], b[i]))
			}
		}
		if c > bestCount || (c == bestCount && sum < bestErr) {
			best, bestInliers, bestCount, bestErr = e, inliers, c, sum
		}
	}
	try := func(sa, sb []r2.Point) {
		if e, err := essentialFromPoints(sa, sb); err == nil {
			consider(e)
		}
	}

	switch {
	case n < minPoints:
		for _, e := range essentialFromFewPoints(a, b) {
			consider(e)
		}
		return best, bestInliers
	case n == minPoints:
		try(a, b)
	default:
		rng := rand.New(rand.NewSource(params.Seed)) //nolint:gosec
		sa := make([]r2.Point, minPoints)
		sb := make([]r2.Point, minPoints)
		for iter := 0; iter < max(params.RANSACIterations, 1); iter++ {
			for j, idx := range rng.Perm(n)[:minPoints] {
				sa[j], sb[j] = a[idx], b[idx]
			}
			try(sa, sb)
		}
	}
	if best == nil || bestCount < minPoints {
		return best, bestInliers
	}

	var ia, ib []r2.Point
	for i, in := range bestInliers {
		if in {
			ia = append(ia, a[i])
			ib = append(ib, b[i])
		}
	}
	try(ia, ib)
	return best, bestInliers
}

// essentialFromPoints fits an essential matrix with the normalized eight point algorithm and
// projects it onto the essential manifold (singular values 1, 1, 0).
func essentialFromPoints(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) < minPoints {
		return nil, errors.New("sets of points must have at least 8 elements")
	}
	points1, t1 := normalizePoints(pts1)
	points2, t2 := normalizePoints(pts2)

	m := mat.NewDense(max(len(points1), 9), 9, nil)
	for i := range points1 {
		v1, v2 := points1[i], points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}
	f, ok := nullVector(m)
	if !ok {
		return nil, errors.New("failed to factorize point matrix")
	}
	fMat := mat.NewDense(3, 3, f)

	// undo the normalization: T2ᵀ·F·T1
	var denorm mat.Dense
	denorm.Mul(t2.T(), fMat)
	denorm.Mul(&denorm, t1)

	return projectEssential(&denorm)
}

// projectEssential returns the closest matrix with singular values 1, 1, 0.
func projectEssential(m mat.Matrix) (*mat.Dense, error) {
	mats := performSVD(m)
	if mats == nil {
		return nil, errors.New("failed to factorize fundamental matrix")
	}
	s := eye(3)
	s.Set(2, 2, 0)
	var essMat mat.Dense
	essMat.Mul(mats.U, s)
	essMat.Mul(&essMat, mats.VT)
	return &essMat, nil
}

// DecomposeEssentialMatrix decomposes the essential matrix into 2 possible 3D rotations and a
// unit translation.
func DecomposeEssentialMatrix(essMat *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	mats := performSVD(essMat)
	if mats == nil {
		return nil, nil, r3.Vector{}, errors.New("failed to factorize essential matrix")
	}
	// check determinant sign of U and V
	if mat.Det(mats.U) < 0 {
		mats.U.Scale(-1, mats.U)
	}
	if mat.Det(mats.VT) < 0 {
		mats.VT.Scale(-1, mats.VT)
	}
	w := mat.NewDense(3, 3, []float64{0, 1, 0, -1, 0, 0, 0, 0, 1})
	var rotA, rotB mat.Dense
	// U·W·Vᵀ
	rotA.Mul(mats.U, w)
	rotA.Mul(&rotA, mats.VT)
	// U·Wᵀ·Vᵀ
	rotB.Mul(mats.U, w.T())
	rotB.Mul(&rotB, mats.VT)
	u3 := mats.U.ColView(2)
	return &rotA, &rotB, r3.Vector{X: u3.AtVec(0), Y: u3.AtVec(1), Z: u3.AtVec(2)}, nil
}

// correctCameraPose returns the decomposition with the most inliers in front of both cameras.
func correctCameraPose(essMat *mat.Dense, a, b []r2.Point, inliers []bool) (spatialmath.RotationMatrix, r3.Vector, int, error) {
	rotA, rotB, t, err := DecomposeEssentialMatrix(essMat)
	if err != nil {
		return spatialmath.RotationMatrix{}, r3.Vector{}, 0, err
	}
	candidates := []cvCamera{
		{spatialmath.RotationMatrixFromDense(rotA), t},
		{spatialmath.RotationMatrixFromDense(rotA), t.Mul(-1)},
		{spatialmath.RotationMatrixFromDense(rotB), t},
		{spatialmath.RotationMatrixFromDense(rotB), t.Mul(-1)},
	}
	best, bestCount := candidates[0], -1
	for _, cand := range candidates {
		cams := []cvCamera{{R: spatialmath.Identity()}, cand}
		count := 0
		for i := range a {
			if !inliers[i] {
				continue
			}
			if x, ok := triangulateCV(cams, []r2.Point{a[i], b[i]}); ok && x.Z > 0 && cand.depth(x) > 0 {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = cand, count
		}
	}
	return best.R, best.T, bestCount, nil
}

// refineRelativePose minimizes the Sampson error of the inliers over a rotation increment and
// the translation direction.
func refineRelativePose(
	rot spatialmath.RotationMatrix, t r3.Vector, a, b []r2.Point, inliers []bool, iterations int,
) (spatialmath.RotationMatrix, r3.Vector) {
	var idx []int
	for i, in := range inliers {
		if in {
			idx = append(idx, i)
		}
	}
	unpack := func(x []float64) (spatialmath.RotationMatrix, r3.Vector) {
		dr := spatialmath.RotationVectorToMatrix(r3.Vector{X: x[0], Y: x[1], Z: x[2]})
		return dr.Mul(rot), r3.Vector{X: x[3], Y: x[4], Z: x[5]}.Normalize()
	}
	problem := &leastsq.FuncProblem{
		Params:   6,
		NumResid: len(idx),
		ResidualFunc: func(x, out []float64) error {
			r, dir := unpack(x)
			e := essential(r, dir)
			for k, i := range idx {
				out[k] = sampsonResidual(e, a[i], b[i])
			}
			return nil
		},
	}
	solver, err := leastsq.NewSolver(leastsq.V2, leastsq.LevMar, nil)
	if err != nil {
		return rot, t
	}
	res, err := solver.Solve(problem, []float64{0, 0, 0, t.X, t.Y, t.Z}, leastsq.Settings{MaxIterations: iterations})
	if err != nil || !res.Success {
		return rot, t
	}
	return unpack(res.X)
}

// essential returns [t]ₓ·R.
func essential(r spatialmath.RotationMatrix, t r3.Vector) *mat.Dense {
	var e mat.Dense
	e.Mul(skew(t), r.Dense())
	return &e
}

// sampsonResidual is the signed first order geometric error of a correspondence.
func sampsonResidual(e mat.Matrix, a, b r2.Point) float64 {
	ha := r3.Vector{X: a.X, Y: a.Y, Z: 1}
	hb := r3.Vector{X: b.X, Y: b.Y, Z: 1}
	ea := mulVec(e, ha)
	etb := mulVec(e.T(), hb)
	den := ea.X*ea.X + ea.Y*ea.Y + etb.X*etb.X + etb.Y*etb.Y
	if den < 1e-300 {
		return 0
	}
	return hb.Dot(ea) / math.Sqrt(den)
}

func sampsonInliers(e mat.Matrix, a, b []r2.Point, threshold float64) []bool {
	out := make([]bool, len(a))
	for i := range a {
		out[i] = math.Abs(sampsonResidual(e, a[i], b[i])) <= threshold
	}
	return out
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
