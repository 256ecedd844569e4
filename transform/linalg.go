// Package transform estimates camera poses and 3D points from image correspondences: relative
// pose between two views, absolute pose from known points, and multi-view triangulation.
//
// Image points handed to this package are undistorted focal-plane coordinates (xn, yn) in the
// solver convention, where the camera looks down -Z with +Y up. Internally the linear algorithms
// work in the computer vision convention (depth along +Z, +Y down).
package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/camsolve/camsolve/utils"
)

// toCV converts a solver focal-plane point to the computer vision convention.
func toCV(p r2.Point) r2.Point {
	return r2.Point{X: p.X, Y: -p.Y}
}

// normalizePoints normalizes points as described in Multiple View Geometry, Alg 11.1.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	// centroid of points
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	// mean distance to the centroid
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	scale := math.Sqrt(2) / math.Max(d, 1e-12)
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	transformed := make([]r2.Point, nPoints)
	for i, pt := range pts {
		transformed[i] = pt.Sub(mu).Mul(scale)
	}
	return transformed, t
}

// eye creates an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
}

// performSVD performs a full SVD of m. It returns nil when the factorization fails.
func performSVD(m mat.Matrix) *matsSVD {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil
	}
	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())
	values := svd.Values(nil)
	r, c := m.Dims()
	sigma.ReuseAs(min(r, c), min(r, c))
	for i, s := range values {
		sigma.Set(i, i, s)
	}
	return &matsSVD{u, v, vt, sigma}
}

// nullVector returns the right singular vector of the smallest singular value of m.
func nullVector(m mat.Matrix) ([]float64, bool) {
	mats := performSVD(m)
	if mats == nil {
		return nil, false
	}
	_, c := m.Dims()
	out := make([]float64, c)
	for i := range out {
		out[i] = mats.V.At(i, c-1)
	}
	return out, true
}

// skew returns the cross product matrix [p]ₓ.
func skew(p r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -p.Z, p.Y,
		p.Z, 0, -p.X,
		-p.Y, p.X, 0,
	})
}

func mulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func finiteVector(v r3.Vector) bool {
	return utils.IsFinite(v.X, v.Y, v.Z)
}

// angleDeg returns the angle between two vectors in degrees.
func angleDeg(a, b r3.Vector) float64 {
	return float64(a.Angle(b).Degrees())
}
