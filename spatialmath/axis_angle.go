package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// R4AA represents an R4 axis angle: a unit axis and a rotation theta (radians) around it.
type R4AA struct {
	Theta float64 `json:"th"`
	RX    float64 `json:"x"`
	RY    float64 `json:"y"`
	RZ    float64 `json:"z"`
}

// NewR4AA creates an identity R4AA.
func NewR4AA() *R4AA {
	return &R4AA{Theta: 0, RX: 0, RY: 0, RZ: 1}
}

// ToR3 converts an R4 angle axis to a rotation vector whose norm is the angle.
func (r4 *R4AA) ToR3() r3.Vector {
	return r3.Vector{X: r4.RX * r4.Theta, Y: r4.RY * r4.Theta, Z: r4.RZ * r4.Theta}
}

// RotationMatrix returns the rotation via Rodrigues' formula.
func (r4 *R4AA) RotationMatrix() RotationMatrix {
	return RotationVectorToMatrix(r4.ToR3())
}

// R3ToR4 converts a rotation vector to R4.
func R3ToR4(aa r3.Vector) *R4AA {
	theta := aa.Norm()
	if theta == 0 {
		return NewR4AA()
	}
	return &R4AA{theta, aa.X / theta, aa.Y / theta, aa.Z / theta}
}

// RotationVectorToMatrix maps a rotation vector (axis scaled by angle in radians) to a matrix.
func RotationVectorToMatrix(w r3.Vector) RotationMatrix {
	theta := w.Norm()
	kx, ky, kz := w.X, w.Y, w.Z
	var a, b float64
	if theta < 1e-8 {
		// second order expansion keeps the derivative right around zero
		a = 1 - theta*theta/6
		b = 0.5 - theta*theta/24
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / (theta * theta)
	}
	// R = I + a·[w]x + b·[w]x²
	return RotationMatrix{[9]float64{
		1 - b*(ky*ky+kz*kz), -a*kz + b*kx*ky, a*ky + b*kx*kz,
		a*kz + b*kx*ky, 1 - b*(kx*kx+kz*kz), -a*kx + b*ky*kz,
		-a*ky + b*kx*kz, a*kx + b*ky*kz, 1 - b*(kx*kx+ky*ky),
	}}
}

// MatrixToRotationVector is the inverse of RotationVectorToMatrix. The angle of the result is
// in [0, π].
func MatrixToRotationVector(rm RotationMatrix) r3.Vector {
	q := rm.Quaternion()
	if q.Real < 0 {
		q.Real, q.Imag, q.Jmag, q.Kmag = -q.Real, -q.Imag, -q.Jmag, -q.Kmag
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := v.Norm()
	if s < 1e-12 {
		return v.Mul(2)
	}
	theta := 2 * math.Atan2(s, q.Real)
	return v.Mul(theta / s)
}
