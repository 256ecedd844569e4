package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// cvFlip converts between the solver camera frame (looking down -Z, +Y up) and the computer
// vision camera frame (looking down +Z, +Y down).
var cvFlip = RotationMatrix{[9]float64{1, 0, 0, 0, -1, 0, 0, 0, -1}}

// Pose is a camera-to-world rigid transform: a camera-space point pc maps to R·pc + t.
type Pose struct {
	Translation r3.Vector
	Rotation    RotationMatrix
}

// NewPose returns a pose from a translation and rotation.
func NewPose(translation r3.Vector, rotation RotationMatrix) Pose {
	return Pose{Translation: translation, Rotation: rotation}
}

// NewPoseFromEuler returns a pose from a translation and ZXY Euler angles in degrees.
func NewPoseFromEuler(translation r3.Vector, rotation EulerZXY) Pose {
	return Pose{Translation: translation, Rotation: rotation.RotationMatrix()}
}

// NewZeroPose returns the identity pose at the origin, the value unsolved frames read as.
func NewZeroPose() Pose {
	return Pose{Rotation: Identity()}
}

// WorldToCamera maps a world point into camera space: Rᵀ(p − t).
func (p Pose) WorldToCamera(pt r3.Vector) r3.Vector {
	return p.Rotation.TransposeMulVec(pt.Sub(p.Translation))
}

// CameraToWorld maps a camera-space point into world space: R·pc + t.
func (p Pose) CameraToWorld(pc r3.Vector) r3.Vector {
	return p.Rotation.MulVec(pc).Add(p.Translation)
}

// InFront reports whether a world point lies in front of the camera.
func (p Pose) InFront(pt r3.Vector) bool {
	return p.WorldToCamera(pt).Z < 0
}

// ViewDirection returns the world-space unit vector the camera looks along.
func (p Pose) ViewDirection() r3.Vector {
	return p.Rotation.MulVec(r3.Vector{Z: -1})
}

// Compose returns p∘other, the transform that applies other first.
func (p Pose) Compose(other Pose) Pose {
	return Pose{
		Translation: p.Rotation.MulVec(other.Translation).Add(p.Translation),
		Rotation:    p.Rotation.Mul(other.Rotation),
	}
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	rt := p.Rotation.Transpose()
	return Pose{Translation: rt.MulVec(p.Translation).Mul(-1), Rotation: rt}
}

// Euler returns the rotation as ZXY Euler angles in degrees.
func (p Pose) Euler() EulerZXY {
	return EulerFromMatrix(p.Rotation)
}

// CVExtrinsics returns the world-to-camera transform (Rcv, tcv) in the computer vision
// convention, so that the camera-space point is Rcv·p + tcv with depth along +Z.
func (p Pose) CVExtrinsics() (RotationMatrix, r3.Vector) {
	rcv := cvFlip.Mul(p.Rotation.Transpose())
	return rcv, rcv.MulVec(p.Translation).Mul(-1)
}

// PoseFromCVExtrinsics inverts CVExtrinsics.
func PoseFromCVExtrinsics(rcv RotationMatrix, tcv r3.Vector) Pose {
	rotation := rcv.Transpose().Mul(cvFlip)
	return Pose{Translation: rcv.TransposeMulVec(tcv).Mul(-1), Rotation: rotation}
}

// PoseAlmostEqual compares translation and rotation elements within tol.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	return a.Translation.Sub(b.Translation).Norm() <= tol && a.Rotation.AlmostEqual(b.Rotation, tol)
}

func (p Pose) String() string {
	e := p.Euler()
	return fmt.Sprintf("{t: (%.6g, %.6g, %.6g) r: (%.4g, %.4g, %.4g)}",
		p.Translation.X, p.Translation.Y, p.Translation.Z, e.RX, e.RY, e.RZ)
}
