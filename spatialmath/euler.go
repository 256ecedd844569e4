package spatialmath

import (
	"math"

	"github.com/camsolve/camsolve/utils"
)

// gimbalEpsilon is how close |sin(rx)| may get to 1 before rz is pinned to zero.
const gimbalEpsilon = 1e-9

// EulerZXY holds rotation angles in degrees for the ZXY rotation order: the Z rotation is
// applied first, then X, then Y, so R = Ry·Rx·Rz.
type EulerZXY struct {
	RX float64 `json:"rx"`
	RY float64 `json:"ry"`
	RZ float64 `json:"rz"`
}

// RotationMatrix returns Ry(ry)·Rx(rx)·Rz(rz).
func (e EulerZXY) RotationMatrix() RotationMatrix {
	sx, cx := math.Sincos(utils.DegToRad(e.RX))
	sy, cy := math.Sincos(utils.DegToRad(e.RY))
	sz, cz := math.Sincos(utils.DegToRad(e.RZ))
	return RotationMatrix{[9]float64{
		cy*cz + sy*sx*sz, -cy*sz + sy*sx*cz, sy * cx,
		cx * sz, cx * cz, -sx,
		-sy*cz + cy*sx*sz, sy*sz + cy*sx*cz, cy * cx,
	}}
}

// Alternate returns the other Euler triplet that describes the same rotation.
func (e EulerZXY) Alternate() EulerZXY {
	return EulerZXY{RX: 180 - e.RX, RY: e.RY + 180, RZ: e.RZ + 180}
}

// Wrapped returns e with every component brought into (-180, 180].
func (e EulerZXY) Wrapped() EulerZXY {
	return EulerZXY{RX: wrapDeg(e.RX), RY: wrapDeg(e.RY), RZ: wrapDeg(e.RZ)}
}

// Near returns the equivalent of e (same rotation) whose components are each within 180° of
// prev. Both triplet solutions are tried and the one with the smallest total change wins.
func (e EulerZXY) Near(prev EulerZXY) EulerZXY {
	a := e.nearComponents(prev)
	b := e.Alternate().nearComponents(prev)
	if b.distance(prev) < a.distance(prev) {
		return b
	}
	return a
}

func (e EulerZXY) nearComponents(prev EulerZXY) EulerZXY {
	return EulerZXY{
		RX: nearestAngle(e.RX, prev.RX),
		RY: nearestAngle(e.RY, prev.RY),
		RZ: nearestAngle(e.RZ, prev.RZ),
	}
}

func (e EulerZXY) distance(other EulerZXY) float64 {
	return math.Abs(e.RX-other.RX) + math.Abs(e.RY-other.RY) + math.Abs(e.RZ-other.RZ)
}

// EulerFromMatrix decomposes a rotation into ZXY Euler angles with rx in [-90, 90].
func EulerFromMatrix(rm RotationMatrix) EulerZXY {
	sx := -rm.At(1, 2)
	sx = math.Max(-1, math.Min(1, sx))
	rx := math.Asin(sx)
	var ry, rz float64
	if math.Abs(sx) < 1-gimbalEpsilon {
		ry = math.Atan2(rm.At(0, 2), rm.At(2, 2))
		rz = math.Atan2(rm.At(1, 0), rm.At(1, 1))
	} else {
		// gimbal lock: only ry ± rz is observable, so rz is pinned to zero
		ry = math.Atan2(-rm.At(2, 0), rm.At(0, 0))
		rz = 0
	}
	return EulerZXY{RX: utils.RadToDeg(rx), RY: utils.RadToDeg(ry), RZ: utils.RadToDeg(rz)}
}

// EulerFromMatrixNear decomposes a rotation and picks the solution closest to prev.
func EulerFromMatrixNear(rm RotationMatrix, prev EulerZXY) EulerZXY {
	return EulerFromMatrix(rm).Near(prev)
}

// FilterEuler rewrites a rotation curve so that consecutive samples never jump by more than
// 180° in any component. The rotations themselves are unchanged.
func FilterEuler(curve []EulerZXY) []EulerZXY {
	out := make([]EulerZXY, len(curve))
	for i, e := range curve {
		if i == 0 {
			out[i] = e
			continue
		}
		out[i] = e.Near(out[i-1])
	}
	return out
}

func nearestAngle(angle, target float64) float64 {
	return angle + 360*math.Round((target-angle)/360)
}

func wrapDeg(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle <= -180 {
		angle += 360
	} else if angle > 180 {
		angle -= 360
	}
	return angle
}
