// Package scene defines the Adapter through which the solver reads and writes the host scene:
// marker observations, bundle positions, camera poses and intrinsics. No solving happens here.
package scene

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/lens"
	"github.com/camsolve/camsolve/spatialmath"
	"github.com/camsolve/camsolve/utils"
)

type (
	// FrameID is a dense integer frame number.
	FrameID int
	// MarkerID identifies a 2D track.
	MarkerID int
	// BundleID identifies the 3D point of a track.
	BundleID int
)

// Marker is a 2D track and the bundle it reconstructs. Markers reference bundles by id; bundles
// outlive markers.
type Marker struct {
	ID      MarkerID
	Name    string
	SetName string
	Bundle  BundleID
}

// Observation is a marker's state on one frame. Position is in centered normalized image space.
type Observation struct {
	Position r2.Point
	Weight   float64
	Enabled  bool
}

// Usable reports whether the observation takes part in a solve: enabled, positively weighted and
// finite.
func (o Observation) Usable() bool {
	return o.Enabled && o.Weight > 0 && utils.IsFinite(o.Position.X, o.Position.Y)
}

// Locks holds per-axis bundle lock flags.
type Locks [3]bool

// Adapter is the host scene. Implementations must not call back into the solver. Reads may be
// issued from several goroutines at once; writes are issued from one goroutine.
type Adapter interface {
	// Markers lists every marker in a stable order.
	Markers() ([]Marker, error)
	// FrameRange is the first and last frame carrying any marker data.
	FrameRange() (FrameID, FrameID, error)

	Enabled(marker MarkerID, frame FrameID) (bool, error)
	Observation(marker MarkerID, frame FrameID) (Observation, error)

	BundlePosition(bundle BundleID) (r3.Vector, error)
	SetBundlePosition(bundle BundleID, position r3.Vector) error
	BundleLocks(bundle BundleID) (Locks, error)

	// Pose returns the camera-to-world pose on frame. Frames that were never set read as the
	// identity at the origin.
	Pose(frame FrameID) (spatialmath.Pose, error)
	SetPose(frame FrameID, pose spatialmath.Pose) error

	Intrinsics(frame FrameID) (camera.Intrinsics, error)
	// SetFocalLength sets the focal length seen on frame: the key on that frame when the focal
	// length is animated, the static value otherwise.
	SetFocalLength(frame FrameID, value float64) error
	// KeyframeFocalLength keys the focal length on frame, making it animated.
	KeyframeFocalLength(frame FrameID, value float64) error
	FocalLengthAnimated() (bool, error)

	Distortion() (lens.Model, []float64, error)
	SetDistortion(parameters []float64) error

	// KeyedFrames lists the frames carrying pose or focal keys.
	KeyedFrames() ([]FrameID, error)
	// CutKeys removes pose and focal keys on the given frames.
	CutKeys(frames []FrameID) error
}

// Distorter builds the lens evaluator of the adapter's current distortion.
func Distorter(adapter Adapter) (lens.Distorter, error) {
	model, params, err := adapter.Distortion()
	if err != nil {
		return nil, err
	}
	return lens.NewDistorter(model, params)
}

// IsWellSolved reports whether a bundle position is finite, strictly inside (lo, hi) on every
// axis and has no zero coordinate.
func IsWellSolved(p r3.Vector, lo, hi float64) bool {
	for _, c := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(c) || !(c > lo && c < hi) || c == 0 {
			return false
		}
	}
	return true
}

// Unresolved returns the position a rejected bundle is reset to. It is never well solved.
func Unresolved() r3.Vector {
	return r3.Vector{}
}
