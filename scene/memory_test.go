package scene

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/lens"
	"github.com/camsolve/camsolve/spatialmath"
)

var testIntrinsics = camera.Intrinsics{FocalLength: 35, FilmBackWidth: 36, FilmBackHeight: 24}

func TestMemoryObservations(t *testing.T) {
	m := NewMemory(testIntrinsics)
	a := m.AddMarker("a", "set")
	b := m.AddMarker("b", "")
	test.That(t, m.SetObservation(a, 3, r2.Point{X: 0.1, Y: 0.2}, 1), test.ShouldBeNil)
	test.That(t, m.SetObservation(a, 4, r2.Point{X: 0.1, Y: 0.2}, 0), test.ShouldBeNil)
	test.That(t, m.SetObservation(b, 9, r2.Point{X: -0.3, Y: 0}, 1), test.ShouldBeNil)
	test.That(t, m.DisableObservation(b, 9), test.ShouldBeNil)
	test.That(t, m.SetObservation(42, 1, r2.Point{}, 1), test.ShouldNotBeNil)

	markers, err := m.Markers()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, markers, test.ShouldHaveLength, 2)
	test.That(t, markers[0].Name, test.ShouldEqual, "a")
	test.That(t, markers[0].SetName, test.ShouldEqual, "set")

	first, last, err := m.FrameRange()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first, test.ShouldEqual, FrameID(3))
	test.That(t, last, test.ShouldEqual, FrameID(9))

	enabled, err := m.Enabled(a, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, enabled, test.ShouldBeTrue)
	// outside the marker's data the enable curve reads false
	enabled, err = m.Enabled(a, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, enabled, test.ShouldBeFalse)

	obs, err := m.Observation(a, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Usable(), test.ShouldBeFalse)
	obs, err = m.Observation(b, 9)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Enabled, test.ShouldBeFalse)
	test.That(t, obs.Position.X, test.ShouldEqual, -0.3)

	_, _, err = NewMemory(testIntrinsics).FrameRange()
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMemoryPosesAndKeys(t *testing.T) {
	m := NewMemory(testIntrinsics)
	pose, err := m.Pose(5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(pose, spatialmath.NewZeroPose(), 0), test.ShouldBeTrue)

	solved := spatialmath.NewPoseFromEuler(r3.Vector{X: 1}, spatialmath.EulerZXY{RY: 30})
	test.That(t, m.SetPose(5, solved), test.ShouldBeNil)
	test.That(t, m.SetPose(8, solved), test.ShouldBeNil)
	pose, err = m.Pose(5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(pose, solved, 0), test.ShouldBeTrue)

	test.That(t, m.SetFocalLength(5, 50), test.ShouldBeNil)
	animated, err := m.FocalLengthAnimated()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, animated, test.ShouldBeFalse)
	in, err := m.Intrinsics(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.FocalLength, test.ShouldEqual, 50.0)

	test.That(t, m.KeyframeFocalLength(6, 40), test.ShouldBeNil)
	test.That(t, m.KeyframeFocalLength(10, 60), test.ShouldBeNil)
	in, err = m.Intrinsics(7)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.FocalLength, test.ShouldEqual, 40.0)
	in, err = m.Intrinsics(8)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.FocalLength, test.ShouldEqual, 40.0)
	in, err = m.Intrinsics(9)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.FocalLength, test.ShouldEqual, 60.0)
	test.That(t, m.SetFocalLength(9, 55), test.ShouldBeNil)
	test.That(t, m.SetFocalLength(9, -1), test.ShouldNotBeNil)

	frames, err := m.KeyedFrames()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frames, test.ShouldResemble, []FrameID{5, 6, 8, 9, 10})

	test.That(t, m.CutKeys([]FrameID{5, 10}), test.ShouldBeNil)
	frames, err = m.KeyedFrames()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frames, test.ShouldResemble, []FrameID{6, 8, 9})
}

func TestMemoryBundlesAndLens(t *testing.T) {
	m := NewMemory(testIntrinsics)
	a := m.AddMarker("a", "")
	markers, err := m.Markers()
	test.That(t, err, test.ShouldBeNil)
	bundle := markers[0].Bundle

	p, err := m.BundlePosition(bundle)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, math.IsNaN(p.X), test.ShouldBeTrue)
	test.That(t, m.SetBundlePosition(bundle, r3.Vector{X: 1, Y: 2, Z: 3}), test.ShouldBeNil)
	p, err = m.BundlePosition(bundle)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
	_, err = m.BundlePosition(BundleID(a) + 10)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, m.SetBundleLocks(bundle, Locks{false, true, false}), test.ShouldBeNil)
	locks, err := m.BundleLocks(bundle)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, locks[1], test.ShouldBeTrue)

	test.That(t, m.SetLens(lens.RadialStdDeg4, []float64{0.1}), test.ShouldBeNil)
	model, params, err := m.Distortion()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, model, test.ShouldEqual, lens.RadialStdDeg4)
	test.That(t, params, test.ShouldHaveLength, 8)
	test.That(t, m.SetDistortion([]float64{0.2, 0.01}), test.ShouldBeNil)
	d, err := Distorter(m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.Parameters()[1], test.ShouldEqual, 0.01)
	test.That(t, m.SetDistortion(make([]float64, 20)), test.ShouldNotBeNil)
}

func TestIsWellSolved(t *testing.T) {
	for _, tc := range []struct {
		name string
		p    r3.Vector
		ok   bool
	}{
		{"inside", r3.Vector{X: 1, Y: -2, Z: 3}, true},
		{"zero coordinate", r3.Vector{X: 1, Y: 0, Z: 3}, false},
		{"nan", r3.Vector{X: math.NaN(), Y: 1, Z: 1}, false},
		{"at bound", r3.Vector{X: 1e5, Y: 1, Z: 1}, false},
		{"below bound", r3.Vector{X: 1, Y: -2e5, Z: 1}, false},
		{"infinite", r3.Vector{X: 1, Y: 1, Z: math.Inf(1)}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, IsWellSolved(tc.p, -1e5, 1e5), test.ShouldEqual, tc.ok)
		})
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := NewMemory(testIntrinsics)
	m.AddMarker("a", "")
	before := spatialmath.NewPoseFromEuler(r3.Vector{Z: 5}, spatialmath.EulerZXY{RX: 10})
	test.That(t, m.SetPose(1, before), test.ShouldBeNil)
	test.That(t, m.SetBundlePosition(1, r3.Vector{X: 1, Y: 1, Z: 1}), test.ShouldBeNil)

	snap, err := TakeSnapshot(m, []FrameID{1, 2}, []BundleID{1})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, m.SetPose(1, spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, m.SetPose(2, before), test.ShouldBeNil)
	test.That(t, m.SetBundlePosition(1, r3.Vector{X: 9, Y: 9, Z: 9}), test.ShouldBeNil)
	test.That(t, m.SetFocalLength(1, 80), test.ShouldBeNil)
	test.That(t, m.SetDistortion([]float64{0.3}), test.ShouldBeNil)

	test.That(t, snap.Restore(m), test.ShouldBeNil)
	pose, err := m.Pose(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(pose, before, 0), test.ShouldBeTrue)
	pose, err = m.Pose(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(pose, spatialmath.NewZeroPose(), 0), test.ShouldBeTrue)
	p, err := m.BundlePosition(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.X, test.ShouldEqual, 1.0)
	in, err := m.Intrinsics(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.FocalLength, test.ShouldEqual, 35.0)
	_, params, err := m.Distortion()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params[0], test.ShouldEqual, 0.0)
}

func TestSnapshotRestoreCutsNewKeys(t *testing.T) {
	m := NewMemory(testIntrinsics)
	pose := spatialmath.NewPoseFromEuler(r3.Vector{Z: 5}, spatialmath.EulerZXY{RY: 4})
	test.That(t, m.SetPose(1, pose), test.ShouldBeNil)
	test.That(t, m.SetPose(3, pose), test.ShouldBeNil)

	snap, err := TakeSnapshot(m, []FrameID{1, 2}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Animated, test.ShouldBeFalse)

	// focal keys on a keyed frame and on a new one
	test.That(t, m.KeyframeFocalLength(1, 50), test.ShouldBeNil)
	test.That(t, m.KeyframeFocalLength(2, 55), test.ShouldBeNil)
	test.That(t, m.SetPose(2, pose), test.ShouldBeNil)

	test.That(t, snap.Restore(m), test.ShouldBeNil)
	animated, err := m.FocalLengthAnimated()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, animated, test.ShouldBeFalse)
	keyed, err := m.KeyedFrames()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, keyed, test.ShouldResemble, []FrameID{1, 3})
	for _, f := range []FrameID{1, 2, 3} {
		in, err := m.Intrinsics(f)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, in.FocalLength, test.ShouldEqual, 35.0)
	}
	// frame 3 lies outside the snapshot frames but keeps its key
	got, err := m.Pose(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(got, pose, 0), test.ShouldBeTrue)
	got, err = m.Pose(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(got, spatialmath.NewZeroPose(), 0), test.ShouldBeTrue)

	t.Run("animated snapshot", func(t *testing.T) {
		test.That(t, m.KeyframeFocalLength(1, 40), test.ShouldBeNil)
		snap, err := TakeSnapshot(m, []FrameID{1}, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.KeyframeFocalLength(1, 70), test.ShouldBeNil)
		test.That(t, m.KeyframeFocalLength(4, 70), test.ShouldBeNil)

		test.That(t, snap.Restore(m), test.ShouldBeNil)
		keyed, err := m.KeyedFrames()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, keyed, test.ShouldResemble, []FrameID{1, 3})
		in, err := m.Intrinsics(1)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, in.FocalLength, test.ShouldEqual, 40.0)
	})
}
