package bundleadjust

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/lens"
	"github.com/camsolve/camsolve/leastsq"
	"github.com/camsolve/camsolve/logging"
	"github.com/camsolve/camsolve/markercache"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
	"github.com/camsolve/camsolve/testutils"
)

type fixture struct {
	syn    *testutils.Synthetic
	cache  *markercache.Cache
	frames []scene.FrameID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	syn, err := testutils.BoxScene(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, syn.WriteTruth(), test.ShouldBeNil)
	cache, err := markercache.Build(context.Background(), syn.Scene, 1, 20, 0)
	test.That(t, err, test.ShouldBeNil)
	frames := make([]scene.FrameID, 20)
	for i := range frames {
		frames[i] = scene.FrameID(i + 1)
	}
	return &fixture{syn: syn, cache: cache, frames: frames}
}

func (fx *fixture) adjuster(t *testing.T, projector camera.DerivativeProjector) *Adjuster {
	t.Helper()
	a, err := NewAdjuster(fx.syn.Scene, fx.cache, projector, DefaultOptions(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return a
}

func (fx *fixture) bundle(j int) scene.BundleID {
	m, _ := fx.cache.Marker(fx.syn.Markers[j])
	return m.Bundle
}

func (fx *fixture) perturbPose(t *testing.T, f scene.FrameID) spatialmath.Pose {
	t.Helper()
	truth := fx.syn.Poses[f-1]
	e := truth.Euler()
	e.RY += 0.5
	e.RX -= 0.3
	moved := spatialmath.NewPoseFromEuler(truth.Translation.Add(r3.Vector{X: 0.02, Y: -0.01, Z: 0.03}), e)
	test.That(t, fx.syn.Scene.SetPose(f, moved), test.ShouldBeNil)
	return moved
}

// nanProjector breaks every projection into cameras left of x = -2.4, which in the box scene is
// frame 1 only.
type nanProjector struct {
	camera.PinholeProjector
}

func (p nanProjector) Project(
	point r3.Vector, in camera.Intrinsics, d lens.Distorter, pose spatialmath.Pose,
) (r2.Point, bool) {
	if pose.Translation.X < -2.4 {
		return r2.Point{X: math.NaN(), Y: math.NaN()}, true
	}
	return p.PinholeProjector.Project(point, in, d, pose)
}

func TestPlan(t *testing.T) {
	all := Selection{Bundles: true, Extrinsics: true, Intrinsics: true}
	stages := plan(all, false)
	test.That(t, len(stages), test.ShouldEqual, 3)
	test.That(t, stages[0].sel, test.ShouldResemble, Selection{Bundles: true})
	test.That(t, stages[1].sel, test.ShouldResemble, Selection{Bundles: true, Extrinsics: true})
	test.That(t, stages[2].sel, test.ShouldResemble, all)
	test.That(t, stageIterations(20, stages[0].fraction), test.ShouldEqual, 2)
	test.That(t, stageIterations(20, stages[1].fraction), test.ShouldEqual, 8)
	test.That(t, stageIterations(20, stages[2].fraction), test.ShouldEqual, 10)

	stages = plan(Selection{Bundles: true, Extrinsics: true}, false)
	test.That(t, len(stages), test.ShouldEqual, 2)
	test.That(t, stageIterations(20, stages[0].fraction), test.ShouldEqual, 4)
	test.That(t, stageIterations(20, stages[1].fraction), test.ShouldEqual, 16)
	test.That(t, stageIterations(3, stages[0].fraction), test.ShouldEqual, 1)

	test.That(t, len(plan(Selection{Extrinsics: true}, false)), test.ShouldEqual, 1)
	test.That(t, len(plan(all, true)), test.ShouldEqual, 1)
	test.That(t, Selection{}.String(), test.ShouldEqual, "none")
	test.That(t, all.String(), test.ShouldEqual, "bundles+extrinsics+intrinsics")
}

func TestEvalMode(t *testing.T) {
	for in, expected := range map[string]EvalMode{"internal": Internal, "Host": Host, "dcc-host": Host, " dcc ": Host} {
		m, err := ParseEvalMode(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m, test.ShouldEqual, expected)
	}
	_, err := ParseEvalMode("remote")
	test.That(t, err, test.ShouldNotBeNil)

	var m EvalMode
	test.That(t, m.UnmarshalText([]byte("host")), test.ShouldBeNil)
	test.That(t, m, test.ShouldEqual, Host)
	text, err := Internal.MarshalText()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(text), test.ShouldEqual, "internal")
}

func TestAttributes(t *testing.T) {
	a := newAttribute(CameraRotation, 1)
	test.That(t, a.Animated, test.ShouldBeTrue)
	test.That(t, a.toInternal(180), test.ShouldAlmostEqual, math.Pi)
	test.That(t, a.toValue(a.toInternal(12.5)), test.ShouldAlmostEqual, 12.5)
	a.Frame = 4
	test.That(t, a.String(), test.ShouldEqual, "camera_rotation@4.y")

	f := newAttribute(FocalLength, 0)
	test.That(t, f.Animated, test.ShouldBeFalse)
	test.That(t, f.Min, test.ShouldEqual, 0.1)
	test.That(t, f.String(), test.ShouldEqual, "focal_length")
	test.That(t, Kind(42).String(), test.ShouldEqual, "Kind(42)")
}

func TestJacobianMatchesFiniteDifferences(t *testing.T) {
	fx := newFixture(t)
	test.That(t, fx.syn.Scene.SetLens(lens.Classic, []float64{0.05, 1, 0.01, -0.02, 0.01}), test.ShouldBeNil)
	fx.perturbPose(t, 2)

	a := fx.adjuster(t, camera.NewPinholeProjector())
	frames := fx.frames[:3]
	bundles, terms, err := a.collect(frames, fx.cache.MarkerIDs())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(terms), test.ShouldBeGreaterThan, 0)
	base, err := readState(fx.syn.Scene, frames, bundles)
	test.That(t, err, test.ShouldBeNil)

	p := a.buildProblem(context.Background(), base, Selection{Bundles: true, Extrinsics: true, Intrinsics: true, Distortion: true},
		frames, bundles, terms, false)
	x, _, _ := p.start()
	r := make([]float64, p.NumResiduals())
	test.That(t, p.Residuals(x, r), test.ShouldBeNil)

	analytic := leastsq.NewJacobian(p.NumResiduals(), p.NumParams())
	test.That(t, p.Jacobian(x, r, analytic), test.ShouldBeNil)
	numeric := leastsq.NewJacobian(p.NumResiduals(), p.NumParams())
	test.That(t, leastsq.ForwardDifference(p.Residuals, x, r, 1e-6, numeric), test.ShouldBeNil)

	for row := 0; row < p.NumResiduals(); row++ {
		for col := 0; col < p.NumParams(); col++ {
			want := numeric.At(row, col)
			test.That(t, analytic.At(row, col), test.ShouldAlmostEqual, want, 1e-4+1e-3*math.Abs(want))
		}
	}
}

func TestAdjustBundles(t *testing.T) {
	fx := newFixture(t)
	offset := r3.Vector{X: 0.05, Y: -0.03, Z: 0.04}
	for j := range fx.syn.Markers {
		test.That(t, fx.syn.Scene.SetBundlePosition(fx.bundle(j), fx.syn.Points[j].Add(offset)), test.ShouldBeNil)
	}

	res, err := fx.adjuster(t, camera.NewPinholeProjector()).Adjust(context.Background(), Request{
		Frames:     fx.frames,
		Markers:    fx.cache.MarkerIDs(),
		Solve:      Selection{Bundles: true},
		Iterations: 30,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Stages), test.ShouldEqual, 1)
	test.That(t, res.InitialRMS, test.ShouldBeGreaterThan, 1e-3)
	test.That(t, res.FinalRMS, test.ShouldBeLessThan, 1e-8)
	for j := range fx.syn.Markers {
		p, err := fx.syn.Scene.BundlePosition(fx.bundle(j))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p.Sub(fx.syn.Points[j]).Norm(), test.ShouldBeLessThan, 1e-6)
	}
}

func TestAdjustHonorsBundleLocks(t *testing.T) {
	fx := newFixture(t)
	b := fx.bundle(0)
	moved := fx.syn.Points[0].Add(r3.Vector{X: 0.05, Y: 0.05})
	test.That(t, fx.syn.Scene.SetBundlePosition(b, moved), test.ShouldBeNil)
	test.That(t, fx.syn.Scene.SetBundleLocks(b, scene.Locks{true, false, false}), test.ShouldBeNil)

	_, err := fx.adjuster(t, camera.NewPinholeProjector()).Adjust(context.Background(), Request{
		Frames:     fx.frames,
		Markers:    fx.cache.MarkerIDs(),
		Solve:      Selection{Bundles: true},
		Iterations: 20,
	})
	test.That(t, err, test.ShouldBeNil)
	p, err := fx.syn.Scene.BundlePosition(b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.X, test.ShouldEqual, moved.X)
	test.That(t, p.Y, test.ShouldNotEqual, moved.Y)
}

func TestAdjustExtrinsics(t *testing.T) {
	for _, mode := range []EvalMode{Internal, Host} {
		t.Run(mode.String(), func(t *testing.T) {
			fx := newFixture(t)
			fx.perturbPose(t, 3)
			fx.perturbPose(t, 11)

			res, err := fx.adjuster(t, camera.NewPinholeProjector()).Adjust(context.Background(), Request{
				Frames:     fx.frames,
				Markers:    fx.cache.MarkerIDs(),
				Solve:      Selection{Extrinsics: true},
				Iterations: 30,
				EvalMode:   mode,
			})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.FinalRMS, test.ShouldBeLessThan, res.InitialRMS)
			for _, f := range []scene.FrameID{3, 11} {
				pose, err := fx.syn.Scene.Pose(f)
				test.That(t, err, test.ShouldBeNil)
				test.That(t, spatialmath.PoseAlmostEqual(pose, fx.syn.Poses[f-1], 1e-6), test.ShouldBeTrue)
			}
		})
	}
}

func TestAdjustStaticFocal(t *testing.T) {
	fx := newFixture(t)
	test.That(t, fx.syn.Scene.SetFocalLength(1, 33), test.ShouldBeNil)

	_, err := fx.adjuster(t, camera.NewPinholeProjector()).Adjust(context.Background(), Request{
		Frames:     fx.frames,
		Markers:    fx.cache.MarkerIDs(),
		Solve:      Selection{Intrinsics: true},
		Iterations: 30,
	})
	test.That(t, err, test.ShouldBeNil)
	animated, err := fx.syn.Scene.FocalLengthAnimated()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, animated, test.ShouldBeFalse)
	in, err := fx.syn.Scene.Intrinsics(7)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.FocalLength, test.ShouldAlmostEqual, 35, 1e-6)
}

func TestAdjustStaged(t *testing.T) {
	fx := newFixture(t)
	fx.perturbPose(t, 6)
	test.That(t, fx.syn.Scene.SetBundlePosition(fx.bundle(2), fx.syn.Points[2].Add(r3.Vector{Z: 0.04})), test.ShouldBeNil)

	res, err := fx.adjuster(t, camera.NewPinholeProjector()).Adjust(context.Background(), Request{
		Frames:     fx.frames,
		Markers:    fx.cache.MarkerIDs(),
		Solve:      Selection{Bundles: true, Extrinsics: true},
		Iterations: 20,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Stages), test.ShouldEqual, 2)
	test.That(t, res.Stages[0].Name, test.ShouldEqual, "bundles")
	test.That(t, res.Stages[1].Name, test.ShouldEqual, "bundles+extrinsics")
	test.That(t, res.Stages[1].Parameters, test.ShouldEqual, 12*3+20*6)
	test.That(t, res.FinalRMS, test.ShouldBeLessThan, res.InitialRMS)
}

func TestAdjustRollsBackOnDivergence(t *testing.T) {
	fx := newFixture(t)
	moved := fx.perturbPose(t, 5)

	_, err := fx.adjuster(t, nanProjector{}).Adjust(context.Background(), Request{
		Frames:     fx.frames,
		Markers:    fx.cache.MarkerIDs(),
		Solve:      Selection{Bundles: true, Extrinsics: true},
		Iterations: 10,
		EvalMode:   Host,
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, failure.KindOf(err), test.ShouldEqual, failure.NumericalDivergence)
	pose, err := fx.syn.Scene.Pose(5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(pose, moved, 1e-12), test.ShouldBeTrue)
	for j := range fx.syn.Markers {
		p, err := fx.syn.Scene.BundlePosition(fx.bundle(j))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p, test.ShouldResemble, fx.syn.Points[j])
	}
}

func TestAdjustPerFrame(t *testing.T) {
	for _, mode := range []EvalMode{Internal, Host} {
		t.Run(mode.String(), func(t *testing.T) {
			fx := newFixture(t)
			stuck := fx.perturbPose(t, 1)
			fx.perturbPose(t, 10)

			res, err := fx.adjuster(t, nanProjector{}).Adjust(context.Background(), Request{
				Frames:     fx.frames,
				Markers:    fx.cache.MarkerIDs(),
				Solve:      Selection{Extrinsics: true},
				Iterations: 30,
				PerFrame:   true,
				EvalMode:   mode,
			})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.Diverged, test.ShouldResemble, []scene.FrameID{1})
			test.That(t, len(res.Stages), test.ShouldEqual, 20)

			pose, err := fx.syn.Scene.Pose(1)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, spatialmath.PoseAlmostEqual(pose, stuck, 1e-12), test.ShouldBeTrue)
			pose, err = fx.syn.Scene.Pose(10)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, spatialmath.PoseAlmostEqual(pose, fx.syn.Poses[9], 1e-6), test.ShouldBeTrue)
		})
	}
}

func TestAdjustNothingToDo(t *testing.T) {
	fx := newFixture(t)
	a := fx.adjuster(t, camera.NewPinholeProjector())

	res, err := a.Adjust(context.Background(), Request{Frames: fx.frames, Markers: fx.cache.MarkerIDs(), Iterations: 5})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Stages), test.ShouldEqual, 0)

	for j := range fx.syn.Markers {
		test.That(t, fx.syn.Scene.SetBundlePosition(fx.bundle(j), scene.Unresolved()), test.ShouldBeNil)
	}
	res, err = a.Adjust(context.Background(), Request{
		Frames: fx.frames, Markers: fx.cache.MarkerIDs(), Solve: Selection{Extrinsics: true}, Iterations: 5,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Stages), test.ShouldEqual, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Adjust(ctx, Request{Frames: fx.frames, Markers: fx.cache.MarkerIDs(), Solve: Selection{Extrinsics: true}, Iterations: 5})
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

func TestReprojectionErrors(t *testing.T) {
	fx := newFixture(t)
	errs, err := fx.adjuster(t, camera.NewPinholeProjector()).ReprojectionErrors(fx.frames, fx.cache.MarkerIDs())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(errs), test.ShouldEqual, fx.cache.NumObservations())
	for _, e := range errs {
		test.That(t, e.Error, test.ShouldBeLessThan, 1e-12)
		test.That(t, e.Weight, test.ShouldEqual, 1.0)
	}
}
