package trackio

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.viam.com/test"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/scene"
)

func ptr[T any](v T) *T { return &v }

func fullFile() *File {
	return &File{
		Version:   LatestVersion,
		NumPoints: 2,
		Points: []Point{
			{
				Name:    "corner",
				ID:      ptr(1),
				SetName: ptr("table"),
				PerFrame: []Sample{
					{Frame: 101, Pos: [2]float64{0.25, 0.75}, Weight: 1},
					{Frame: 102, Pos: [2]float64{0.3, 0.7}, PosDist: &[2]float64{0.31, 0.69}, Weight: 0.5},
				},
				Bundle: &Bundle{X: ptr(1.5), Y: ptr(-2.0), Z: ptr(3.0), XLock: ptr(true), YLock: ptr(false), ZLock: ptr(false)},
			},
			{
				Name: "lamp",
				ID:   ptr(2),
				PerFrame: []Sample{
					{Frame: 103, Pos: [2]float64{0.5, 0.5}, Weight: 1},
				},
			},
		},
		Camera: &Camera{
			Resolution:         [2]int{1920, 1080},
			FilmBackCm:         [2]float64{3.6, 2.4},
			LensCenterOffsetCm: [2]float64{0.1, 0},
			PerFrame: []FocalSample{
				{Frame: 101, FocalLengthCm: 3.5},
				{Frame: 103, FocalLengthCm: 5},
			},
		},
		Scene:      &SceneInfo{Transform: [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}},
		PointGroup: &PointGroup{Name: "camera", Type: "camera", Transform: map[string][16]float64{"101": {}}},
	}
}

func TestReadV1(t *testing.T) {
	in := `2
corner
2
1 0.25 0.75
2 0.3 0.7 0.5

lamp
1
7 0.5 0.5
`
	f, err := Read(strings.NewReader(in))
	test.That(t, err, test.ShouldBeNil)
	want := &File{
		Version:   1,
		NumPoints: 2,
		Points: []Point{
			{Name: "corner", PerFrame: []Sample{
				{Frame: 1, Pos: [2]float64{0.25, 0.75}, Weight: 1},
				{Frame: 2, Pos: [2]float64{0.3, 0.7}, Weight: 0.5},
			}},
			{Name: "lamp", PerFrame: []Sample{{Frame: 7, Pos: [2]float64{0.5, 0.5}, Weight: 1}}},
		},
	}
	test.That(t, cmp.Diff(want, f), test.ShouldBeEmpty)
}

func TestReadRecord(t *testing.T) {
	in := `{
  // written by hand
  version: 3,
  num_points: 1,
  points: [
    {
      name: "corner",
      id: 4,
      set_name: null,
      per_frame: [
        {frame: 10, pos: [0.25, 0.75], pos_dist: [0.26, 0.74], weight: 1,},
      ],
      "3d": {x: 1, y: 2, z: 3, x_lock: false, y_lock: true, z_lock: false},
    },
  ],
}`
	f, err := Read(strings.NewReader(in))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Version, test.ShouldEqual, 3)
	test.That(t, f.Points, test.ShouldHaveLength, 1)
	p := f.Points[0]
	test.That(t, p.Name, test.ShouldEqual, "corner")
	test.That(t, *p.ID, test.ShouldEqual, 4)
	test.That(t, p.SetName, test.ShouldBeNil)
	test.That(t, p.PerFrame[0].Distorted(), test.ShouldResemble, [2]float64{0.26, 0.74})
	test.That(t, *p.Bundle.Z, test.ShouldEqual, 3.0)
	test.That(t, *p.Bundle.YLock, test.ShouldBeTrue)
}

func TestReadRejects(t *testing.T) {
	for name, in := range map[string]string{
		"empty":          "  \n",
		"future version": `{"version": 6, "num_points": 0, "points": []}`,
		"count mismatch": `{"version": 2, "num_points": 2, "points": []}`,
		"early pos_dist": `{"version": 2, "num_points": 1, "points": [{"name": "a", "per_frame": [` +
			`{"frame": 1, "pos": [0, 0], "pos_dist": [0, 0], "weight": 1}]}]}`,
		"truncated v1":  "2\na\n1\n1 0.5 0.5\n",
		"bad v1 sample": "1\na\n1\n1 0.5\n",

		// counts far beyond the data must fail on the missing lines, not allocate them
		"negative point count":  "-1\n",
		"negative sample count": "1\nA\n-2\n",
		"huge point count":      "9223372036854775807\nA\n0\n",
		"huge sample count":     "1\nA\n4611686018427387904\n1 0.5 0.5\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(in))
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}

func TestWriteVersions(t *testing.T) {
	full := fullFile()
	for version := MinVersion; version <= LatestVersion; version++ {
		var buf bytes.Buffer
		test.That(t, Write(&buf, full, version), test.ShouldBeNil)
		got, err := Read(&buf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Version, test.ShouldEqual, version)

		want := downgrade(full, version)
		if version == 1 {
			for i := range want.Points {
				want.Points[i].ID = nil
				want.Points[i].SetName = nil
			}
		}
		test.That(t, cmp.Diff(&want, got), test.ShouldBeEmpty)
	}

	test.That(t, Write(&bytes.Buffer{}, full, 6), test.ShouldNotBeNil)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracks.json")
	test.That(t, WriteFile(path, fullFile(), 0), test.ShouldBeNil)
	got, err := ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(fullFile(), got), test.ShouldBeEmpty)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func defaultIntrinsics() camera.Intrinsics {
	return camera.Intrinsics{FocalLength: 24, FilmBackWidth: 30, FilmBackHeight: 20}
}

func TestToScene(t *testing.T) {
	imp, err := ToScene(fullFile(), defaultIntrinsics())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, imp.FrameOffset, test.ShouldEqual, -100)
	test.That(t, imp.Markers, test.ShouldResemble, []scene.MarkerID{1, 2})

	markers, err := imp.Scene.Markers()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, markers[0].Name, test.ShouldEqual, "corner")
	test.That(t, markers[0].SetName, test.ShouldEqual, "table")

	first, last, err := imp.Scene.FrameRange()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first, test.ShouldEqual, scene.FrameID(1))
	test.That(t, last, test.ShouldEqual, scene.FrameID(3))

	obs, err := imp.Scene.Observation(markers[0].ID, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Position, test.ShouldResemble, r2.Point{X: -0.25, Y: 0.25})
	// the distorted position wins
	obs, err = imp.Scene.Observation(markers[0].ID, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Position.Sub(r2.Point{X: -0.19, Y: 0.19}).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, obs.Weight, test.ShouldEqual, 0.5)

	in, err := imp.Scene.Intrinsics(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.FilmBackWidth, test.ShouldAlmostEqual, 36.0)
	test.That(t, in.FilmBackHeight, test.ShouldAlmostEqual, 24.0)
	test.That(t, in.LensOffsetX, test.ShouldAlmostEqual, 1.0)
	test.That(t, in.FocalLength, test.ShouldAlmostEqual, 35.0)
	in, err = imp.Scene.Intrinsics(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.FocalLength, test.ShouldAlmostEqual, 50.0)
	animated, err := imp.Scene.FocalLengthAnimated()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, animated, test.ShouldBeTrue)

	pos, err := imp.Scene.BundlePosition(markers[0].Bundle)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldResemble, r3.Vector{X: 1.5, Y: -2, Z: 3})
	locks, err := imp.Scene.BundleLocks(markers[0].Bundle)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, locks, test.ShouldResemble, scene.Locks{true, false, false})
}

func TestToSceneStaticFocal(t *testing.T) {
	f := fullFile()
	f.Camera.PerFrame[1].FocalLengthCm = 3.5
	imp, err := ToScene(f, defaultIntrinsics())
	test.That(t, err, test.ShouldBeNil)
	animated, err := imp.Scene.FocalLengthAnimated()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, animated, test.ShouldBeFalse)

	f.Camera = nil
	imp, err = ToScene(f, defaultIntrinsics())
	test.That(t, err, test.ShouldBeNil)
	in, err := imp.Scene.Intrinsics(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in, test.ShouldResemble, defaultIntrinsics())
}

func TestToSceneRejects(t *testing.T) {
	_, err := ToScene(&File{Version: LatestVersion}, defaultIntrinsics())
	test.That(t, failure.KindOf(err), test.ShouldEqual, failure.InputInvalid)

	f := fullFile()
	f.Camera = nil
	_, err = ToScene(f, camera.Intrinsics{})
	test.That(t, failure.KindOf(err), test.ShouldEqual, failure.InputInvalid)
}

func TestFromScene(t *testing.T) {
	src := fullFile()
	// exported positions carry the distorted value
	src.Points[0].PerFrame[1].Pos = *src.Points[0].PerFrame[1].PosDist
	src.Points[0].PerFrame[1].PosDist = nil

	imp, err := ToScene(src, defaultIntrinsics())
	test.That(t, err, test.ShouldBeNil)
	got, err := FromScene(imp.Scene, ExportOptions{FrameOffset: imp.FrameOffset, BundleMin: -1e5, BundleMax: 1e5})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, got.Version, test.ShouldEqual, LatestVersion)
	test.That(t, got.NumPoints, test.ShouldEqual, 2)
	approx := cmpopts.EquateApprox(0, 1e-12)
	for i, p := range got.Points {
		test.That(t, p.Name, test.ShouldEqual, src.Points[i].Name)
		test.That(t, cmp.Diff(src.Points[i].PerFrame, p.PerFrame, approx), test.ShouldBeEmpty)
	}
	test.That(t, *got.Points[0].SetName, test.ShouldEqual, "table")
	test.That(t, got.Points[1].SetName, test.ShouldBeNil)
	test.That(t, cmp.Diff(src.Points[0].Bundle, got.Points[0].Bundle), test.ShouldBeEmpty)
	// the second bundle was never solved
	test.That(t, got.Points[1].Bundle.X, test.ShouldBeNil)

	test.That(t, got.Camera.FilmBackCm[0], test.ShouldAlmostEqual, 3.6)
	test.That(t, got.Camera.PerFrame, test.ShouldHaveLength, 3)
	test.That(t, got.Camera.PerFrame[0].Frame, test.ShouldEqual, 101)
	test.That(t, got.Camera.PerFrame[0].FocalLengthCm, test.ShouldAlmostEqual, 3.5)
	test.That(t, got.Camera.PerFrame[2].FocalLengthCm, test.ShouldAlmostEqual, 5.0)
}
