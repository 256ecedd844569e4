package markercache

import (
	"context"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/rootframe"
	"github.com/camsolve/camsolve/scene"
)

// gridScene has markers on a 3x3 grid visible on frames 1-20 plus a marker that is only
// visible early and one that drifts out of the field of view.
func gridScene(t *testing.T) *scene.Memory {
	t.Helper()
	m := scene.NewMemory(camera.Intrinsics{FocalLength: 35, FilmBackWidth: 36, FilmBackHeight: 24})
	for i := 0; i < 9; i++ {
		id := m.AddMarker("grid", "")
		pos := r2.Point{X: float64(i%3)*0.3 - 0.3, Y: float64(i/3)*0.3 - 0.3}
		for f := scene.FrameID(1); f <= 20; f++ {
			test.That(t, m.SetObservation(id, f, pos, 1), test.ShouldBeNil)
		}
	}
	early := m.AddMarker("early", "")
	for f := scene.FrameID(1); f <= 5; f++ {
		test.That(t, m.SetObservation(early, f, r2.Point{X: 0.1, Y: 0.1}, 1), test.ShouldBeNil)
	}
	test.That(t, m.SetObservation(early, 6, r2.Point{X: 0.1, Y: 0.1}, 0), test.ShouldBeNil)
	drift := m.AddMarker("drift", "")
	for f := scene.FrameID(1); f <= 20; f++ {
		test.That(t, m.SetObservation(drift, f, r2.Point{X: 0.405 + 0.01*float64(f), Y: 0}, 1), test.ShouldBeNil)
	}
	return m
}

func TestBuild(t *testing.T) {
	m := gridScene(t)
	c, err := Build(context.Background(), m, 1, 20, 0)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, c.Frames(), test.ShouldHaveLength, 20)
	test.That(t, c.EnabledMarkers(1), test.ShouldHaveLength, 11)
	test.That(t, c.EnabledMarkers(6), test.ShouldHaveLength, 10)
	// the drifting marker leaves the window after frame 9
	test.That(t, c.EnabledFrames(11), test.ShouldHaveLength, 9)
	test.That(t, c.EnabledFrames(10), test.ShouldResemble, []scene.FrameID{1, 2, 3, 4, 5})
	test.That(t, c.NumObservations(), test.ShouldEqual, 9*20+5+9)

	pos, ok := c.Position(3, 10)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pos, test.ShouldResemble, r2.Point{X: 0.1, Y: 0.1})
	_, ok = c.Position(6, 10)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, c.Weight(3, 10), test.ShouldEqual, 1.0)
	test.That(t, c.Positions(6), test.ShouldHaveLength, 10)

	wide, err := Build(context.Background(), m, 1, 20, 0.2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, wide.EnabledFrames(11), test.ShouldHaveLength, 20)

	_, err = Build(context.Background(), m, 5, 1, 0)
	test.That(t, err, test.ShouldNotBeNil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Build(ctx, m, 1, 20, 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConnectedFrameScores(t *testing.T) {
	c, err := Build(context.Background(), gridScene(t), 1, 20, 0)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, c.Shared(1, 2), test.ShouldHaveLength, 11)
	test.That(t, c.Shared(1, 15), test.ShouldHaveLength, 9)

	scores := c.ConnectedFrameScores(1, []scene.FrameID{2, 6, 15, 1}, 6, 5)
	test.That(t, scores, test.ShouldHaveLength, 2)
	test.That(t, scores[0].Frame, test.ShouldEqual, scene.FrameID(6))
	test.That(t, scores[1].Frame, test.ShouldEqual, scene.FrameID(15))
	// frame 6 shares the drifting marker on top of the grid
	test.That(t, scores[0].Score, test.ShouldBeGreaterThan, scores[1].Score)

	test.That(t, c.ConnectedFrameScores(1, []scene.FrameID{15}, 10, 5), test.ShouldBeEmpty)

	var conn rootframe.Connectivity = c
	seed, ok := rootframe.SeedFrame(conn, []scene.FrameID{1, 6, 11, 16, 20}, 6, 5)
	test.That(t, ok, test.ShouldBeTrue)
	// frames 1 and 6 tie on average connectivity; the earlier root wins
	test.That(t, seed, test.ShouldEqual, scene.FrameID(1))
}
