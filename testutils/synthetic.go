package testutils

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
)

// Synthetic is a generated scene and the ground truth it was generated from. Frame i+1 carries
// Poses[i]; marker Markers[j] observes Points[j].
type Synthetic struct {
	Scene      *scene.Memory
	Intrinsics camera.Intrinsics
	Poses      []spatialmath.Pose
	Points     []r3.Vector
	Markers    []scene.MarkerID
}

// SyntheticOptions describe a generated scene.
type SyntheticOptions struct {
	Intrinsics camera.Intrinsics
	Poses      []spatialmath.Pose
	Points     []r3.Vector
	// Noise is the standard deviation of Gaussian noise added to every observation.
	Noise float64
	Seed  int64
	// Visible reports whether point j is tracked on frame f. Nil tracks every point in view.
	Visible func(j int, f scene.FrameID) bool
	// WriteTruth stores the ground truth poses and bundle positions in the scene.
	WriteTruth bool
}

// PinholeIntrinsics is a 35 mm lens on a 36x24 mm film back.
func PinholeIntrinsics() camera.Intrinsics {
	return camera.Intrinsics{FocalLength: 35, FilmBackWidth: 36, FilmBackHeight: 24}
}

// NewSynthetic projects every point into every frame through an ideal lens. Observations outside
// the image are not recorded.
func NewSynthetic(opts SyntheticOptions) (*Synthetic, error) {
	if err := opts.Intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	s := &Synthetic{
		Scene:      scene.NewMemory(opts.Intrinsics),
		Intrinsics: opts.Intrinsics,
		Poses:      opts.Poses,
		Points:     opts.Points,
	}
	for j, p := range opts.Points {
		id := s.Scene.AddMarker(markerName(j), "synthetic")
		s.Markers = append(s.Markers, id)
		for i, pose := range opts.Poses {
			f := scene.FrameID(i + 1)
			if opts.Visible != nil && !opts.Visible(j, f) {
				continue
			}
			uv, ok := camera.ProjectCamera(pose.WorldToCamera(p), opts.Intrinsics, nil)
			if !ok || math.Abs(uv.X) > 0.5 || math.Abs(uv.Y) > 0.5 {
				continue
			}
			if opts.Noise > 0 {
				uv = uv.Add(r2.Point{X: rng.NormFloat64() * opts.Noise, Y: rng.NormFloat64() * opts.Noise})
			}
			if err := s.Scene.SetObservation(id, f, uv, 1); err != nil {
				return nil, err
			}
		}
	}
	if opts.WriteTruth {
		if err := s.WriteTruth(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WriteTruth stores the ground truth poses and bundle positions in the scene.
func (s *Synthetic) WriteTruth() error {
	for i, pose := range s.Poses {
		if err := s.Scene.SetPose(scene.FrameID(i+1), pose); err != nil {
			return err
		}
	}
	for j, id := range s.Markers {
		m, ok := s.marker(id)
		if !ok {
			return errors.Errorf("marker %d missing", id)
		}
		if err := s.Scene.SetBundlePosition(m.Bundle, s.Points[j]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synthetic) marker(id scene.MarkerID) (scene.Marker, bool) {
	markers, err := s.Scene.Markers()
	if err != nil {
		return scene.Marker{}, false
	}
	for _, m := range markers {
		if m.ID == id {
			return m, true
		}
	}
	return scene.Marker{}, false
}

func markerName(j int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	if j < len(letters) {
		return string(letters[j])
	}
	return string(letters[j%len(letters)]) + markerName(j/len(letters)-1)
}

// BoxPoints returns the corners of a unit cube centered on the origin, each moved by up to 5 cm,
// plus four points inside it. Exact corners are avoided: the eight of them lie on a quadric that
// leaves the two-view problem ambiguous.
func BoxPoints(seed int64) []r3.Vector {
	rng := rand.New(rand.NewSource(seed))
	jitter := func() float64 { return (rng.Float64() - 0.5) * 0.1 }
	var pts []r3.Vector
	for _, x := range []float64{-0.5, 0.5} {
		for _, y := range []float64{-0.5, 0.5} {
			for _, z := range []float64{-0.5, 0.5} {
				pts = append(pts, r3.Vector{X: x + jitter(), Y: y + jitter(), Z: z + jitter()})
			}
		}
	}
	return append(pts,
		r3.Vector{X: 0.13, Y: 0.21, Z: -0.3},
		r3.Vector{X: -0.27, Y: 0.08, Z: 0.19},
		r3.Vector{X: 0.31, Y: -0.24, Z: 0.11},
		r3.Vector{X: -0.11, Y: -0.33, Z: -0.17},
	)
}

// RandomPoints returns n points uniformly spread in [-extent, extent]³.
func RandomPoints(seed int64, n int, extent float64) []r3.Vector {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: (2*rng.Float64() - 1) * extent,
			Y: (2*rng.Float64() - 1) * extent,
			Z: (2*rng.Float64() - 1) * extent,
		}
	}
	return pts
}

// OrbitPath returns frames cameras on a horizontal circle of radius around the origin, all
// looking at the origin, sweeping sweepDeg degrees.
func OrbitPath(frames int, radius, sweepDeg float64) []spatialmath.Pose {
	poses := make([]spatialmath.Pose, frames)
	for i := range poses {
		ry := -sweepDeg / 2
		if frames > 1 {
			ry += sweepDeg * float64(i) / float64(frames-1)
		}
		s, c := math.Sincos(ry * math.Pi / 180)
		poses[i] = spatialmath.NewPoseFromEuler(
			r3.Vector{X: radius * s, Z: radius * c},
			spatialmath.EulerZXY{RY: ry},
		)
	}
	return poses
}

// ForwardPath returns frames cameras on the Z axis moving towards the origin by step each frame.
func ForwardPath(frames int, start, step float64) []spatialmath.Pose {
	poses := make([]spatialmath.Pose, frames)
	for i := range poses {
		poses[i] = spatialmath.NewPose(r3.Vector{Z: start - step*float64(i)}, spatialmath.Identity())
	}
	return poses
}

// LinearPath returns frames poses evenly spaced from one position to another, each rotated by a
// little more about Y than the last.
func LinearPath(frames int, from, to r3.Vector) []spatialmath.Pose {
	poses := make([]spatialmath.Pose, frames)
	for i := range poses {
		t := 0.0
		if frames > 1 {
			t = float64(i) / float64(frames-1)
		}
		poses[i] = spatialmath.NewPoseFromEuler(
			from.Add(to.Sub(from).Mul(t)),
			spatialmath.EulerZXY{RX: 5, RY: 10 + 20*t, RZ: -3},
		)
	}
	return poses
}

// BoxScene is a camera orbiting a box: 20 frames over 60 degrees at 5 m, with optional noise.
func BoxScene(noise float64) (*Synthetic, error) {
	return NewSynthetic(SyntheticOptions{
		Intrinsics: PinholeIntrinsics(),
		Poses:      OrbitPath(20, 5, 60),
		Points:     BoxPoints(7),
		Noise:      noise,
		Seed:       11,
	})
}

// PartialTrackScene has 100 frames and 50 markers, each tracked on a random run of 30 to 70
// frames.
func PartialTrackScene(seed int64) (*Synthetic, error) {
	const frames, markers = 100, 50
	rng := rand.New(rand.NewSource(seed))
	first := make([]scene.FrameID, markers)
	last := make([]scene.FrameID, markers)
	for j := range first {
		length := 30 + rng.Intn(41)
		start := 1 + rng.Intn(frames-length+1)
		first[j] = scene.FrameID(start)
		last[j] = scene.FrameID(start + length - 1)
	}
	return NewSynthetic(SyntheticOptions{
		Intrinsics: PinholeIntrinsics(),
		Poses:      OrbitPath(frames, 6, 90),
		Points:     RandomPoints(seed, markers, 1),
		Seed:       seed,
		Visible: func(j int, f scene.FrameID) bool {
			return f >= first[j] && f <= last[j]
		},
	})
}

// ForwardScene moves the camera straight at a cloud of points, so no pair of frames has
// parallax.
func ForwardScene(frames int) (*Synthetic, error) {
	return NewSynthetic(SyntheticOptions{
		Intrinsics: PinholeIntrinsics(),
		Poses:      ForwardPath(frames, 8, 0.02),
		Points:     RandomPoints(5, 16, 1),
		Seed:       5,
	})
}
