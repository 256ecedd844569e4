package trackio

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/utils"
)

// cmToMM converts the file's centimetres to the scene's millimetres.
const cmToMM = 10

// Import is a track file loaded into a scene.
type Import struct {
	Scene *scene.Memory
	// FrameOffset is added to file frame numbers to get scene frames, which start at 1.
	FrameOffset int
	// Markers holds the scene marker of every file point, in file order.
	Markers []scene.MarkerID
}

// ToScene loads a track file into a new scene. The camera block, when present, overrides the
// film back and lens offset of defaults and sets the focal length: static when every frame
// agrees, keyed per frame otherwise.
func ToScene(f *File, defaults camera.Intrinsics) (*Import, error) {
	frames := lo.FlatMap(f.Points, func(p Point, _ int) []int {
		return lo.Map(p.PerFrame, func(s Sample, _ int) int { return s.Frame })
	})
	if len(frames) == 0 {
		return nil, failure.New(failure.InputInvalid, "track file holds no samples")
	}
	offset := 1 - lo.Min(frames)

	intrinsics := defaults
	var focal []FocalSample
	if f.Camera != nil {
		intrinsics.FilmBackWidth = f.Camera.FilmBackCm[0] * cmToMM
		intrinsics.FilmBackHeight = f.Camera.FilmBackCm[1] * cmToMM
		intrinsics.LensOffsetX = f.Camera.LensCenterOffsetCm[0] * cmToMM
		intrinsics.LensOffsetY = f.Camera.LensCenterOffsetCm[1] * cmToMM
		focal = f.Camera.PerFrame
		if len(focal) > 0 {
			intrinsics.FocalLength = focal[0].FocalLengthCm * cmToMM
		}
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, failure.Wrap(err, failure.InputInvalid, "track file camera")
	}

	mem := scene.NewMemory(intrinsics)
	animated := lo.SomeBy(focal, func(s FocalSample) bool { return !utils.Float64AlmostEqual(s.FocalLengthCm, focal[0].FocalLengthCm, 1e-12) })
	if animated {
		for _, s := range focal {
			if err := mem.KeyframeFocalLength(scene.FrameID(s.Frame+offset), s.FocalLengthCm*cmToMM); err != nil {
				return nil, failure.Wrap(err, failure.InputInvalid, "focal length on frame %d", s.Frame)
			}
		}
	}

	imp := &Import{Scene: mem, FrameOffset: offset}
	for _, p := range f.Points {
		setName := ""
		if p.SetName != nil {
			setName = *p.SetName
		}
		id := mem.AddMarker(p.Name, setName)
		imp.Markers = append(imp.Markers, id)
		for _, s := range p.PerFrame {
			d := s.Distorted()
			uv := r2.Point{X: d[0] - 0.5, Y: d[1] - 0.5}
			if err := mem.SetObservation(id, scene.FrameID(s.Frame+offset), uv, s.Weight); err != nil {
				return nil, err
			}
		}
	}

	markers, err := mem.Markers()
	if err != nil {
		return nil, err
	}
	for i, p := range f.Points {
		if p.Bundle == nil {
			continue
		}
		if err := importBundle(mem, markers[i].Bundle, p.Bundle); err != nil {
			return nil, errors.Wrapf(err, "point %q", p.Name)
		}
	}
	return imp, nil
}

func importBundle(mem *scene.Memory, id scene.BundleID, b *Bundle) error {
	if b.X != nil && b.Y != nil && b.Z != nil {
		if err := mem.SetBundlePosition(id, r3.Vector{X: *b.X, Y: *b.Y, Z: *b.Z}); err != nil {
			return err
		}
	}
	deref := func(v *bool) bool { return v != nil && *v }
	return mem.SetBundleLocks(id, scene.Locks{deref(b.XLock), deref(b.YLock), deref(b.ZLock)})
}

// ExportOptions control FromScene.
type ExportOptions struct {
	// FrameOffset is subtracted from scene frames to get file frames.
	FrameOffset int
	BundleMin   float64
	BundleMax   float64
}

// FromScene exports the enabled observations of every marker, the well-solved bundle positions
// and the per frame focal length as a latest version file.
func FromScene(adapter scene.Adapter, opts ExportOptions) (*File, error) {
	markers, err := adapter.Markers()
	if err != nil {
		return nil, errors.Wrap(err, "listing markers")
	}
	first, last, err := adapter.FrameRange()
	if err != nil {
		return nil, failure.Wrap(err, failure.InputInvalid, "scene frame range")
	}
	f := &File{Version: LatestVersion, NumPoints: len(markers)}
	for _, m := range markers {
		id := int(m.ID)
		p := Point{Name: m.Name, ID: &id}
		if m.SetName != "" {
			setName := m.SetName
			p.SetName = &setName
		}
		for frame := first; frame <= last; frame++ {
			obs, err := adapter.Observation(m.ID, frame)
			if err != nil {
				return nil, errors.Wrapf(err, "reading marker %q on frame %d", m.Name, frame)
			}
			if !obs.Enabled {
				continue
			}
			p.PerFrame = append(p.PerFrame, Sample{
				Frame:  int(frame) - opts.FrameOffset,
				Pos:    [2]float64{obs.Position.X + 0.5, obs.Position.Y + 0.5},
				Weight: obs.Weight,
			})
		}
		if p.Bundle, err = exportBundle(adapter, m.Bundle, opts); err != nil {
			return nil, err
		}
		f.Points = append(f.Points, p)
	}

	in, err := adapter.Intrinsics(first)
	if err != nil {
		return nil, errors.Wrap(err, "reading intrinsics")
	}
	f.Camera = &Camera{
		FilmBackCm:         [2]float64{in.FilmBackWidth / cmToMM, in.FilmBackHeight / cmToMM},
		LensCenterOffsetCm: [2]float64{in.LensOffsetX / cmToMM, in.LensOffsetY / cmToMM},
	}
	for frame := first; frame <= last; frame++ {
		in, err := adapter.Intrinsics(frame)
		if err != nil {
			return nil, errors.Wrapf(err, "reading intrinsics on frame %d", frame)
		}
		f.Camera.PerFrame = append(f.Camera.PerFrame, FocalSample{
			Frame:         int(frame) - opts.FrameOffset,
			FocalLengthCm: in.FocalLength / cmToMM,
		})
	}
	return f, nil
}

func exportBundle(adapter scene.Adapter, id scene.BundleID, opts ExportOptions) (*Bundle, error) {
	pos, err := adapter.BundlePosition(id)
	if err != nil {
		return nil, errors.Wrapf(err, "reading bundle %d", id)
	}
	locks, err := adapter.BundleLocks(id)
	if err != nil {
		return nil, errors.Wrapf(err, "reading bundle %d locks", id)
	}
	b := &Bundle{XLock: &locks[0], YLock: &locks[1], ZLock: &locks[2]}
	if scene.IsWellSolved(pos, opts.BundleMin, opts.BundleMax) {
		b.X, b.Y, b.Z = &pos.X, &pos.Y, &pos.Z
	}
	return b, nil
}
