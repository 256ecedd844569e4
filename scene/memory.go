package scene

import (
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/lens"
	"github.com/camsolve/camsolve/spatialmath"
)

type bundleState struct {
	position r3.Vector
	locks    Locks
}

// Memory is an in-process Adapter. It backs the command line tools and the tests.
type Memory struct {
	mu sync.RWMutex

	markers      []Marker
	markerIndex  map[MarkerID]int
	observations map[MarkerID]map[FrameID]Observation
	bundles      map[BundleID]*bundleState

	poseKeys   map[FrameID]spatialmath.Pose
	focalKeys  map[FrameID]float64
	intrinsics camera.Intrinsics
	lensModel  lens.Model
	lensParams []float64
}

// NewMemory returns an empty scene with the given static intrinsics and an ideal classic lens.
func NewMemory(intrinsics camera.Intrinsics) *Memory {
	return &Memory{
		markerIndex:  map[MarkerID]int{},
		observations: map[MarkerID]map[FrameID]Observation{},
		bundles:      map[BundleID]*bundleState{},
		poseKeys:     map[FrameID]spatialmath.Pose{},
		focalKeys:    map[FrameID]float64{},
		intrinsics:   intrinsics,
		lensModel:    lens.Classic,
		lensParams:   lens.Classic.DefaultParameters(),
	}
}

// AddMarker creates a marker and its bundle, returning the marker id. The bundle starts
// unresolved.
func (m *Memory) AddMarker(name, setName string) MarkerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := MarkerID(len(m.markers) + 1)
	bundle := BundleID(id)
	m.markers = append(m.markers, Marker{ID: id, Name: name, SetName: setName, Bundle: bundle})
	m.markerIndex[id] = len(m.markers) - 1
	m.observations[id] = map[FrameID]Observation{}
	m.bundles[bundle] = &bundleState{position: r3.Vector{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}}
	return id
}

// SetObservation records an enabled observation.
func (m *Memory) SetObservation(marker MarkerID, frame FrameID, position r2.Point, weight float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.observations[marker]
	if !ok {
		return errors.Errorf("unknown marker %d", marker)
	}
	obs[frame] = Observation{Position: position, Weight: weight, Enabled: true}
	return nil
}

// DisableObservation turns a marker off on frame while keeping its position.
func (m *Memory) DisableObservation(marker MarkerID, frame FrameID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.observations[marker]
	if !ok {
		return errors.Errorf("unknown marker %d", marker)
	}
	o := obs[frame]
	o.Enabled = false
	obs[frame] = o
	return nil
}

// SetBundleLocks sets the per-axis lock flags of a bundle.
func (m *Memory) SetBundleLocks(bundle BundleID, locks Locks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[bundle]
	if !ok {
		return errors.Errorf("unknown bundle %d", bundle)
	}
	b.locks = locks
	return nil
}

// SetLens sets the lens model and its parameters.
func (m *Memory) SetLens(model lens.Model, params []float64) error {
	if _, err := lens.NewDistorter(model, params); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lensModel = model
	m.lensParams = model.DefaultParameters()
	copy(m.lensParams, params)
	return nil
}

// Markers implements Adapter.
func (m *Memory) Markers() ([]Marker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Marker{}, m.markers...), nil
}

// FrameRange implements Adapter.
func (m *Memory) FrameRange() (FrameID, FrameID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	first, last := FrameID(math.MaxInt32), FrameID(math.MinInt32)
	for _, obs := range m.observations {
		for f := range obs {
			first = min(first, f)
			last = max(last, f)
		}
	}
	if first > last {
		return 0, 0, errors.New("scene has no marker data")
	}
	return first, last, nil
}

// Enabled implements Adapter.
func (m *Memory) Enabled(marker MarkerID, frame FrameID) (bool, error) {
	o, err := m.Observation(marker, frame)
	return o.Enabled, err
}

// Observation implements Adapter. Frames outside a marker's data read as disabled.
func (m *Memory) Observation(marker MarkerID, frame FrameID) (Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.observations[marker]
	if !ok {
		return Observation{}, errors.Errorf("unknown marker %d", marker)
	}
	return obs[frame], nil
}

// BundlePosition implements Adapter.
func (m *Memory) BundlePosition(bundle BundleID) (r3.Vector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[bundle]
	if !ok {
		return r3.Vector{}, errors.Errorf("unknown bundle %d", bundle)
	}
	return b.position, nil
}

// SetBundlePosition implements Adapter.
func (m *Memory) SetBundlePosition(bundle BundleID, position r3.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[bundle]
	if !ok {
		return errors.Errorf("unknown bundle %d", bundle)
	}
	b.position = position
	return nil
}

// BundleLocks implements Adapter.
func (m *Memory) BundleLocks(bundle BundleID) (Locks, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[bundle]
	if !ok {
		return Locks{}, errors.Errorf("unknown bundle %d", bundle)
	}
	return b.locks, nil
}

// Pose implements Adapter.
func (m *Memory) Pose(frame FrameID) (spatialmath.Pose, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.poseKeys[frame]; ok {
		return p, nil
	}
	return spatialmath.NewZeroPose(), nil
}

// SetPose implements Adapter.
func (m *Memory) SetPose(frame FrameID, pose spatialmath.Pose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poseKeys[frame] = pose
	return nil
}

// Intrinsics implements Adapter.
func (m *Memory) Intrinsics(frame FrameID) (camera.Intrinsics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := m.intrinsics
	if f, ok := m.focalKeys[frame]; ok {
		in.FocalLength = f
	} else if len(m.focalKeys) > 0 {
		in.FocalLength = m.nearestFocalKey(frame)
	}
	return in, nil
}

// nearestFocalKey holds the closest key's value, preferring the earlier frame on ties.
func (m *Memory) nearestFocalKey(frame FrameID) float64 {
	best := FrameID(0)
	bestDist := -1
	for f := range m.focalKeys {
		d := int(f - frame)
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist || (d == bestDist && f < best) {
			best, bestDist = f, d
		}
	}
	return m.focalKeys[best]
}

// SetFocalLength implements Adapter.
func (m *Memory) SetFocalLength(frame FrameID, value float64) error {
	if !(value > 0) {
		return errors.Errorf("invalid focal length %v", value)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.focalKeys) > 0 {
		m.focalKeys[frame] = value
		return nil
	}
	m.intrinsics.FocalLength = value
	return nil
}

// KeyframeFocalLength implements Adapter.
func (m *Memory) KeyframeFocalLength(frame FrameID, value float64) error {
	if !(value > 0) {
		return errors.Errorf("invalid focal length %v", value)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.focalKeys[frame] = value
	return nil
}

// FocalLengthAnimated implements Adapter.
func (m *Memory) FocalLengthAnimated() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.focalKeys) > 0, nil
}

// Distortion implements Adapter.
func (m *Memory) Distortion() (lens.Model, []float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lensModel, append([]float64{}, m.lensParams...), nil
}

// SetDistortion implements Adapter.
func (m *Memory) SetDistortion(parameters []float64) error {
	m.mu.RLock()
	model := m.lensModel
	m.mu.RUnlock()
	return m.SetLens(model, parameters)
}

// KeyedFrames implements Adapter.
func (m *Memory) KeyedFrames() ([]FrameID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	frames := lo.Union(lo.Keys(m.poseKeys), lo.Keys(m.focalKeys))
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	return frames, nil
}

// CutKeys implements Adapter.
func (m *Memory) CutKeys(frames []FrameID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		delete(m.poseKeys, f)
		delete(m.focalKeys, f)
	}
	return nil
}
