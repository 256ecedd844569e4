package scene

import (
	"github.com/golang/geo/r3"

	"github.com/camsolve/camsolve/spatialmath"
)

// Snapshot is a copy of the solvable state of a set of frames and bundles. It lets a caller put
// the scene back the way it was, e.g. after a diverged refinement.
type Snapshot struct {
	Poses    map[FrameID]spatialmath.Pose
	Focal    map[FrameID]float64
	Animated bool
	// Keys holds the pose of every frame keyed when the snapshot was taken.
	Keys       map[FrameID]spatialmath.Pose
	Bundles    map[BundleID]r3.Vector
	Distortion []float64
}

// TakeSnapshot reads the poses and focal lengths of frames and the positions of bundles.
func TakeSnapshot(adapter Adapter, frames []FrameID, bundles []BundleID) (*Snapshot, error) {
	snap := &Snapshot{
		Poses:   make(map[FrameID]spatialmath.Pose, len(frames)),
		Focal:   make(map[FrameID]float64, len(frames)),
		Keys:    map[FrameID]spatialmath.Pose{},
		Bundles: make(map[BundleID]r3.Vector, len(bundles)),
	}
	animated, err := adapter.FocalLengthAnimated()
	if err != nil {
		return nil, err
	}
	snap.Animated = animated
	keyed, err := adapter.KeyedFrames()
	if err != nil {
		return nil, err
	}
	for _, f := range keyed {
		if snap.Keys[f], err = adapter.Pose(f); err != nil {
			return nil, err
		}
	}
	for _, f := range frames {
		pose, err := adapter.Pose(f)
		if err != nil {
			return nil, err
		}
		snap.Poses[f] = pose
		in, err := adapter.Intrinsics(f)
		if err != nil {
			return nil, err
		}
		snap.Focal[f] = in.FocalLength
	}
	for _, b := range bundles {
		p, err := adapter.BundlePosition(b)
		if err != nil {
			return nil, err
		}
		snap.Bundles[b] = p
	}
	_, params, err := adapter.Distortion()
	if err != nil {
		return nil, err
	}
	snap.Distortion = params
	return snap, nil
}

// Restore writes the snapshot back. Keys set since on frames that carried none are cut, and so
// is a focal length animation started since.
func (s *Snapshot) Restore(adapter Adapter) error {
	keyed, err := adapter.KeyedFrames()
	if err != nil {
		return err
	}
	animated, err := adapter.FocalLengthAnimated()
	if err != nil {
		return err
	}
	var cut []FrameID
	for _, f := range keyed {
		if _, ok := s.Keys[f]; !ok || (animated && !s.Animated) {
			cut = append(cut, f)
		}
	}
	if len(cut) > 0 {
		if err := adapter.CutKeys(cut); err != nil {
			return err
		}
	}
	for _, f := range cut {
		if pose, ok := s.Keys[f]; ok {
			if err := adapter.SetPose(f, pose); err != nil {
				return err
			}
		}
	}

	for f, pose := range s.Poses {
		if _, ok := s.Keys[f]; !ok {
			continue
		}
		if err := adapter.SetPose(f, pose); err != nil {
			return err
		}
	}
	for f, focal := range s.Focal {
		if s.Animated {
			if _, ok := s.Keys[f]; !ok {
				continue
			}
			err = adapter.KeyframeFocalLength(f, focal)
		} else {
			err = adapter.SetFocalLength(f, focal)
		}
		if err != nil {
			return err
		}
	}
	for b, p := range s.Bundles {
		if err := adapter.SetBundlePosition(b, p); err != nil {
			return err
		}
	}
	return adapter.SetDistortion(s.Distortion)
}
