package bundleadjust

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/lens"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
)

type frameState struct {
	pose       spatialmath.Pose
	euler      spatialmath.EulerZXY
	intrinsics camera.Intrinsics
}

// evalState is the scene as one residual evaluation sees it.
type evalState struct {
	frames     map[scene.FrameID]frameState
	bundles    map[scene.BundleID]r3.Vector
	model      lens.Model
	distortion []float64
	distorter  lens.Distorter
}

// readState reads the poses and intrinsics of frames, the positions of bundles and the lens.
func readState(adapter scene.Adapter, frames []scene.FrameID, bundles []scene.BundleID) (*evalState, error) {
	st := &evalState{
		frames:  make(map[scene.FrameID]frameState, len(frames)),
		bundles: make(map[scene.BundleID]r3.Vector, len(bundles)),
	}
	for _, f := range frames {
		pose, err := adapter.Pose(f)
		if err != nil {
			return nil, errors.Wrapf(err, "reading pose on frame %d", f)
		}
		in, err := adapter.Intrinsics(f)
		if err != nil {
			return nil, errors.Wrapf(err, "reading intrinsics on frame %d", f)
		}
		st.frames[f] = frameState{pose: pose, euler: pose.Euler(), intrinsics: in}
	}
	for _, b := range bundles {
		p, err := adapter.BundlePosition(b)
		if err != nil {
			return nil, errors.Wrapf(err, "reading bundle %d", b)
		}
		st.bundles[b] = p
	}
	model, params, err := adapter.Distortion()
	if err != nil {
		return nil, errors.Wrap(err, "reading lens distortion")
	}
	st.model = model
	st.distortion = params
	if st.distorter, err = lens.NewDistorter(model, params); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *evalState) clone() *evalState {
	out := &evalState{
		frames:     make(map[scene.FrameID]frameState, len(st.frames)),
		bundles:    make(map[scene.BundleID]r3.Vector, len(st.bundles)),
		model:      st.model,
		distortion: append([]float64{}, st.distortion...),
		distorter:  st.distorter,
	}
	for f, fs := range st.frames {
		out.frames[f] = fs
	}
	for b, p := range st.bundles {
		out.bundles[b] = p
	}
	return out
}

// apply sets the attribute values of x on a copy of st.
func (st *evalState) apply(attrs []Attribute, x []float64) (*evalState, error) {
	out := st.clone()
	rotated := map[scene.FrameID]bool{}
	distorted := false
	for i, a := range attrs {
		v := a.toValue(x[i])
		switch a.Kind {
		case BundlePosition:
			p := out.bundles[a.Bundle]
			setComponent(&p, a.Index, v)
			out.bundles[a.Bundle] = p
		case CameraTranslation:
			fs := out.frames[a.Frame]
			setComponent(&fs.pose.Translation, a.Index, v)
			out.frames[a.Frame] = fs
		case CameraRotation:
			fs := out.frames[a.Frame]
			switch a.Index {
			case 0:
				fs.euler.RX = v
			case 1:
				fs.euler.RY = v
			default:
				fs.euler.RZ = v
			}
			out.frames[a.Frame] = fs
			rotated[a.Frame] = true
		case FocalLength:
			if a.Animated {
				fs := out.frames[a.Frame]
				fs.intrinsics.FocalLength = v
				out.frames[a.Frame] = fs
				continue
			}
			for f, fs := range out.frames {
				fs.intrinsics.FocalLength = v
				out.frames[f] = fs
			}
		case LensDistortion:
			out.distortion[a.Index] = v
			distorted = true
		}
	}
	for f := range rotated {
		fs := out.frames[f]
		fs.pose.Rotation = fs.euler.RotationMatrix()
		out.frames[f] = fs
	}
	if distorted {
		d, err := lens.NewDistorter(out.model, out.distortion)
		if err != nil {
			return nil, err
		}
		out.distorter = d
	}
	return out, nil
}

func setComponent(v *r3.Vector, i int, value float64) {
	switch i {
	case 0:
		v.X = value
	case 1:
		v.Y = value
	default:
		v.Z = value
	}
}

func component(v r3.Vector, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// value returns the current value of an attribute in st.
func (st *evalState) value(a Attribute) float64 {
	switch a.Kind {
	case BundlePosition:
		return component(st.bundles[a.Bundle], a.Index)
	case CameraTranslation:
		return component(st.frames[a.Frame].pose.Translation, a.Index)
	case CameraRotation:
		e := st.frames[a.Frame].euler
		return [3]float64{e.RX, e.RY, e.RZ}[a.Index]
	case FocalLength:
		return st.frames[a.Frame].intrinsics.FocalLength
	default:
		return st.distortion[a.Index]
	}
}

// write stores every attribute of attrs from st into the adapter.
func (st *evalState) write(adapter scene.Adapter, attrs []Attribute) error {
	poses := map[scene.FrameID]bool{}
	bundles := map[scene.BundleID]bool{}
	distortion := false
	for _, a := range attrs {
		switch a.Kind {
		case BundlePosition:
			bundles[a.Bundle] = true
		case CameraTranslation, CameraRotation:
			poses[a.Frame] = true
		case FocalLength:
			var err error
			if a.Animated {
				err = adapter.KeyframeFocalLength(a.Frame, st.frames[a.Frame].intrinsics.FocalLength)
			} else {
				err = adapter.SetFocalLength(a.Frame, st.frames[a.Frame].intrinsics.FocalLength)
			}
			if err != nil {
				return errors.Wrapf(err, "writing focal length on frame %d", a.Frame)
			}
		case LensDistortion:
			distortion = true
		}
	}
	for f := range poses {
		if err := adapter.SetPose(f, st.frames[f].pose); err != nil {
			return errors.Wrapf(err, "writing pose on frame %d", f)
		}
	}
	for b := range bundles {
		if err := adapter.SetBundlePosition(b, st.bundles[b]); err != nil {
			return errors.Wrapf(err, "writing bundle %d", b)
		}
	}
	if distortion {
		if err := adapter.SetDistortion(st.distortion); err != nil {
			return errors.Wrap(err, "writing lens distortion")
		}
	}
	return nil
}
