package bundleadjust

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/camsolve/camsolve/camera"
	"github.com/camsolve/camsolve/leastsq"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
	"github.com/camsolve/camsolve/utils"
)

// behindPenalty is the residual of an observation whose bundle is behind the camera.
const behindPenalty = 1.0

// term is one weighted observation; it contributes two residuals.
type term struct {
	marker scene.MarkerID
	bundle scene.BundleID
	frame  scene.FrameID
	obs    r2.Point
	weight float64
}

// problem is the least squares problem of one stage.
type problem struct {
	ctx       context.Context
	adapter   scene.Adapter
	projector camera.DerivativeProjector
	host      bool
	parallel  bool

	attrs []Attribute
	terms []term
	base  *evalState

	bundleIdx map[scene.BundleID][3]int
	transIdx  map[scene.FrameID][3]int
	rotIdx    map[scene.FrameID][3]int
	focalIdx  map[scene.FrameID]int
	distIdx   []int
}

func newProblem(ctx context.Context, adapter scene.Adapter, projector camera.DerivativeProjector, base *evalState) *problem {
	return &problem{
		ctx:       ctx,
		adapter:   adapter,
		projector: projector,
		base:      base,
		bundleIdx: map[scene.BundleID][3]int{},
		transIdx:  map[scene.FrameID][3]int{},
		rotIdx:    map[scene.FrameID][3]int{},
		focalIdx:  map[scene.FrameID]int{},
	}
}

func (p *problem) add(a Attribute) int {
	p.attrs = append(p.attrs, a)
	return len(p.attrs) - 1
}

func unset() [3]int {
	return [3]int{-1, -1, -1}
}

func (p *problem) addBundle(b scene.BundleID, locks scene.Locks, lo, hi float64) {
	idx := unset()
	for axis := 0; axis < 3; axis++ {
		if locks[axis] {
			continue
		}
		a := newAttribute(BundlePosition, axis)
		a.Bundle = b
		a.Min, a.Max = lo, hi
		idx[axis] = p.add(a)
	}
	p.bundleIdx[b] = idx
}

func (p *problem) addExtrinsics(f scene.FrameID) {
	trans, rot := unset(), unset()
	for axis := 0; axis < 3; axis++ {
		a := newAttribute(CameraTranslation, axis)
		a.Frame = f
		trans[axis] = p.add(a)
	}
	for axis := 0; axis < 3; axis++ {
		a := newAttribute(CameraRotation, axis)
		a.Frame = f
		rot[axis] = p.add(a)
	}
	p.transIdx[f] = trans
	p.rotIdx[f] = rot
}

// addFocal adds one focal parameter per frame when animated, or one shared parameter.
func (p *problem) addFocal(frames []scene.FrameID, animated bool) {
	if len(frames) == 0 {
		return
	}
	if animated {
		for _, f := range frames {
			a := newAttribute(FocalLength, 0)
			a.Frame, a.Animated = f, true
			p.focalIdx[f] = p.add(a)
		}
		return
	}
	a := newAttribute(FocalLength, 0)
	a.Frame = frames[0]
	i := p.add(a)
	for _, f := range frames {
		p.focalIdx[f] = i
	}
}

func (p *problem) addDistortion() {
	p.distIdx = make([]int, len(p.base.distortion))
	for i := range p.distIdx {
		p.distIdx[i] = p.add(newAttribute(LensDistortion, i))
	}
}

// start returns the internal parameter vector of the base state and its bounds.
func (p *problem) start() (x, lower, upper []float64) {
	x = make([]float64, len(p.attrs))
	lower = make([]float64, len(p.attrs))
	upper = make([]float64, len(p.attrs))
	for i, a := range p.attrs {
		x[i] = a.toInternal(p.base.value(a))
		lower[i] = a.toInternal(a.Min)
		upper[i] = a.toInternal(a.Max)
	}
	return x, lower, upper
}

// NumParams implements leastsq.Problem.
func (p *problem) NumParams() int { return len(p.attrs) }

// NumResiduals implements leastsq.Problem.
func (p *problem) NumResiduals() int { return 2 * len(p.terms) }

// state returns the scene as seen at x. In host mode the state makes a round trip through the
// adapter.
func (p *problem) state(x []float64) (*evalState, error) {
	st, err := p.base.apply(p.attrs, x)
	if err != nil {
		return nil, err
	}
	if !p.host {
		return st, nil
	}
	if err := st.write(p.adapter, p.attrs); err != nil {
		return nil, err
	}
	frames := make([]scene.FrameID, 0, len(st.frames))
	for f := range st.frames {
		frames = append(frames, f)
	}
	bundles := make([]scene.BundleID, 0, len(st.bundles))
	for b := range st.bundles {
		bundles = append(bundles, b)
	}
	return readState(p.adapter, frames, bundles)
}

// Residuals implements leastsq.Problem.
func (p *problem) Residuals(x, out []float64) error {
	st, err := p.state(x)
	if err != nil {
		return err
	}
	return p.residuals(st, out)
}

func (p *problem) residuals(st *evalState, out []float64) error {
	return utils.ForEachParallel(p.ctx, len(p.terms), p.parallel, func(i int) {
		t := p.terms[i]
		fs := st.frames[t.frame]
		uv, ok := p.projector.Project(st.bundles[t.bundle], fs.intrinsics, st.distorter, fs.pose)
		if !ok {
			out[2*i], out[2*i+1] = t.weight*behindPenalty, t.weight*behindPenalty
			return
		}
		out[2*i] = t.weight * (t.obs.X - uv.X)
		out[2*i+1] = t.weight * (t.obs.Y - uv.Y)
	})
}

// rotationDerivatives returns ∂R/∂θ for each Euler component in degrees, by central differences.
func rotationDerivatives(e spatialmath.EulerZXY) [3][9]float64 {
	const h = 1e-3
	var out [3][9]float64
	for k := 0; k < 3; k++ {
		plus, minus := e, e
		switch k {
		case 0:
			plus.RX += h
			minus.RX -= h
		case 1:
			plus.RY += h
			minus.RY -= h
		default:
			plus.RZ += h
			minus.RZ -= h
		}
		rp, rm := plus.RotationMatrix().Values(), minus.RotationMatrix().Values()
		for j := range out[k] {
			out[k][j] = (rp[j] - rm[j]) / (2 * h)
		}
	}
	return out
}

// Jacobian implements leastsq.Problem. Bundle, translation, rotation and focal columns come from
// the projector's analytic derivative; distortion columns are forward differences.
func (p *problem) Jacobian(x, r []float64, jac *leastsq.Jacobian) error {
	st, err := p.state(x)
	if err != nil {
		return err
	}
	dRot := make(map[scene.FrameID][3][9]float64, len(p.rotIdx))
	for f := range p.rotIdx {
		dRot[f] = rotationDerivatives(st.frames[f].euler)
	}

	err = utils.ForEachParallel(p.ctx, len(p.terms), p.parallel, func(i int) {
		t := p.terms[i]
		fs := st.frames[t.frame]
		b := st.bundles[t.bundle]
		rel := b.Sub(fs.pose.Translation)
		pc := fs.pose.Rotation.TransposeMulVec(rel)
		uv, d, ok := p.projector.ProjectCameraPoint(pc, fs.intrinsics, st.distorter)
		if !ok {
			return
		}
		rows := [2]int{2 * i, 2*i + 1}
		w := t.weight

		// m = ∂(u,v)/∂p = D·Rᵀ
		var m [2][3]float64
		for row := 0; row < 2; row++ {
			for c := 0; c < 3; c++ {
				for k := 0; k < 3; k++ {
					m[row][c] += d[row][k] * fs.pose.Rotation.At(c, k)
				}
			}
		}
		if idx, ok := p.bundleIdx[t.bundle]; ok {
			for c, col := range idx {
				if col >= 0 {
					for row := 0; row < 2; row++ {
						jac.Add(rows[row], col, -w*m[row][c]*p.attrs[col].Scale)
					}
				}
			}
		}
		if idx, ok := p.transIdx[t.frame]; ok {
			for c, col := range idx {
				for row := 0; row < 2; row++ {
					jac.Add(rows[row], col, w*m[row][c]*p.attrs[col].Scale)
				}
			}
		}
		if idx, ok := p.rotIdx[t.frame]; ok {
			dr := dRot[t.frame]
			for k, col := range idx {
				// ∂pc/∂θ = (∂R/∂θ)ᵀ·(p − t)
				var dpc r3.Vector
				dpc.X = dr[k][0]*rel.X + dr[k][3]*rel.Y + dr[k][6]*rel.Z
				dpc.Y = dr[k][1]*rel.X + dr[k][4]*rel.Y + dr[k][7]*rel.Z
				dpc.Z = dr[k][2]*rel.X + dr[k][5]*rel.Y + dr[k][8]*rel.Z
				for row := 0; row < 2; row++ {
					v := d[row][0]*dpc.X + d[row][1]*dpc.Y + d[row][2]*dpc.Z
					jac.Add(rows[row], col, -w*v*p.attrs[col].Scale)
				}
			}
		}
		if col, ok := p.focalIdx[t.frame]; ok {
			in := fs.intrinsics
			du := (uv.X - in.LensOffsetX/in.FilmBackWidth) / in.FocalLength
			dv := (uv.Y - in.LensOffsetY/in.FilmBackHeight) / in.FocalLength
			jac.Add(rows[0], col, -w*du*p.attrs[col].Scale)
			jac.Add(rows[1], col, -w*dv*p.attrs[col].Scale)
		}
	})
	if err != nil {
		return err
	}
	return p.distortionColumns(x, r, jac)
}

func (p *problem) distortionColumns(x, r []float64, jac *leastsq.Jacobian) error {
	if len(p.distIdx) == 0 {
		return nil
	}
	xh := append([]float64{}, x...)
	rh := make([]float64, len(r))
	for _, col := range p.distIdx {
		h := 1e-6 * max(1, abs(x[col]))
		xh[col] = x[col] + h
		st, err := p.base.apply(p.attrs, xh)
		xh[col] = x[col]
		if err != nil {
			return err
		}
		if err := p.residuals(st, rh); err != nil {
			return err
		}
		for row := range r {
			jac.Add(row, col, (rh[row]-r[row])/h)
		}
	}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
