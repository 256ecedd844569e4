package lens

import (
	"github.com/pkg/errors"

	"github.com/camsolve/camsolve/utils"
)

// Distorter maps undistorted focal-normalized coordinates to distorted ones and back.
type Distorter interface {
	Model() Model
	Parameters() []float64
	Distort(x, y float64) (float64, float64)
	Undistort(xd, yd float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion parameters"), msg)
}

// NewDistorter returns a Distorter for the model. Missing trailing parameters take the model
// defaults. The classic and radial degree 4 models are evaluated here; the anamorphic models are
// evaluated by the host and pass coordinates through unchanged.
func NewDistorter(model Model, parameters []float64) (Distorter, error) {
	if !model.Valid() {
		return nil, errors.Errorf("do not know how to evaluate lens model %d", int(model))
	}
	if len(parameters) > model.NumParameters() {
		return nil, InvalidDistortionError(
			errors.Errorf("%s takes %d parameters, got %d", model, model.NumParameters(), len(parameters)).Error())
	}
	params := model.DefaultParameters()
	copy(params, parameters)
	for i, p := range params {
		if !utils.IsFinite(p) {
			return nil, InvalidDistortionError(model.Attributes()[i].Name + " is not finite")
		}
	}
	switch model {
	case Classic:
		return &radial{model: model, params: params, forward: classicForward}, nil
	case RadialStdDeg4:
		return &radial{model: model, params: params, forward: radialDeg4Forward}, nil
	case AnamorphicStdDeg4, AnamorphicStdDeg4Rescaled, AnamorphicStdDeg6, AnamorphicStdDeg6Rescaled, AnamorphicDeg6:
		return &passThrough{model: model, params: params}, nil
	default:
		return nil, errors.Errorf("do not know how to evaluate lens model %q", model)
	}
}

type passThrough struct {
	model  Model
	params []float64
}

func (p *passThrough) Model() Model                                { return p.model }
func (p *passThrough) Parameters() []float64                       { return append([]float64{}, p.params...) }
func (p *passThrough) Distort(x, y float64) (float64, float64)     { return x, y }
func (p *passThrough) Undistort(xd, yd float64) (float64, float64) { return xd, yd }

type radial struct {
	model   Model
	params  []float64
	forward func(params []float64, x, y float64) (float64, float64)
}

func (r *radial) Model() Model { return r.model }

func (r *radial) Parameters() []float64 { return append([]float64{}, r.params...) }

func (r *radial) Distort(x, y float64) (float64, float64) {
	return r.forward(r.params, x, y)
}

// Undistort inverts Distort with Newton-Raphson iterations on a finite difference Jacobian,
// starting from the distorted point.
func (r *radial) Undistort(xd, yd float64) (float64, float64) {
	xu, yu := xd, yd

	const maxIterations = 20
	const tolerance = 1e-12
	const h = 1e-7

	for i := 0; i < maxIterations; i++ {
		xEst, yEst := r.forward(r.params, xu, yu)
		errX := xEst - xd
		errY := yEst - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		x1, y1 := r.forward(r.params, xu+h, yu)
		x2, y2 := r.forward(r.params, xu, yu+h)
		dxdDxu := (x1 - xEst) / h
		dydDxu := (y1 - yEst) / h
		dxdDyu := (x2 - xEst) / h
		dydDyu := (y2 - yEst) / h

		det := dxdDxu*dydDyu - dxdDyu*dydDxu
		if det == 0 {
			break
		}
		xu -= (dydDyu*errX - dxdDyu*errY) / det
		yu -= (-dydDxu*errX + dxdDxu*errY) / det
	}
	return xu, yu
}

// classicForward evaluates the classic model: a quadratic and quartic radial term plus the two
// curvature terms. The anamorphic squeeze is applied by the host.
func classicForward(p []float64, x, y float64) (float64, float64) {
	k2, curveX, curveY, k4 := p[0], p[2], p[3], p[4]
	r2 := x*x + y*y
	radial := 1 + k2*r2 + k4*r2*r2
	return x * (radial + curveX*y*y), y * (radial + curveY*x*x)
}

// radialDeg4Forward evaluates the radial degree 4 model with its decentering terms. The
// cylindric correction is the identity for zero bending and is left to the host otherwise.
func radialDeg4Forward(p []float64, x, y float64) (float64, float64) {
	c2, u2, v2, c4, u4, v4 := p[0], p[1], p[2], p[3], p[4], p[5]
	r2 := x*x + y*y
	radial := 1 + c2*r2 + c4*r2*r2
	u := u2 + u4*r2
	v := v2 + v4*r2
	return x*radial + (r2+2*x*x)*u + 2*x*y*v, y*radial + (r2+2*y*y)*v + 2*x*y*u
}
