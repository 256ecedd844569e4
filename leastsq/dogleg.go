package leastsq

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/camsolve/camsolve/logging"
)

// doglegSolver is Powell's dogleg trust region method.
type doglegSolver struct {
	logger logging.Logger
}

func (s *doglegSolver) Solve(p Problem, x0 []float64, set Settings) (Result, error) {
	if err := checkDims(p, x0, set); err != nil {
		return Result{}, err
	}
	set = withDefaults(set)
	st, err := newState(p, x0, set)
	if err != nil {
		return Result{}, err
	}
	res := Result{InitialCost: st.cost, FinalCost: st.cost, X: st.x}
	if !finite(st.cost) || len(st.x) == 0 || len(st.r) == 0 {
		res.Reason = ReasonGradient
		return finish(res), nil
	}
	if err := st.jacobian(); err != nil {
		return Result{}, errors.Wrap(err, "evaluating jacobian")
	}

	n := len(st.x)
	a, g := st.jac.NormalEquations(st.r)
	radius := math.Max(1, floats.Norm(st.x, 2))
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}

	xNew := make([]float64, n)
	rNew := make([]float64, len(st.r))
	step := make([]float64, n)
	for res.Iterations < set.MaxIterations {
		gNorm := floats.Norm(g, 2)
		if floats.Norm(g, math.Inf(1)) <= set.GradientTolerance {
			res.Reason = ReasonGradient
			break
		}
		res.Iterations++

		h := doglegStep(a, g, gNorm, ones, radius)
		copy(xNew, st.x)
		floats.Add(xNew, h)
		project(xNew, set)
		floats.SubTo(step, xNew, st.x)
		stepNorm := floats.Norm(step, 2)
		if stepNorm <= set.XTolerance*(floats.Norm(st.x, 2)+set.XTolerance) {
			res.Reason = ReasonStep
			break
		}
		if err := p.Residuals(xNew, rNew); err != nil {
			return Result{}, errors.Wrap(err, "evaluating residuals")
		}
		newCost := cost(rNew)
		predicted := predictedReduction(a, g, step)
		rho := (st.cost - newCost) / predicted
		accepted := finite(newCost) && predicted > 0 && rho > 0

		switch {
		case accepted && rho > 0.75:
			radius = math.Max(radius, 3*stepNorm)
		case !accepted || rho < 0.25:
			radius = stepNorm / 2
		}

		if accepted {
			oldCost := st.cost
			copy(st.x, xNew)
			copy(st.r, rNew)
			st.cost = newCost
			if err := st.jacobian(); err != nil {
				return Result{}, errors.Wrap(err, "evaluating jacobian")
			}
			a, g = st.jac.NormalEquations(st.r)
			if s.logger != nil {
				s.logger.Debugw("dogleg step accepted", "iteration", res.Iterations, "cost", newCost, "radius", radius)
			}
			if oldCost-newCost <= set.FunctionTolerance*oldCost {
				res.Reason = ReasonFunction
				break
			}
		}
		if radius <= set.XTolerance*(floats.Norm(st.x, 2)+set.XTolerance) {
			res.Reason = ReasonStep
			break
		}
	}
	if res.Reason == "" {
		res.Reason = ReasonMaxIterations
	}
	res.FinalCost = st.cost
	res.X = st.x
	return finish(res), nil
}

// doglegStep blends the Cauchy point and the Gauss-Newton step inside the trust radius.
func doglegStep(a *mat.SymDense, g []float64, gNorm float64, ones []float64, radius float64) []float64 {
	n := len(g)
	gv := mat.NewVecDense(n, append([]float64{}, g...))
	curvature := mat.Inner(gv, a, gv)

	steepest := make([]float64, n)
	if curvature > 0 {
		floats.ScaleTo(steepest, -gNorm*gNorm/curvature, g)
	} else {
		floats.ScaleTo(steepest, -radius/gNorm, g)
	}

	gaussNewton, ok := solveDamped(a, g, ones, 1e-12*math.Max(maxScaledDiag(a, ones), 1))
	if ok && floats.Norm(gaussNewton, 2) <= radius {
		return gaussNewton
	}
	sdNorm := floats.Norm(steepest, 2)
	if !ok || sdNorm >= radius {
		return floats.ScaleTo(make([]float64, n), -radius/gNorm, g)
	}

	// largest β in [0,1] with ‖sd + β(gn − sd)‖ = radius
	d := make([]float64, n)
	floats.SubTo(d, gaussNewton, steepest)
	qa := floats.Dot(d, d)
	qb := 2 * floats.Dot(steepest, d)
	qc := sdNorm*sdNorm - radius*radius
	beta := (-qb + math.Sqrt(math.Max(qb*qb-4*qa*qc, 0))) / (2 * qa)
	out := append([]float64{}, steepest...)
	floats.AddScaled(out, beta, d)
	return out
}
