package leastsq

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"

	"github.com/camsolve/camsolve/logging"
)

// lbfgsSolver minimizes ½‖r‖² with gonum's quasi-Newton LBFGS using the gradient Jᵀr. Bounds are
// honored by evaluating at the projected point and zeroing gradient components that push out of
// the box.
type lbfgsSolver struct {
	logger logging.Logger
}

func (s *lbfgsSolver) Solve(p Problem, x0 []float64, set Settings) (Result, error) {
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

	var evalErr error
	xp := make([]float64, len(st.x))
	r := make([]float64, len(st.r))
	jac := NewJacobian(len(st.r), len(st.x))
	evaluate := func(x []float64) bool {
		copy(xp, x)
		project(xp, set)
		if err := p.Residuals(xp, r); err != nil {
			if evalErr == nil {
				evalErr = err
			}
			return false
		}
		return true
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if !evaluate(x) {
				return math.Inf(1)
			}
			c := cost(r)
			if !finite(c) {
				return math.Inf(1)
			}
			return c
		},
		Grad: func(grad, x []float64) {
			for i := range grad {
				grad[i] = 0
			}
			if !evaluate(x) {
				return
			}
			jac.Reset()
			if err := p.Jacobian(xp, r, jac); err != nil {
				if evalErr == nil {
					evalErr = err
				}
				return
			}
			for row := range r {
				for _, e := range jac.Row(row) {
					grad[e.Col] += e.Val * r[row]
				}
			}
			for i := range grad {
				if set.Lower != nil && xp[i] <= set.Lower[i] && grad[i] > 0 {
					grad[i] = 0
				}
				if set.Upper != nil && xp[i] >= set.Upper[i] && grad[i] < 0 {
					grad[i] = 0
				}
			}
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   set.MaxIterations,
		GradientThreshold: set.GradientTolerance,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-300,
			Relative:   set.FunctionTolerance,
			Iterations: 10,
		},
	}
	result, err := optimize.Minimize(problem, st.x, settings, &optimize.LBFGS{})
	if evalErr != nil {
		return Result{}, errors.Wrap(evalErr, "evaluating residuals")
	}
	if result == nil {
		if err == nil {
			err = errors.New("no result")
		}
		return Result{}, errors.Wrap(err, "lbfgs")
	}
	if err != nil && s.logger != nil {
		s.logger.Debugw("lbfgs stopped early", "error", err)
	}

	res.Iterations = result.Stats.MajorIterations
	res.Reason = statusReason(result.Status)
	x := append([]float64{}, result.X...)
	project(x, set)
	if !evaluate(x) {
		return Result{}, errors.Wrap(evalErr, "evaluating residuals")
	}
	if final := cost(r); finite(final) && final <= st.cost {
		res.X = x
		res.FinalCost = final
	}
	return finish(res), nil
}

func statusReason(status optimize.Status) Reason {
	switch status {
	case optimize.GradientThreshold:
		return ReasonGradient
	case optimize.FunctionConvergence:
		return ReasonFunction
	case optimize.IterationLimit:
		return ReasonMaxIterations
	default:
		return ReasonStep
	}
}
