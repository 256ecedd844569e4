package leastsq

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/camsolve/camsolve/logging"
)

const maxDamping = 1e32

// lmSolver is Levenberg-Marquardt with Nielsen's damping update. The scaled variant damps with
// the running maximum of diag(JᵀJ) as MINPACK does, the plain variant damps with μI.
type lmSolver struct {
	scaled bool
	logger logging.Logger
}

func (s *lmSolver) Solve(p Problem, x0 []float64, set Settings) (Result, error) {
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
	dsq := make([]float64, n)
	s.updateScale(dsq, a)
	mu := set.InitialDamping * maxScaledDiag(a, dsq)
	if mu <= 0 {
		mu = set.InitialDamping
	}
	nu := 2.0

	xNew := make([]float64, n)
	rNew := make([]float64, len(st.r))
	step := make([]float64, n)
	for res.Iterations < set.MaxIterations {
		if floats.Norm(g, math.Inf(1)) <= set.GradientTolerance {
			res.Reason = ReasonGradient
			break
		}
		res.Iterations++

		h, ok := solveDamped(a, g, dsq, mu)
		if ok {
			copy(xNew, st.x)
			floats.Add(xNew, h)
			project(xNew, set)
			floats.SubTo(step, xNew, st.x)
			if floats.Norm(step, 2) <= set.XTolerance*(floats.Norm(st.x, 2)+set.XTolerance) {
				res.Reason = ReasonStep
				break
			}
			if err := p.Residuals(xNew, rNew); err != nil {
				return Result{}, errors.Wrap(err, "evaluating residuals")
			}
			newCost := cost(rNew)
			predicted := predictedReduction(a, g, step)
			rho := (st.cost - newCost) / predicted
			if finite(newCost) && predicted > 0 && rho > 0 {
				oldCost := st.cost
				copy(st.x, xNew)
				copy(st.r, rNew)
				st.cost = newCost
				if err := st.jacobian(); err != nil {
					return Result{}, errors.Wrap(err, "evaluating jacobian")
				}
				a, g = st.jac.NormalEquations(st.r)
				s.updateScale(dsq, a)
				mu *= math.Max(1.0/3, 1-math.Pow(2*rho-1, 3))
				nu = 2
				if s.logger != nil {
					s.logger.Debugw("lm step accepted", "iteration", res.Iterations, "cost", newCost, "damping", mu)
				}
				if oldCost-newCost <= set.FunctionTolerance*oldCost {
					res.Reason = ReasonFunction
					break
				}
				continue
			}
		}
		mu *= nu
		nu *= 2
		if mu > maxDamping || !finite(mu) {
			res.Reason = ReasonDamping
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

func (s *lmSolver) updateScale(dsq []float64, a *mat.SymDense) {
	for i := range dsq {
		if !s.scaled {
			dsq[i] = 1
			continue
		}
		dsq[i] = math.Max(dsq[i], a.At(i, i))
		if dsq[i] == 0 {
			dsq[i] = 1
		}
	}
}

func maxScaledDiag(a *mat.SymDense, dsq []float64) float64 {
	var m float64
	for i, d := range dsq {
		m = math.Max(m, a.At(i, i)/d)
	}
	return m
}

// solveDamped solves (A + μ·diag(dsq))·h = −g by Cholesky.
func solveDamped(a *mat.SymDense, g, dsq []float64, mu float64) ([]float64, bool) {
	n := len(g)
	b := mat.NewSymDense(n, nil)
	b.CopySym(a)
	for i := 0; i < n; i++ {
		b.SetSym(i, i, a.At(i, i)+mu*dsq[i])
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(b); !ok {
		return nil, false
	}
	rhs := mat.NewVecDense(n, nil)
	for i, v := range g {
		rhs.SetVec(i, -v)
	}
	var h mat.VecDense
	if err := chol.SolveVecTo(&h, rhs); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = h.AtVec(i)
		if !finite(out[i]) {
			return nil, false
		}
	}
	return out, true
}

// predictedReduction is the decrease of the linear model ½‖r + J·h‖² for a step h.
func predictedReduction(a *mat.SymDense, g, h []float64) float64 {
	hv := mat.NewVecDense(len(h), append([]float64{}, h...))
	return -floats.Dot(g, h) - 0.5*mat.Inner(hv, a, hv)
}
