package leastsq

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/camsolve/camsolve/logging"
)

func rosenbrock() *FuncProblem {
	return &FuncProblem{
		Params:   2,
		NumResid: 2,
		ResidualFunc: func(x, out []float64) error {
			out[0] = 10 * (x[1] - x[0]*x[0])
			out[1] = 1 - x[0]
			return nil
		},
		JacobianFunc: func(x, _ []float64, jac *Jacobian) error {
			jac.Add(0, 0, -20*x[0])
			jac.Add(0, 1, 10)
			jac.Add(1, 0, -1)
			return nil
		},
	}
}

// line fits y = a·x + b through exact samples, with a numeric Jacobian.
func line() *FuncProblem {
	xs := []float64{-2, -1, 0, 1, 2, 3}
	return &FuncProblem{
		Params:   2,
		NumResid: len(xs),
		ResidualFunc: func(p, out []float64) error {
			for i, x := range xs {
				out[i] = p[0]*x + p[1] - (0.5*x - 2)
			}
			return nil
		},
	}
}

func allSolvers(t *testing.T) map[string]Solver {
	t.Helper()
	logger := logging.NewTestLogger(t)
	out := map[string]Solver{}
	for _, b := range []Backend{LevMar, CMinpackLM, Dogleg} {
		s, err := NewSolver(V2, b, logger)
		test.That(t, err, test.ShouldBeNil)
		out["v2/"+b.String()] = s
	}
	s, err := NewSolver(V1, LevMar, logger)
	test.That(t, err, test.ShouldBeNil)
	out["v1"] = s
	return out
}

func TestSolversConverge(t *testing.T) {
	for name, s := range allSolvers(t) {
		t.Run(name, func(t *testing.T) {
			res, err := s.Solve(line(), []float64{3, 3}, Settings{MaxIterations: 200})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.Success, test.ShouldBeTrue)
			test.That(t, res.X[0], test.ShouldAlmostEqual, 0.5, 1e-4)
			test.That(t, res.X[1], test.ShouldAlmostEqual, -2, 1e-4)
			test.That(t, res.FinalCost, test.ShouldBeLessThan, res.InitialCost)

			res, err = s.Solve(rosenbrock(), []float64{-1.2, 1}, Settings{MaxIterations: 500})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.Success, test.ShouldBeTrue)
			test.That(t, res.X[0], test.ShouldAlmostEqual, 1, 1e-3)
			test.That(t, res.X[1], test.ShouldAlmostEqual, 1, 1e-3)
		})
	}
}

func TestBounds(t *testing.T) {
	p := &FuncProblem{
		Params:   1,
		NumResid: 1,
		ResidualFunc: func(x, out []float64) error {
			out[0] = x[0] - 3
			return nil
		},
	}
	for _, b := range []Backend{LevMar, CMinpackLM, Dogleg} {
		t.Run(b.String(), func(t *testing.T) {
			s, err := NewSolver(V2, b, nil)
			test.That(t, err, test.ShouldBeNil)
			res, err := s.Solve(p, []float64{0}, Settings{Upper: []float64{2}})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.Success, test.ShouldBeTrue)
			test.That(t, res.X[0], test.ShouldAlmostEqual, 2, 1e-9)

			// a start outside the box is projected first
			res, err = s.Solve(p, []float64{1}, Settings{Lower: []float64{4}})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.X[0], test.ShouldAlmostEqual, 4, 1e-9)
		})
	}
}

func TestSolverErrors(t *testing.T) {
	_, err := NewSolver(Version(3), LevMar, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewSolver(V2, Backend(9), nil)
	test.That(t, err, test.ShouldNotBeNil)

	s, err := NewSolver(V2, LevMar, nil)
	test.That(t, err, test.ShouldBeNil)
	_, err = s.Solve(line(), []float64{1}, Settings{})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = s.Solve(line(), []float64{1, 1}, Settings{Lower: []float64{0}})
	test.That(t, err, test.ShouldNotBeNil)

	boom := errors.New("host evaluation failed")
	failing := &FuncProblem{
		Params:   1,
		NumResid: 1,
		ResidualFunc: func(x, out []float64) error {
			return boom
		},
	}
	_, err = s.Solve(failing, []float64{0}, Settings{})
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
}

func TestNonFiniteStartIsUnsuccessful(t *testing.T) {
	p := &FuncProblem{
		Params:   1,
		NumResid: 1,
		ResidualFunc: func(x, out []float64) error {
			out[0] = 1 / x[0]
			return nil
		},
	}
	s, err := NewSolver(V2, Dogleg, nil)
	test.That(t, err, test.ShouldBeNil)
	res, err := s.Solve(p, []float64{0}, Settings{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, res.Reason, test.ShouldEqual, ReasonDiverged)
}

func TestNormalEquations(t *testing.T) {
	jac := NewJacobian(2, 3)
	jac.Add(0, 0, 1)
	jac.Add(0, 2, 2)
	jac.Add(0, 2, 1)
	jac.Add(1, 1, 4)
	jac.Add(1, 0, -1)
	test.That(t, jac.At(0, 2), test.ShouldEqual, 3.0)

	r := []float64{1, 2}
	a, g := jac.NormalEquations(r)
	dense := jac.Dense()
	for i := 0; i < 3; i++ {
		var gi float64
		for row := 0; row < 2; row++ {
			gi += dense.At(row, i) * r[row]
		}
		test.That(t, g[i], test.ShouldAlmostEqual, gi)
		for j := 0; j < 3; j++ {
			var aij float64
			for row := 0; row < 2; row++ {
				aij += dense.At(row, i) * dense.At(row, j)
			}
			test.That(t, a.At(i, j), test.ShouldAlmostEqual, aij)
		}
	}
	test.That(t, jac.MulVec([]float64{1, 1, 1}), test.ShouldResemble, []float64{4.0, 3.0})
}

func TestForwardDifference(t *testing.T) {
	p := rosenbrock()
	x := []float64{0.3, -0.7}
	r := make([]float64, 2)
	test.That(t, p.Residuals(x, r), test.ShouldBeNil)

	analytic := NewJacobian(2, 2)
	test.That(t, p.Jacobian(x, r, analytic), test.ShouldBeNil)
	numeric := NewJacobian(2, 2)
	test.That(t, ForwardDifference(p.ResidualFunc, x, r, 0, numeric), test.ShouldBeNil)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			test.That(t, numeric.At(i, j), test.ShouldAlmostEqual, analytic.At(i, j), 1e-5)
		}
	}
}

func TestParseBackend(t *testing.T) {
	for _, b := range []Backend{LevMar, CMinpackLM, Dogleg} {
		parsed, err := ParseBackend(b.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, b)
	}
	parsed, err := ParseBackend("CMINPACK_LM")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parsed, test.ShouldEqual, CMinpackLM)

	var b Backend
	test.That(t, b.UnmarshalText([]byte("dogleg")), test.ShouldBeNil)
	test.That(t, b, test.ShouldEqual, Dogleg)
	test.That(t, b.UnmarshalText([]byte("newton")), test.ShouldNotBeNil)
}
