// Package leastsq minimizes ½‖r(x)‖² for residual functions with sparse Jacobians. It provides
// damped Gauss-Newton solvers (Levenberg-Marquardt and Powell's dogleg) and a quasi-Newton
// fallback, all honoring box bounds by projection.
package leastsq

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/camsolve/camsolve/utils"
)

// Problem is a nonlinear least squares problem.
type Problem interface {
	NumParams() int
	NumResiduals() int
	// Residuals writes r(x) into out.
	Residuals(x, out []float64) error
	// Jacobian fills jac with ∂r/∂x at x; r holds the residuals at x.
	Jacobian(x, r []float64, jac *Jacobian) error
}

// Entry is one nonzero Jacobian element of a row.
type Entry struct {
	Col int
	Val float64
}

// Jacobian is a row-sparse Jacobian. Distinct rows may be filled from distinct goroutines.
type Jacobian struct {
	rows [][]Entry
	cols int
}

// NewJacobian returns an empty m x n Jacobian.
func NewJacobian(m, n int) *Jacobian {
	return &Jacobian{rows: make([][]Entry, m), cols: n}
}

// Dims returns the number of rows and columns.
func (j *Jacobian) Dims() (int, int) {
	return len(j.rows), j.cols
}

// Reset clears every row, keeping allocations.
func (j *Jacobian) Reset() {
	for i := range j.rows {
		j.rows[i] = j.rows[i][:0]
	}
}

// Add accumulates v into (row, col).
func (j *Jacobian) Add(row, col int, v float64) {
	if v == 0 {
		return
	}
	j.rows[row] = append(j.rows[row], Entry{Col: col, Val: v})
}

// Row returns the entries of a row.
func (j *Jacobian) Row(row int) []Entry {
	return j.rows[row]
}

// At returns the element at (row, col).
func (j *Jacobian) At(row, col int) float64 {
	var v float64
	for _, e := range j.rows[row] {
		if e.Col == col {
			v += e.Val
		}
	}
	return v
}

// Dense returns a dense copy.
func (j *Jacobian) Dense() *mat.Dense {
	out := mat.NewDense(max(len(j.rows), 1), max(j.cols, 1), nil)
	for i, row := range j.rows {
		for _, e := range row {
			out.Set(i, e.Col, out.At(i, e.Col)+e.Val)
		}
	}
	return out
}

// NormalEquations returns JᵀJ and Jᵀr.
func (j *Jacobian) NormalEquations(r []float64) (*mat.SymDense, []float64) {
	n := j.cols
	data := make([]float64, n*n)
	g := make([]float64, n)
	for i, row := range j.rows {
		for _, ea := range row {
			g[ea.Col] += ea.Val * r[i]
			for _, eb := range row {
				// repeated columns within a row meet from both sides
				if ea.Col <= eb.Col {
					data[ea.Col*n+eb.Col] += ea.Val * eb.Val
				}
			}
		}
	}
	return mat.NewSymDense(n, data), g
}

// MulVec returns J·v.
func (j *Jacobian) MulVec(v []float64) []float64 {
	out := make([]float64, len(j.rows))
	for i, row := range j.rows {
		for _, e := range row {
			out[i] += e.Val * v[e.Col]
		}
	}
	return out
}

// FuncProblem adapts plain functions to a Problem. When JacobianFunc is nil the Jacobian is
// taken by forward differences.
type FuncProblem struct {
	Params       int
	NumResid     int
	ResidualFunc func(x, out []float64) error
	JacobianFunc func(x, r []float64, jac *Jacobian) error
	// Step is the relative forward difference step; zero means 1e-7.
	Step float64
}

// NumParams implements Problem.
func (p *FuncProblem) NumParams() int { return p.Params }

// NumResiduals implements Problem.
func (p *FuncProblem) NumResiduals() int { return p.NumResid }

// Residuals implements Problem.
func (p *FuncProblem) Residuals(x, out []float64) error { return p.ResidualFunc(x, out) }

// Jacobian implements Problem.
func (p *FuncProblem) Jacobian(x, r []float64, jac *Jacobian) error {
	if p.JacobianFunc != nil {
		return p.JacobianFunc(x, r, jac)
	}
	return ForwardDifference(p.ResidualFunc, x, r, p.Step, jac)
}

// ForwardDifference fills jac column by column with (r(x + h·e_j) − r(x)) / h, where
// h = step·max(|x_j|, 1).
func ForwardDifference(f func(x, out []float64) error, x, r []float64, step float64, jac *Jacobian) error {
	if step <= 0 {
		step = 1e-7
	}
	xh := append([]float64{}, x...)
	rh := make([]float64, len(r))
	for col := range x {
		h := step * math.Max(math.Abs(x[col]), 1)
		xh[col] = x[col] + h
		if err := f(xh, rh); err != nil {
			return errors.Wrapf(err, "evaluating column %d", col)
		}
		xh[col] = x[col]
		for row := range r {
			jac.Add(row, col, (rh[row]-r[row])/h)
		}
	}
	return nil
}

func cost(r []float64) float64 {
	return 0.5 * floats.Dot(r, r)
}

func finite(v float64) bool {
	return utils.IsFinite(v)
}
