package transform

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"github.com/camsolve/camsolve/leastsq"
	"github.com/camsolve/camsolve/utils"
)

// minimalPoints is the fewest correspondences a relative pose is estimated from.
const minimalPoints = 6

const (
	maxFewCandidates  = 8
	fewPolishIters    = 50
	fewSeedSeparation = 0.97 // cos of the smallest angle between two polished seeds
)

// essentialFromFewPoints returns candidate essential matrices for six or seven correspondences
// in camera coordinates. The epipolar constraints leave a two or three dimensional space of
// matrices. Within it the candidates are the unit combinations satisfying the cubic constraints
// det(E) = 0 and 2·E·Eᵀ·E − tr(E·Eᵀ)·E = 0, found by polishing the best directions of a seed grid.
// Points are not normalized since that would break the constraints.
func essentialFromFewPoints(pts1, pts2 []r2.Point) []*mat.Dense {
	n := len(pts1)
	if n < minimalPoints || n >= minPoints || len(pts2) != n {
		return nil
	}
	m := mat.NewDense(9, 9, nil)
	for i := range pts1 {
		v1, v2 := pts1[i], pts2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}
	mats := performSVD(m)
	if mats == nil {
		return nil
	}
	dim := 9 - n
	basis := make([]*mat.Dense, dim)
	for k := range basis {
		col := make([]float64, 9)
		for i := range col {
			col[i] = mats.V.At(i, 9-dim+k)
		}
		basis[k] = mat.NewDense(3, 3, col)
	}

	combine := func(c []float64) *mat.Dense {
		e := mat.NewDense(3, 3, nil)
		for k, b := range basis {
			var term mat.Dense
			term.Scale(c[k], b)
			e.Add(e, &term)
		}
		return e
	}
	residuals := func(c, out []float64) error {
		e := combine(c)
		var eet, cubic, trace mat.Dense
		eet.Mul(e, e.T())
		cubic.Mul(&eet, e)
		cubic.Scale(2, &cubic)
		trace.Scale(mat.Trace(&eet), e)
		cubic.Sub(&cubic, &trace)
		out[0] = mat.Det(e)
		for i := 0; i < 9; i++ {
			out[1+i] = cubic.At(i/3, i%3)
		}
		var norm float64
		for _, v := range c {
			norm += v * v
		}
		out[10] = norm - 1
		return nil
	}

	seeds := bestSeeds(unitSeeds(dim), residuals)
	solver, err := leastsq.NewSolver(leastsq.V2, leastsq.LevMar, nil)
	if err != nil {
		return nil
	}
	problem := &leastsq.FuncProblem{Params: dim, NumResid: 11, ResidualFunc: residuals}
	var out []*mat.Dense
	for _, seed := range seeds {
		res, err := solver.Solve(problem, seed, leastsq.Settings{MaxIterations: fewPolishIters})
		if err != nil || !utils.IsFinite(res.X...) {
			continue
		}
		e, err := projectEssential(combine(res.X))
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// unitSeeds covers the unit directions of dimension 2 or 3 up to sign.
func unitSeeds(dim int) [][]float64 {
	var seeds [][]float64
	if dim == 2 {
		for i := 0; i < 36; i++ {
			a := float64(i) * math.Pi / 36
			seeds = append(seeds, []float64{math.Cos(a), math.Sin(a)})
		}
		return seeds
	}
	seeds = append(seeds, []float64{0, 0, 1})
	for j := 0; j < 10; j++ {
		theta := (float64(j) + 0.5) * math.Pi / 20
		for k := 0; k < 24; k++ {
			phi := float64(k) * math.Pi / 12
			seeds = append(seeds, []float64{
				math.Sin(theta) * math.Cos(phi),
				math.Sin(theta) * math.Sin(phi),
				math.Cos(theta),
			})
		}
	}
	return seeds
}

// bestSeeds returns up to maxFewCandidates seeds of lowest residual cost, pairwise separated.
func bestSeeds(seeds [][]float64, residuals func(c, out []float64) error) [][]float64 {
	costs := make([]float64, len(seeds))
	r := make([]float64, 11)
	for i, s := range seeds {
		if err := residuals(s, r); err != nil {
			costs[i] = math.Inf(1)
			continue
		}
		for _, v := range r {
			costs[i] += v * v
		}
	}
	order := make([]int, len(seeds))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return costs[order[i]] < costs[order[j]] })

	var out [][]float64
	for _, i := range order {
		if len(out) == maxFewCandidates {
			break
		}
		separated := true
		for _, o := range out {
			var dot float64
			for k := range o {
				dot += o[k] * seeds[i][k]
			}
			if math.Abs(dot) > fewSeedSeparation {
				separated = false
				break
			}
		}
		if separated {
			out = append(out, seeds[i])
		}
	}
	return out
}
