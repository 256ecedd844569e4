package leastsq

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/camsolve/camsolve/logging"
)

// Version selects the solver generation.
type Version int

// The supported solver generations.
const (
	V1 Version = 1
	V2 Version = 2
)

// Valid reports whether v is a known version.
func (v Version) Valid() bool {
	return v == V1 || v == V2
}

// ParseVersion parses "1", "2", "v1" or "v2".
func ParseVersion(s string) (Version, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v"))
	if err != nil || !Version(n).Valid() {
		return 0, errors.Errorf("unknown solver version %q", s)
	}
	return Version(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// JSONSchema describes a version in option files.
func (Version) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Enum: []interface{}{int(V1), int(V2)}}
}

// Backend selects the v2 minimization algorithm.
type Backend int

// The supported v2 backends.
const (
	LevMar Backend = iota
	CMinpackLM
	Dogleg
)

var backendNames = map[Backend]string{
	LevMar:     "levmar",
	CMinpackLM: "cminpack-lm",
	Dogleg:     "dogleg",
}

func (b Backend) String() string {
	if name, ok := backendNames[b]; ok {
		return name
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend parses a backend name.
func ParseBackend(name string) (Backend, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for b, n := range backendNames {
		if n == normalized {
			return b, nil
		}
	}
	return LevMar, errors.Errorf("unknown solver backend %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	parsed, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// JSONSchema describes a backend in option files.
func (Backend) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Enum: []interface{}{LevMar.String(), CMinpackLM.String(), Dogleg.String()}}
}

// Settings bounds a single minimization.
type Settings struct {
	MaxIterations int
	// XTolerance stops when ‖Δx‖ ≤ XTolerance·(‖x‖ + XTolerance).
	XTolerance float64
	// GradientTolerance stops when ‖Jᵀr‖∞ ≤ GradientTolerance.
	GradientTolerance float64
	// FunctionTolerance stops when an accepted step lowers the cost by less than this fraction.
	FunctionTolerance float64
	// InitialDamping is τ in μ₀ = τ·max(diag JᵀJ).
	InitialDamping float64
	// Lower and Upper are optional box bounds, enforced by projection.
	Lower, Upper []float64
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:     100,
		XTolerance:        1e-10,
		GradientTolerance: 1e-12,
		FunctionTolerance: 1e-15,
		InitialDamping:    1e-3,
	}
}

// Reason describes why a minimization stopped.
type Reason string

// Stop reasons.
const (
	ReasonGradient      Reason = "gradient tolerance"
	ReasonStep          Reason = "step tolerance"
	ReasonFunction      Reason = "function tolerance"
	ReasonMaxIterations Reason = "max iterations"
	ReasonDamping       Reason = "damping overflow"
	ReasonDiverged      Reason = "diverged"
)

// Result is the outcome of a minimization. Both versions report success the same way: the final
// cost is finite and no greater than the initial cost.
type Result struct {
	Success     bool
	Reason      Reason
	Iterations  int
	InitialCost float64
	FinalCost   float64
	X           []float64
}

// Solver minimizes a Problem from a starting point.
type Solver interface {
	Solve(p Problem, x0 []float64, s Settings) (Result, error)
}

// NewSolver returns the solver for a version and backend. The backend is ignored by v1.
func NewSolver(version Version, backend Backend, logger logging.Logger) (Solver, error) {
	switch version {
	case V1:
		return &lbfgsSolver{logger: logger}, nil
	case V2:
		switch backend {
		case LevMar, CMinpackLM:
			return &lmSolver{scaled: backend == CMinpackLM, logger: logger}, nil
		case Dogleg:
			return &doglegSolver{logger: logger}, nil
		default:
			return nil, errors.Errorf("unknown solver backend %v", backend)
		}
	default:
		return nil, errors.Errorf("unknown solver version %d", version)
	}
}

func checkDims(p Problem, x0 []float64, s Settings) error {
	if len(x0) != p.NumParams() {
		return errors.Errorf("start point has %d values, problem has %d parameters", len(x0), p.NumParams())
	}
	if s.Lower != nil && len(s.Lower) != len(x0) {
		return errors.Errorf("lower bound has %d values, want %d", len(s.Lower), len(x0))
	}
	if s.Upper != nil && len(s.Upper) != len(x0) {
		return errors.Errorf("upper bound has %d values, want %d", len(s.Upper), len(x0))
	}
	return nil
}

// project clamps x into the box in place.
func project(x []float64, s Settings) {
	for i := range x {
		if s.Lower != nil && x[i] < s.Lower[i] {
			x[i] = s.Lower[i]
		}
		if s.Upper != nil && x[i] > s.Upper[i] {
			x[i] = s.Upper[i]
		}
	}
}

func withDefaults(s Settings) Settings {
	d := DefaultSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.XTolerance <= 0 {
		s.XTolerance = d.XTolerance
	}
	if s.GradientTolerance <= 0 {
		s.GradientTolerance = d.GradientTolerance
	}
	if s.FunctionTolerance <= 0 {
		s.FunctionTolerance = d.FunctionTolerance
	}
	if s.InitialDamping <= 0 {
		s.InitialDamping = d.InitialDamping
	}
	return s
}

func finish(res Result) Result {
	res.Success = finite(res.FinalCost) && res.FinalCost <= res.InitialCost
	if !finite(res.FinalCost) {
		res.Reason = ReasonDiverged
	}
	return res
}

// state holds the current iterate with its residuals and normal equations.
type state struct {
	p    Problem
	x, r []float64
	cost float64
	jac  *Jacobian
}

func newState(p Problem, x0 []float64, s Settings) (*state, error) {
	st := &state{
		p:   p,
		x:   append([]float64{}, x0...),
		r:   make([]float64, p.NumResiduals()),
		jac: NewJacobian(p.NumResiduals(), p.NumParams()),
	}
	project(st.x, s)
	if err := p.Residuals(st.x, st.r); err != nil {
		return nil, errors.Wrap(err, "evaluating initial residuals")
	}
	st.cost = cost(st.r)
	return st, nil
}

func (st *state) jacobian() error {
	st.jac.Reset()
	return st.p.Jacobian(st.x, st.r, st.jac)
}
