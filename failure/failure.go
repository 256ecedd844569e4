// Package failure defines the failure kinds reported by the solver stages. Local failures
// (pose estimation, PnP, triangulation, divergence) are values the orchestrator records and moves
// past; only input and adapter failures abort a solve.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a solver failure.
type Kind int

// The failure kinds.
const (
	None Kind = iota
	InputInvalid
	PoseEstimationFailed
	PnPFailed
	TriangulationRejected
	NumericalDivergence
	AdapterError
	InsufficientData
)

var kindNames = map[Kind]string{
	None:                  "None",
	InputInvalid:          "InputInvalid",
	PoseEstimationFailed:  "PoseEstimationFailed",
	PnPFailed:             "PnPFailed",
	TriangulationRejected: "TriangulationRejected",
	NumericalDivergence:   "NumericalDivergence",
	AdapterError:          "AdapterError",
	InsufficientData:      "InsufficientData",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Local reports whether a failure of this kind is recoverable within a solve.
func (k Kind) Local() bool {
	switch k {
	case PoseEstimationFailed, PnPFailed, TriangulationRejected, NumericalDivergence:
		return true
	case None, InputInvalid, AdapterError, InsufficientData:
		return false
	}
	return false
}

// Error is a classified solver error.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// Is lets errors.Is match any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Msg == ""
}

// New returns a new error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err yields nil.
func Wrap(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf returns the kind of the first *Error in err's chain, None for nil and AdapterError for
// any other unclassified error.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return AdapterError
}

// Sentinels usable with errors.Is.
var (
	ErrInputInvalid          = &Error{Kind: InputInvalid}
	ErrPoseEstimationFailed  = &Error{Kind: PoseEstimationFailed}
	ErrPnPFailed             = &Error{Kind: PnPFailed}
	ErrTriangulationRejected = &Error{Kind: TriangulationRejected}
	ErrNumericalDivergence   = &Error{Kind: NumericalDivergence}
	ErrAdapter               = &Error{Kind: AdapterError}
	ErrInsufficientData      = &Error{Kind: InsufficientData}
)
