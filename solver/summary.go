package solver

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/camsolve/camsolve/bundleadjust"
	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/normalize"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/spatialmath"
)

// Status is the overall outcome of a solve.
type Status string

// The solve outcomes.
const (
	StatusSolved           Status = "solved"
	StatusInsufficientData Status = "insufficient_data"
)

// Method is how a frame's pose was found.
type Method string

// The pose estimation methods.
const (
	MethodSeed    Method = "seed"
	MethodTwoView Method = "two_view"
	MethodPnP     Method = "pnp"
)

// Pair is a root frame solved against a reference frame.
type Pair struct {
	Reference scene.FrameID
	Frame     scene.FrameID
}

// PoseStats describe a pose added to the solution.
type PoseStats struct {
	Frame     scene.FrameID
	Reference scene.FrameID
	Method    Method
	// Euler is the frame's rotation decomposed nearest to the reference frame's.
	Euler        spatialmath.EulerZXY
	Solved       int
	KnownBundles int
}

// PassStats describe a refinement pass.
type PassStats struct {
	Name       string
	Frames     int
	Iterations int
	InitialRMS float64
	FinalRMS   float64
	// Diverged is set when the pass was rolled back.
	Diverged bool
	// DivergedFrames lists frames discarded by a per-frame pass.
	DivergedFrames []scene.FrameID
}

// Progress receives solve events. Calls are made synchronously from the solving goroutine.
type Progress interface {
	OnPoseAdded(stats PoseStats)
	OnPassComplete(stats PassStats)
}

type noProgress struct{}

func (noProgress) OnPoseAdded(PoseStats)     {}
func (noProgress) OnPassComplete(PassStats) {}

// Summary reports a solve.
type Summary struct {
	Status       Status
	Start, End   scene.FrameID
	Seed         scene.FrameID
	RootFrames   []scene.FrameID
	SolvedFrames []scene.FrameID
	FailedFrames []scene.FrameID
	Failures     map[scene.FrameID]failure.Kind
	Pairs        []Pair
	// PnPFallbacks counts root frames solved from known bundles after the relative pose failed.
	PnPFallbacks int

	// Reprojection errors in normalized image units over every usable observation of a
	// well-solved bundle on a solved frame.
	AverageError  float64
	ErrorStdDev   float64
	MaxError      float64
	PerFrameError map[scene.FrameID]float64

	WellSolvedBundles int
	RejectedBundles   int
	Passes            []PassStats
	Normalization     *normalize.Result
}

// Iterations is the iteration count of every pass.
func (s *Summary) Iterations() int {
	total := 0
	for _, p := range s.Passes {
		total += p.Iterations
	}
	return total
}

func (s *Summary) fail(frame scene.FrameID, kind failure.Kind) {
	if _, ok := s.Failures[frame]; !ok {
		s.FailedFrames = append(s.FailedFrames, frame)
		sort.Slice(s.FailedFrames, func(i, j int) bool { return s.FailedFrames[i] < s.FailedFrames[j] })
	}
	s.Failures[frame] = kind
}

// setErrors fills the error statistics. Observations of bundles behind their camera are left out.
func (s *Summary) setErrors(obs []bundleadjust.ObservationError) error {
	s.PerFrameError = map[scene.FrameID]float64{}
	var all stats.Float64Data
	perFrame := map[scene.FrameID]stats.Float64Data{}
	for _, o := range obs {
		if math.IsNaN(o.Error) {
			continue
		}
		all = append(all, o.Error)
		perFrame[o.Frame] = append(perFrame[o.Frame], o.Error)
	}
	if len(all) == 0 {
		return nil
	}
	var err error
	if s.AverageError, err = all.Mean(); err != nil {
		return errors.Wrap(err, "average error")
	}
	if s.ErrorStdDev, err = all.StandardDeviation(); err != nil {
		return errors.Wrap(err, "error deviation")
	}
	if s.MaxError, err = all.Max(); err != nil {
		return errors.Wrap(err, "max error")
	}
	for f, data := range perFrame {
		if s.PerFrameError[f], err = data.Mean(); err != nil {
			return errors.Wrapf(err, "error on frame %d", f)
		}
	}
	return nil
}
