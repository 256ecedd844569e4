package cli

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/camsolve/camsolve/solver"
)

type fakeSpinner struct {
	mu        sync.Mutex
	texts     []string
	stopped   bool
	successes []string
	failures  []string
}

func (f *fakeSpinner) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeSpinner) Success(message ...any) {
	f.mu.Lock()
	f.successes = append(f.successes, fmt.Sprint(message...))
	f.mu.Unlock()
	_ = f.Stop()
}

func (f *fakeSpinner) Fail(message ...any) {
	f.mu.Lock()
	f.failures = append(f.failures, fmt.Sprint(message...))
	f.mu.Unlock()
	_ = f.Stop()
}

func (f *fakeSpinner) UpdateText(text string) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
}

func fakeFactory(spinners *[]*fakeSpinner) progressSpinnerFactory {
	return func(text string) (progressSpinner, error) {
		fs := &fakeSpinner{}
		fs.UpdateText(text)
		*spinners = append(*spinners, fs)
		return fs, nil
	}
}

func TestSolveProgress(t *testing.T) {
	var spinners []*fakeSpinner
	clk := clock.NewMock()
	p := newSolveProgress(true, fakeFactory(&spinners), clk)
	p.OnPoseAdded(solver.PoseStats{Frame: 1, Method: solver.MethodSeed})
	clk.Add(1500 * time.Millisecond)
	p.OnPoseAdded(solver.PoseStats{Frame: 6, Reference: 1, Method: solver.MethodTwoView, Solved: 2, KnownBundles: 12})
	p.OnPassComplete(solver.PassStats{Name: "global", InitialRMS: 0.1, FinalRMS: 0.001, Iterations: 4})
	p.OnPassComplete(solver.PassStats{Name: "per-frame", Diverged: true})
	p.finish(nil)

	test.That(t, spinners, test.ShouldHaveLength, 1)
	s := spinners[0]
	test.That(t, s.texts, test.ShouldResemble, []string{
		"seeded on frame 1",
		"2 frames solved, frame 6 from 1 by two_view, 12 bundles",
		"pass global: rms 0.1 -> 0.001 in 4 iterations",
		"pass per-frame diverged, rolled back",
	})
	test.That(t, s.successes, test.ShouldHaveLength, 1)
	test.That(t, s.successes[0], test.ShouldEqual, "solved in 1.5s, 2 poses, 2 passes")
	test.That(t, s.stopped, test.ShouldBeTrue)
}

func TestSolveProgressFailure(t *testing.T) {
	var spinners []*fakeSpinner
	p := newSolveProgress(true, fakeFactory(&spinners), clock.NewMock())
	p.OnPoseAdded(solver.PoseStats{Frame: 1, Method: solver.MethodSeed})
	p.finish(errors.New("only 1 frame solved"))
	test.That(t, spinners[0].failures, test.ShouldHaveLength, 1)
	test.That(t, spinners[0].failures[0], test.ShouldContainSubstring, "only 1 frame solved")
}

func TestSolveProgressDisabled(t *testing.T) {
	var spinners []*fakeSpinner
	p := newSolveProgress(false, fakeFactory(&spinners), nil)
	p.OnPoseAdded(solver.PoseStats{Frame: 1, Method: solver.MethodSeed})
	p.finish(nil)
	test.That(t, spinners, test.ShouldBeEmpty)
	test.That(t, p.last, test.ShouldEqual, "seeded on frame 1")
}
