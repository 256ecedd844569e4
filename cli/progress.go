package cli

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pterm/pterm"

	"github.com/camsolve/camsolve/solver"
)

type progressSpinner interface {
	Stop() error
	Success(...any)
	Fail(...any)
	UpdateText(string)
}

type progressSpinnerFactory func(string) (progressSpinner, error)

var defaultSpinnerFactory progressSpinnerFactory = func(text string) (progressSpinner, error) {
	spinner, err := pterm.DefaultSpinner.
		WithRemoveWhenDone(false).
		WithText(text).
		Start()
	if err != nil {
		return nil, err
	}
	return spinner, nil
}

// solveProgress shows solver events on a single spinner line.
type solveProgress struct {
	mu       sync.Mutex
	spinner  progressSpinner
	factory  progressSpinnerFactory
	disabled bool
	clock    clock.Clock
	started  time.Time

	poses  int
	passes int
	last   string
}

func newSolveProgress(enabled bool, factory progressSpinnerFactory, clk clock.Clock) *solveProgress {
	if factory == nil {
		factory = defaultSpinnerFactory
	}
	if clk == nil {
		clk = clock.New()
	}
	pterm.Success.Prefix = pterm.Prefix{Text: "✓", Style: pterm.NewStyle(pterm.FgGreen)}
	pterm.Error.Prefix = pterm.Prefix{Text: "✗", Style: pterm.NewStyle(pterm.FgRed)}
	return &solveProgress{factory: factory, disabled: !enabled, clock: clk, started: clk.Now()}
}

func (p *solveProgress) OnPoseAdded(stats solver.PoseStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poses++
	if stats.Method == solver.MethodSeed {
		p.update(fmt.Sprintf("seeded on frame %d", stats.Frame))
		return
	}
	p.update(fmt.Sprintf("%d frames solved, frame %d from %d by %s, %d bundles",
		stats.Solved, stats.Frame, stats.Reference, stats.Method, stats.KnownBundles))
}

func (p *solveProgress) OnPassComplete(stats solver.PassStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passes++
	text := fmt.Sprintf("pass %s: rms %.3g -> %.3g in %d iterations", stats.Name, stats.InitialRMS,
		stats.FinalRMS, stats.Iterations)
	if stats.Diverged {
		text = fmt.Sprintf("pass %s diverged, rolled back", stats.Name)
	}
	p.update(text)
}

// update must be called with mu held.
func (p *solveProgress) update(text string) {
	p.last = text
	if p.disabled {
		return
	}
	if p.spinner == nil {
		spinner, err := p.factory(text)
		if err != nil {
			// the solve goes on without a spinner
			p.disabled = true
			return
		}
		p.spinner = spinner
		return
	}
	p.spinner.UpdateText(text)
}

// finish stops the spinner with the outcome of the solve.
func (p *solveProgress) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spinner == nil {
		return
	}
	elapsed := p.clock.Since(p.started).Round(time.Millisecond)
	if err != nil {
		p.spinner.Fail(fmt.Sprintf("solve failed after %s: %v", elapsed, err))
	} else {
		p.spinner.Success(fmt.Sprintf("solved in %s, %d poses, %d passes", elapsed, p.poses, p.passes))
	}
	p.spinner = nil
}
