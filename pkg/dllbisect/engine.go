package dllbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultMaxIterations is the iteration budget used when an engine has none set
const DefaultMaxIterations = 10

// State is the bisection state after an iteration
type State struct {
	Minimal   CandidateSet // Files believed necessary. Only grows
	Remaining CandidateSet // Files not yet decided on. Only shrinks
	Dropped   CandidateSet // Files eliminated from consideration
	Iteration int          // Completed iterations
}

// An Engine searches for the minimal subset of donor files which makes the probe pass on the target.
//
// Trials run strictly sequentially, since every trial resets and overlays the one shared target.
type Engine struct {
	Materializer Materializer
	Probe        Probe
	Target       TargetHandle

	MaxIterations int           // The iteration budget. Defaults to [DefaultMaxIterations]
	ProbeTimeout  time.Duration // Timeout of a single trial. A timed out trial aborts the run. No timeout if 0

	// Whether verdicts of already tested candidate sets are reused instead of probing again.
	// Only sound for deterministic probes.
	Cache bool

	// Whether a passing half is promoted into the minimal set as a whole.
	// This saves probes but may include files which are not needed.
	// Otherwise the passing half replaces the remaining files and gets bisected further.
	// In both modes, the single file scan done when neither half passes keeps the second half in place.
	Approximate bool

	// Whether to skip probing the target without any donor files before bisecting.
	// An empty universe is always probed once.
	SkipBaseline bool

	Log     *logrus.Logger // The log to which information gets printed to
	Metrics *Metrics       // Optional metrics to update

	OnStart     func(*Report) // Called with the report of a run before the first trial
	OnIteration func(State)   // Called with a copy of the state after every iteration

	log     *logrus.Entry
	report  *Report
	state   State
	cache   map[string]Verdict
	initial int
}

// Run bisects the passed donor universe.
//
// The returned report is never nil. If an error is returned, the run was aborted, the report's status is [Aborted]
// and no minimal set is claimed. Otherwise the report's status is one of [Resolved], [BudgetExhausted] or [Irreducible].
func (e *Engine) Run(ctx context.Context, universe CandidateSet) (*Report, error) {
	// Init the logger
	if e.Log == nil {
		e.Log = mutedEntry().Logger
	}
	if e.MaxIterations <= 0 {
		e.MaxIterations = DefaultMaxIterations
	}

	runID := uuid.NewString()
	e.log = e.Log.WithField("run-id", runID)
	e.report = NewReport(runID, universe)
	e.cache = make(map[string]Verdict)
	e.initial = len(universe)
	e.state = State{
		Remaining: append(CandidateSet{}, universe...),
	}

	if e.OnStart != nil {
		e.OnStart(e.report)
	}

	if err := checkUniverse(universe); err != nil {
		e.report.finish(Aborted, nil)
		return e.report, err
	}

	e.log.Infof("Bisecting %d donor files on target %s with a budget of %d iterations", len(universe), e.Target.ID, e.MaxIterations)

	status, err := e.bisect(ctx)
	if err != nil {
		e.log.Errorf("Bisection aborted after %d probes - %v", e.report.ProbeCount(), err)
		e.report.finish(Aborted, nil)
		e.Metrics.observeRun(Aborted)
		return e.report, err
	}

	e.report.finish(status, e.state.Minimal)
	e.Metrics.observeRun(status)
	e.log.Infof("Bisection %s", e.report.Summary())
	return e.report, nil
}

// bisect runs iterations until a terminal status is reached
func (e *Engine) bisect(ctx context.Context) (Status, error) {
	// Without donor files the baseline is the only way to learn whether the target works
	if !e.SkipBaseline || len(e.state.Remaining) == 0 {
		verdict, err := e.trial(ctx, CandidateSet{})
		if err != nil {
			return Aborted, err
		}
		if verdict == Pass {
			e.log.Warn("Target passes without any donor files, nothing to bisect")
			e.drop(e.state.Remaining)
			e.state.Remaining = nil
			return Resolved, nil
		}
		if len(e.state.Remaining) == 0 {
			e.log.Warn("Target fails and there are no donor files to repair it with")
			return Irreducible, nil
		}
	}

	for {
		if len(e.state.Remaining) == 0 {
			return Resolved, nil
		}
		if e.state.Iteration >= e.MaxIterations {
			e.log.Warnf("Iteration budget of %d exhausted with %d files left undecided", e.MaxIterations, len(e.state.Remaining))
			return BudgetExhausted, nil
		}

		if len(e.state.Minimal) > 0 {
			verdict, err := e.trial(ctx, e.state.Minimal)
			if err != nil {
				return Aborted, err
			}
			if verdict == Pass {
				e.log.Infof("Minimal set of %d files passes on its own", len(e.state.Minimal))
				e.drop(e.state.Remaining)
				e.state.Remaining = nil
				return Resolved, nil
			}
		}

		status, err := e.iterate(ctx)
		if err != nil {
			return Aborted, err
		}

		e.state.Iteration++
		if err := e.checkInvariants(); err != nil {
			return Aborted, err
		}
		if e.OnIteration != nil {
			e.OnIteration(e.State())
		}

		if status != Running {
			return status, nil
		}
	}
}

// iterate performs one split of the remaining files.
// It returns [Irreducible] if the last remaining file was eliminated, [Running] otherwise.
func (e *Engine) iterate(ctx context.Context) (Status, error) {
	first, second := e.state.Remaining.Split()
	e.log.Debugf("Iteration %d: %d files in minimal set, splitting %d remaining files into %d and %d", e.state.Iteration, len(e.state.Minimal), len(e.state.Remaining), len(first), len(second))

	verdict, err := e.trial(ctx, e.state.Minimal.Union(first))
	if err != nil {
		return Aborted, err
	}
	if verdict == Pass {
		e.accept(first, second)
		return Running, nil
	}

	if len(second) > 0 {
		verdict, err = e.trial(ctx, e.state.Minimal.Union(second))
		if err != nil {
			return Aborted, err
		}
		if verdict == Pass {
			e.accept(second, first)
			return Running, nil
		}
	}

	// Neither half suffices, so both hold needed files. Keep the second half in place and look for a single
	// file of the first half which completes it. With an empty second half, that set was already tested above.
	if len(second) > 0 {
		for _, file := range first {
			verdict, err := e.trial(ctx, e.state.Minimal.Union(CandidateSet{file}).Union(second))
			if err != nil {
				return Aborted, err
			}
			if verdict == Pass {
				e.promote(CandidateSet{file})
				e.drop(first.Without(file.Path))
				e.state.Remaining = second
				return Running, nil
			}
		}
	}

	if len(e.state.Remaining) == 1 {
		e.log.Infof("Last remaining file %s does not make the probe pass, giving up", first[0].Path)
		e.drop(first)
		e.state.Remaining = nil
		return Irreducible, nil
	}

	e.log.Debugf("Dropping %d files which are not useful in isolation", len(first))
	e.drop(first)
	e.state.Remaining = second
	return Running, nil
}

// accept handles a half which passed together with the minimal set
func (e *Engine) accept(passing, other CandidateSet) {
	if e.Approximate {
		e.promote(passing)
		e.state.Remaining = other
		return
	}

	// The other half isn't needed anymore, since the minimal set together with the passing half suffices
	e.drop(other)
	if len(passing) == 1 {
		e.promote(passing)
		e.state.Remaining = nil
		return
	}
	e.log.Debugf("Narrowing down to %d passing files", len(passing))
	e.state.Remaining = passing
}

// promote moves the passed files into the minimal set
func (e *Engine) promote(files CandidateSet) {
	e.log.Infof("Promoting %d files into the minimal set: %v", len(files), files.Paths())
	e.state.Minimal = e.state.Minimal.Union(files)
}

// drop removes the passed files from consideration
func (e *Engine) drop(files CandidateSet) {
	e.state.Dropped = append(e.state.Dropped, files...)
}

// trial materializes the passed set on the target, probes it and records the result
func (e *Engine) trial(ctx context.Context, set CandidateSet) (Verdict, error) {
	key := set.Key()
	if e.Cache {
		if verdict, ok := e.cache[key]; ok {
			e.log.Debugf("Reusing verdict %s for %d files", verdict, len(set))
			result := TrialResult{
				Iteration: e.state.Iteration,
				Attempted: set,
				Verdict:   verdict,
				Timestamp: time.Now(),
				Cached:    true,
			}
			e.report.Record(result)
			e.Metrics.observeTrial(result)
			return verdict, nil
		}
	}

	if e.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ProbeTimeout)
		defer cancel()
	}

	start := time.Now()
	result := TrialResult{
		Iteration: e.state.Iteration,
		Attempted: set,
	}

	verdict, err := e.runTrial(ctx, set)
	result.Verdict = verdict
	result.Timestamp = time.Now()
	result.Duration = result.Timestamp.Sub(start)
	if err != nil {
		result.Err = err.Error()
	}
	e.report.Record(result)
	e.Metrics.observeTrial(result)

	if err != nil {
		return VerdictError, err
	}

	e.log.Infof("Trial %d with %d files: %s", e.report.ProbeCount(), len(set), verdict)
	e.log.Tracef("Trial files: %v", set.Paths())

	e.cache[key] = verdict
	return verdict, nil
}

func (e *Engine) runTrial(ctx context.Context, set CandidateSet) (Verdict, error) {
	if err := e.Materializer.Materialize(ctx, set); err != nil {
		return VerdictError, err
	}

	verdict, err := e.Probe.Probe(ctx, e.Target)
	if err != nil {
		if !errors.Is(err, ErrProbeInfrastructure) {
			err = errors.Join(ErrProbeInfrastructure, err)
		}
		return VerdictError, err
	}
	if verdict == VerdictError {
		return VerdictError, errors.Join(ErrProbeInfrastructure, fmt.Errorf("probe on target %s returned an error verdict", e.Target.ID))
	}
	if ctx.Err() != nil {
		// A probe which outlived its deadline can't be trusted, even if it claims to have passed
		return VerdictError, errors.Join(ErrProbeInfrastructure, fmt.Errorf("probe on target %s timed out", e.Target.ID), ctx.Err())
	}
	return verdict, nil
}

// State returns a copy of the current bisection state
func (e *Engine) State() State {
	return State{
		Minimal:   append(CandidateSet{}, e.state.Minimal...),
		Remaining: append(CandidateSet{}, e.state.Remaining...),
		Dropped:   append(CandidateSet{}, e.state.Dropped...),
		Iteration: e.state.Iteration,
	}
}

// checkInvariants makes sure minimal, remaining and dropped partition the universe
func (e *Engine) checkInvariants() error {
	seen := make(map[string]string, e.initial)
	for name, set := range map[string]CandidateSet{
		"minimal":   e.state.Minimal,
		"remaining": e.state.Remaining,
		"dropped":   e.state.Dropped,
	} {
		for _, f := range set {
			if other, ok := seen[f.Path]; ok {
				return errors.Join(ErrInvariant, fmt.Errorf("file %s is in both %s and %s sets", f.Path, other, name))
			}
			seen[f.Path] = name
		}
	}
	if len(seen) != e.initial {
		return errors.Join(ErrInvariant, fmt.Errorf("%d files tracked, but universe has %d", len(seen), e.initial))
	}
	return nil
}

// checkUniverse makes sure every file of the universe has a unique, non-empty path
func checkUniverse(universe CandidateSet) error {
	seen := make(map[string]bool, len(universe))
	for _, f := range universe {
		if f.Path == "" {
			return errors.Join(ErrInvalidJob, fmt.Errorf("donor file without path"))
		}
		if seen[f.Path] {
			return errors.Join(ErrInvalidJob, fmt.Errorf("donor file %s appears more than once", f.Path))
		}
		seen[f.Path] = true
	}
	return nil
}

// mutedEntry returns a log entry which discards everything written to it
func mutedEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
