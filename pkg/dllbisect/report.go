package dllbisect

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the terminal state of a bisection run
type Status int

const (
	// The run has not terminated yet
	Running Status = iota
	// All remaining files were either promoted or eliminated. The minimal set is final
	Resolved
	// The iteration budget ran out. The minimal set is partial and not final
	BudgetExhausted
	// The last remaining file could not be shown to help. The minimal set is not a verified fix
	Irreducible
	// The run was aborted by an infrastructure or materialization error
	Aborted
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Resolved:
		return "resolved"
	case BudgetExhausted:
		return "budget-exhausted"
	case Irreducible:
		return "irreducible"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// A TrialResult records a single tested candidate set
type TrialResult struct {
	Iteration int           `yaml:"iteration" json:"iteration"`             // The iteration during which the trial ran
	Attempted CandidateSet  `yaml:"attempted" json:"attempted"`             // The donor files overlaid onto the target
	Verdict   Verdict       `yaml:"verdict" json:"verdict"`                 // The outcome of the probe
	Timestamp time.Time     `yaml:"timestamp" json:"timestamp"`             // When the trial finished
	Duration  time.Duration `yaml:"duration" json:"duration"`               // How long materialization and probe took together
	Cached    bool          `yaml:"cached,omitempty" json:"cached"`         // Whether the verdict was reused from an identical earlier trial
	Err       string        `yaml:"error,omitempty" json:"error,omitempty"` // The infrastructure error, if any
}

// A Report is the append-only log of a bisection run together with its outcome.
// It is safe to read a report while the engine is still writing to it.
type Report struct {
	mu sync.RWMutex

	runID    string
	universe CandidateSet

	status  Status
	minimal CandidateSet

	trials []TrialResult
}

// NewReport creates an empty report for a run over the passed donor universe
func NewReport(runID string, universe CandidateSet) *Report {
	return &Report{
		runID:    runID,
		universe: append(CandidateSet{}, universe...),
		status:   Running,
	}
}

// Record appends a trial to the report. Past trials are never modified.
func (r *Report) Record(trial TrialResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trial.Attempted = append(CandidateSet{}, trial.Attempted...)
	r.trials = append(r.trials, trial)
}

// finish sets the outcome of the run
func (r *Report) finish(status Status, minimal CandidateSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.minimal = append(CandidateSet{}, minimal...)
}

// RunID returns the identifier of the run
func (r *Report) RunID() string {
	return r.runID
}

// Status returns the terminal status of the run, or [Running] if it hasn't terminated
func (r *Report) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Final returns whether the minimal set is a verified, final answer
func (r *Report) Final() bool {
	return r.Status() == Resolved
}

// Minimal returns the minimal set found by the run
func (r *Report) Minimal() CandidateSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(CandidateSet{}, r.minimal...)
}

// Universe returns the donor universe the run started with
func (r *Report) Universe() CandidateSet {
	return append(CandidateSet{}, r.universe...)
}

// Trials returns a copy of all recorded trials, in order
func (r *Report) Trials() []TrialResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]TrialResult{}, r.trials...)
}

// ProbeCount returns how many probes were actually executed, i.e. all trials which were not served from cache
func (r *Report) ProbeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, t := range r.trials {
		if !t.Cached {
			count++
		}
	}
	return count
}

// Reduction returns the fraction of the universe which is not part of the minimal set
func (r *Report) Reduction() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.universe) == 0 {
		return 0
	}
	return 1 - float64(len(r.minimal))/float64(len(r.universe))
}

// Summary returns a one line description of the outcome
func (r *Report) Summary() string {
	minimal := r.Minimal()
	return fmt.Sprintf("%s after %d probes: %d of %d donor files needed (%.1f%% reduction): %v",
		r.Status(), r.ProbeCount(), len(minimal), len(r.universe), r.Reduction()*100, minimal.Paths())
}

// ReportView is the serializable form of a [Report]
type ReportView struct {
	RunID      string        `yaml:"runId" json:"runId"`
	Status     Status        `yaml:"status" json:"status"`
	Final      bool          `yaml:"final" json:"final"`
	Universe   int           `yaml:"universe" json:"universe"`
	Minimal    []string      `yaml:"minimal" json:"minimal"`
	ProbeCount int           `yaml:"probeCount" json:"probeCount"`
	Reduction  float64       `yaml:"reduction" json:"reduction"`
	Trials     []TrialResult `yaml:"trials" json:"trials"`
}

// View returns a snapshot of the report for serialization
func (r *Report) View() ReportView {
	return ReportView{
		RunID:      r.runID,
		Status:     r.Status(),
		Final:      r.Final(),
		Universe:   len(r.universe),
		Minimal:    r.Minimal().Paths(),
		ProbeCount: r.ProbeCount(),
		Reduction:  r.Reduction(),
		Trials:     r.Trials(),
	}
}

// WriteYAML writes the full audit report in yaml format
func (r *Report) WriteYAML(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(r.View()); err != nil {
		return err
	}
	return encoder.Close()
}
