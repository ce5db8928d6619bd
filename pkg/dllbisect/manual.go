package dllbisect

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
)

// A PendingTrial is a materialized target waiting to be rated by a human
type PendingTrial struct {
	ID      string       // Unique identifier of this trial
	Target  TargetHandle // The materialized target to be tested
	Created time.Time    // When the target was ready to be tested

	verdict chan Verdict
	rated   atomic.Bool // If this trial was already rated
}

// Pass tells the engine that the target works.
// If Pass is called after the trial was already rated, it will panic.
func (t *PendingTrial) Pass() {
	t.rate(Pass)
}

// Fail tells the engine that the target does not work.
// If Fail is called after the trial was already rated, it will panic.
func (t *PendingTrial) Fail() {
	t.rate(Fail)
}

func (t *PendingTrial) rate(verdict Verdict) {
	if !t.rated.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("trial %s was rated %s after it was already rated", t.ID, verdict))
	}
	t.verdict <- verdict
}

// ManualProbe hands every trial to a human, who rates it through the [PendingTrial] received from Trials.
type ManualProbe struct {
	Trials chan *PendingTrial
}

// NewManualProbe creates a manual probe with an unbuffered trial channel
func NewManualProbe() *ManualProbe {
	return &ManualProbe{
		Trials: make(chan *PendingTrial),
	}
}

// Probe blocks until the trial was rated. If ctx ends first, the trial is treated as an infrastructure error.
func (p *ManualProbe) Probe(ctx context.Context, target TargetHandle) (Verdict, error) {
	trial := &PendingTrial{
		ID:      uniuri.New(),
		Target:  target,
		Created: time.Now(),
		verdict: make(chan Verdict, 1),
	}

	select {
	case p.Trials <- trial:
	case <-ctx.Done():
		return infrastructureError(ctx.Err(), "nobody picked up trial %s", trial.ID)
	}

	select {
	case verdict := <-trial.verdict:
		return verdict, nil
	case <-ctx.Done():
		return infrastructureError(ctx.Err(), "trial %s was not rated in time", trial.ID)
	}
}
