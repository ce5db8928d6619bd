package dllbisect

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestReport(t *testing.T) {
	report := NewReport("run", files("A", "B", "C", "D"))
	assert.Equal(t, Running, report.Status())
	assert.False(t, report.Final())

	attempted := files("A", "B")
	report.Record(TrialResult{Iteration: 0, Attempted: attempted, Verdict: Fail, Timestamp: time.Now()})
	report.Record(TrialResult{Iteration: 0, Attempted: files("C", "D"), Verdict: Pass, Timestamp: time.Now()})
	report.Record(TrialResult{Iteration: 1, Attempted: files("C", "D"), Verdict: Pass, Timestamp: time.Now(), Cached: true})

	// Recorded trials don't change along with the caller's data
	attempted[0].Path = "X"
	trials := report.Trials()
	require.Len(t, trials, 3)
	assert.Equal(t, []string{"A", "B"}, trials[0].Attempted.Paths())

	// Neither do they change through the returned copy
	trials[1].Verdict = Fail
	assert.Equal(t, Pass, report.Trials()[1].Verdict)

	assert.Equal(t, 2, report.ProbeCount())

	report.finish(Resolved, files("C"))
	assert.True(t, report.Final())
	assert.Equal(t, 0.75, report.Reduction())
	assert.Equal(t, "resolved after 2 probes: 1 of 4 donor files needed (75.0% reduction): [C]", report.Summary())
}

func TestReportWriteYAML(t *testing.T) {
	report := NewReport("run", files("A", "B"))
	report.Record(TrialResult{Iteration: 0, Attempted: files("A"), Verdict: Fail, Err: ""})
	report.Record(TrialResult{Iteration: 0, Attempted: files("B"), Verdict: VerdictError, Err: "docker daemon gone"})
	report.finish(Aborted, nil)

	var out bytes.Buffer
	require.NoError(t, report.WriteYAML(&out))

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &parsed))

	assert.Equal(t, "run", parsed["runId"])
	assert.Equal(t, "aborted", parsed["status"])
	assert.Equal(t, false, parsed["final"])
	assert.Equal(t, 2, parsed["universe"])

	trials := parsed["trials"].([]any)
	require.Len(t, trials, 2)
	second := trials[1].(map[string]any)
	assert.Equal(t, "error", second["verdict"])
	assert.Equal(t, "docker daemon gone", second["error"])
}
