package dllbisect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJobFromConfig(t *testing.T) {
	t.Run("Command probe with defaults", func(t *testing.T) {
		yml := `
donor: "/opt/good"
target: "/opt/broken"
include:
  - "**/*.dll"
probe:
  type: command
  command: "./app --selftest"
`

		job, err := GetJobFromConfig(strings.NewReader(yml))
		require.Nil(t, err, "GetJobFromConfig returned an error")

		assert.Equal(t, "/opt/good", job.DonorRoot, "Mismatch in job field")
		assert.Equal(t, "/opt/broken", job.Target.Root, "Mismatch in job field")
		assert.Equal(t, "/opt/broken.pristine", job.Target.Snapshot, "Mismatch in job field")
		assert.Equal(t, []string{"**/*.dll"}, job.Include, "Mismatch in job field")
		assert.Equal(t, 10, job.MaxIterations, "Mismatch in job field")
		assert.Equal(t, 600*time.Second, job.ProbeTimeout, "Mismatch in job field")
		assert.Equal(t, 4, job.Workers, "Mismatch in job field")
		assert.True(t, job.Cache, "Mismatch in job field")
		assert.False(t, job.Approximate, "Mismatch in job field")

		probe, ok := job.Probe.(*CommandProbe)
		require.True(t, ok, "Wrong probe type %T", job.Probe)
		assert.Equal(t, "./app --selftest", probe.Command, "Mismatch in probe field")
		assert.Nil(t, job.ManualProbe())
	})

	t.Run("Docker probe with healthcheck and retries", func(t *testing.T) {
		yml := `
donor: "/opt/good"
target: "/opt/broken"
snapshot: "/backup/broken"
maxIterations: 20
probeTimeout: 30
noCache: true
approximate: true
probe:
  type: docker
  image: "wine:latest"
  cmd: ["wine", "/target/app.exe"]
  retries: 2
  backoff: 500
  healthcheck:
    port: 8080
    path: "/status"
`

		job, err := GetJobFromConfig(strings.NewReader(yml))
		require.Nil(t, err, "GetJobFromConfig returned an error")

		assert.Equal(t, "/backup/broken", job.Target.Snapshot, "Mismatch in job field")
		assert.Equal(t, 20, job.MaxIterations, "Mismatch in job field")
		assert.Equal(t, 30*time.Second, job.ProbeTimeout, "Mismatch in job field")
		assert.False(t, job.Cache, "Mismatch in job field")
		assert.True(t, job.Approximate, "Mismatch in job field")

		retry, ok := job.Probe.(*RetryProbe)
		require.True(t, ok, "Wrong probe type %T", job.Probe)
		assert.Equal(t, 2, retry.Config.Retries, "Mismatch in retry field")
		assert.Equal(t, 500*time.Millisecond, retry.Config.Backoff, "Mismatch in retry field")
		assert.Equal(t, 2*time.Second, retry.Config.MaxBackoff, "Mismatch in retry field")

		probe, ok := retry.Inner.(*DockerProbe)
		require.True(t, ok, "Wrong probe type %T", retry.Inner)
		assert.Equal(t, "wine:latest", probe.Image, "Mismatch in probe field")
		assert.Equal(t, []string{"wine", "/target/app.exe"}, probe.Command, "Mismatch in probe field")
		assert.Equal(t, "/target", probe.MountPath, "Mismatch in probe field")
		require.NotNil(t, probe.Healthcheck)
		assert.Equal(t, 8080, probe.Healthcheck.Port, "Mismatch in healthcheck field")
		assert.Equal(t, "/status", probe.Healthcheck.Path, "Mismatch in healthcheck field")
		assert.Equal(t, 10, probe.Healthcheck.Config.Retries, "Mismatch in healthcheck field")
		assert.Equal(t, time.Second, probe.Healthcheck.Config.Backoff, "Mismatch in healthcheck field")
	})

	t.Run("Manual probe", func(t *testing.T) {
		job, err := GetJobFromConfig(strings.NewReader("donor: a\ntarget: b\nprobe:\n  type: manual\n"))
		require.Nil(t, err)
		assert.NotNil(t, job.ManualProbe())
	})

	t.Run("Invalid configs", func(t *testing.T) {
		for _, yml := range []string{
			"target: b\nprobe:\n  command: x\n",
			"donor: a\ntarget: b\nprobe:\n  type: command\n",
			"donor: a\ntarget: b\nprobe:\n  type: docker\n",
			"donor: a\ntarget: b\nprobe:\n  type: docker\n  image: x\n  healthcheck:\n    path: /\n",
			"donor: a\ntarget: b\nprobe:\n  type: telepathy\n",
		} {
			_, err := GetJobFromConfig(strings.NewReader(yml))
			assert.True(t, errors.Is(err, ErrInvalidJob), "Config was accepted: %s", yml)
		}
	})
}

func TestJobRun(t *testing.T) {
	donor, target := setupInstallations(t)

	registry := prometheus.NewRegistry()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.DebugLevel)

	job := Job{
		DonorRoot: donor,
		Target:    target,

		Include:       []string{"**/*.dll"},
		OnlyDiffering: true,

		MaxIterations: 10,
		Cache:         true,
		Workers:       2,

		Probe: &RetryProbe{Inner: &CommandProbe{
			Command: `grep -q c-good lib/sub/c.dll`,
		}},

		Log:     log,
		Metrics: NewMetrics(registry),
	}

	report, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Resolved, report.Status())
	assert.Equal(t, []string{"lib/sub/c.dll"}, report.Minimal().Paths())
	assert.Len(t, report.Universe(), 3)
	assert.InDelta(t, 2.0/3.0, report.Reduction(), 1e-9)

	metrics := job.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsTotal.WithLabelValues("resolved")), "Run was not counted")
	probed := testutil.ToFloat64(metrics.trialsTotal.WithLabelValues("pass", "false")) + testutil.ToFloat64(metrics.trialsTotal.WithLabelValues("fail", "false"))
	assert.Equal(t, float64(report.ProbeCount()), probed, "Trials were not counted")

	t.Run("Missing snapshot", func(t *testing.T) {
		broken := job
		broken.Target.Snapshot = filepath.Join(t.TempDir(), "missing")
		broken.Metrics = nil

		report, err := broken.Run(context.Background())
		assert.True(t, errors.Is(err, ErrSnapshotMissing))
		assert.Nil(t, report, "Report returned without the run being started")
	})

	t.Run("No matching donor files", func(t *testing.T) {
		empty := job
		empty.Include = []string{"**/*.so"}
		empty.Metrics = nil

		report, err := empty.Run(context.Background())
		require.NoError(t, err)

		assert.Empty(t, report.Universe())
		assert.Equal(t, Irreducible, report.Status())
		assert.False(t, report.Final(), "Broken target without donor files resulted in a final answer")
		assert.Equal(t, 1, report.ProbeCount())
	})
}
