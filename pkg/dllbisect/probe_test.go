package dllbisect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommandProbe(t *testing.T) {
	target := TargetHandle{ID: "test", Root: t.TempDir()}

	t.Run("Zero exit status passes", func(t *testing.T) {
		verdict, err := CommandProbe{Command: "exit 0"}.Probe(context.Background(), target)
		assert.Nil(t, err)
		assert.Equal(t, Pass, verdict)
	})
	t.Run("Non-zero exit status fails", func(t *testing.T) {
		verdict, err := CommandProbe{Command: "exit 3"}.Probe(context.Background(), target)
		assert.Nil(t, err, "Functional failure returned an error")
		assert.Equal(t, Fail, verdict)
	})
	t.Run("Target root gets passed in", func(t *testing.T) {
		verdict, _ := CommandProbe{Command: `[ "$TARGET_ROOT" = "$(pwd)" ]`}.Probe(context.Background(), target)
		assert.Equal(t, Pass, verdict)
	})
	t.Run("Unusable working directory is an infrastructure error", func(t *testing.T) {
		verdict, err := CommandProbe{Command: "exit 0", Dir: "/does/not/exist"}.Probe(context.Background(), target)
		assert.True(t, errors.Is(err, ErrProbeInfrastructure))
		assert.Equal(t, VerdictError, verdict)
	})
	t.Run("Timeout is an infrastructure error", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		verdict, err := CommandProbe{Command: "sleep 5"}.Probe(ctx, target)
		assert.True(t, errors.Is(err, ErrProbeInfrastructure))
		assert.Equal(t, VerdictError, verdict)
	})
}

func TestRetryProbe(t *testing.T) {
	config := RetryConfig{
		Retries:          3,
		Backoff:          time.Millisecond,
		BackoffIncrement: time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
	}

	t.Run("Infrastructure errors are retried", func(t *testing.T) {
		calls := 0
		probe := RetryProbe{
			Config: config,
			Inner: ProbeFunc(func(ctx context.Context, target TargetHandle) (Verdict, error) {
				calls++
				if calls < 3 {
					return infrastructureError(errors.New("flaky"), "attempt %d", calls)
				}
				return Pass, nil
			}),
		}

		verdict, err := probe.Probe(context.Background(), TargetHandle{})
		assert.Nil(t, err)
		assert.Equal(t, Pass, verdict)
		assert.Equal(t, 3, calls)
	})
	t.Run("Retries run out", func(t *testing.T) {
		calls := 0
		probe := RetryProbe{
			Config: config,
			Inner: ProbeFunc(func(ctx context.Context, target TargetHandle) (Verdict, error) {
				calls++
				return infrastructureError(errors.New("down"), "attempt %d", calls)
			}),
		}

		verdict, err := probe.Probe(context.Background(), TargetHandle{})
		assert.True(t, errors.Is(err, ErrProbeInfrastructure))
		assert.Equal(t, VerdictError, verdict)
		assert.Equal(t, 4, calls)
	})
	t.Run("Functional failures are not retried", func(t *testing.T) {
		calls := 0
		probe := RetryProbe{
			Config: config,
			Inner: ProbeFunc(func(ctx context.Context, target TargetHandle) (Verdict, error) {
				calls++
				return Fail, nil
			}),
		}

		verdict, err := probe.Probe(context.Background(), TargetHandle{})
		assert.Nil(t, err)
		assert.Equal(t, Fail, verdict)
		assert.Equal(t, 1, calls)
	})
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "pass", Pass.String())
	assert.Equal(t, "fail", Fail.String())
	assert.Equal(t, "error", VerdictError.String())
	assert.Equal(t, "Verdict(7)", Verdict(7).String())
}
