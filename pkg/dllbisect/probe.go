package dllbisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// A Verdict is the outcome of a single probe execution
type Verdict int

const (
	// The installation works with the materialized candidate set
	Pass Verdict = iota
	// The installation does not work with the materialized candidate set
	Fail
	// The probe itself could not be executed
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case VerdictError:
		return "error"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// MarshalText makes verdicts show up by name in yaml and json reports
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// A Probe runs a functional test against a materialized installation.
//
// A returned error means the probe could not run at all; the verdict is then always [VerdictError].
// Functional failures are reported as [Fail] with a nil error.
// Probes never retry by themselves, see [RetryProbe] for that.
type Probe interface {
	Probe(ctx context.Context, target TargetHandle) (Verdict, error)
}

// ProbeFunc adapts a function to the [Probe] interface
type ProbeFunc func(ctx context.Context, target TargetHandle) (Verdict, error)

func (f ProbeFunc) Probe(ctx context.Context, target TargetHandle) (Verdict, error) {
	return f(ctx, target)
}

// infrastructureError wraps err into an error matching [ErrProbeInfrastructure]
func infrastructureError(err error, format string, args ...any) (Verdict, error) {
	return VerdictError, errors.Join(ErrProbeInfrastructure, fmt.Errorf(format, args...), err)
}

// CommandProbe runs a shell command on the host.
// The command passes if it exits with status 0 and fails on any other exit status.
// The environment variable TARGET_ROOT holds the root of the target installation.
type CommandProbe struct {
	Command string // The command passed to sh -c
	Dir     string // Working directory of the command. Defaults to the target root

	Log *logrus.Entry
}

func (p CommandProbe) Probe(ctx context.Context, target TargetHandle) (Verdict, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = p.Dir
	if cmd.Dir == "" {
		cmd.Dir = target.Root
	}
	cmd.Env = append(os.Environ(), "TARGET_ROOT="+target.Root)

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return infrastructureError(ctx.Err(), "probe command %q on target %s did not finish", p.Command, target.ID)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if p.Log != nil {
			p.Log.Debugf("Probe command exited with status %d, output: %s", exitErr.ExitCode(), out)
		}
		return Fail, nil
	} else if err != nil {
		return infrastructureError(err, "failed to run probe command %q on target %s", p.Command, target.ID)
	}

	if p.Log != nil {
		p.Log.Tracef("Probe command output: %s", out)
	}
	return Pass, nil
}

// RetryConfig configures how often and with what backoff failed attempts are retried
type RetryConfig struct {
	Retries int // How many times a failed attempt is retried

	Backoff time.Duration // How long to wait before the first retry

	BackoffIncrement time.Duration // By how much to increment the backoff on each failed attempt
	MaxBackoff       time.Duration // The maximum duration the backoff may reach after incrementing. When the backoff has reached this value, it won't increase any further
}

// RetryProbe retries the wrapped probe when it fails with an infrastructure error.
// Pass and Fail verdicts are returned as-is and never retried.
type RetryProbe struct {
	Inner  Probe
	Config RetryConfig

	Log *logrus.Entry
}

func (r RetryProbe) Probe(ctx context.Context, target TargetHandle) (Verdict, error) {
	backoff := r.Config.Backoff
	for i := 0; ; i++ {
		verdict, err := r.Inner.Probe(ctx, target)
		if err == nil || i >= r.Config.Retries || ctx.Err() != nil {
			return verdict, err
		}

		if r.Log != nil {
			r.Log.Warnf("Probe attempt %d of %d on target %s failed, retrying in %s - %v", i+1, r.Config.Retries+1, target.ID, backoff, err)
		}

		select {
		case <-ctx.Done():
			return infrastructureError(ctx.Err(), "probe retry on target %s cancelled", target.ID)
		case <-time.After(backoff):
		}

		backoff += r.Config.BackoffIncrement
		if r.Config.MaxBackoff > 0 && backoff > r.Config.MaxBackoff {
			backoff = r.Config.MaxBackoff
		}
	}
}
