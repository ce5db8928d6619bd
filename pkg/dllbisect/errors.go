package dllbisect

import "errors"

var (
	// ErrProbeInfrastructure is returned when a probe could not be executed at all.
	// It is never a functional failure and aborts the whole run.
	ErrProbeInfrastructure = errors.New("probe infrastructure error")

	// ErrMaterialize is returned when the target could not be reset or overlaid.
	ErrMaterialize = errors.New("materialization failed")

	// ErrSnapshotMissing is returned when the pristine snapshot of a target does not exist.
	ErrSnapshotMissing = errors.New("pristine snapshot missing")

	// ErrInvalidJob is returned for job configs which cannot be run.
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvariant is returned when the bisection state violates one of its invariants.
	ErrInvariant = errors.New("bisection invariant violated")
)
