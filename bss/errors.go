package bss

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is; context is added by
// wrapping with fmt.Errorf("...: %w", ErrX) or by the typed errors below.
var (
	// ErrConvergence is returned by an ICASolver that ran out of iterations.
	// The decomposer recovers from it by excluding the run.
	ErrConvergence = errors.New("bss: ica did not converge")

	// ErrInsufficientData means too many runs failed for a consensus to be
	// trustworthy. Always carried by *InsufficientDataError.
	ErrInsufficientData = errors.New("bss: insufficient converged runs")

	// ErrDimensionMismatch flags inconsistent matrix or vector shapes.
	ErrDimensionMismatch = errors.New("bss: dimension mismatch")

	// ErrDegenerateSystem flags a rank-deficient least-squares or whitening system.
	ErrDegenerateSystem = errors.New("bss: degenerate system")

	// ErrEmptyClusterSet is reported (never returned by Pipeline.Run) when every
	// candidate was labelled noise.
	ErrEmptyClusterSet = errors.New("bss: every candidate was labelled noise")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("bss: invalid config")
)

// RunError describes a single failed decomposition run.
type RunError struct {
	Run          int
	Bootstrapped bool
	Err          error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %d (bootstrapped=%t): %v", e.Run, e.Bootstrapped, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// InsufficientDataError is returned when more runs failed than allowed.
// Cause is the failure of the lowest-numbered failed run, if any.
type InsufficientDataError struct {
	Failed  int
	Allowed int
	Total   int
	Cause   error
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v: %d of %d runs failed (at most %d allowed)",
		ErrInsufficientData, e.Failed, e.Total, e.Allowed)
}

func (e *InsufficientDataError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrInsufficientData}
	}
	return []error{ErrInsufficientData, e.Cause}
}
