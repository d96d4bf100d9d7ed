/*
errors.go - Error taxonomy for the progress engine

PURPOSE:
  All sentinel and structured errors in one place. Structured errors carry the
  pair or course they concern and unwrap to a sentinel so callers can branch
  with errors.Is / errors.As.

PROPAGATION:
  Single-pair operations return errors to their caller. Sweep operations
  capture per-pair errors into a SweepReport and continue.

  ErrAlreadyCompleted never reaches callers of the Issuer: a redundant
  issuance resolves to the existing certificate id.

SEE ALSO:
  - reconcile.go: SweepReport collects per-pair errors
  - retry.go:     bounded caller-side retry of retryable errors
*/
package progress

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotEnrolled is returned when an operation targets a pair without an
	// active (non-revoked) ProgressRecord.
	ErrNotEnrolled = errors.New("not enrolled")

	// ErrAlreadyCompleted marks a redundant certificate issuance.
	ErrAlreadyCompleted = errors.New("already completed")

	// ErrTransactionConflict is returned when a concurrent write to the same
	// pair won the race. Callers may retry a bounded number of times.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrReconciliationMismatch is returned when reconciliation finds a pair
	// whose EnrollmentSummary is missing.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrTopologyLookup is returned when the course topology cannot be read.
	ErrTopologyLookup = errors.New("topology lookup failed")

	// ErrNotFound is returned by stores for a missing document.
	ErrNotFound = errors.New("not found")

	// ErrNotCompleted is returned when issuing a certificate for a record that
	// is not completed.
	ErrNotCompleted = errors.New("course not completed")

	// ErrUnknownModule is returned when a module id is not in the topology.
	ErrUnknownModule = errors.New("unknown module")

	// ErrEnrollmentRevoked is returned when enrolling a revoked pair.
	ErrEnrollmentRevoked = errors.New("enrollment revoked")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotEnrolledError says why a pair is not enrolled.
type NotEnrolledError struct {
	Key    PairKey
	Reason string
}

func (e *NotEnrolledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("not enrolled: %s", e.Key)
	}
	return fmt.Sprintf("not enrolled: %s (%s)", e.Key, e.Reason)
}

func (e *NotEnrolledError) Unwrap() error { return ErrNotEnrolled }

// TopologyLookupError wraps a provider failure. It is retryable and must never
// be read as "course has no lessons".
type TopologyLookupError struct {
	CourseID CourseID
	Err      error
}

func (e *TopologyLookupError) Error() string {
	return fmt.Sprintf("topology lookup for course %s: %v", e.CourseID, e.Err)
}

func (e *TopologyLookupError) Unwrap() []error {
	return []error{ErrTopologyLookup, e.Err}
}

// MismatchError describes a pair reconciliation could not fix.
type MismatchError struct {
	Key    PairKey
	Detail string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("reconciliation mismatch for %s: %s", e.Key, e.Detail)
}

func (e *MismatchError) Unwrap() error { return ErrReconciliationMismatch }

func notEnrolled(key PairKey, reason string) error {
	return &NotEnrolledError{Key: key, Reason: reason}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict) || errors.Is(err, ErrTopologyLookup)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnknownModule) ||
		errors.Is(err, ErrNotCompleted) ||
		errors.Is(err, ErrEnrollmentRevoked)
}

// IsNotFound returns true if the error indicates a missing document or pair.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotEnrolled)
}
