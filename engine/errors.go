/*
errors.go - Centralized error types for the generation engine

ERROR CATEGORIES:
  1. Validation - missing references, bad amounts, misconfigured cards.
     Fatal for the obligation only; never retried.
  2. Transient storage - lock contention, timeouts. Retried.
  3. Strategy - unexpected failures (including panics) inside a strategy.
     Logged with context and retried.
  4. Whole pass - the orchestrator could not run at all (storage down).

USAGE:
  Use errors.Is with the sentinels and Classify for retry decisions:

    if errors.Is(err, engine.ErrValidation) { ... }
    switch engine.Classify(err) { ... }

SEE ALSO:
  - orchestrator.go: turns errors into Failure records
  - scheduler/retry.go: retries what IsRetryable accepts
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when an obligation cannot be generated
	// because of its own data.
	ErrValidation = errors.New("validation failed")

	// ErrTransientStorage is returned by stores for lock contention and
	// timeouts. Safe to retry.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrStrategy wraps unexpected failures inside a strategy.
	ErrStrategy = errors.New("strategy failure")

	// ErrWholePass is returned when a pass aborts before finishing.
	ErrWholePass = errors.New("generation pass failed")

	// ErrDuplicateEntry is returned when a ledger entry already exists for
	// the same (kind, obligation, period).
	ErrDuplicateEntry = errors.New("ledger entry already exists for period")

	ErrObligationNotFound = errors.New("obligation not found")
	ErrCardNotFound       = errors.New("credit card not found")

	// ErrCardMisconfigured is returned when a credit card lacks a valid
	// closing or due day.
	ErrCardMisconfigured = errors.New("credit card misconfigured")

	// ErrUnknownKind is returned when no strategy handles a kind.
	ErrUnknownKind = errors.New("unknown obligation kind")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError lists what is wrong with an obligation.
type ValidationError struct {
	ObligationID ObligationID
	Missing      []string // absent mandatory references
	Reason       string
	Cause        error // optional, e.g. ErrCardMisconfigured
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "obligation %s: validation failed", e.ObligationID)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrValidation, e.Cause}
	}
	return []error{ErrValidation}
}

// StrategyError wraps an unexpected error raised while a strategy ran.
type StrategyError struct {
	Kind         Kind
	ObligationID ObligationID
	Err          error
	Panicked     bool
}

func (e *StrategyError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("%s strategy panicked on %s: %v", e.Kind, e.ObligationID, e.Err)
	}
	return fmt.Sprintf("%s strategy failed on %s: %v", e.Kind, e.ObligationID, e.Err)
}

func (e *StrategyError) Unwrap() []error { return []error{ErrStrategy, e.Err} }

// PassError reports a pass that aborted, and at which kind.
type PassError struct {
	Kind Kind
	Err  error
}

func (e *PassError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("generation pass failed: %v", e.Err)
	}
	return fmt.Sprintf("generation pass failed while loading %s obligations: %v", e.Kind, e.Err)
}

func (e *PassError) Unwrap() []error { return []error{ErrWholePass, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassTransient  ErrorClass = "transient"
	ClassStrategy   ErrorClass = "strategy"
)

// Classify maps an error to its handling class. Anything not recognized
// is treated as a strategy logic error.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrTransientStorage):
		return ClassTransient
	default:
		return ClassStrategy
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) != ClassValidation &&
		!errors.Is(err, ErrDuplicateEntry) && !IsNotFound(err)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObligationNotFound) || errors.Is(err, ErrCardNotFound)
}
