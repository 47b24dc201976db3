/*
errors.go - Centralized error types for the payout engine

ERROR CATEGORIES:
  1. Input errors - bad duration, rate, date range (caller error, not retried)
  2. Not found - missing rate, run, or ledger row
  3. State conflicts - locked runs, retired rates

Unresolved rates are NOT errors. A row that cannot be priced is counted in
the pass result so the rest of the period still gets priced.

USAGE:
  var locked *payout.RunLockedError
  if errors.As(err, &locked) {
      fmt.Println("blocked by run", locked.RunID, locked.Period)
  }
*/
package payout

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is wrapped by every specific not-found error below.
	ErrNotFound          = errors.New("not found")
	ErrRateNotFound      = fmt.Errorf("pay rate %w", ErrNotFound)
	ErrRunNotFound       = fmt.Errorf("payout run %w", ErrNotFound)
	ErrLedgerRowNotFound = fmt.Errorf("ledger row %w", ErrNotFound)

	// ErrRunLocked is returned when a mutation touches days covered by a locked run.
	ErrRunLocked = errors.New("payout run is locked")

	ErrAlreadyLocked      = errors.New("payout run already locked")
	ErrAlreadyRetired     = errors.New("pay rate already retired")
	ErrCannotDeleteLocked = errors.New("cannot delete a locked payout run")

	// Uniqueness violations reported by stores.
	ErrDuplicateSession = errors.New("session already recorded for athlete")
	ErrActiveRateExists = errors.New("bucket already has an active rate")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InputError names the offending field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// RunLockedError identifies the locked run that blocked a mutation.
type RunLockedError struct {
	RunID     RunID
	Period    Period // the locked run's period
	Requested Period // the range the caller tried to mutate
}

func (e *RunLockedError) Error() string {
	return fmt.Sprintf("payout run %d for %s is locked; cannot modify %s",
		e.RunID, e.Period, e.Requested)
}

func (e *RunLockedError) Unwrap() error { return ErrRunLocked }

// RunStateError reports a lifecycle transition refused because of the run's state.
type RunStateError struct {
	RunID  RunID
	Period Period
	Err    error // ErrAlreadyLocked or ErrCannotDeleteLocked
}

func (e *RunStateError) Error() string {
	return fmt.Sprintf("%v: run %d for %s", e.Err, e.RunID, e.Period)
}

func (e *RunStateError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the record's state forbids the operation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrRunLocked) ||
		errors.Is(err, ErrAlreadyLocked) ||
		errors.Is(err, ErrAlreadyRetired) ||
		errors.Is(err, ErrCannotDeleteLocked) ||
		errors.Is(err, ErrDuplicateSession) ||
		errors.Is(err, ErrActiveRateExists)
}
