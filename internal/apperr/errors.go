// Package apperr holds the error taxonomy shared by the archive and the
// ingestion pipeline.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrSchemaTooNew      = errors.New("archive schema is newer than this build")
	ErrBlocked           = errors.New("source requires a primed capture")
	ErrMalformedManifest = errors.New("malformed manifest")
)

// MigrationError aborts opening an archive. Version is the step that failed
// (or the recorded version when it is newer than the build supports).
type MigrationError struct {
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration to version %d: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// ConstraintViolation rejects a write before anything is stored.
type ConstraintViolation struct {
	Entity string
	Reason string
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("constraint violation on %s: %s", e.Entity, e.Reason)
}

// TransientFetchError is retried under the backoff policy.
type TransientFetchError struct {
	URL    string
	Status int // 0 when no HTTP response was received
	Err    error
}

func (e *TransientFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient fetch error %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("transient fetch error %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is recorded and never retried.
type PermanentFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *PermanentFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("permanent fetch error %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("permanent fetch error %s: %v", e.URL, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// ConversionError reports a failed external conversion tool run. It is
// recorded in the annex ledger and never aborts a run.
type ConversionError struct {
	Tool string
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion with %s failed: %v", e.Tool, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// IsConstraint reports whether err is a ConstraintViolation.
func IsConstraint(err error) bool {
	var c *ConstraintViolation
	return errors.As(err, &c)
}
