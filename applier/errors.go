/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package applier

import (
	"errors"
	"fmt"
)

// ErrAlreadyApplied is returned when the ledger already records the patch with the same checksum.
var ErrAlreadyApplied = errors.New("patch already applied")

// ErrChecksumMismatch is matched by ChecksumMismatchError.
var ErrChecksumMismatch = errors.New("patch checksum mismatch")

// ChecksumMismatchError is returned when the ledger records the patch version with a checksum
// that differs from the checksum of the patch file, i.e. the file was edited after it was applied.
type ChecksumMismatchError struct {
	Version  int64
	Recorded string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("patch %d: %s: recorded %s, file %s", e.Version, ErrChecksumMismatch, e.Recorded, e.Actual)
}

// Is makes errors.Is(err, ErrChecksumMismatch) work.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// StatementFailedError is returned when a statement of the patch fails.
// The patch transaction is rolled back, so nothing of the patch is persisted.
type StatementFailedError struct {
	Version int64
	// Statement is the 1-based position of the failed statement in the patch.
	Statement int
	SQL       string
	Err       error
}

func (e *StatementFailedError) Error() string {
	return fmt.Sprintf("patch %d: statement %d failed: %v", e.Version, e.Statement, e.Err)
}

// Unwrap returns the database error.
func (e *StatementFailedError) Unwrap() error {
	return e.Err
}
