/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package runner

import (
	"errors"
	"fmt"

	"github.com/acronis/go-dbpatch/catalog"
	"github.com/acronis/go-dbpatch/ledger"
)

// ErrHalted is returned by Result.Err when the run stopped before all pending patches were attempted.
var ErrHalted = errors.New("patch run halted")

// ErrOutOfOrder is matched by OutOfOrderError.
var ErrOutOfOrder = errors.New("patch version is below the current database version")

// OutOfOrderError is reported for an unapplied patch whose version is lower than the highest applied one.
// Applying it would break the ascending order in which patches reach the database.
type OutOfOrderError struct {
	Version        int64
	CurrentVersion int64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%s: patch %d, current version %d", ErrOutOfOrder, e.Version, e.CurrentVersion)
}

// Is makes errors.Is(err, ErrOutOfOrder) work.
func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}

// State is a state of the runner.
type State string

// Runner states. A finished run is either StateCompleted or StateHalted.
const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateDiffing   State = "diffing"
	StateApplying  State = "applying"
	StateHalted    State = "halted"
	StateCompleted State = "completed"
)

// Status is the outcome status of a single patch.
type Status string

// Patch statuses.
const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	// StatusPending is reported by dry runs for patches that would be applied.
	StatusPending Status = "pending"
)

// Outcome is what happened to a single patch during a run.
type Outcome struct {
	Patch  catalog.Patch
	Status Status

	// Entry is the ledger entry of an applied or skipped patch.
	Entry ledger.Entry

	// Err is the failure of a failed patch. For a drifted patch it holds the checksum mismatch,
	// for a patch below the current version it holds *OutOfOrderError.
	Err error

	// Drift is set when the ledger records the patch with a checksum that differs from the file.
	Drift bool
}

// Result is the result of a patch run.
type Result struct {
	State State

	// Outcomes lists recorded patches first, then patches below the current version, then the attempted ones,
	// each group in ascending version order.
	// Patches that were not attempted because the run halted are not listed.
	Outcomes []Outcome

	// Unknown lists ledger entries whose versions have no patch file.
	Unknown []ledger.Entry

	// Cause is why the run halted: the first patch failure or the context error.
	Cause error
}

// Err returns nil if the run completed without failed patches.
// For a halted run the error matches ErrHalted and wraps the cause.
func (r *Result) Err() error {
	if r.State == StateHalted {
		if r.Cause == nil {
			return ErrHalted
		}
		return fmt.Errorf("%w: %w", ErrHalted, r.Cause)
	}
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			return fmt.Errorf("patch %s: %w", o.Patch, o.Err)
		}
	}
	return nil
}

// Count returns the number of patches with the given status.
func (r *Result) Count(status Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Versions returns the versions of patches with the given status in the order they are listed.
func (r *Result) Versions(status Status) []int64 {
	var versions []int64
	for _, o := range r.Outcomes {
		if o.Status == status {
			versions = append(versions, o.Patch.Version)
		}
	}
	return versions
}
