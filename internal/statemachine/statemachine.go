// Package statemachine enumerates store lifecycle states and validates
// transitions between them.
package statemachine

import "github.com/wisbric/storeforge/internal/apperror"

// Status is a store lifecycle state.
type Status string

const (
	Requested    Status = "requested"
	Provisioning Status = "provisioning"
	Ready        Status = "ready"
	Failed       Status = "failed"
	Deleting     Status = "deleting"
	Deleted      Status = "deleted"
)

// transitions enumerates every allowed (from, to) pair. A future redesign
// could split DELETING's failure branch into a dedicated DELETE_FAILED
// terminal state (see spec open question 1 in DESIGN.md); not implemented
// here, current behavior (DELETING -> FAILED) is preserved intentionally.
var transitions = map[Status]map[Status]bool{
	Requested:    {Provisioning: true, Failed: true},
	Provisioning: {Ready: true, Failed: true},
	Ready:        {Deleting: true},
	Failed:       {Requested: true, Deleting: true},
	Deleting:     {Deleted: true, Failed: true},
	Deleted:      {},
}

// Terminal is the set of states from which no further transition is possible.
var Terminal = map[Status]bool{Deleted: true}

// Active is the set of states that count toward a tenant's store cap: every
// state except FAILED and DELETED.
var Active = map[Status]bool{Requested: true, Provisioning: true, Ready: true, Deleting: true}

// InProgress is the set of states recovery scans for after a restart.
var InProgress = map[Status]bool{Requested: true, Provisioning: true, Deleting: true}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Validate returns an error unless from -> to is allowed.
func Validate(from, to Status) error {
	if !CanTransition(from, to) {
		return apperror.InvalidStateTransition(string(from), string(to))
	}
	return nil
}

// CanDelete reports whether a store in the given status may be deleted, with
// a human reason when it may not.
func CanDelete(status Status) (bool, string) {
	switch status {
	case Ready, Failed:
		return true, ""
	default:
		return false, "store must be ready or failed before it can be deleted"
	}
}

// CanRetry reports whether a store in the given status may be retried.
func CanRetry(status Status) bool {
	return status == Failed
}
