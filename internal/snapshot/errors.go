// Package snapshot implements the VM snapshot lifecycle: the
// create/rollback/delete state machine, the live-state save driver, the
// storage placement and eligibility rules, and the fleecing image
// lifecycle manager.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError is returned when a named snapshot does not exist.
type NotFoundError struct {
	VMID     string
	Snapshot string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("vm %s has no snapshot %q", e.VMID, e.Snapshot)
}

// BlockedError is returned when an operation cannot proceed because of
// incompatible attached resources or storage-reported blockers. Nothing
// has been mutated when it is returned.
type BlockedError struct {
	VMID     string
	Op       string
	Blockers []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("vm %s: %s blocked: %s", e.VMID, e.Op, strings.Join(e.Blockers, "; "))
}

// IsBlocked reports whether err is (or wraps) a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// PolicyError is returned by the eligibility evaluators when a volume
// violates a rule in non-relaxed mode.
type PolicyError struct {
	Slot   string
	Volume string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("volume %s (%s): %s", e.Volume, e.Slot, e.Reason)
}

// IsPolicyViolation reports whether err is (or wraps) a PolicyError.
func IsPolicyViolation(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
