// Package vm provides the VM runtime collaborator: process state
// queries and stop/start with saved-state resume, backed by libvirt.
package vm

import (
	"context"
	"time"
)

// DefaultStopGrace is the bounded grace period given to a guest for a
// clean shutdown before it is destroyed.
const DefaultStopGrace = 3 * time.Minute

// StartOptions carries the optional overrides applied when starting a VM.
type StartOptions struct {
	// StatePath resumes the VM from a saved live-state image at the
	// given host path instead of cold-booting it.
	StatePath string

	// ForcedMachine pins the machine type for this start, overriding
	// the declared configuration.
	ForcedMachine string

	// ForcedCPU pins the CPU model for this start.
	ForcedCPU string
}

// Runtime defines the runtime operations the snapshot core needs from
// the hypervisor layer.
type Runtime interface {
	// Running reports whether the VM process is currently running.
	Running(ctx context.Context, vmid string) (bool, error)

	// Stop shuts the VM down gracefully, destroying it once the grace
	// period expires. Stopping an already stopped VM is a no-op.
	Stop(ctx context.Context, vmid string, grace time.Duration) error

	// Start boots the VM, applying any overrides in opts.
	Start(ctx context.Context, vmid string, opts StartOptions) error

	// CurrentMachine returns the machine type the live VM process is
	// running with.
	CurrentMachine(ctx context.Context, vmid string) (string, error)

	// CurrentCPU returns the CPU model string the live VM process is
	// running with.
	CurrentCPU(ctx context.Context, vmid string) (string, error)
}
