// Package monitor provides the hypervisor control channel and the
// guest-agent channel for a VM: a generic request/response call that
// carries QMP-style commands, plus helpers for the guest agent.
package monitor

import (
	"context"
	"errors"
	"fmt"
)

// Error is a control-channel failure: either the channel reported a
// command failure or it returned something the caller cannot interpret.
type Error struct {
	VMID    string
	Command string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("vm %s: command %q failed: %s", e.VMID, e.Command, e.Message)
}

// IsChannelError reports whether err is (or wraps) a channel Error.
func IsChannelError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Channel is the control-channel collaborator. Send issues one command
// to the VM's hypervisor process (or its guest agent, for "guest-*"
// commands) and returns the decoded "return" payload. Transport-level
// retry policy is internal to the implementation.
type Channel interface {
	Send(ctx context.Context, vmid, command string, args map[string]any) (any, error)
}

// AgentReachable reports whether the guest agent for vmid responds to a
// ping. A VM without a configured agent is never reachable.
func AgentReachable(ctx context.Context, ch Channel, vmid string, agentConfigured bool) bool {
	if !agentConfigured {
		return false
	}
	_, err := ch.Send(ctx, vmid, "guest-ping", nil)
	return err == nil
}

// FreezeFS asks the guest agent to freeze all guest filesystems.
func FreezeFS(ctx context.Context, ch Channel, vmid string) error {
	_, err := ch.Send(ctx, vmid, "guest-fsfreeze-freeze", nil)
	return err
}

// ThawFS asks the guest agent to thaw previously frozen filesystems.
func ThawFS(ctx context.Context, ch Channel, vmid string) error {
	_, err := ch.Send(ctx, vmid, "guest-fsfreeze-thaw", nil)
	return err
}
