package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// connectTimeout bounds the QMP socket handshake, not command runtime.
const connectTimeout = 5 * time.Second

// QMPChannel implements Channel over per-VM QMP unix sockets. Each VM
// exposes two sockets under the socket directory: <vmid>.qmp for the
// hypervisor monitor and <vmid>.qga for the guest agent. Commands with
// a "guest-" prefix are routed to the agent socket.
type QMPChannel struct {
	socketDir string
}

// NewQMPChannel returns a QMPChannel using sockets under socketDir.
func NewQMPChannel(socketDir string) (*QMPChannel, error) {
	if socketDir == "" {
		return nil, fmt.Errorf("qmp socket directory must not be empty")
	}
	return &QMPChannel{socketDir: socketDir}, nil
}

func (c *QMPChannel) socketPath(vmid, command string) string {
	ext := ".qmp"
	if strings.HasPrefix(command, "guest-") {
		ext = ".qga"
	}
	return filepath.Join(c.socketDir, vmid+ext)
}

// qmpCommand is the wire form of a QMP command.
type qmpCommand struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Send connects to the VM's socket, runs one command, and returns the
// decoded "return" payload. Channel-reported failures come back as a
// typed *Error.
func (c *QMPChannel) Send(ctx context.Context, vmid, command string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("send %q to vm %s: %w", command, vmid, err)
	}

	mon, err := qmp.NewSocketMonitor("unix", c.socketPath(vmid, command), connectTimeout)
	if err != nil {
		return nil, &Error{VMID: vmid, Command: command, Message: err.Error()}
	}
	if err := mon.Connect(); err != nil {
		return nil, &Error{VMID: vmid, Command: command, Message: err.Error()}
	}
	defer mon.Disconnect()

	request, err := json.Marshal(qmpCommand{Execute: command, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal command %q: %w", command, err)
	}

	raw, err := mon.Run(request)
	if err != nil {
		return nil, &Error{VMID: vmid, Command: command, Message: err.Error()}
	}

	var resp struct {
		Return any `json:"return"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{VMID: vmid, Command: command, Message: "unparseable response: " + err.Error()}
	}
	return resp.Return, nil
}
