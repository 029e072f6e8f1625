//go:build libvirt

// Package vm provides the VM runtime collaborator backed by libvirt.
//
// LibvirtRuntime is the production implementation that connects to a
// running libvirt daemon via its Unix domain socket. It satisfies the
// Runtime interface defined in types.go.
//
// Build with -tags libvirt to include the real implementation:
//
//	go build -tags libvirt ./...
package vm

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// stopPollInterval is the cadence at which Stop re-checks domain state
// while waiting out the grace period.
const stopPollInterval = time.Second

// machineAttrPattern matches the machine attribute of the <os><type>
// element in a domain or save-image XML document.
var machineAttrPattern = regexp.MustCompile(`(<type[^>]*\bmachine=")([^"]*)(")`)

// cpuModelPattern matches the CPU model text inside a <cpu> element.
var cpuModelPattern = regexp.MustCompile(`(<cpu[\s\S]*?<model[^>]*>)([^<]*)(</model>)`)

// LibvirtRuntime implements Runtime using the go-libvirt pure-Go client.
// VM ids are libvirt domain names.
type LibvirtRuntime struct {
	l          *libvirt.Libvirt
	socketPath string
}

// NewLibvirtRuntime dials the libvirt Unix socket at socketPath,
// performs the connect handshake, and returns a ready-to-use runtime.
func NewLibvirtRuntime(socketPath string) (*LibvirtRuntime, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("libvirt socket path must not be empty")
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %q: %w", socketPath, err)
	}

	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("libvirt connect: %w", err)
	}

	return &LibvirtRuntime{l: l, socketPath: socketPath}, nil
}

// Close disconnects from the libvirt daemon.
func (r *LibvirtRuntime) Close() error {
	if err := r.l.Disconnect(); err != nil {
		return fmt.Errorf("libvirt disconnect: %w", err)
	}
	return nil
}

// Running reports whether the domain is in the running state.
func (r *LibvirtRuntime) Running(ctx context.Context, vmid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("vm %s running check: %w", vmid, err)
	}

	dom, err := r.l.DomainLookupByName(vmid)
	if err != nil {
		return false, fmt.Errorf("vm %q not found: %w", vmid, err)
	}

	state, _, err := r.l.DomainGetState(dom, 0)
	if err != nil {
		return false, fmt.Errorf("vm %s: get state: %w", vmid, err)
	}
	return libvirt.DomainState(state) == libvirt.DomainRunning, nil
}

// Stop shuts the domain down gracefully and destroys it once the grace
// period expires. A domain that is already shut off is left alone.
func (r *LibvirtRuntime) Stop(ctx context.Context, vmid string, grace time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stop vm %s: %w", vmid, err)
	}

	dom, err := r.l.DomainLookupByName(vmid)
	if err != nil {
		return fmt.Errorf("vm %q not found: %w", vmid, err)
	}

	state, _, err := r.l.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("stop vm %s: get state: %w", vmid, err)
	}
	if libvirt.DomainState(state) == libvirt.DomainShutoff {
		return nil
	}

	if err := r.l.DomainShutdown(dom); err != nil {
		return fmt.Errorf("stop vm %s: shutdown: %w", vmid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stop vm %s: %w", vmid, err)
		}
		state, _, err := r.l.DomainGetState(dom, 0)
		if err != nil {
			return fmt.Errorf("stop vm %s: get state: %w", vmid, err)
		}
		if libvirt.DomainState(state) == libvirt.DomainShutoff {
			return nil
		}
		time.Sleep(stopPollInterval)
	}

	if err := r.l.DomainDestroy(dom); err != nil {
		return fmt.Errorf("stop vm %s: destroy after grace period: %w", vmid, err)
	}
	return nil
}

// Start boots the domain. With a StatePath it resumes from the saved
// live-state image instead, applying any machine/CPU overrides to the
// image definition first (libvirt has no direct override knob on
// restore, so the save-image XML is edited in place).
func (r *LibvirtRuntime) Start(ctx context.Context, vmid string, opts StartOptions) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start vm %s: %w", vmid, err)
	}

	if opts.StatePath == "" {
		dom, err := r.l.DomainLookupByName(vmid)
		if err != nil {
			return fmt.Errorf("vm %q not found: %w", vmid, err)
		}
		if err := r.l.DomainCreate(dom); err != nil {
			return fmt.Errorf("start vm %s: %w", vmid, err)
		}
		return nil
	}

	if opts.ForcedMachine != "" || opts.ForcedCPU != "" {
		xmlDesc, err := r.l.DomainSaveImageGetXMLDesc(opts.StatePath, 0)
		if err != nil {
			return fmt.Errorf("start vm %s: read state image xml: %w", vmid, err)
		}
		patched := applyOverrides(xmlDesc, opts.ForcedMachine, opts.ForcedCPU)
		if patched != xmlDesc {
			if err := r.l.DomainSaveImageDefineXML(opts.StatePath, patched, 0); err != nil {
				return fmt.Errorf("start vm %s: apply state image overrides: %w", vmid, err)
			}
		}
	}

	if err := r.l.DomainRestore(opts.StatePath); err != nil {
		return fmt.Errorf("start vm %s: restore from %q: %w", vmid, opts.StatePath, err)
	}
	return nil
}

// CurrentMachine returns the machine type from the live domain XML.
func (r *LibvirtRuntime) CurrentMachine(ctx context.Context, vmid string) (string, error) {
	machine, _, err := r.liveMachineCPU(ctx, vmid)
	return machine, err
}

// CurrentCPU returns the CPU model from the live domain XML.
func (r *LibvirtRuntime) CurrentCPU(ctx context.Context, vmid string) (string, error) {
	_, cpu, err := r.liveMachineCPU(ctx, vmid)
	return cpu, err
}

// liveMachineCPU extracts the machine type and CPU model from the
// running domain's XML description.
func (r *LibvirtRuntime) liveMachineCPU(ctx context.Context, vmid string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", fmt.Errorf("vm %s: %w", vmid, err)
	}

	dom, err := r.l.DomainLookupByName(vmid)
	if err != nil {
		return "", "", fmt.Errorf("vm %q not found: %w", vmid, err)
	}

	xmlDesc, err := r.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", "", fmt.Errorf("vm %s: get xml desc: %w", vmid, err)
	}

	var machine, cpu string
	if m := machineAttrPattern.FindStringSubmatch(xmlDesc); m != nil {
		machine = m[2]
	}
	if m := cpuModelPattern.FindStringSubmatch(xmlDesc); m != nil {
		cpu = m[2]
	}
	return machine, cpu, nil
}

// applyOverrides rewrites the machine attribute and CPU model text of a
// domain XML document.
func applyOverrides(xmlDesc, machine, cpu string) string {
	out := xmlDesc
	if machine != "" {
		out = machineAttrPattern.ReplaceAllString(out, "${1}"+machine+"${3}")
	}
	if cpu != "" {
		out = cpuModelPattern.ReplaceAllString(out, "${1}"+cpu+"${3}")
	}
	return out
}
