//go:build !libvirt

// Package vm provides the VM runtime collaborator backed by libvirt.
//
// This file provides a stub LibvirtRuntime that is compiled when the
// "libvirt" build tag is NOT present (e.g. during unit tests or on
// systems without libvirt installed).
//
// To build with the real libvirt implementation, use:
//
//	go build -tags libvirt ./...
package vm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLibvirtNotCompiled is returned by every stub method; build with
// -tags libvirt for production use.
var ErrLibvirtNotCompiled = errors.New("libvirt support not compiled: rebuild with -tags libvirt")

// LibvirtRuntime is the production VM runtime backed by libvirt. This
// stub is compiled when the "libvirt" build tag is absent. The real
// implementation (requiring github.com/digitalocean/go-libvirt) is in
// manager.go and is guarded by the "libvirt" build tag.
type LibvirtRuntime struct {
	socketPath string
}

// NewLibvirtRuntime returns an error in stub mode because the real
// libvirt client is not compiled in.
func NewLibvirtRuntime(socketPath string) (*LibvirtRuntime, error) {
	return nil, fmt.Errorf("%w (socket: %s)", ErrLibvirtNotCompiled, socketPath)
}

// Close is a no-op in stub mode.
func (r *LibvirtRuntime) Close() error { return nil }

// Running always returns an error in stub mode.
func (r *LibvirtRuntime) Running(_ context.Context, vmid string) (bool, error) {
	return false, ErrLibvirtNotCompiled
}

// Stop always returns an error in stub mode.
func (r *LibvirtRuntime) Stop(_ context.Context, vmid string, grace time.Duration) error {
	return ErrLibvirtNotCompiled
}

// Start always returns an error in stub mode.
func (r *LibvirtRuntime) Start(_ context.Context, vmid string, opts StartOptions) error {
	return ErrLibvirtNotCompiled
}

// CurrentMachine always returns an error in stub mode.
func (r *LibvirtRuntime) CurrentMachine(_ context.Context, vmid string) (string, error) {
	return "", ErrLibvirtNotCompiled
}

// CurrentCPU always returns an error in stub mode.
func (r *LibvirtRuntime) CurrentCPU(_ context.Context, vmid string) (string, error) {
	return "", ErrLibvirtNotCompiled
}
