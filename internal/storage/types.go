// Package storage defines the storage-backend collaborator used by the
// snapshot core: volume allocation, activation, snapshotting, and
// capability queries, addressed by opaque "pool:volname" identifiers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Volume content kinds reported by Capabilities and passed to Allocate.
const (
	KindDisk     = "disk"
	KindState    = "state"
	KindFleecing = "fleecing"
)

// Capabilities describes what the storage pool backing a volume can do.
type Capabilities struct {
	// Shared reports whether the pool is visible from every node
	// (shared pools need no replication).
	Shared bool

	// PathBased reports whether volumes are plain files addressable by
	// filesystem path, which makes suffix-named ephemeral artifacts
	// cheap.
	PathBased bool

	// Type is the content kind of the volume (KindDisk, KindState, ...).
	Type string

	// SupportsReplicate reports whether the pool can participate in
	// storage replication.
	SupportsReplicate bool
}

// OpError wraps a backend failure with the operation and volume involved.
type OpError struct {
	Op     string
	Volume string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Volume, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsOpError reports whether err is (or wraps) a storage OpError.
func IsOpError(err error) bool {
	var oe *OpError
	return errors.As(err, &oe)
}

// Backend is the storage collaborator consumed by the snapshot core.
// Calls are blocking and carry their own internal retry/timeout policy.
type Backend interface {
	// Allocate creates a new volume of sizeKB kibibytes in pool and
	// returns its volume identifier.
	Allocate(ctx context.Context, pool, vmid, kind, name string, sizeKB int64) (string, error)

	// Free permanently deletes a volume.
	Free(ctx context.Context, volid string) error

	// Activate and Deactivate make volumes usable/unusable on this node.
	Activate(ctx context.Context, volids ...string) error
	Deactivate(ctx context.Context, volids ...string) error

	// SnapshotVolume, DeleteVolumeSnapshot, and RollbackVolumeSnapshot
	// manage storage-level snapshots of a single volume.
	SnapshotVolume(ctx context.Context, volid, snapname string) error
	DeleteVolumeSnapshot(ctx context.Context, volid, snapname string) error
	RollbackVolumeSnapshot(ctx context.Context, volid, snapname string) error

	// RollbackPossible returns human-readable blockers preventing a
	// rollback of volid to snapname. An empty slice means rollback may
	// proceed.
	RollbackPossible(ctx context.Context, volid, snapname string) ([]string, error)

	// Capabilities reports the pool capabilities for a volume.
	Capabilities(ctx context.Context, volid string) (Capabilities, error)

	// ResolveOwner returns the VM id owning the volume, or "" when the
	// volume is unowned or foreign.
	ResolveOwner(ctx context.Context, volid string) (string, error)

	// Path resolves a volume identifier to a host filesystem path.
	Path(ctx context.Context, volid string) (string, error)
}

// ParseVolumeID splits a "pool:volname" identifier.
func ParseVolumeID(volid string) (pool, name string, err error) {
	pool, name, ok := strings.Cut(volid, ":")
	if !ok || pool == "" || name == "" {
		return "", "", fmt.Errorf("malformed volume id %q", volid)
	}
	return pool, name, nil
}

// PoolOf returns the pool part of a volume identifier, or "" when the
// identifier is not storage-managed.
func PoolOf(volid string) string {
	pool, _, err := ParseVolumeID(volid)
	if err != nil {
		return ""
	}
	return pool
}
