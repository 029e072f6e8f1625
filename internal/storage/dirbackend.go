package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// snapSuffix separates a volume file name from a snapshot copy of it.
const snapSuffix = ".snap-"

// ownerPattern extracts the owning VM id from the conventional
// "vm-<id>-..." volume naming scheme.
var ownerPattern = regexp.MustCompile(`^vm-([^-]+)-`)

// Pool configures one directory-backed storage pool.
type Pool struct {
	Shared bool
}

// DirBackend is a development and test implementation of Backend that
// stores every volume as a plain file under <root>/<pool>/<volname> and
// snapshots as suffixed copies. All pools are path-based.
type DirBackend struct {
	root  string
	pools map[string]Pool
}

// NewDirBackend returns a DirBackend rooted at root with the given
// pools, creating the pool directories if needed.
func NewDirBackend(root string, pools map[string]Pool) (*DirBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root must not be empty")
	}
	for pool := range pools {
		if err := os.MkdirAll(filepath.Join(root, pool), 0o755); err != nil {
			return nil, fmt.Errorf("create pool dir %q: %w", pool, err)
		}
	}
	return &DirBackend{root: root, pools: pools}, nil
}

func (b *DirBackend) volPath(volid string) (string, error) {
	pool, name, err := ParseVolumeID(volid)
	if err != nil {
		return "", err
	}
	if _, ok := b.pools[pool]; !ok {
		return "", fmt.Errorf("unknown storage pool %q", pool)
	}
	return filepath.Join(b.root, pool, name), nil
}

// Allocate creates a sparse file of sizeKB kibibytes.
func (b *DirBackend) Allocate(ctx context.Context, pool, vmid, kind, name string, sizeKB int64) (string, error) {
	volid := pool + ":" + name
	path, err := b.volPath(volid)
	if err != nil {
		return "", &OpError{Op: "allocate", Volume: volid, Err: err}
	}
	if _, err := os.Stat(path); err == nil {
		return "", &OpError{Op: "allocate", Volume: volid, Err: fmt.Errorf("volume already exists")}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", &OpError{Op: "allocate", Volume: volid, Err: err}
	}
	defer f.Close()

	if err := f.Truncate(sizeKB * 1024); err != nil {
		os.Remove(path)
		return "", &OpError{Op: "allocate", Volume: volid, Err: err}
	}
	return volid, nil
}

// Free deletes the volume file and any snapshot copies of it.
func (b *DirBackend) Free(ctx context.Context, volid string) error {
	path, err := b.volPath(volid)
	if err != nil {
		return &OpError{Op: "free", Volume: volid, Err: err}
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return &OpError{Op: "free", Volume: volid, Err: fmt.Errorf("volume does not exist")}
		}
		return &OpError{Op: "free", Volume: volid, Err: err}
	}

	snaps, _ := filepath.Glob(path + snapSuffix + "*")
	for _, snap := range snaps {
		os.Remove(snap)
	}
	return nil
}

// Activate is a no-op: file-backed volumes are always accessible.
func (b *DirBackend) Activate(ctx context.Context, volids ...string) error {
	for _, volid := range volids {
		path, err := b.volPath(volid)
		if err != nil {
			return &OpError{Op: "activate", Volume: volid, Err: err}
		}
		if _, err := os.Stat(path); err != nil {
			return &OpError{Op: "activate", Volume: volid, Err: err}
		}
	}
	return nil
}

// Deactivate is a no-op for file-backed volumes.
func (b *DirBackend) Deactivate(ctx context.Context, volids ...string) error {
	return nil
}

// SnapshotVolume copies the volume file to a snapshot-suffixed name.
func (b *DirBackend) SnapshotVolume(ctx context.Context, volid, snapname string) error {
	path, err := b.volPath(volid)
	if err != nil {
		return &OpError{Op: "snapshot", Volume: volid, Err: err}
	}
	if err := copyFile(path, path+snapSuffix+snapname); err != nil {
		return &OpError{Op: "snapshot", Volume: volid, Err: err}
	}
	return nil
}

// DeleteVolumeSnapshot removes a snapshot copy.
func (b *DirBackend) DeleteVolumeSnapshot(ctx context.Context, volid, snapname string) error {
	path, err := b.volPath(volid)
	if err != nil {
		return &OpError{Op: "delete snapshot", Volume: volid, Err: err}
	}
	if err := os.Remove(path + snapSuffix + snapname); err != nil && !os.IsNotExist(err) {
		return &OpError{Op: "delete snapshot", Volume: volid, Err: err}
	}
	return nil
}

// RollbackVolumeSnapshot restores the volume file from a snapshot copy.
func (b *DirBackend) RollbackVolumeSnapshot(ctx context.Context, volid, snapname string) error {
	path, err := b.volPath(volid)
	if err != nil {
		return &OpError{Op: "rollback", Volume: volid, Err: err}
	}
	if err := copyFile(path+snapSuffix+snapname, path); err != nil {
		return &OpError{Op: "rollback", Volume: volid, Err: err}
	}
	return nil
}

// RollbackPossible reports a blocker when the snapshot copy is missing.
func (b *DirBackend) RollbackPossible(ctx context.Context, volid, snapname string) ([]string, error) {
	path, err := b.volPath(volid)
	if err != nil {
		return nil, &OpError{Op: "rollback check", Volume: volid, Err: err}
	}
	if _, err := os.Stat(path + snapSuffix + snapname); err != nil {
		return []string{fmt.Sprintf("volume %q has no snapshot %q", volid, snapname)}, nil
	}
	return nil, nil
}

// Capabilities reports the configured pool capabilities; the volume
// kind is inferred from its name.
func (b *DirBackend) Capabilities(ctx context.Context, volid string) (Capabilities, error) {
	pool, name, err := ParseVolumeID(volid)
	if err != nil {
		return Capabilities{}, &OpError{Op: "capabilities", Volume: volid, Err: err}
	}
	p, ok := b.pools[pool]
	if !ok {
		return Capabilities{}, &OpError{Op: "capabilities", Volume: volid, Err: fmt.Errorf("unknown storage pool %q", pool)}
	}

	kind := KindDisk
	switch {
	case strings.Contains(name, "-state-"):
		kind = KindState
	case strings.Contains(name, "-fleecing-"):
		kind = KindFleecing
	}

	return Capabilities{
		Shared:            p.Shared,
		PathBased:         true,
		Type:              kind,
		SupportsReplicate: true,
	}, nil
}

// ResolveOwner extracts the owning VM id from the "vm-<id>-..." naming
// convention, returning "" for volumes that do not follow it.
func (b *DirBackend) ResolveOwner(ctx context.Context, volid string) (string, error) {
	_, name, err := ParseVolumeID(volid)
	if err != nil {
		return "", &OpError{Op: "resolve owner", Volume: volid, Err: err}
	}
	m := ownerPattern.FindStringSubmatch(name)
	if m == nil {
		return "", nil
	}
	return m[1], nil
}

// Path resolves the volume to its file path.
func (b *DirBackend) Path(ctx context.Context, volid string) (string, error) {
	path, err := b.volPath(volid)
	if err != nil {
		return "", &OpError{Op: "path", Volume: volid, Err: err}
	}
	return path, nil
}

// copyFile copies src to dst, truncating dst if it exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
