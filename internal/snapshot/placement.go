package snapshot

import (
	"context"

	"github.com/jamesprial/vmsnap-mcp/internal/storage"
	"github.com/jamesprial/vmsnap-mcp/internal/vmconf"
)

// FallbackStateStorage is used when no attached volume suggests a
// better pool for ephemeral state artifacts.
const FallbackStateStorage = "local"

// CapabilityFn resolves the capabilities of the pool backing a volume.
type CapabilityFn func(ctx context.Context, volid string) (storage.Capabilities, error)

// poolCandidate tracks the best pool seen so far in one class.
type poolCandidate struct {
	pool      string
	pathBased bool
}

func (c *poolCandidate) offer(pool string, pathBased bool) {
	if c.pool == "" || (pathBased && !c.pathBased) {
		c.pool = pool
		c.pathBased = pathBased
	}
}

// SelectStateStorage picks the storage pool backing ephemeral state
// artifacts (state volumes, fleecing images) for a VM.
//
// An explicit pin in the config wins unchanged. Otherwise the pools of
// the currently attached non-removable volumes are partitioned into
// shared and local; shared wins, and within each class a file-path
// based pool beats a purely block-based one (path-based pools support
// cheap suffix-named artifacts). With no usable candidate the literal
// fallback "local" is returned.
func SelectStateStorage(ctx context.Context, cfg *vmconf.Config, caps CapabilityFn) string {
	if cfg.StateStorage != "" {
		return cfg.StateStorage
	}

	var shared, local poolCandidate
	for _, slot := range vmconf.SortedSlots(cfg.Volumes) {
		vol := cfg.Volumes[slot]
		if vol.CDROM || vol.Volume == "" {
			continue
		}
		pool := storage.PoolOf(vol.Volume)
		if pool == "" {
			continue
		}
		c, err := caps(ctx, vol.Volume)
		if err != nil {
			continue
		}
		if c.Shared {
			shared.offer(pool, c.PathBased)
		} else {
			local.offer(pool, c.PathBased)
		}
	}

	switch {
	case shared.pool != "":
		return shared.pool
	case local.pool != "":
		return local.pool
	default:
		return FallbackStateStorage
	}
}
