package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/jamesprial/vmsnap-mcp/internal/vmconf"
)

// fleecingNodePrefix is the block-node naming convention for live
// fleecing attachments in the hypervisor process.
const fleecingNodePrefix = "fleecing-"

// RecordFleecingImages appends ephemeral backup image identifiers to
// the persisted tracking record, creating the record if absent. Empty
// input is a no-op. The invariant afterwards: every listed volume is a
// real allocated artifact pending deletion, or a deletion that failed
// and must be retried.
func (c *Controller) RecordFleecingImages(vmid string, volids []string) error {
	if len(volids) == 0 {
		return nil
	}
	return c.store.LockedUpdate(vmid, func(cfg *vmconf.Config) error {
		existing := []string{}
		if cfg.Special.Fleecing != nil {
			existing = cfg.Special.Fleecing.VolumeIDs()
		}
		cfg.Special.Fleecing = &vmconf.Fleecing{
			Images: strings.Join(append(existing, volids...), ","),
		}
		return nil
	})
}

// CleanupFleecingImages releases every tracked fleecing image. The
// tracking record is cleared and written back before any volume is
// freed, so a concurrent or retried cleanup sees nothing pending even
// if the frees below fail. Failed frees are re-recorded for the next
// attempt instead of being raised: cleanup never fails outright, it
// only may leave residue for a future retry.
func (c *Controller) CleanupFleecingImages(ctx context.Context, vmid string) error {
	running, err := c.runtime.Running(ctx, vmid)
	if err != nil {
		c.log.Info("running check failed during fleecing cleanup, assuming stopped",
			"vmid", vmid, "error", err.Error())
		running = false
	}
	if running {
		c.cancelBackup(ctx, vmid)
		c.detachFleecingNodes(ctx, vmid)
	}

	var volids []string
	err = c.store.LockedUpdate(vmid, func(cfg *vmconf.Config) error {
		if cfg.Special.Fleecing != nil {
			volids = cfg.Special.Fleecing.VolumeIDs()
			cfg.Special.Fleecing = nil
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fleecing cleanup for vm %s: %w", vmid, err)
	}

	var failed []string
	for _, volid := range volids {
		if err := c.backend.Free(ctx, volid); err != nil {
			c.log.Info("fleecing image free failed, will retry on next cleanup",
				"vmid", vmid, "volume", volid, "error", err.Error())
			failed = append(failed, volid)
		}
	}

	if len(failed) > 0 {
		if err := c.RecordFleecingImages(vmid, failed); err != nil {
			c.log.Info("re-recording failed fleecing frees failed",
				"vmid", vmid, "volumes", strings.Join(failed, ","), "error", err.Error())
		}
	}
	return nil
}

// cancelBackup cancels an in-progress backup job in the hypervisor
// process, best-effort.
func (c *Controller) cancelBackup(ctx context.Context, vmid string) {
	resp, err := c.channel.Send(ctx, vmid, "query-backup", nil)
	if err != nil {
		c.log.Info("backup status query failed during fleecing cleanup, continuing",
			"vmid", vmid, "error", err.Error())
		return
	}
	fields, ok := resp.(map[string]any)
	if !ok {
		return
	}
	if status, _ := fields["status"].(string); status != "active" {
		return
	}
	if _, err := c.channel.Send(ctx, vmid, "backup-cancel", nil); err != nil {
		c.log.Info("backup cancel failed during fleecing cleanup, continuing",
			"vmid", vmid, "error", err.Error())
	}
}

// detachFleecingNodes removes any live fleecing block nodes from the
// hypervisor process, best-effort.
func (c *Controller) detachFleecingNodes(ctx context.Context, vmid string) {
	resp, err := c.channel.Send(ctx, vmid, "query-named-block-nodes", nil)
	if err != nil {
		c.log.Info("block node query failed during fleecing cleanup, continuing",
			"vmid", vmid, "error", err.Error())
		return
	}
	nodes, ok := resp.([]any)
	if !ok {
		return
	}
	for _, raw := range nodes {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := node["node-name"].(string)
		if !strings.HasPrefix(name, fleecingNodePrefix) {
			continue
		}
		if _, err := c.channel.Send(ctx, vmid, "blockdev-del", map[string]any{"node-name": name}); err != nil {
			c.log.Info("fleecing block node detach failed, continuing",
				"vmid", vmid, "node", name, "error", err.Error())
		}
	}
}
