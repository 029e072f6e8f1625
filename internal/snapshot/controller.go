package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jamesprial/vmsnap-mcp/internal/monitor"
	"github.com/jamesprial/vmsnap-mcp/internal/storage"
	"github.com/jamesprial/vmsnap-mcp/internal/vm"
	"github.com/jamesprial/vmsnap-mcp/internal/vmconf"
)

// LegacyMachine is the machine type assumed when a config declares none.
const LegacyMachine = "pc"

// Controller is the top-level state machine for snapshot create,
// rollback, and delete. Every operation runs under the per-VM exclusive
// lock provided by the config store, for its whole duration.
type Controller struct {
	store   vmconf.Store
	backend storage.Backend
	channel monitor.Channel
	runtime vm.Runtime
	clock   Clock
	log     logr.Logger

	stopGrace time.Duration
}

// NewController wires a Controller from its collaborators.
func NewController(store vmconf.Store, backend storage.Backend, channel monitor.Channel, runtime vm.Runtime, log logr.Logger) *Controller {
	return &Controller{
		store:     store,
		backend:   backend,
		channel:   channel,
		runtime:   runtime,
		clock:     realClock{},
		log:       log,
		stopGrace: vm.DefaultStopGrace,
	}
}

// CreateOptions controls snapshot creation.
type CreateOptions struct {
	Description string

	// SaveState captures live memory/device state into a state volume
	// when the VM is running.
	SaveState bool
}

// nonMigratableResources lists attached resources that block live-state
// capture.
func nonMigratableResources(cfg *vmconf.Config) []string {
	var blockers []string
	for slot, dev := range cfg.HostPCI {
		blockers = append(blockers, fmt.Sprintf("host device %s (%s) is not migratable", dev, slot))
	}
	return blockers
}

// Create takes a named snapshot of the VM. With SaveState it also
// captures live memory/device state; a running VM without state
// capture is suspended (device state only) around the per-volume
// snapshots instead. Running VMs additionally get a best-effort guest
// filesystem freeze around the per-volume snapshots.
//
// Create is transactional-effort: a failure after volumes begin
// mutating rolls already-snapshotted volumes back (best-effort) before
// the error surfaces, and the snapshot record is only persisted on
// full success.
func (c *Controller) Create(ctx context.Context, vmid, name string, opts CreateOptions) error {
	return c.store.LockedUpdate(vmid, func(cfg *vmconf.Config) error {
		if _, exists := cfg.Snapshots[name]; exists {
			return fmt.Errorf("vm %s already has snapshot %q", vmid, name)
		}

		if opts.SaveState {
			if blockers := nonMigratableResources(cfg); len(blockers) > 0 {
				return &BlockedError{VMID: vmid, Op: "snapshot with state", Blockers: blockers}
			}
		}

		running, err := c.runtime.Running(ctx, vmid)
		if err != nil {
			return fmt.Errorf("snapshot %q: %w", name, err)
		}

		snap := &vmconf.Snapshot{
			Description: opts.Description,
			Created:     c.clock.Now(),
			Machine:     cfg.Machine,
			Volumes:     cfg.VolumesClone(),
		}

		saver := NewStateSaver(c.channel, c.backend, c.clock, c.log)

		// Live state destination: allocate and activate the state
		// volume and pin the exact runtime machine/CPU so a later
		// rollback reproduces identical semantics.
		var statePath string
		saveState := opts.SaveState && running
		if saveState {
			pool := SelectStateStorage(ctx, cfg, c.backend.Capabilities)
			volname := fmt.Sprintf("vm-%s-state-%s", vmid, name)
			sizeKB := StateVolumeSizeMB(cfg.MemoryMB) * 1024

			stateVol, err := c.backend.Allocate(ctx, pool, vmid, storage.KindState, volname, sizeKB)
			if err != nil {
				return fmt.Errorf("snapshot %q: allocate state volume: %w", name, err)
			}
			snap.VMState = stateVol

			if err := c.backend.Activate(ctx, stateVol); err != nil {
				c.freeStateVolume(ctx, snap)
				return fmt.Errorf("snapshot %q: activate state volume: %w", name, err)
			}
			if statePath, err = c.backend.Path(ctx, stateVol); err != nil {
				c.freeStateVolume(ctx, snap)
				return fmt.Errorf("snapshot %q: resolve state volume path: %w", name, err)
			}

			if snap.RunningMachine, err = c.runtime.CurrentMachine(ctx, vmid); err != nil {
				c.freeStateVolume(ctx, snap)
				return fmt.Errorf("snapshot %q: query running machine: %w", name, err)
			}
			if snap.RunningCPU, err = c.runtime.CurrentCPU(ctx, vmid); err != nil {
				c.freeStateVolume(ctx, snap)
				return fmt.Errorf("snapshot %q: query running cpu: %w", name, err)
			}
		}

		// Guest filesystem freeze is best-effort: a snapshot with
		// slightly inconsistent filesystem state beats one that never
		// completes.
		froze := false
		if running && monitor.AgentReachable(ctx, c.channel, vmid, cfg.Agent) {
			if err := monitor.FreezeFS(ctx, c.channel, vmid); err != nil {
				c.log.Info("guest filesystem freeze failed, continuing", "vmid", vmid, "error", err.Error())
			} else {
				froze = true
			}
		}
		defer func() {
			if froze {
				if err := monitor.ThawFS(ctx, c.channel, vmid); err != nil {
					c.log.Info("guest filesystem thaw failed, continuing", "vmid", vmid, "error", err.Error())
				}
			}
		}()

		if saveState {
			if err := saver.Begin(ctx, vmid, statePath); err != nil {
				saver.End(ctx, vmid, snap.VMState)
				c.freeStateVolume(ctx, snap)
				return fmt.Errorf("snapshot %q: %w", name, err)
			}
			if !froze {
				// The completed save leaves the VM paused, so the
				// volume snapshots below capture the same instant as
				// the memory image. With a frozen guest only the
				// pending drain after the loop is needed.
				if _, err := saver.Wait(ctx, vmid, snap.VMState); err != nil {
					saver.End(ctx, vmid, snap.VMState)
					c.freeStateVolume(ctx, snap)
					return fmt.Errorf("snapshot %q: %w", name, err)
				}
			}
		} else if running {
			// Device-state-only suspend keeps the disks quiescent for
			// the volume snapshots of a running VM without state
			// capture.
			if err := saver.Begin(ctx, vmid, ""); err != nil {
				saver.End(ctx, vmid, "")
				return fmt.Errorf("snapshot %q: %w", name, err)
			}
		}

		// Storage-level snapshots in stable slot order, with
		// best-effort compensation on failure.
		var done []string
		fail := func(err error) error {
			for _, volid := range done {
				if rerr := c.backend.RollbackVolumeSnapshot(ctx, volid, name); rerr != nil {
					c.log.Info("compensating volume rollback failed", "vmid", vmid, "volume", volid, "error", rerr.Error())
				}
			}
			if running {
				saver.End(ctx, vmid, snap.VMState)
			}
			c.freeStateVolume(ctx, snap)
			return err
		}

		for _, slot := range vmconf.SortedSlots(cfg.Volumes) {
			vol := cfg.Volumes[slot]
			if vol.CDROM || vol.Volume == "" {
				continue
			}
			if err := c.backend.SnapshotVolume(ctx, vol.Volume, name); err != nil {
				return fail(fmt.Errorf("snapshot %q: volume %s (%s): %w", name, vol.Volume, slot, err))
			}
			done = append(done, vol.Volume)
		}

		if saveState && froze {
			if err := saver.WaitPendingDrain(ctx, vmid); err != nil {
				return fail(fmt.Errorf("snapshot %q: %w", name, err))
			}
		}
		if running {
			saver.End(ctx, vmid, snap.VMState)
		}

		if cfg.Snapshots == nil {
			cfg.Snapshots = make(map[string]*vmconf.Snapshot)
		}
		cfg.Snapshots[name] = snap
		return nil
	})
}

// freeStateVolume releases an allocated but no longer wanted state
// volume, logging instead of failing.
func (c *Controller) freeStateVolume(ctx context.Context, snap *vmconf.Snapshot) {
	if snap.VMState == "" {
		return
	}
	if err := c.backend.Free(ctx, snap.VMState); err != nil {
		c.log.Info("state volume free failed, continuing", "volume", snap.VMState, "error", err.Error())
	}
	snap.VMState = ""
}

// Delete removes a named snapshot: every storage-level volume snapshot
// it references, its state volume, and finally the record itself.
// Volumes the snapshot referenced that nothing references anymore move
// to the unused list. With force, individual free/delete failures are
// logged and deletion proceeds; without it the first failure aborts.
func (c *Controller) Delete(ctx context.Context, vmid, name string, force bool) error {
	return c.store.LockedUpdate(vmid, func(cfg *vmconf.Config) error {
		snap, ok := cfg.Snapshots[name]
		if !ok {
			return &NotFoundError{VMID: vmid, Snapshot: name}
		}

		if snap.VMState != "" {
			if err := c.backend.Free(ctx, snap.VMState); err != nil {
				if !force {
					return fmt.Errorf("delete snapshot %q: free state volume: %w", name, err)
				}
				c.log.Info("state volume free failed, forced delete continues",
					"vmid", vmid, "volume", snap.VMState, "error", err.Error())
			}
		}

		for _, slot := range vmconf.SortedSlots(snap.Volumes) {
			vol := snap.Volumes[slot]
			if vol.CDROM || vol.Volume == "" {
				continue
			}
			if err := c.backend.DeleteVolumeSnapshot(ctx, vol.Volume, name); err != nil {
				if !force {
					return fmt.Errorf("delete snapshot %q: volume %s (%s): %w", name, vol.Volume, slot, err)
				}
				c.log.Info("volume snapshot delete failed, forced delete continues",
					"vmid", vmid, "volume", vol.Volume, "error", err.Error())
			}
			if !volumeReferenced(cfg, vol.Volume, name) {
				cfg.AddUnusedVolume(vol.Volume)
			}
		}

		delete(cfg.Snapshots, name)
		return nil
	})
}

// volumeReferenced reports whether volid is referenced by the live
// config or any snapshot other than exclude.
func volumeReferenced(cfg *vmconf.Config, volid, exclude string) bool {
	for _, vol := range cfg.Volumes {
		if vol.Volume == volid {
			return true
		}
	}
	for name, snap := range cfg.Snapshots {
		if name == exclude {
			continue
		}
		for _, vol := range snap.Volumes {
			if vol.Volume == volid {
				return true
			}
		}
	}
	return false
}

// Rollback restores the VM to a named snapshot. Feasibility is checked
// against the storage backend for every eligible volume before anything
// mutates; once storage-level rollback begins, a failure is fatal and
// surfaced, since no compensating action is safe mid-rollback.
func (c *Controller) Rollback(ctx context.Context, vmid, name string) error {
	return c.store.LockedUpdate(vmid, func(cfg *vmconf.Config) error {
		snap, ok := cfg.Snapshots[name]
		if !ok {
			return &NotFoundError{VMID: vmid, Snapshot: name}
		}

		// Prepare pass: record the live machine type before mutating.
		liveMachine := cfg.Machine

		// Machine/CPU pinning for the restart. A recorded runningmachine
		// becomes the forced machine type and is removed from the
		// restored config; otherwise fall back to the declared machine.
		var forcedMachine, forcedCPU string
		stripMachine := false
		if snap.RunningMachine != "" {
			forcedMachine = snap.RunningMachine
			forcedCPU = snap.RunningCPU
		} else {
			forcedMachine = liveMachine
			if forcedMachine == "" {
				forcedMachine = LegacyMachine
			}
			// Without a recorded machine, a state-carrying snapshot
			// boots with the hypervisor's current default rather than
			// an unintentionally stale declared type.
			stripMachine = snap.VMState != ""
		}

		// Feasibility: collect all blockers before mutating anything.
		var blockers []string
		var eligible []string
		for _, slot := range vmconf.SortedSlots(cfg.Volumes) {
			vol := cfg.Volumes[slot]
			if vol.CDROM || vol.Volume == "" {
				continue
			}
			volBlockers, err := c.backend.RollbackPossible(ctx, vol.Volume, name)
			if err != nil {
				return fmt.Errorf("rollback to %q: volume %s (%s): %w", name, vol.Volume, slot, err)
			}
			blockers = append(blockers, volBlockers...)
			eligible = append(eligible, vol.Volume)
		}
		if len(blockers) > 0 {
			return &BlockedError{VMID: vmid, Op: fmt.Sprintf("rollback to %q", name), Blockers: blockers}
		}

		if err := c.runtime.Stop(ctx, vmid, c.stopGrace); err != nil {
			return fmt.Errorf("rollback to %q: stop vm: %w", name, err)
		}

		for _, volid := range eligible {
			if err := c.backend.RollbackVolumeSnapshot(ctx, volid, name); err != nil {
				return fmt.Errorf("rollback to %q: volume %s: %w", name, volid, err)
			}
		}

		// Volumes attached now but absent from the snapshot are
		// orphaned by the rollback (identifier-set semantics).
		snapVolids := make(map[string]struct{})
		for _, vol := range snap.Volumes {
			if vol.Volume != "" {
				snapVolids[vol.Volume] = struct{}{}
			}
		}
		for _, slot := range vmconf.SortedSlots(cfg.Volumes) {
			vol := cfg.Volumes[slot]
			if vol.CDROM || vol.Volume == "" {
				continue
			}
			if _, still := snapVolids[vol.Volume]; !still {
				cfg.AddUnusedVolume(vol.Volume)
			}
		}

		// Restore the captured attachment set and machine pinning.
		cfg.Volumes = snap.VolumesClone()
		switch {
		case stripMachine:
			cfg.Machine = ""
		case snap.Machine != "":
			cfg.Machine = snap.Machine
		}

		// A regenerated VM generation id signals a divergent timeline
		// to guest software.
		if cfg.VMGenID != "" {
			cfg.VMGenID = uuid.NewString()
		}

		if snap.VMState == "" {
			return nil
		}

		// Resume from the saved live state with the pinned runtime
		// semantics.
		if err := c.backend.Activate(ctx, snap.VMState); err != nil {
			return fmt.Errorf("rollback to %q: activate state volume: %w", name, err)
		}
		statePath, err := c.backend.Path(ctx, snap.VMState)
		if err != nil {
			return fmt.Errorf("rollback to %q: resolve state volume path: %w", name, err)
		}
		if err := c.runtime.Start(ctx, vmid, vm.StartOptions{
			StatePath:     statePath,
			ForcedMachine: forcedMachine,
			ForcedCPU:     forcedCPU,
		}); err != nil {
			return fmt.Errorf("rollback to %q: start vm: %w", name, err)
		}
		return nil
	})
}
