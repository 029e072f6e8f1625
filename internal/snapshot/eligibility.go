package snapshot

import (
	"context"
	"fmt"

	"github.com/jamesprial/vmsnap-mcp/internal/storage"
	"github.com/jamesprial/vmsnap-mcp/internal/vmconf"
)

// IsReplicable classifies one volume attachment for storage
// replication. relaxed marks a cleanup/no-error pass: rule violations
// that would normally be errors become plain exclusions, and volumes
// without the replicate flag are still considered (cleanup must see
// everything).
//
// The rules, in order: removable media are always excluded; a volume is
// excluded when replication is not requested outside a relaxed pass; a
// raw-path volume requesting replication is a policy error (excluded
// when relaxed); volumes on shared storage are excluded (shared storage
// needs no replication); volumes not owned by this VM are excluded; a
// volume whose storage-reported kind is not the VM-disk kind, or whose
// pool lacks the replicate capability, is a policy error (excluded when
// relaxed). Anything surviving all rules is included.
func IsReplicable(ctx context.Context, backend storage.Backend, vmid, slot string, vol vmconf.Volume, relaxed bool) (bool, error) {
	if vol.CDROM {
		return false, nil
	}
	if !vol.Replicate && !relaxed {
		return false, nil
	}

	if vol.Volume == "" {
		if !vol.Replicate || relaxed {
			return false, nil
		}
		return false, &PolicyError{
			Slot:   slot,
			Volume: vol.Path,
			Reason: "raw path volumes cannot be replicated",
		}
	}

	caps, err := backend.Capabilities(ctx, vol.Volume)
	if err != nil {
		return false, fmt.Errorf("volume %s (%s): %w", vol.Volume, slot, err)
	}
	if caps.Shared {
		return false, nil
	}

	owner, err := backend.ResolveOwner(ctx, vol.Volume)
	if err != nil {
		return false, fmt.Errorf("volume %s (%s): %w", vol.Volume, slot, err)
	}
	if owner != vmid {
		return false, nil
	}

	if caps.Type != storage.KindDisk {
		if relaxed {
			return false, nil
		}
		return false, &PolicyError{
			Slot:   slot,
			Volume: vol.Volume,
			Reason: fmt.Sprintf("volume kind %q cannot be replicated", caps.Type),
		}
	}

	if !caps.SupportsReplicate {
		if relaxed {
			return false, nil
		}
		return false, &PolicyError{
			Slot:   slot,
			Volume: vol.Volume,
			Reason: "storage does not support replication",
		}
	}

	return true, nil
}

// BackupEligibility decides whether a volume is part of the default
// backup set and why. Removable media are filtered by the caller before
// this check. The volume's own tri-state backup flag decides, defaulting
// to included — except that an EFI vars disk is forced out whenever the
// VM is not booting with UEFI firmware, regardless of its own flag.
func BackupEligibility(slot string, vol vmconf.Volume, bios string) (included bool, reason string) {
	if vmconf.IsEFIDisk(slot) && bios != vmconf.BIOSOVMF {
		return false, fmt.Sprintf("efidisk but non-UEFI bios (%s)", biosLabel(bios))
	}
	if vol.BackupEnabled() {
		return true, "backup=yes"
	}
	return false, "backup=no"
}

func biosLabel(bios string) string {
	if bios == "" {
		return vmconf.BIOSSeaBIOS
	}
	return bios
}
