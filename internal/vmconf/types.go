// Package vmconf defines the declarative VM configuration model and the
// config store that owns it: one YAML document per VM id, mutated only
// under a per-VM exclusive lock.
package vmconf

import (
	"sort"
	"strings"
	"time"
)

// BIOS firmware mode strings. UEFI boot requires BIOSOVMF; everything
// else is treated as legacy.
const (
	BIOSSeaBIOS = "seabios"
	BIOSOVMF    = "ovmf"
)

// EFIDiskPrefix is the slot-name prefix identifying a firmware vars disk.
const EFIDiskPrefix = "efidisk"

// Volume describes a single volume attachment slot.
//
// Exactly one of Volume and Path is set: Volume names a storage-managed
// volume ("pool:volname"), Path a raw filesystem path that bypasses the
// storage backend entirely.
type Volume struct {
	Volume string `yaml:"volume,omitempty"`
	Path   string `yaml:"path,omitempty"`

	// Backup is tri-state: nil means "use the default" (included).
	Backup    *bool `yaml:"backup,omitempty"`
	Replicate bool  `yaml:"replicate,omitempty"`

	// CDROM marks the slot as a read-only removable medium. CD-ROM
	// slots never participate in snapshot, backup, or replication.
	CDROM bool `yaml:"cdrom,omitempty"`
}

// Clone returns a deep copy of the volume.
func (v Volume) Clone() Volume {
	out := v
	if v.Backup != nil {
		b := *v.Backup
		out.Backup = &b
	}
	return out
}

// BackupEnabled resolves the tri-state backup flag, defaulting to
// included when unset.
func (v Volume) BackupEnabled() bool {
	if v.Backup == nil {
		return true
	}
	return *v.Backup
}

// Snapshot is a named, immutable-once-created copy of the relevant
// subset of a VM configuration, taken at a point in time.
type Snapshot struct {
	Description string    `yaml:"description,omitempty"`
	Created     time.Time `yaml:"created,omitempty"`

	// Machine is the machine type declared in the config when the
	// snapshot was taken.
	Machine string `yaml:"machine,omitempty"`

	// VMState names the volume holding saved live memory/device state,
	// empty when the snapshot was taken without live state.
	VMState string `yaml:"vmstate,omitempty"`

	// RunningMachine and RunningCPU pin the exact machine type and CPU
	// model the VM process was running with, so a rollback reproduces
	// identical runtime semantics.
	RunningMachine string `yaml:"runningmachine,omitempty"`
	RunningCPU     string `yaml:"runningcpu,omitempty"`

	Volumes map[string]Volume `yaml:"volumes,omitempty"`
}

// Clone returns a deep copy of the snapshot record.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Volumes = cloneVolumes(s.Volumes)
	return &out
}

// VolumesClone returns a deep copy of the snapshot's attachment map.
func (s *Snapshot) VolumesClone() map[string]Volume {
	return cloneVolumes(s.Volumes)
}

// Fleecing is the auxiliary persisted record tracking ephemeral backup
// images pending deletion. If the record exists, every listed volume is
// either a real allocated artifact or a failed deletion to be retried.
type Fleecing struct {
	// Images is a comma-joined list of volume identifiers.
	Images string `yaml:"fleecing-images,omitempty"`
}

// VolumeIDs splits the comma-joined image list, dropping empty entries.
func (f *Fleecing) VolumeIDs() []string {
	var out []string
	for _, id := range strings.Split(f.Images, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Special holds auxiliary persisted state outside the normal schema,
// one explicit optional field per known concern.
type Special struct {
	Fleecing *Fleecing `yaml:"fleecing,omitempty"`
}

// Config is the full declarative configuration of one VM.
type Config struct {
	Name     string `yaml:"name,omitempty"`
	MemoryMB int64  `yaml:"memory_mb,omitempty"`
	BIOS     string `yaml:"bios,omitempty"`
	Machine  string `yaml:"machine,omitempty"`
	CPU      string `yaml:"cpu,omitempty"`

	// VMGenID is the VM generation identifier exposed to the guest;
	// regenerated on rollback to signal a divergent timeline.
	VMGenID string `yaml:"vmgenid,omitempty"`

	// StateStorage pins the storage pool used for ephemeral state
	// volumes. Empty means "pick one automatically".
	StateStorage string `yaml:"state_storage,omitempty"`

	// Agent indicates the guest agent is configured for this VM.
	Agent bool `yaml:"agent,omitempty"`

	// HostPCI lists passed-through host devices by slot. Any entry
	// makes the VM non-migratable and blocks live-state snapshots.
	HostPCI map[string]string `yaml:"hostpci,omitempty"`

	Volumes   map[string]Volume    `yaml:"volumes,omitempty"`
	Snapshots map[string]*Snapshot `yaml:"snapshots,omitempty"`
	Special   Special              `yaml:"special,omitempty"`

	// UnusedVolumes holds volumes no longer referenced by the live
	// config or any snapshot, pending garbage collection.
	UnusedVolumes []string `yaml:"unused_volumes,omitempty"`
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	out := *c
	out.Volumes = cloneVolumes(c.Volumes)
	if c.HostPCI != nil {
		out.HostPCI = make(map[string]string, len(c.HostPCI))
		for k, v := range c.HostPCI {
			out.HostPCI[k] = v
		}
	}
	if c.Snapshots != nil {
		out.Snapshots = make(map[string]*Snapshot, len(c.Snapshots))
		for name, snap := range c.Snapshots {
			out.Snapshots[name] = snap.Clone()
		}
	}
	if c.Special.Fleecing != nil {
		f := *c.Special.Fleecing
		out.Special.Fleecing = &f
	}
	out.UnusedVolumes = append([]string(nil), c.UnusedVolumes...)
	return &out
}

// VolumesClone returns a deep copy of the config's attachment map.
func (c *Config) VolumesClone() map[string]Volume {
	return cloneVolumes(c.Volumes)
}

// SortedSlots returns the slot names of a volume map in a stable order.
func SortedSlots(volumes map[string]Volume) []string {
	slots := make([]string, 0, len(volumes))
	for slot := range volumes {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	return slots
}

// IsEFIDisk reports whether the slot name identifies a firmware vars disk.
func IsEFIDisk(slot string) bool {
	return strings.HasPrefix(slot, EFIDiskPrefix)
}

// AddUnusedVolume appends volid to the unused-volume list unless it is
// already present.
func (c *Config) AddUnusedVolume(volid string) {
	for _, existing := range c.UnusedVolumes {
		if existing == volid {
			return
		}
	}
	c.UnusedVolumes = append(c.UnusedVolumes, volid)
}

func cloneVolumes(in map[string]Volume) map[string]Volume {
	if in == nil {
		return nil
	}
	out := make(map[string]Volume, len(in))
	for slot, vol := range in {
		out[slot] = vol.Clone()
	}
	return out
}
