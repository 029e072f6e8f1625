package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/jamesprial/vmsnap-mcp/internal/vmconf"
)

func Test_Controller_RecordFleecingImages_Cases(t *testing.T) {
	tests := []struct {
		name     string
		existing *vmconf.Fleecing
		volids   []string
		want     []string
	}{
		{
			name:   "creates the record",
			volids: []string{"dir:vm-101-fleecing-0"},
			want:   []string{"dir:vm-101-fleecing-0"},
		},
		{
			name:     "appends to an existing record",
			existing: &vmconf.Fleecing{Images: "dir:vm-101-fleecing-0"},
			volids:   []string{"dir:vm-101-fleecing-1"},
			want:     []string{"dir:vm-101-fleecing-0", "dir:vm-101-fleecing-1"},
		},
		{
			name:   "empty input is a no-op",
			volids: nil,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Special.Fleecing = tt.existing
			f := newFixture(t, cfg)

			if err := f.ctl.RecordFleecingImages(testVMID, tt.volids); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			after, _ := f.store.Load(testVMID)
			var got []string
			if after.Special.Fleecing != nil {
				got = after.Special.Fleecing.VolumeIDs()
			}
			if len(got) != len(tt.want) {
				t.Fatalf("recorded volumes = %v, want %v", got, tt.want)
			}
			for i, want := range tt.want {
				if got[i] != want {
					t.Errorf("recorded[%d] = %q, want %q", i, got[i], want)
				}
			}
		})
	}
}

func Test_Controller_CleanupFleecingImages_FreesAndClears(t *testing.T) {
	cfg := baseConfig()
	cfg.Special.Fleecing = &vmconf.Fleecing{Images: "dir:vm-101-fleecing-0,dir:vm-101-fleecing-1"}
	f := newFixture(t, cfg)

	if err := f.ctl.CleanupFleecingImages(context.Background(), testVMID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantFreed := []string{"dir:vm-101-fleecing-0", "dir:vm-101-fleecing-1"}
	if len(f.backend.freed) != len(wantFreed) {
		t.Fatalf("freed = %v, want %v", f.backend.freed, wantFreed)
	}

	after, _ := f.store.Load(testVMID)
	if after.Special.Fleecing != nil {
		t.Errorf("fleecing record = %+v, want cleared", after.Special.Fleecing)
	}
}

func Test_Controller_CleanupFleecingImages_Idempotent(t *testing.T) {
	cfg := baseConfig()
	cfg.Special.Fleecing = &vmconf.Fleecing{Images: "dir:vm-101-fleecing-0"}
	f := newFixture(t, cfg)

	if err := f.ctl.CleanupFleecingImages(context.Background(), testVMID); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	freedAfterFirst := f.backend.freeCount()

	if err := f.ctl.CleanupFleecingImages(context.Background(), testVMID); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if got := f.backend.freeCount(); got != freedAfterFirst {
		t.Errorf("second cleanup freed %d extra volumes, want 0", got-freedAfterFirst)
	}

	after, _ := f.store.Load(testVMID)
	if after.Special.Fleecing != nil {
		t.Error("fleecing record should stay cleared")
	}
}

func Test_Controller_CleanupFleecingImages_FailedFreeReRecorded(t *testing.T) {
	cfg := baseConfig()
	cfg.Special.Fleecing = &vmconf.Fleecing{Images: "dir:vm-101-fleecing-0,dir:vm-101-fleecing-1"}
	f := newFixture(t, cfg)
	f.backend.failFree["dir:vm-101-fleecing-1"] = errors.New("volume busy")

	// Free failures never fail the cleanup itself.
	if err := f.ctl.CleanupFleecingImages(context.Background(), testVMID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after, _ := f.store.Load(testVMID)
	if after.Special.Fleecing == nil {
		t.Fatal("failed free should be re-recorded for the next attempt")
	}
	got := after.Special.Fleecing.VolumeIDs()
	if len(got) != 1 || got[0] != "dir:vm-101-fleecing-1" {
		t.Errorf("re-recorded volumes = %v, want only the failed one", got)
	}
}

func Test_Controller_CleanupFleecingImages_RunningVMDetachesNodes(t *testing.T) {
	cfg := baseConfig()
	cfg.Special.Fleecing = &vmconf.Fleecing{Images: "dir:vm-101-fleecing-0"}
	f := newFixture(t, cfg)
	f.runtime.running = true

	f.channel.script("query-backup", map[string]any{"status": "active"}, nil)
	f.channel.script("query-named-block-nodes", []any{
		map[string]any{"node-name": "fleecing-scsi0"},
		map[string]any{"node-name": "drive-scsi0"},
	}, nil)

	if err := f.ctl.CleanupFleecingImages(context.Background(), testVMID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.channel.callCount("backup-cancel"); got != 1 {
		t.Errorf("backup-cancel sent %d times, want 1", got)
	}
	if got := f.channel.callCount("blockdev-del"); got != 1 {
		t.Errorf("blockdev-del sent %d times, want 1 (only the fleecing node)", got)
	}
}

func Test_Controller_CleanupFleecingImages_StoppedVMSkipsHypervisor(t *testing.T) {
	cfg := baseConfig()
	cfg.Special.Fleecing = &vmconf.Fleecing{Images: "dir:vm-101-fleecing-0"}
	f := newFixture(t, cfg)

	if err := f.ctl.CleanupFleecingImages(context.Background(), testVMID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.channel.callCount("query-backup"); got != 0 {
		t.Errorf("query-backup sent %d times, want 0 for a stopped VM", got)
	}
}

func Test_Controller_CleanupFleecingImages_RunningCheckFailureAssumesStopped(t *testing.T) {
	cfg := baseConfig()
	cfg.Special.Fleecing = &vmconf.Fleecing{Images: "dir:vm-101-fleecing-0"}
	f := newFixture(t, cfg)
	f.runtime.runningErr = errors.New("hypervisor unreachable")

	if err := f.ctl.CleanupFleecingImages(context.Background(), testVMID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.backend.freeCount() != 1 {
		t.Error("cleanup should still free tracked volumes when the running check fails")
	}
}
