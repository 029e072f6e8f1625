package vmconf

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func Test_NewFileStore_EmptyDir(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Error("expected error for empty directory")
	}
}

func Test_NewFileStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "vms")
	if _, err := NewFileStore(dir); err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("store directory was not created: %v", err)
	}
}

func Test_FileStore_Load_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("999")
	if !IsNotFound(err) {
		t.Errorf("error = %v, want a not-found error", err)
	}
	var nf *NotFoundError
	if errors.As(err, &nf) && nf.VMID != "999" {
		t.Errorf("NotFoundError.VMID = %q, want %q", nf.VMID, "999")
	}
}

func Test_FileStore_WriteAndLoad_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	cfg := &Config{
		Name:     "web01",
		MemoryMB: 2048,
		BIOS:     BIOSOVMF,
		Volumes: map[string]Volume{
			"scsi0":    {Volume: "dir:vm-101-disk-0", Replicate: true},
			"efidisk0": {Volume: "dir:vm-101-efivars-0", Backup: boolPtr(false)},
			"ide2":     {Volume: "dir:iso-image", CDROM: true},
		},
	}
	if err := store.Write("101", cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Load("101")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "web01" || got.MemoryMB != 2048 || got.BIOS != BIOSOVMF {
		t.Errorf("loaded config = %+v, want the written scalar fields back", got)
	}
	if !got.Volumes["scsi0"].Replicate {
		t.Error("scsi0 replicate flag lost in round trip")
	}
	if got.Volumes["efidisk0"].BackupEnabled() {
		t.Error("efidisk0 backup=false lost in round trip")
	}
	if !got.Volumes["ide2"].CDROM {
		t.Error("ide2 cdrom flag lost in round trip")
	}
}

func Test_FileStore_Load_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "101.yaml"), []byte("volumes: [not: valid\n  {"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err = store.Load("101")
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
	if IsNotFound(err) {
		t.Error("parse failure must not be reported as not-found")
	}
}

func Test_FileStore_LockedUpdate_PersistsMutation(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("101", &Config{Name: "web01"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	err := store.LockedUpdate("101", func(cfg *Config) error {
		cfg.Snapshots = map[string]*Snapshot{"s1": {Description: "first"}}
		return nil
	})
	if err != nil {
		t.Fatalf("LockedUpdate: %v", err)
	}

	got, err := store.Load("101")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Snapshots["s1"] == nil || got.Snapshots["s1"].Description != "first" {
		t.Errorf("snapshots = %+v, want the mutation persisted", got.Snapshots)
	}
}

func Test_FileStore_LockedUpdate_ErrorDiscardsMutation(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("101", &Config{Name: "web01"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	wantErr := errors.New("refused")
	err := store.LockedUpdate("101", func(cfg *Config) error {
		cfg.Name = "mutated"
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want the callback error unchanged", err)
	}

	got, _ := store.Load("101")
	if got.Name != "web01" {
		t.Errorf("name = %q, want the original after a failed update", got.Name)
	}
}

func Test_FileStore_LockedUpdate_MissingVM(t *testing.T) {
	store := newTestStore(t)

	err := store.LockedUpdate("999", func(cfg *Config) error { return nil })
	if !IsNotFound(err) {
		t.Errorf("error = %v, want a not-found error", err)
	}
}

func Test_FileStore_LockedUpdate_ConcurrentSameVM(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("101", &Config{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.LockedUpdate("101", func(cfg *Config) error {
				cfg.MemoryMB++
				return nil
			})
			if err != nil {
				t.Errorf("LockedUpdate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Load("101")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.MemoryMB != workers {
		t.Errorf("MemoryMB = %d, want %d (updates must not be lost)", got.MemoryMB, workers)
	}
}

func Test_FileStore_Write_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Write("101", &Config{Name: "web01"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "101.yaml" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want only 101.yaml", names)
	}
}
