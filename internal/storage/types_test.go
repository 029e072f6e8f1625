package storage

import (
	"errors"
	"fmt"
	"testing"
)

func Test_ParseVolumeID_Cases(t *testing.T) {
	tests := []struct {
		name     string
		volid    string
		wantPool string
		wantName string
		wantErr  bool
	}{
		{name: "well formed", volid: "local:vm-101-disk-0", wantPool: "local", wantName: "vm-101-disk-0"},
		{name: "name with dashes", volid: "nfs:vm-101-state-pre-upgrade", wantPool: "nfs", wantName: "vm-101-state-pre-upgrade"},
		{name: "missing separator", volid: "vm-101-disk-0", wantErr: true},
		{name: "empty pool", volid: ":vm-101-disk-0", wantErr: true},
		{name: "empty name", volid: "local:", wantErr: true},
		{name: "empty string", volid: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, name, err := ParseVolumeID(tt.volid)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pool != tt.wantPool || name != tt.wantName {
				t.Errorf("ParseVolumeID(%q) = (%q, %q), want (%q, %q)", tt.volid, pool, name, tt.wantPool, tt.wantName)
			}
		})
	}
}

func Test_PoolOf_Cases(t *testing.T) {
	tests := []struct {
		volid string
		want  string
	}{
		{volid: "local:vm-101-disk-0", want: "local"},
		{volid: "/dev/sdb", want: ""},
		{volid: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.volid, func(t *testing.T) {
			if got := PoolOf(tt.volid); got != tt.want {
				t.Errorf("PoolOf(%q) = %q, want %q", tt.volid, got, tt.want)
			}
		})
	}
}

func Test_OpError_WrapsCause(t *testing.T) {
	cause := fmt.Errorf("no space left")
	err := &OpError{Op: "allocate", Volume: "local:vm-101-disk-0", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("OpError should unwrap to its cause")
	}
	if !IsOpError(err) {
		t.Error("IsOpError should match a direct OpError")
	}
	if !IsOpError(fmt.Errorf("outer: %w", err)) {
		t.Error("IsOpError should match a wrapped OpError")
	}
	if IsOpError(cause) {
		t.Error("IsOpError should not match an arbitrary error")
	}
}
