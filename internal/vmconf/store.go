package vmconf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// NotFoundError is returned when no configuration exists for a VM id.
type NotFoundError struct {
	VMID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no configuration for vm %q", e.VMID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Store is the config-store collaborator. All mutation goes through
// LockedUpdate: the store acquires the per-VM exclusive lock, loads the
// current config, applies fn, and writes the result back before
// releasing the lock. If fn returns an error, nothing is written and
// the error is returned unchanged.
//
// Operations on different VM ids are fully independent; operations on
// the same id are serialized, and lock acquisition blocks.
type Store interface {
	Load(vmid string) (*Config, error)
	LockedUpdate(vmid string, fn func(*Config) error) error
}

// FileStore persists one YAML document per VM id under a directory.
// Writes are atomic (temp file + rename). The per-VM lock is an
// in-process mutex; the store assumes a single daemon owns the
// directory, as with the rest of the server's host state.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("config store directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir %q: %w", dir, err)
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// vmLock returns the mutex serializing operations for one VM id.
func (s *FileStore) vmLock(vmid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[vmid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[vmid] = l
	}
	return l
}

func (s *FileStore) path(vmid string) string {
	return filepath.Join(s.dir, vmid+".yaml")
}

// Load reads and parses the configuration for vmid. It returns a
// NotFoundError when no config file exists.
func (s *FileStore) Load(vmid string) (*Config, error) {
	data, err := os.ReadFile(s.path(vmid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{VMID: vmid}
		}
		return nil, fmt.Errorf("read config for vm %q: %w", vmid, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config for vm %q: %w", vmid, err)
	}
	return &cfg, nil
}

// Write persists the configuration for vmid without locking. It exists
// for provisioning and tests; lifecycle code must use LockedUpdate.
func (s *FileStore) Write(vmid string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config for vm %q: %w", vmid, err)
	}

	tmp, err := os.CreateTemp(s.dir, vmid+".yaml.tmp-")
	if err != nil {
		return fmt.Errorf("write config for vm %q: %w", vmid, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config for vm %q: %w", vmid, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config for vm %q: %w", vmid, err)
	}
	if err := os.Rename(tmpName, s.path(vmid)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config for vm %q: %w", vmid, err)
	}
	return nil
}

// LockedUpdate runs fn against the current config for vmid under the
// per-VM exclusive lock and writes the mutated config back on success.
func (s *FileStore) LockedUpdate(vmid string, fn func(*Config) error) error {
	l := s.vmLock(vmid)
	l.Lock()
	defer l.Unlock()

	cfg, err := s.Load(vmid)
	if err != nil {
		return err
	}

	if err := fn(cfg); err != nil {
		return err
	}
	return s.Write(vmid, cfg)
}
