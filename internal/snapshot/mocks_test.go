package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jamesprial/vmsnap-mcp/internal/storage"
	"github.com/jamesprial/vmsnap-mcp/internal/vm"
	"github.com/jamesprial/vmsnap-mcp/internal/vmconf"
)

// ---------------------------------------------------------------------------
// In-memory config store
// ---------------------------------------------------------------------------

// memStore is an in-memory vmconf.Store with the same write-on-success
// semantics as the file-backed store: if fn errors, nothing is written.
type memStore struct {
	mu     sync.Mutex
	cfgs   map[string]*vmconf.Config
	writes int
}

func newMemStore() *memStore {
	return &memStore{cfgs: make(map[string]*vmconf.Config)}
}

func (s *memStore) put(vmid string, cfg *vmconf.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfgs[vmid] = cfg
}

func (s *memStore) Load(vmid string) (*vmconf.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cfgs[vmid]
	if !ok {
		return nil, &vmconf.NotFoundError{VMID: vmid}
	}
	return cfg.Clone(), nil
}

func (s *memStore) LockedUpdate(vmid string, fn func(*vmconf.Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cfgs[vmid]
	if !ok {
		return &vmconf.NotFoundError{VMID: vmid}
	}
	work := cfg.Clone()
	if err := fn(work); err != nil {
		return err
	}
	s.cfgs[vmid] = work
	s.writes++
	return nil
}

// ---------------------------------------------------------------------------
// Shared call trace
// ---------------------------------------------------------------------------

// callTrace is an ordered record of calls shared across fakes, for
// tests that assert ordering across collaborators. A nil trace is a
// no-op.
type callTrace struct {
	mu     sync.Mutex
	events []string
}

func (t *callTrace) add(event string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *callTrace) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

// ---------------------------------------------------------------------------
// Fake storage backend
// ---------------------------------------------------------------------------

// fakeBackend records every call and fails on demand. Capabilities are
// resolved per volume id with a sensible local path-based default.
type fakeBackend struct {
	mu    sync.Mutex
	trace *callTrace

	caps   map[string]storage.Capabilities
	owners map[string]string

	allocated   []string
	freed       []string
	activated   []string
	deactivated []string
	snapshotted []string // "volid@snapname"
	deleted     []string
	rolledBack  []string

	allocateErr  error
	activateErr  error
	pathErr      error
	failSnapshot map[string]error
	failFree     map[string]error
	blockers     map[string][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		caps:         make(map[string]storage.Capabilities),
		owners:       make(map[string]string),
		failSnapshot: make(map[string]error),
		failFree:     make(map[string]error),
		blockers:     make(map[string][]string),
	}
}

func (b *fakeBackend) Allocate(ctx context.Context, pool, vmid, kind, name string, sizeKB int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocateErr != nil {
		return "", b.allocateErr
	}
	volid := pool + ":" + name
	b.allocated = append(b.allocated, volid)
	return volid, nil
}

func (b *fakeBackend) Free(ctx context.Context, volid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failFree[volid]; ok {
		return err
	}
	b.freed = append(b.freed, volid)
	return nil
}

func (b *fakeBackend) Activate(ctx context.Context, volids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activateErr != nil {
		return b.activateErr
	}
	b.activated = append(b.activated, volids...)
	return nil
}

func (b *fakeBackend) Deactivate(ctx context.Context, volids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deactivated = append(b.deactivated, volids...)
	return nil
}

func (b *fakeBackend) SnapshotVolume(ctx context.Context, volid, snapname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failSnapshot[volid]; ok {
		return err
	}
	b.snapshotted = append(b.snapshotted, volid+"@"+snapname)
	b.trace.add("backend:snapshot:" + volid + "@" + snapname)
	return nil
}

func (b *fakeBackend) DeleteVolumeSnapshot(ctx context.Context, volid, snapname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failSnapshot[volid]; ok {
		return err
	}
	b.deleted = append(b.deleted, volid+"@"+snapname)
	return nil
}

func (b *fakeBackend) RollbackVolumeSnapshot(ctx context.Context, volid, snapname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolledBack = append(b.rolledBack, volid+"@"+snapname)
	return nil
}

func (b *fakeBackend) RollbackPossible(ctx context.Context, volid, snapname string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockers[volid], nil
}

func (b *fakeBackend) Capabilities(ctx context.Context, volid string) (storage.Capabilities, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.caps[volid]; ok {
		return c, nil
	}
	return storage.Capabilities{
		PathBased:         true,
		Type:              storage.KindDisk,
		SupportsReplicate: true,
	}, nil
}

func (b *fakeBackend) ResolveOwner(ctx context.Context, volid string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owners[volid], nil
}

func (b *fakeBackend) Path(ctx context.Context, volid string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pathErr != nil {
		return "", b.pathErr
	}
	return "/fake/" + volid, nil
}

func (b *fakeBackend) freeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.freed)
}

// ---------------------------------------------------------------------------
// Scripted monitor channel
// ---------------------------------------------------------------------------

type chanResp struct {
	resp any
	err  error
}

// fakeChannel replays scripted responses per command in FIFO order and
// records every command issued. Unscripted commands succeed with an
// empty payload.
type fakeChannel struct {
	mu        sync.Mutex
	trace     *callTrace
	responses map[string][]chanResp
	calls     []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{responses: make(map[string][]chanResp)}
}

func (c *fakeChannel) script(command string, resp any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[command] = append(c.responses[command], chanResp{resp: resp, err: err})
}

func (c *fakeChannel) Send(ctx context.Context, vmid, command string, args map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, command)
	c.trace.add("channel:" + command)
	q := c.responses[command]
	if len(q) == 0 {
		return map[string]any{}, nil
	}
	r := q[0]
	c.responses[command] = q[1:]
	return r.resp, r.err
}

func (c *fakeChannel) callCount(command string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == command {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Fake VM runtime
// ---------------------------------------------------------------------------

type fakeRuntime struct {
	mu sync.Mutex

	running    bool
	runningErr error
	machine    string
	cpu        string

	stopped   bool
	stopErr   error
	startErr  error
	startOpts *vm.StartOptions
}

func (r *fakeRuntime) Running(ctx context.Context, vmid string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, r.runningErr
}

func (r *fakeRuntime) Stop(ctx context.Context, vmid string, grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopErr != nil {
		return r.stopErr
	}
	r.stopped = true
	r.running = false
	return nil
}

func (r *fakeRuntime) Start(ctx context.Context, vmid string, opts vm.StartOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	o := opts
	r.startOpts = &o
	r.running = true
	return nil
}

func (r *fakeRuntime) CurrentMachine(ctx context.Context, vmid string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.machine == "" {
		return "", fmt.Errorf("no machine type for vm %s", vmid)
	}
	return r.machine, nil
}

func (r *fakeRuntime) CurrentCPU(ctx context.Context, vmid string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cpu, nil
}

// ---------------------------------------------------------------------------
// Fake clock
// ---------------------------------------------------------------------------

// fakeClock advances by the slept duration, so elapsed time in polling
// loops is deterministic.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}
