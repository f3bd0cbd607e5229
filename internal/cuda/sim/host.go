// Package sim implements cuda.Driver without accelerator hardware. Device
// allocations are files in a shared-memory directory mapped with mmap, so
// several simulated processes (in one OS process or across OS processes that
// share the directory) see each other's writes exactly like IPC-mapped device
// memory. Streams are ordered op lists executed when an event recorded on them
// is queried.
package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/cudaipc/internal/cuda"
)

// DefaultDir is the preferred backing directory for simulated device memory.
const DefaultDir = "/dev/shm"

// Options configures a simulated host.
type Options struct {
	// Dir holds the allocation files. Empty selects /dev/shm when available,
	// else the OS temp directory.
	Dir string
	// Devices is the number of simulated devices (default 1).
	Devices int
	// QueryDelay is how many EventQuery calls report "not ready" before the
	// work captured by a recorded event is executed.
	QueryDelay int
	// PeerAccess overrides the device-to-device access matrix. The default
	// allows access between any two distinct devices.
	PeerAccess func(dev, peer cuda.Device) bool
}

// Host is a simulated machine: a device count and a shared-memory directory.
// Processes created from one Host can exchange IPC handles.
type Host struct {
	mu         sync.Mutex
	id         uuid.UUID
	dir        string
	devices    int
	queryDelay int
	peerAccess func(dev, peer cuda.Device) bool
	nextProc   uint64
	procs      []*Process
}

// NewHost creates a simulated host.
func NewHost(opts Options) (*Host, error) {
	dir := opts.Dir
	if dir == "" {
		dir = defaultDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create simulated device directory %s: %w", dir, err)
	}

	devices := opts.Devices
	if devices <= 0 {
		devices = 1
	}

	peerAccess := opts.PeerAccess
	if peerAccess == nil {
		peerAccess = func(dev, peer cuda.Device) bool { return dev != peer }
	}

	h := &Host{
		id:         uuid.New(),
		dir:        dir,
		devices:    devices,
		queryDelay: opts.QueryDelay,
		peerAccess: peerAccess,
	}

	log.Debug().
		Str("host", h.id.String()).
		Str("dir", dir).
		Int("devices", devices).
		Msg("Simulated host created")

	return h, nil
}

// Dir returns the directory holding allocation files.
func (h *Host) Dir() string {
	return h.dir
}

// Devices returns the number of simulated devices.
func (h *Host) Devices() int {
	return h.devices
}

// SetQueryDelay changes the number of not-ready polls for events recorded
// after the call.
func (h *Host) SetQueryDelay(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queryDelay = n
}

func (h *Host) currentQueryDelay() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queryDelay
}

// NewProcess creates a simulated process with its own address space and
// device contexts. The current device starts at 0.
func (h *Host) NewProcess() *Process {
	h.mu.Lock()
	h.nextProc++
	seq := h.nextProc
	h.mu.Unlock()

	p := newProcess(h, seq)

	h.mu.Lock()
	h.procs = append(h.procs, p)
	h.mu.Unlock()
	return p
}

// Close releases every process created from this host.
func (h *Host) Close() error {
	h.mu.Lock()
	procs := h.procs
	h.procs = nil
	h.mu.Unlock()

	var firstErr error
	for _, p := range procs {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Host) allocationPath(id uuid.UUID) string {
	return filepath.Join(h.dir, "cudaipc_"+id.String()+".mem")
}

func defaultDir() string {
	if info, err := os.Stat(DefaultDir); err == nil && info.IsDir() {
		return DefaultDir
	}
	return os.TempDir()
}
