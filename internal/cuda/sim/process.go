package sim

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/cudaipc/internal/cuda"
)

const (
	// allocAlign is the granularity of simulated virtual addresses.
	allocAlign = 2 << 20
	// vaSlotSize is the virtual address window of one simulated process.
	vaSlotSize = 1 << 32
	vaSlotBase = 1 << 46
	vaSlots    = 1 << 14
)

// allocation is a device buffer visible in one simulated process, either
// allocated there or imported through an IPC handle.
type allocation struct {
	base cuda.DevicePtr
	size uint64
	mem  []byte
	id   uuid.UUID
	// device is the physical device that backs the memory.
	device cuda.Device
	// ctxDevice selects the context that owns the pointer in this process.
	ctxDevice cuda.Device
	imported  bool
	path      string
}

func (a *allocation) contains(ptr cuda.DevicePtr) bool {
	return ptr >= a.base && uint64(ptr-a.base) < a.size
}

func allocationLess(a, b *allocation) bool {
	return a.base < b.base
}

// Process is one simulated driver client. It implements cuda.Driver and is
// safe for concurrent use.
type Process struct {
	host *Host
	key  uint64

	mu       sync.Mutex
	closed   bool
	current  cuda.Device
	vaBase   uint64
	vaNext   uint64
	allocs   *btree.BTreeG[*allocation]
	streams  map[cuda.Stream]*stream
	events   map[cuda.Event]*event
	nextObj  uintptr
	faults   map[string]cuda.Result
	calls    map[string]int
	imported map[uuid.UUID]*allocation
}

var _ cuda.Driver = (*Process)(nil)

func newProcess(h *Host, seq uint64) *Process {
	key := uint64(os.Getpid())<<16 | seq&0xffff
	slot := (uint64(os.Getpid())*0x9E3779B97F4A7C15 + seq) % vaSlots
	base := uint64(vaSlotBase) + slot*vaSlotSize
	return &Process{
		host:     h,
		key:      key,
		vaBase:   base,
		vaNext:   base + allocAlign,
		allocs:   btree.NewG[*allocation](8, allocationLess),
		streams:  make(map[cuda.Stream]*stream),
		events:   make(map[cuda.Event]*event),
		faults:   make(map[string]cuda.Result),
		calls:    make(map[string]int),
		imported: make(map[uuid.UUID]*allocation),
	}
}

// SetDevice makes dev the current device of the process.
func (p *Process) SetDevice(dev cuda.Device) error {
	if int(dev) < 0 || int(dev) >= p.host.devices {
		return cuda.NewError("cuCtxSetCurrent", cuda.ErrorInvalidDevice, fmt.Sprintf("device %d", dev))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = dev
	return nil
}

// FailNext makes the next call to the named driver entry point (for example
// "cuIpcOpenMemHandle") fail with code.
func (p *Process) FailNext(op string, code cuda.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = code
}

// Calls returns how many times the named driver entry point was invoked.
func (p *Process) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// ImportedMappings returns the number of IPC mappings currently open.
func (p *Process) ImportedMappings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.imported)
}

// enter records the call and consumes an injected fault. Caller holds p.mu.
func (p *Process) enter(op string) error {
	p.calls[op]++
	if p.closed {
		return cuda.NewError(op, cuda.ErrorNotInitialized, "process closed")
	}
	if code, ok := p.faults[op]; ok {
		delete(p.faults, op)
		return cuda.NewError(op, code, "injected fault")
	}
	return nil
}

func (p *Process) context(dev cuda.Device) cuda.Context {
	return cuda.Context(p.key<<8 | uint64(dev+1))
}

func (p *Process) validDevice(dev cuda.Device) bool {
	return int(dev) >= 0 && int(dev) < p.host.devices
}

// lookup finds the allocation containing ptr. Caller holds p.mu.
func (p *Process) lookup(ptr cuda.DevicePtr) *allocation {
	var found *allocation
	p.allocs.DescendLessOrEqual(&allocation{base: ptr}, func(a *allocation) bool {
		found = a
		return false
	})
	if found == nil || !found.contains(ptr) {
		return nil
	}
	return found
}

// resolve returns the bytes backing [ptr, ptr+size). Caller holds p.mu.
func (p *Process) resolve(ptr cuda.DevicePtr, size uint64) ([]byte, bool) {
	a := p.lookup(ptr)
	if a == nil {
		return nil, false
	}
	off := uint64(ptr - a.base)
	if size > a.size-off {
		return nil, false
	}
	return a.mem[off : off+size], true
}

// reserve carves a virtual address range. Caller holds p.mu.
func (p *Process) reserve(size uint64) (cuda.DevicePtr, bool) {
	span := (size + allocAlign - 1) &^ (allocAlign - 1)
	// keep one unmapped granule between allocations
	if p.vaNext+span+allocAlign > p.vaBase+vaSlotSize {
		return 0, false
	}
	base := p.vaNext
	p.vaNext += span + allocAlign
	return cuda.DevicePtr(base), true
}

func (p *Process) DeviceCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return p.host.devices, nil
}

func (p *Process) CanAccessPeer(dev, peer cuda.Device) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuDeviceCanAccessPeer"); err != nil {
		return false, err
	}
	if !p.validDevice(dev) || !p.validDevice(peer) {
		return false, cuda.NewError("cuDeviceCanAccessPeer", cuda.ErrorInvalidDevice, fmt.Sprintf("devices %d/%d", dev, peer))
	}
	return p.host.peerAccess(dev, peer), nil
}

func (p *Process) CtxGetDevice() (cuda.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuCtxGetDevice"); err != nil {
		return 0, err
	}
	return p.current, nil
}

func (p *Process) MemAlloc(size uint64) (cuda.DevicePtr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuMemAlloc"); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, cuda.NewError("cuMemAlloc", cuda.ErrorInvalidValue, "zero size")
	}
	base, ok := p.reserve(size)
	if !ok {
		return 0, cuda.NewError("cuMemAlloc", cuda.ErrorOutOfMemory, "address space exhausted")
	}

	id := uuid.New()
	path := p.host.allocationPath(id)
	mem, err := createBacking(path, size)
	if err != nil {
		return 0, cuda.NewError("cuMemAlloc", cuda.ErrorOutOfMemory, err.Error())
	}

	a := &allocation{
		base:      base,
		size:      size,
		mem:       mem,
		id:        id,
		device:    p.current,
		ctxDevice: p.current,
		path:      path,
	}
	p.allocs.ReplaceOrInsert(a)

	log.Trace().
		Uint64("ptr", uint64(base)).
		Uint64("len", size).
		Int32("device", int32(p.current)).
		Msg("Simulated device allocation")
	return base, nil
}

func (p *Process) MemFree(ptr cuda.DevicePtr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuMemFree"); err != nil {
		return err
	}
	a := p.lookup(ptr)
	if a == nil || a.base != ptr || a.imported {
		return cuda.NewError("cuMemFree", cuda.ErrorInvalidValue, fmt.Sprintf("ptr 0x%x is not an allocation base", ptr))
	}
	if err := p.releaseLocked(a); err != nil {
		return cuda.NewError("cuMemFree", cuda.ErrorUnknown, err.Error())
	}
	return nil
}

func (p *Process) releaseLocked(a *allocation) error {
	p.allocs.Delete(a)
	if a.imported {
		delete(p.imported, a.id)
	}
	err := releaseBacking(a.mem)
	a.mem = nil
	if !a.imported {
		if rmErr := os.Remove(a.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

func (p *Process) MemGetAddressRange(ptr cuda.DevicePtr) (cuda.DevicePtr, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuMemGetAddressRange"); err != nil {
		return 0, 0, err
	}
	a := p.lookup(ptr)
	if a == nil {
		return 0, 0, cuda.NewError("cuMemGetAddressRange", cuda.ErrorNotFound, fmt.Sprintf("ptr 0x%x", ptr))
	}
	return a.base, a.size, nil
}

func (p *Process) MemcpyHtoD(dst cuda.DevicePtr, src []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuMemcpyHtoD"); err != nil {
		return err
	}
	mem, ok := p.resolve(dst, uint64(len(src)))
	if !ok {
		return cuda.NewError("cuMemcpyHtoD", cuda.ErrorInvalidValue, fmt.Sprintf("dst 0x%x len %d", dst, len(src)))
	}
	copy(mem, src)
	return nil
}

func (p *Process) MemcpyDtoH(dst []byte, src cuda.DevicePtr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuMemcpyDtoH"); err != nil {
		return err
	}
	mem, ok := p.resolve(src, uint64(len(dst)))
	if !ok {
		return cuda.NewError("cuMemcpyDtoH", cuda.ErrorInvalidValue, fmt.Sprintf("src 0x%x len %d", src, len(dst)))
	}
	copy(dst, mem)
	return nil
}

func (p *Process) PointerGetContext(ptr cuda.DevicePtr) (cuda.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuPointerGetAttribute"); err != nil {
		return 0, err
	}
	a := p.lookup(ptr)
	if a == nil {
		return 0, cuda.NewError("cuPointerGetAttribute", cuda.ErrorInvalidValue, fmt.Sprintf("ptr 0x%x is not mapped", ptr))
	}
	return p.context(a.ctxDevice), nil
}

func (p *Process) PointerGetMemoryType(ptr cuda.DevicePtr) (cuda.MemoryType, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuPointerGetAttribute"); err != nil {
		return cuda.MemoryTypeUnknown, err
	}
	if p.lookup(ptr) == nil {
		return cuda.MemoryTypeUnknown, cuda.NewError("cuPointerGetAttribute", cuda.ErrorInvalidValue, fmt.Sprintf("ptr 0x%x is not mapped", ptr))
	}
	return cuda.MemoryTypeDevice, nil
}

func (p *Process) IpcGetMemHandle(ptr cuda.DevicePtr) (cuda.IpcMemHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuIpcGetMemHandle"); err != nil {
		return cuda.IpcMemHandle{}, err
	}
	a := p.lookup(ptr)
	if a == nil || a.imported {
		return cuda.IpcMemHandle{}, cuda.NewError("cuIpcGetMemHandle", cuda.ErrorInvalidValue, fmt.Sprintf("ptr 0x%x is not a local allocation", ptr))
	}
	return encodeHandle(a.id, a.size, a.device), nil
}

func (p *Process) IpcOpenMemHandle(h cuda.IpcMemHandle, flags cuda.IpcOpenFlags) (cuda.DevicePtr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	const op = "cuIpcOpenMemHandle"
	if err := p.enter(op); err != nil {
		return 0, err
	}

	id, size, dev, ok := decodeHandle(h)
	if !ok {
		return 0, cuda.NewError(op, cuda.ErrorInvalidHandle, "malformed handle")
	}
	if _, dup := p.imported[id]; dup {
		return 0, cuda.NewError(op, cuda.ErrorAlreadyMapped, "handle already open in this process")
	}
	owned := false
	p.allocs.Ascend(func(a *allocation) bool {
		if a.id == id && !a.imported {
			owned = true
			return false
		}
		return true
	})
	if owned {
		return 0, cuda.NewError(op, cuda.ErrorInvalidContext, "handle was exported by this process")
	}
	if dev != p.current && !p.host.peerAccess(p.current, dev) {
		return 0, cuda.NewError(op, cuda.ErrorPeerAccessUnsup, fmt.Sprintf("device %d cannot access device %d", p.current, dev))
	}

	base, ok := p.reserve(size)
	if !ok {
		return 0, cuda.NewError(op, cuda.ErrorOutOfMemory, "address space exhausted")
	}
	path := p.host.allocationPath(id)
	mem, err := openBacking(path, size)
	if err != nil {
		return 0, cuda.NewError(op, cuda.ErrorMapFailed, err.Error())
	}

	a := &allocation{
		base:      base,
		size:      size,
		mem:       mem,
		id:        id,
		device:    dev,
		ctxDevice: p.current,
		imported:  true,
		path:      path,
	}
	p.allocs.ReplaceOrInsert(a)
	p.imported[id] = a

	log.Trace().
		Str("handle", h.String()).
		Uint64("ptr", uint64(base)).
		Uint64("len", size).
		Msg("Simulated IPC mapping opened")
	return base, nil
}

func (p *Process) IpcCloseMemHandle(ptr cuda.DevicePtr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	const op = "cuIpcCloseMemHandle"
	if err := p.enter(op); err != nil {
		return err
	}
	a := p.lookup(ptr)
	if a == nil || a.base != ptr || !a.imported {
		return cuda.NewError(op, cuda.ErrorInvalidValue, fmt.Sprintf("ptr 0x%x is not an IPC mapping", ptr))
	}
	if err := p.releaseLocked(a); err != nil {
		return cuda.NewError(op, cuda.ErrorUnknown, err.Error())
	}
	return nil
}

// Close unmaps every allocation and removes the files this process created.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	var all []*allocation
	p.allocs.Ascend(func(a *allocation) bool {
		all = append(all, a)
		return true
	})
	var firstErr error
	for _, a := range all {
		if err := p.releaseLocked(a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.streams = make(map[cuda.Stream]*stream)
	p.events = make(map[cuda.Event]*event)
	p.closed = true
	return firstErr
}
