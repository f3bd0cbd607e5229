// Package cuda defines the slice of the accelerator driver API that the IPC
// transport consumes. Implementations live in subpackages: native (cgo
// binding to the CUDA driver, built with the "cuda" tag) and sim (a simulated
// multi-process driver backed by OS shared memory).
package cuda

import (
	"bytes"
	"encoding/hex"
)

// IpcHandleSize is the size of an IPC memory handle (CU_IPC_HANDLE_SIZE).
const IpcHandleSize = 64

// DevicePtr is a device virtual address in the calling process.
type DevicePtr uint64

// Device is a device ordinal.
type Device int32

// Context identifies a device context. Zero means "no context".
type Context uintptr

// Stream is an opaque ordered work queue handle.
type Stream uintptr

// Event is an opaque completion marker handle.
type Event uintptr

// IpcMemHandle is an OS-issued token that lets another process map a device
// allocation into its own address space.
type IpcMemHandle [IpcHandleSize]byte

// Equal reports byte-wise equality of two handles.
func (h IpcMemHandle) Equal(o IpcMemHandle) bool {
	return bytes.Equal(h[:], o[:])
}

// String returns a short hex prefix, suitable for logs.
func (h IpcMemHandle) String() string {
	return hex.EncodeToString(h[:8])
}

// MemoryType is the memory type reported for a pointer.
type MemoryType int

const (
	MemoryTypeUnknown MemoryType = iota
	MemoryTypeHost
	MemoryTypeDevice
	MemoryTypeArray
	MemoryTypeUnified
)

// IpcOpenFlags control IpcOpenMemHandle.
type IpcOpenFlags uint32

const (
	// IpcLazyEnablePeerAccess maps CU_IPC_MEM_LAZY_ENABLE_PEER_ACCESS.
	IpcLazyEnablePeerAccess IpcOpenFlags = 0x1
)

// Driver is the device driver surface used by the transport. Every method
// returns a *Error on failure so each call carries its own diagnostic.
type Driver interface {
	// DeviceCount returns the number of visible devices.
	DeviceCount() (int, error)
	// CanAccessPeer reports whether dev can address peer's memory directly.
	CanAccessPeer(dev, peer Device) (bool, error)
	// CtxGetDevice returns the device of the calling thread's current context.
	CtxGetDevice() (Device, error)

	// MemAlloc allocates device memory on the current device.
	MemAlloc(size uint64) (DevicePtr, error)
	// MemFree releases memory returned by MemAlloc.
	MemFree(ptr DevicePtr) error
	// MemGetAddressRange returns the base and size of the allocation
	// containing ptr.
	MemGetAddressRange(ptr DevicePtr) (DevicePtr, uint64, error)
	// MemcpyHtoD copies host bytes to device memory synchronously.
	MemcpyHtoD(dst DevicePtr, src []byte) error
	// MemcpyDtoH copies device memory to host bytes synchronously.
	MemcpyDtoH(dst []byte, src DevicePtr) error
	// MemcpyDtoDAsync enqueues a device-to-device copy on stream.
	MemcpyDtoDAsync(dst, src DevicePtr, size uint64, stream Stream) error

	// PointerGetContext returns the context owning ptr. A pointer that is not
	// mapped in this process yields an error with code ErrorInvalidValue.
	PointerGetContext(ptr DevicePtr) (Context, error)
	// PointerGetMemoryType returns the memory type of ptr.
	PointerGetMemoryType(ptr DevicePtr) (MemoryType, error)

	// IpcGetMemHandle exports the allocation containing ptr.
	IpcGetMemHandle(ptr DevicePtr) (IpcMemHandle, error)
	// IpcOpenMemHandle maps an exported allocation and returns its base.
	IpcOpenMemHandle(h IpcMemHandle, flags IpcOpenFlags) (DevicePtr, error)
	// IpcCloseMemHandle unmaps a pointer returned by IpcOpenMemHandle.
	IpcCloseMemHandle(ptr DevicePtr) error

	// StreamCreate creates a non-blocking stream.
	StreamCreate() (Stream, error)
	// StreamDestroy destroys a stream.
	StreamDestroy(s Stream) error

	// EventCreate creates an event with timing disabled.
	EventCreate() (Event, error)
	// EventDestroy destroys an event.
	EventDestroy(e Event) error
	// EventRecord captures the current tail of stream into e.
	EventRecord(e Event, s Stream) error
	// EventQuery returns nil when all work captured by e has completed and
	// an error with code ErrorNotReady while it is still pending.
	EventQuery(e Event) error
}
