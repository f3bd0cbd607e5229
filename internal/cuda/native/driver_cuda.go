//go:build cuda

// Package native binds cuda.Driver to the CUDA driver API through cgo.
package native

// #cgo LDFLAGS: -lcuda
// #include <stdlib.h>
// #include <string.h>
// #include <cuda.h>
//
// static CUresult get_ptr_context(CUdeviceptr ptr, CUcontext *ctx) {
//     return cuPointerGetAttribute(ctx, CU_POINTER_ATTRIBUTE_CONTEXT, ptr);
// }
//
// static CUresult get_ptr_memtype(CUdeviceptr ptr, unsigned int *mt) {
//     return cuPointerGetAttribute(mt, CU_POINTER_ATTRIBUTE_MEMORY_TYPE, ptr);
// }
//
// static CUresult ipc_get(CUdeviceptr ptr, void *out) {
//     CUipcMemHandle h;
//     CUresult r = cuIpcGetMemHandle(&h, ptr);
//     if (r == CUDA_SUCCESS) {
//         memcpy(out, h.reserved, CU_IPC_HANDLE_SIZE);
//     }
//     return r;
// }
//
// static CUresult ipc_open(CUdeviceptr *ptr, const void *in, unsigned int flags) {
//     CUipcMemHandle h;
//     memcpy(h.reserved, in, CU_IPC_HANDLE_SIZE);
//     return cuIpcOpenMemHandle(ptr, h, flags);
// }
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/cudaipc/internal/cuda"
)

// Driver is the CUDA driver API bound to the primary context of one device.
type Driver struct {
	mu     sync.Mutex
	device C.CUdevice
	ctx    C.CUcontext
}

var _ cuda.Driver = (*Driver)(nil)

// Open initializes the driver and retains the primary context of device.
func Open(device int) (*Driver, error) {
	if r := C.cuInit(0); r != C.CUDA_SUCCESS {
		return nil, wrap("cuInit", r)
	}

	var dev C.CUdevice
	if r := C.cuDeviceGet(&dev, C.int(device)); r != C.CUDA_SUCCESS {
		return nil, wrap("cuDeviceGet", r)
	}

	var ctx C.CUcontext
	if r := C.cuDevicePrimaryCtxRetain(&ctx, dev); r != C.CUDA_SUCCESS {
		return nil, wrap("cuDevicePrimaryCtxRetain", r)
	}

	log.Info().Int("device", device).Msg("CUDA primary context retained")
	return &Driver{device: dev, ctx: ctx}, nil
}

// Close releases the primary context.
func (d *Driver) Close() error {
	if r := C.cuDevicePrimaryCtxRelease(d.device); r != C.CUDA_SUCCESS {
		return wrap("cuDevicePrimaryCtxRelease", r)
	}
	return nil
}

// bind makes the driver's context current on the calling OS thread. cgo calls
// may land on any thread, so every entry point binds first.
func (d *Driver) bind() error {
	if r := C.cuCtxSetCurrent(d.ctx); r != C.CUDA_SUCCESS {
		return wrap("cuCtxSetCurrent", r)
	}
	return nil
}

func wrap(op string, r C.CUresult) error {
	var name, desc *C.char
	C.cuGetErrorName(r, &name)
	C.cuGetErrorString(r, &desc)
	msg := ""
	if desc != nil {
		msg = C.GoString(desc)
	}
	if name != nil && cuda.Result(r).String() != C.GoString(name) {
		msg = fmt.Sprintf("%s: %s", C.GoString(name), msg)
	}
	return cuda.NewError(op, cuda.Result(r), msg)
}

func (d *Driver) DeviceCount() (int, error) {
	var n C.int
	if r := C.cuDeviceGetCount(&n); r != C.CUDA_SUCCESS {
		return 0, wrap("cuDeviceGetCount", r)
	}
	return int(n), nil
}

func (d *Driver) CanAccessPeer(dev, peer cuda.Device) (bool, error) {
	var ok C.int
	if r := C.cuDeviceCanAccessPeer(&ok, C.CUdevice(dev), C.CUdevice(peer)); r != C.CUDA_SUCCESS {
		return false, wrap("cuDeviceCanAccessPeer", r)
	}
	return ok != 0, nil
}

func (d *Driver) CtxGetDevice() (cuda.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return 0, err
	}
	var dev C.CUdevice
	if r := C.cuCtxGetDevice(&dev); r != C.CUDA_SUCCESS {
		return 0, wrap("cuCtxGetDevice", r)
	}
	return cuda.Device(dev), nil
}

func (d *Driver) MemAlloc(size uint64) (cuda.DevicePtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return 0, err
	}
	var ptr C.CUdeviceptr
	if r := C.cuMemAlloc(&ptr, C.size_t(size)); r != C.CUDA_SUCCESS {
		return 0, wrap("cuMemAlloc", r)
	}
	return cuda.DevicePtr(ptr), nil
}

func (d *Driver) MemFree(ptr cuda.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return err
	}
	if r := C.cuMemFree(C.CUdeviceptr(ptr)); r != C.CUDA_SUCCESS {
		return wrap("cuMemFree", r)
	}
	return nil
}

func (d *Driver) MemGetAddressRange(ptr cuda.DevicePtr) (cuda.DevicePtr, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return 0, 0, err
	}
	var base C.CUdeviceptr
	var size C.size_t
	if r := C.cuMemGetAddressRange(&base, &size, C.CUdeviceptr(ptr)); r != C.CUDA_SUCCESS {
		return 0, 0, wrap("cuMemGetAddressRange", r)
	}
	return cuda.DevicePtr(base), uint64(size), nil
}

func (d *Driver) MemcpyHtoD(dst cuda.DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return err
	}
	if r := C.cuMemcpyHtoD(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))); r != C.CUDA_SUCCESS {
		return wrap("cuMemcpyHtoD", r)
	}
	return nil
}

func (d *Driver) MemcpyDtoH(dst []byte, src cuda.DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return err
	}
	if r := C.cuMemcpyDtoH(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))); r != C.CUDA_SUCCESS {
		return wrap("cuMemcpyDtoH", r)
	}
	return nil
}

func (d *Driver) MemcpyDtoDAsync(dst, src cuda.DevicePtr, size uint64, s cuda.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return err
	}
	r := C.cuMemcpyDtoDAsync(C.CUdeviceptr(dst), C.CUdeviceptr(src), C.size_t(size), C.CUstream(unsafe.Pointer(uintptr(s))))
	if r != C.CUDA_SUCCESS {
		return wrap("cuMemcpyDtoDAsync", r)
	}
	return nil
}

func (d *Driver) PointerGetContext(ptr cuda.DevicePtr) (cuda.Context, error) {
	var ctx C.CUcontext
	if r := C.get_ptr_context(C.CUdeviceptr(ptr), &ctx); r != C.CUDA_SUCCESS {
		return 0, wrap("cuPointerGetAttribute", r)
	}
	return cuda.Context(uintptr(unsafe.Pointer(ctx))), nil
}

func (d *Driver) PointerGetMemoryType(ptr cuda.DevicePtr) (cuda.MemoryType, error) {
	var mt C.uint
	if r := C.get_ptr_memtype(C.CUdeviceptr(ptr), &mt); r != C.CUDA_SUCCESS {
		return cuda.MemoryTypeUnknown, wrap("cuPointerGetAttribute", r)
	}
	switch mt {
	case C.CU_MEMORYTYPE_HOST:
		return cuda.MemoryTypeHost, nil
	case C.CU_MEMORYTYPE_DEVICE:
		return cuda.MemoryTypeDevice, nil
	case C.CU_MEMORYTYPE_ARRAY:
		return cuda.MemoryTypeArray, nil
	case C.CU_MEMORYTYPE_UNIFIED:
		return cuda.MemoryTypeUnified, nil
	}
	return cuda.MemoryTypeUnknown, nil
}

func (d *Driver) IpcGetMemHandle(ptr cuda.DevicePtr) (cuda.IpcMemHandle, error) {
	var h cuda.IpcMemHandle
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return h, err
	}
	if r := C.ipc_get(C.CUdeviceptr(ptr), unsafe.Pointer(&h[0])); r != C.CUDA_SUCCESS {
		return h, wrap("cuIpcGetMemHandle", r)
	}
	return h, nil
}

func (d *Driver) IpcOpenMemHandle(h cuda.IpcMemHandle, flags cuda.IpcOpenFlags) (cuda.DevicePtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return 0, err
	}
	var ptr C.CUdeviceptr
	if r := C.ipc_open(&ptr, unsafe.Pointer(&h[0]), C.uint(flags)); r != C.CUDA_SUCCESS {
		return 0, wrap("cuIpcOpenMemHandle", r)
	}
	return cuda.DevicePtr(ptr), nil
}

func (d *Driver) IpcCloseMemHandle(ptr cuda.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return err
	}
	if r := C.cuIpcCloseMemHandle(C.CUdeviceptr(ptr)); r != C.CUDA_SUCCESS {
		return wrap("cuIpcCloseMemHandle", r)
	}
	return nil
}

func (d *Driver) StreamCreate() (cuda.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return 0, err
	}
	var s C.CUstream
	if r := C.cuStreamCreate(&s, C.CU_STREAM_NON_BLOCKING); r != C.CUDA_SUCCESS {
		return 0, wrap("cuStreamCreate", r)
	}
	return cuda.Stream(uintptr(unsafe.Pointer(s))), nil
}

func (d *Driver) StreamDestroy(s cuda.Stream) error {
	if r := C.cuStreamDestroy(C.CUstream(unsafe.Pointer(uintptr(s)))); r != C.CUDA_SUCCESS {
		return wrap("cuStreamDestroy", r)
	}
	return nil
}

func (d *Driver) EventCreate() (cuda.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bind(); err != nil {
		return 0, err
	}
	var e C.CUevent
	if r := C.cuEventCreate(&e, C.CU_EVENT_DISABLE_TIMING); r != C.CUDA_SUCCESS {
		return 0, wrap("cuEventCreate", r)
	}
	return cuda.Event(uintptr(unsafe.Pointer(e))), nil
}

func (d *Driver) EventDestroy(e cuda.Event) error {
	if r := C.cuEventDestroy(C.CUevent(unsafe.Pointer(uintptr(e)))); r != C.CUDA_SUCCESS {
		return wrap("cuEventDestroy", r)
	}
	return nil
}

func (d *Driver) EventRecord(e cuda.Event, s cuda.Stream) error {
	r := C.cuEventRecord(C.CUevent(unsafe.Pointer(uintptr(e))), C.CUstream(unsafe.Pointer(uintptr(s))))
	if r != C.CUDA_SUCCESS {
		return wrap("cuEventRecord", r)
	}
	return nil
}

func (d *Driver) EventQuery(e cuda.Event) error {
	if r := C.cuEventQuery(C.CUevent(unsafe.Pointer(uintptr(e)))); r != C.CUDA_SUCCESS {
		return wrap("cuEventQuery", r)
	}
	return nil
}
