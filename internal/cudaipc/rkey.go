package cudaipc

import (
	"encoding/binary"
	"fmt"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/transport"
)

// PackedKeySize is the size of a packed RemoteKey.
//
// Layout, host byte order:
//
//	handle[64] | remote_ptr u64 | remote_base u64 | remote_len u64 |
//	mapped_ptr u64 | device i32 | pad[4]
const PackedKeySize = cuda.IpcHandleSize + 4*8 + 4 + 4

const (
	keyRemotePtrOffset  = cuda.IpcHandleSize
	keyRemoteBaseOffset = keyRemotePtrOffset + 8
	keyRemoteLenOffset  = keyRemoteBaseOffset + 8
	keyMappedPtrOffset  = keyRemoteLenOffset + 8
	keyDeviceOffset     = keyMappedPtrOffset + 8
)

// RemoteKey describes a registration made by a peer process.
type RemoteKey struct {
	Handle cuda.IpcMemHandle
	// RemotePtr is the registered address in the owner's address space.
	RemotePtr cuda.DevicePtr
	// RemoteBase and RemoteLen describe the enclosing allocation.
	RemoteBase cuda.DevicePtr
	RemoteLen  uint64
	// MappedPtr is carried on the wire but never filled in.
	MappedPtr cuda.DevicePtr
	Device    cuda.Device
}

// AppendBinary appends the packed key to buf.
func (k *RemoteKey) AppendBinary(buf []byte) ([]byte, error) {
	var b [PackedKeySize]byte
	copy(b[:], k.Handle[:])
	binary.NativeEndian.PutUint64(b[keyRemotePtrOffset:], uint64(k.RemotePtr))
	binary.NativeEndian.PutUint64(b[keyRemoteBaseOffset:], uint64(k.RemoteBase))
	binary.NativeEndian.PutUint64(b[keyRemoteLenOffset:], k.RemoteLen)
	binary.NativeEndian.PutUint64(b[keyMappedPtrOffset:], uint64(k.MappedPtr))
	binary.NativeEndian.PutUint32(b[keyDeviceOffset:], uint32(k.Device))
	return append(buf, b[:]...), nil
}

// MarshalBinary returns the packed key.
func (k *RemoteKey) MarshalBinary() ([]byte, error) {
	return k.AppendBinary(make([]byte, 0, PackedKeySize))
}

// UnmarshalBinary decodes a packed key. Bytes past PackedKeySize are ignored.
func (k *RemoteKey) UnmarshalBinary(buf []byte) error {
	if len(buf) < PackedKeySize {
		return fmt.Errorf("%w: packed key is %d bytes, need %d", transport.StatusInvalidParam, len(buf), PackedKeySize)
	}
	copy(k.Handle[:], buf[:cuda.IpcHandleSize])
	k.RemotePtr = cuda.DevicePtr(binary.NativeEndian.Uint64(buf[keyRemotePtrOffset:]))
	k.RemoteBase = cuda.DevicePtr(binary.NativeEndian.Uint64(buf[keyRemoteBaseOffset:]))
	k.RemoteLen = binary.NativeEndian.Uint64(buf[keyRemoteLenOffset:])
	k.MappedPtr = cuda.DevicePtr(binary.NativeEndian.Uint64(buf[keyMappedPtrOffset:]))
	k.Device = cuda.Device(int32(binary.NativeEndian.Uint32(buf[keyDeviceOffset:])))
	return nil
}
