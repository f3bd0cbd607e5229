package sim

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/yuuki/cudaipc/internal/cuda"
)

var handleMagic = [4]byte{'S', 'I', 'P', 'C'}

// Handle layout: magic[4] | allocation id[16] | size u64 | device i32 | zero.
const (
	handleIDOffset     = 4
	handleSizeOffset   = handleIDOffset + 16
	handleDeviceOffset = handleSizeOffset + 8
)

func encodeHandle(id uuid.UUID, size uint64, dev cuda.Device) cuda.IpcMemHandle {
	var h cuda.IpcMemHandle
	copy(h[:], handleMagic[:])
	copy(h[handleIDOffset:], id[:])
	binary.LittleEndian.PutUint64(h[handleSizeOffset:], size)
	binary.LittleEndian.PutUint32(h[handleDeviceOffset:], uint32(dev))
	return h
}

func decodeHandle(h cuda.IpcMemHandle) (uuid.UUID, uint64, cuda.Device, bool) {
	if [4]byte(h[:4]) != handleMagic {
		return uuid.Nil, 0, 0, false
	}
	id, err := uuid.FromBytes(h[handleIDOffset:handleSizeOffset])
	if err != nil {
		return uuid.Nil, 0, 0, false
	}
	size := binary.LittleEndian.Uint64(h[handleSizeOffset:])
	dev := cuda.Device(int32(binary.LittleEndian.Uint32(h[handleDeviceOffset:])))
	return id, size, dev, true
}
