// Package rendezvous exchanges registration advertisements between the
// process that owns a device buffer and the peers that copy from it. The
// owner publishes an Advertisement under a name; peers fetch it over gRPC and
// release the name when they are done with the buffer.
package rendezvous

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Advertisement is what a peer needs to reach an exported buffer.
type Advertisement struct {
	// IfaceAddr is the owner's interface address.
	IfaceAddr []byte
	// Address and Length are the exported range in the owner's address space.
	Address uint64
	Length  uint64
	// Key is the packed remote key of the registration.
	Key []byte
}

const advertisementVersion = 1

var errShortAdvertisement = errors.New("advertisement is truncated")

// MarshalBinary encodes a as
//
//	version u8 | addr_len u16 | addr | address u64 | length u64 | key_len u32 | key
//
// in little-endian order.
func (a *Advertisement) MarshalBinary() ([]byte, error) {
	if len(a.IfaceAddr) > 0xffff {
		return nil, fmt.Errorf("interface address too long: %d bytes", len(a.IfaceAddr))
	}
	buf := make([]byte, 0, 1+2+len(a.IfaceAddr)+8+8+4+len(a.Key))
	buf = append(buf, advertisementVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(a.IfaceAddr)))
	buf = append(buf, a.IfaceAddr...)
	buf = binary.LittleEndian.AppendUint64(buf, a.Address)
	buf = binary.LittleEndian.AppendUint64(buf, a.Length)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.Key)))
	buf = append(buf, a.Key...)
	return buf, nil
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (a *Advertisement) UnmarshalBinary(buf []byte) error {
	if len(buf) < 3 {
		return errShortAdvertisement
	}
	if buf[0] != advertisementVersion {
		return fmt.Errorf("unsupported advertisement version %d", buf[0])
	}
	addrLen := int(binary.LittleEndian.Uint16(buf[1:]))
	buf = buf[3:]
	if len(buf) < addrLen+8+8+4 {
		return errShortAdvertisement
	}
	a.IfaceAddr = append([]byte(nil), buf[:addrLen]...)
	buf = buf[addrLen:]
	a.Address = binary.LittleEndian.Uint64(buf)
	a.Length = binary.LittleEndian.Uint64(buf[8:])
	keyLen := int(binary.LittleEndian.Uint32(buf[16:]))
	buf = buf[20:]
	if len(buf) < keyLen {
		return errShortAdvertisement
	}
	a.Key = append([]byte(nil), buf[:keyLen]...)
	return nil
}
