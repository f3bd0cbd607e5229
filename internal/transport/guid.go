package transport

import (
	"encoding/binary"
	"os"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

var (
	machineGUIDOnce sync.Once
	machineGUID     uint64
)

// machineIDPaths are read in order; the hostname is the last resort.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineGUID returns a 64-bit identifier stable for the lifetime of the host.
func MachineGUID() uint64 {
	machineGUIDOnce.Do(func() {
		machineGUID = computeMachineGUID()
	})
	return machineGUID
}

func computeMachineGUID() uint64 {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if id != "" {
			return xxhash.Sum64String(id)
		}
	}

	host, err := os.Hostname()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to determine machine id, using a fixed GUID")
		return xxhash.Sum64String("localhost")
	}
	return xxhash.Sum64String(host)
}

// EncodeGUID returns guid as 8 bytes in host byte order.
func EncodeGUID(guid uint64) []byte {
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint64(buf, guid)
	return buf
}

// DecodeGUID parses an 8-byte address. ok is false for any other length.
func DecodeGUID(addr []byte) (uint64, bool) {
	if len(addr) != 8 {
		return 0, false
	}
	return binary.NativeEndian.Uint64(addr), true
}
