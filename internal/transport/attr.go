package transport

import "time"

// MemoryType is a class of memory a domain can register.
type MemoryType uint8

const (
	MemoryTypeHost MemoryType = iota
	MemoryTypeCUDA
	MemoryTypeCUDAManaged
)

func (t MemoryType) String() string {
	switch t {
	case MemoryTypeHost:
		return "host"
	case MemoryTypeCUDA:
		return "cuda"
	case MemoryTypeCUDAManaged:
		return "cuda-managed"
	}
	return "unknown"
}

// MemoryTypes is a bit set of MemoryType.
type MemoryTypes uint64

// Has reports whether t is in the set.
func (m MemoryTypes) Has(t MemoryType) bool {
	return m&(1<<t) != 0
}

// MemoryTypesOf builds a set.
func MemoryTypesOf(types ...MemoryType) MemoryTypes {
	var m MemoryTypes
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

// MDFlags are memory domain capabilities.
type MDFlags uint64

const (
	// MDFlagAlloc: the domain can allocate memory.
	MDFlagAlloc MDFlags = 1 << iota
	// MDFlagReg: the domain can register existing memory.
	MDFlagReg
	// MDFlagNeedMemh: operations need a local memory handle.
	MDFlagNeedMemh
	// MDFlagNeedRkey: remote operations need an unpacked remote key.
	MDFlagNeedRkey
)

// LinearFunc is an affine cost model: C + M*x, in seconds.
type LinearFunc struct {
	C float64
	M float64
}

// Apply evaluates the model for x.
func (f LinearFunc) Apply(x float64) float64 {
	return f.C + f.M*x
}

// Duration evaluates the model for x bytes as a time.Duration.
func (f LinearFunc) Duration(x uint64) time.Duration {
	return time.Duration(f.Apply(float64(x)) * float64(time.Second))
}

// MDAttr describes a memory domain.
type MDAttr struct {
	ComponentName  string
	Flags          MDFlags
	RegMemTypes    MemoryTypes
	AccessMemTypes MemoryTypes
	MaxAlloc       uint64
	MaxReg         uint64
	RkeyPackedSize int
	RegCost        LinearFunc
}

// IfaceFlags are interface capabilities.
type IfaceFlags uint64

const (
	IfaceFlagPutShort IfaceFlags = 1 << iota
	IfaceFlagPutBcopy
	IfaceFlagPutZcopy
	IfaceFlagGetShort
	IfaceFlagGetBcopy
	IfaceFlagGetZcopy
	IfaceFlagAMShort
	IfaceFlagAMBcopy
	IfaceFlagAMZcopy
	IfaceFlagPending
	IfaceFlagConnectToIface
	IfaceFlagConnectToEP
)

// Has reports whether every flag in f is set.
func (fl IfaceFlags) Has(f IfaceFlags) bool {
	return fl&f == f
}

// OpLimits bounds one operation family. A zero Max means unsupported.
type OpLimits struct {
	MaxShort      uint64
	MaxBcopy      uint64
	MinZcopy      uint64
	MaxZcopy      uint64
	OptZcopyAlign uint64
	AlignMTU      uint64
	MaxIOV        int
}

// Bandwidth is a bandwidth estimate in bytes per second.
type Bandwidth struct {
	Dedicated float64
	Shared    float64
}

// IfaceAttr describes an interface.
type IfaceAttr struct {
	Flags         IfaceFlags
	Put           OpLimits
	Get           OpLimits
	AM            OpLimits
	IfaceAddrLen  int
	DeviceAddrLen int
	EPAddrLen     int
	Latency       LinearFunc
	Bandwidth     Bandwidth
	Overhead      float64
	Priority      int
}

// DeviceType classifies a transport resource.
type DeviceType uint8

const (
	DeviceTypeNet DeviceType = iota
	DeviceTypeShm
	DeviceTypeAcc
	DeviceTypeSelf
)

// Resource is one (transport, device) pair a component offers.
type Resource struct {
	ComponentName string
	TLName        string
	DeviceName    string
	DeviceType    DeviceType
}
