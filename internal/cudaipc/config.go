package cudaipc

import (
	"fmt"
	"strings"
	"time"
)

const (
	// ComponentName is the name the component registers under.
	ComponentName = "cudaipc"
	// TLName is the transport name reported in resources.
	TLName = "cudaipc"
	// DeviceName is the only device name an interface accepts.
	DeviceName = "cudaipc"

	// MaxAllocSize bounds registration and zero-copy lengths (16 MiB).
	MaxAllocSize = 1 << 24
	// MaxPeers bounds the device-pair access matrix.
	MaxPeers = 16
)

// Ternary is a yes / no / try switch.
type Ternary int

const (
	TernaryNo Ternary = iota
	TernaryYes
	TernaryTry
)

func (t Ternary) String() string {
	switch t {
	case TernaryYes:
		return "yes"
	case TernaryNo:
		return "no"
	}
	return "try"
}

// ParseTernary accepts yes/no/try and the usual boolean spellings.
func ParseTernary(s string) (Ternary, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "on", "true", "1":
		return TernaryYes, nil
	case "no", "n", "off", "false", "0":
		return TernaryNo, nil
	case "try", "auto", "":
		return TernaryTry, nil
	}
	return TernaryTry, fmt.Errorf("invalid ternary value %q (expected yes, no or try)", s)
}

// MDConfig configures a MemoryDomain.
type MDConfig struct {
	// RCache enables the registration cache.
	RCache Ternary
	// RCacheAddrAlign is the alignment of cached region bounds.
	RCacheAddrAlign uint64
	// RCacheMaxIdle is how many unreferenced regions the cache keeps
	// registered before evicting the least recently used.
	RCacheMaxIdle int
	// MemRegOverhead is the fixed cost of an uncached registration.
	MemRegOverhead time.Duration
	// MemRegGrowth is the per-byte cost of an uncached registration, in
	// nanoseconds.
	MemRegGrowth float64
}

// DefaultMDConfig returns the domain defaults.
func DefaultMDConfig() MDConfig {
	return MDConfig{
		RCache:          TernaryTry,
		RCacheAddrAlign: 4096,
		RCacheMaxIdle:   128,
		MemRegOverhead:  16 * time.Microsecond,
		MemRegGrowth:    0.06,
	}
}

// IfaceConfig configures an Iface.
type IfaceConfig struct {
	// MaxPoll is the most completions taken from one queue per Progress call.
	MaxPoll int
	// EventPoolChunk is how many completion events the pool creates at once.
	EventPoolChunk int
	// EventPoolMax bounds the total number of completion events.
	EventPoolMax int
	// StrictBounds also range-checks remote addresses that take the
	// same-context path.
	StrictBounds bool
}

// DefaultIfaceConfig returns the interface defaults.
func DefaultIfaceConfig() IfaceConfig {
	return IfaceConfig{
		MaxPoll:        16,
		EventPoolChunk: 128,
		EventPoolMax:   1024,
		StrictBounds:   false,
	}
}
