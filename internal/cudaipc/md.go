package cudaipc

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/telemetry"
	"github.com/yuuki/cudaipc/internal/transport"
)

// Metrics receives transport counters. *telemetry.Metrics implements it.
type Metrics interface {
	RecordTransfer(op string, n uint64)
	RecordCompletion(queue string, n int)
	RecordAttach(cached bool)
	RecordRegistration(result string)
}

// Registration is a registered range of device memory.
type Registration struct {
	Handle cuda.IpcMemHandle
	// Address and Length are the registered range.
	Address cuda.DevicePtr
	Length  uint64
	// Base and BaseLength describe the enclosing allocation.
	Base       cuda.DevicePtr
	BaseLength uint64
	Device     cuda.Device

	region *region
}

// Empty reports whether r is the result of a zero-length registration.
func (r *Registration) Empty() bool {
	return r.Length == 0
}

// MemoryDomain registers device memory for IPC export and converts
// registrations to and from remote keys.
type MemoryDomain struct {
	drv     cuda.Driver
	cfg     MDConfig
	rcache  *regCache
	regCost transport.LinearFunc
	metrics Metrics
}

var _ transport.MemoryDomain = (*MemoryDomain)(nil)

// NewMemoryDomain opens a domain. A nil metrics records nothing.
func NewMemoryDomain(drv cuda.Driver, cfg MDConfig, metrics Metrics) (*MemoryDomain, error) {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	md := &MemoryDomain{
		drv: drv,
		cfg: cfg,
		regCost: transport.LinearFunc{
			C: cfg.MemRegOverhead.Seconds(),
			M: cfg.MemRegGrowth * float64(time.Nanosecond) / float64(time.Second),
		},
		metrics: metrics,
	}

	if cfg.RCache != TernaryNo {
		rc, err := newRegCache(cfg.RCacheAddrAlign, cfg.RCacheMaxIdle, md.registerRange, md.deregisterRange)
		if err != nil {
			if cfg.RCache == TernaryYes {
				return nil, fmt.Errorf("%w: failed to create registration cache: %w", transport.StatusIOError, err)
			}
			log.Debug().Err(err).Msg("Could not create registration cache, registering without it")
		} else {
			md.rcache = rc
			md.regCost = transport.LinearFunc{}
		}
	}

	log.Debug().
		Bool("rcache", md.rcache != nil).
		Str("rcache_mode", cfg.RCache.String()).
		Msg("Memory domain opened")
	return md, nil
}

// Query returns the domain capabilities.
func (md *MemoryDomain) Query() (transport.MDAttr, error) {
	return transport.MDAttr{
		ComponentName:  ComponentName,
		Flags:          transport.MDFlagReg | transport.MDFlagNeedRkey,
		RegMemTypes:    transport.MemoryTypesOf(transport.MemoryTypeCUDA),
		AccessMemTypes: transport.MemoryTypesOf(transport.MemoryTypeCUDA),
		MaxAlloc:       0,
		MaxReg:         MaxAllocSize,
		RkeyPackedSize: PackedKeySize,
		RegCost:        md.regCost,
	}, nil
}

// CacheEnabled reports whether registrations go through the cache.
func (md *MemoryDomain) CacheEnabled() bool {
	return md.rcache != nil
}

// Register registers [address, address+length). A zero length yields an
// empty registration.
func (md *MemoryDomain) Register(address, length uint64) (transport.MemHandle, error) {
	reg, err := md.RegisterMemory(cuda.DevicePtr(address), length)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// RegisterMemory is Register with typed results.
func (md *MemoryDomain) RegisterMemory(address cuda.DevicePtr, length uint64) (*Registration, error) {
	if length == 0 {
		return &Registration{}, nil
	}

	if md.rcache != nil {
		reg, hit, err := md.rcache.get(address, length)
		if err != nil {
			return nil, err
		}
		if hit {
			md.metrics.RecordRegistration("hit")
		} else {
			md.metrics.RecordRegistration("miss")
		}
		return reg, nil
	}

	reg, err := md.registerRange(address, length)
	if err != nil {
		return nil, err
	}
	md.metrics.RecordRegistration("uncached")
	return reg, nil
}

// registerRange queries the driver for the IPC handle, owning device and
// enclosing allocation of address.
func (md *MemoryDomain) registerRange(address cuda.DevicePtr, length uint64) (*Registration, error) {
	handle, err := md.drv.IpcGetMemHandle(address)
	if err != nil {
		log.Error().Err(err).Uint64("len", length).Msg("cuIpcGetMemHandle failed")
		return nil, fmt.Errorf("%w: failed to get IPC handle: %w", transport.StatusIOError, err)
	}

	dev, err := md.drv.CtxGetDevice()
	if err != nil {
		log.Error().Err(err).Msg("cuCtxGetDevice failed")
		return nil, fmt.Errorf("%w: failed to get current device: %w", transport.StatusIOError, err)
	}

	base, baseLen, err := md.drv.MemGetAddressRange(address)
	if err != nil {
		log.Error().Err(err).Msg("cuMemGetAddressRange failed")
		return nil, fmt.Errorf("%w: failed to get allocation range: %w", transport.StatusIOError, err)
	}

	reg := &Registration{
		Handle:     handle,
		Address:    address,
		Length:     length,
		Base:       base,
		BaseLength: baseLen,
		Device:     dev,
	}

	log.Trace().
		Uint64("addr", uint64(address)).
		Uint64("len", length).
		Int32("device", int32(dev)).
		Str("handle", handle.String()).
		Msg("Registered memory")
	return reg, nil
}

// deregisterRange releases bookkeeping only. The IPC handle stays valid and
// peers keep their mappings.
func (md *MemoryDomain) deregisterRange(reg *Registration) {
	log.Trace().Uint64("addr", uint64(reg.Address)).Uint64("len", reg.Length).Msg("Deregistered memory")
}

// Deregister releases a registration returned by Register.
func (md *MemoryDomain) Deregister(memh transport.MemHandle) error {
	reg, ok := memh.(*Registration)
	if !ok || reg == nil {
		return fmt.Errorf("%w: not a cudaipc registration", transport.StatusInvalidParam)
	}
	if reg.Empty() {
		return nil
	}
	if reg.region != nil {
		// Close already released every region
		if md.rcache != nil {
			md.rcache.put(reg.region)
		}
		return nil
	}
	md.deregisterRange(reg)
	return nil
}

// PackRemoteKey projects a registration into its wire form.
func (md *MemoryDomain) PackRemoteKey(memh transport.MemHandle) ([]byte, error) {
	reg, ok := memh.(*Registration)
	if !ok || reg == nil {
		return nil, fmt.Errorf("%w: not a cudaipc registration", transport.StatusInvalidParam)
	}
	key := RemoteKey{
		Handle:     reg.Handle,
		RemotePtr:  reg.Address,
		RemoteBase: reg.Base,
		RemoteLen:  reg.BaseLength,
		Device:     reg.Device,
	}
	return key.MarshalBinary()
}

// UnpackRemoteKey decodes a packed key into a private copy.
func (md *MemoryDomain) UnpackRemoteKey(buf []byte) (transport.RemoteKey, error) {
	key, err := md.UnpackKey(buf)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// UnpackKey is UnpackRemoteKey with a typed result.
func (md *MemoryDomain) UnpackKey(buf []byte) (*RemoteKey, error) {
	if _, err := md.drv.CtxGetDevice(); err != nil {
		log.Error().Err(err).Msg("cuCtxGetDevice failed")
		return nil, fmt.Errorf("%w: failed to get current device: %w", transport.StatusIOError, err)
	}

	key := &RemoteKey{}
	if err := key.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return key, nil
}

// ReleaseRemoteKey releases a key returned by UnpackRemoteKey.
func (md *MemoryDomain) ReleaseRemoteKey(rkey transport.RemoteKey) error {
	if _, ok := rkey.(*RemoteKey); !ok {
		return fmt.Errorf("%w: not a cudaipc remote key", transport.StatusInvalidParam)
	}
	return nil
}

// IsMemTypeOwned reports whether address is device memory.
func (md *MemoryDomain) IsMemTypeOwned(address uint64) bool {
	if address == 0 {
		return false
	}
	mt, err := md.drv.PointerGetMemoryType(cuda.DevicePtr(address))
	return err == nil && mt == cuda.MemoryTypeDevice
}

// QueryResources returns the single cudaipc resource when a device exists.
func (md *MemoryDomain) QueryResources() ([]transport.Resource, error) {
	n, err := md.drv.DeviceCount()
	if err != nil || n == 0 {
		log.Debug().Err(err).Msg("No CUDA devices found")
		return nil, nil
	}
	return []transport.Resource{{
		ComponentName: ComponentName,
		TLName:        TLName,
		DeviceName:    DeviceName,
		DeviceType:    transport.DeviceTypeAcc,
	}}, nil
}

// Close destroys the registration cache, deregistering every region.
func (md *MemoryDomain) Close() error {
	if md.rcache != nil {
		md.rcache.destroy()
		md.rcache = nil
	}
	return nil
}
