package cudaipc

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/telemetry"
	"github.com/yuuki/cudaipc/internal/transport"
)

// queueID selects an outstanding-operation queue.
type queueID int

const (
	queueD2D queueID = iota
	queueD2H
	queueH2D
	numQueues
)

func (q queueID) String() string {
	switch q {
	case queueD2D:
		return "d2d"
	case queueD2H:
		return "d2h"
	case queueH2D:
		return "h2d"
	}
	return "unknown"
}

// deviceStreams is the stream triple of one device, created on first use.
type deviceStreams struct {
	created bool
	d2d     cuda.Stream
	h2d     cuda.Stream
	d2h     cuda.Stream
}

// Iface is the cudaipc communication context. It is not safe for concurrent
// use: Progress, GetZcopy/PutZcopy and Close must run on one thread.
type Iface struct {
	md      *MemoryDomain
	drv     cuda.Driver
	cfg     IfaceConfig
	metrics Metrics
	guid    uint64

	deviceCount int
	// peerAccess[i][j] reports whether device i can access device j.
	peerAccess [][]bool

	events  *eventPool
	queues  [numQueues]eventQueue
	streams []deviceStreams
}

var _ transport.Iface = (*Iface)(nil)

// OpenIface opens an interface on md. The device name must be "cudaipc".
func OpenIface(md *MemoryDomain, params transport.IfaceParams, cfg IfaceConfig, metrics Metrics) (*Iface, error) {
	if !strings.HasPrefix(params.DeviceName, DeviceName) {
		log.Error().Str("device", params.DeviceName).Msg("No device was found")
		return nil, fmt.Errorf("%w: %s", transport.StatusNoDevice, params.DeviceName)
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = DefaultIfaceConfig().MaxPoll
	}

	drv := md.drv
	n, err := drv.DeviceCount()
	if err != nil {
		log.Error().Err(err).Msg("cuDeviceGetCount failed")
		return nil, fmt.Errorf("%w: failed to count devices: %w", transport.StatusIOError, err)
	}
	if n > MaxPeers {
		log.Warn().Int("devices", n).Int("max", MaxPeers).Msg("Too many devices, ignoring the rest")
		n = MaxPeers
	}

	peerAccess := make([][]bool, n)
	for i := 0; i < n; i++ {
		peerAccess[i] = make([]bool, n)
		for j := 0; j < n; j++ {
			ok, err := drv.CanAccessPeer(cuda.Device(i), cuda.Device(j))
			if err != nil {
				log.Error().Err(err).Int("dev", i).Int("peer", j).Msg("cuDeviceCanAccessPeer failed")
				return nil, fmt.Errorf("%w: failed to query peer access (%d, %d): %w", transport.StatusIOError, i, j, err)
			}
			peerAccess[i][j] = ok
		}
	}
	log.Trace().Int("devices", n).Msg("GPU peer access map generated")

	iface := &Iface{
		md:          md,
		drv:         drv,
		cfg:         cfg,
		metrics:     metrics,
		guid:        transport.MachineGUID(),
		deviceCount: n,
		peerAccess:  peerAccess,
		events:      newEventPool(drv, cfg.EventPoolChunk, cfg.EventPoolMax),
		streams:     make([]deviceStreams, n),
	}

	log.Debug().
		Int("devices", n).
		Int("max_poll", cfg.MaxPoll).
		Bool("strict_bounds", cfg.StrictBounds).
		Msg("Interface opened")
	return iface, nil
}

// Query returns the interface capabilities.
func (i *Iface) Query() (transport.IfaceAttr, error) {
	zcopy := transport.OpLimits{
		MinZcopy:      0,
		MaxZcopy:      MaxAllocSize,
		OptZcopyAlign: 1,
		AlignMTU:      1,
		MaxIOV:        1,
	}
	return transport.IfaceAttr{
		Flags: transport.IfaceFlagConnectToIface |
			transport.IfaceFlagPending |
			transport.IfaceFlagGetZcopy |
			transport.IfaceFlagPutZcopy,
		Put:           zcopy,
		Get:           zcopy,
		AM:            transport.OpLimits{OptZcopyAlign: 1, AlignMTU: 1, MaxIOV: 1},
		IfaceAddrLen:  8,
		DeviceAddrLen: 0,
		EPAddrLen:     0,
		Latency:       transport.LinearFunc{C: 1e-9, M: 0},
		Bandwidth:     transport.Bandwidth{Dedicated: 6911 * 1024.0 * 1024.0},
		Overhead:      0,
		Priority:      0,
	}, nil
}

// Address returns the 8-byte host GUID.
func (i *Iface) Address() []byte {
	return transport.EncodeGUID(i.guid)
}

// DeviceAddress is empty: every device on the host is addressed through the
// interface address.
func (i *Iface) DeviceAddress() []byte {
	return []byte{}
}

// IsReachable reports whether ifaceAddr names this host.
func (i *Iface) IsReachable(deviceAddr, ifaceAddr []byte) bool {
	guid, ok := transport.DecodeGUID(ifaceAddr)
	return ok && guid == i.guid
}

// Connect creates an endpoint to the peer interface at ifaceAddr.
func (i *Iface) Connect(deviceAddr, ifaceAddr []byte) (transport.Endpoint, error) {
	ep, err := i.NewEndpoint(deviceAddr, ifaceAddr)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// NewEndpoint is Connect with a typed result.
func (i *Iface) NewEndpoint(deviceAddr, ifaceAddr []byte) (*Endpoint, error) {
	guid, ok := transport.DecodeGUID(ifaceAddr)
	if !ok {
		return nil, fmt.Errorf("%w: interface address must be 8 bytes, got %d", transport.StatusInvalidParam, len(ifaceAddr))
	}
	return newEndpoint(i, guid), nil
}

// PeerAccess reports whether device dev can access device peer.
func (i *Iface) PeerAccess(dev, peer cuda.Device) bool {
	if int(dev) < 0 || int(dev) >= i.deviceCount || int(peer) < 0 || int(peer) >= i.deviceCount {
		return false
	}
	return i.peerAccess[dev][peer]
}

// DeviceCount returns the number of devices the interface tracks.
func (i *Iface) DeviceCount() int {
	return i.deviceCount
}

// deviceStreams returns the streams of dev, creating them on first use.
func (i *Iface) deviceStreams(dev cuda.Device) (*deviceStreams, error) {
	if int(dev) < 0 || int(dev) >= i.deviceCount {
		return nil, fmt.Errorf("%w: device %d out of range (%d devices)", transport.StatusIOError, dev, i.deviceCount)
	}
	s := &i.streams[dev]
	if s.created {
		return s, nil
	}

	var created []cuda.Stream
	for _, name := range []string{"d2d", "h2d", "d2h"} {
		st, err := i.drv.StreamCreate()
		if err != nil {
			log.Error().Err(err).Int32("device", int32(dev)).Str("stream", name).Msg("cuStreamCreate failed")
			for _, c := range created {
				if derr := i.drv.StreamDestroy(c); derr != nil {
					log.Error().Err(derr).Msg("cuStreamDestroy failed")
				}
			}
			return nil, fmt.Errorf("%w: failed to create %s stream for device %d: %w", transport.StatusIOError, name, dev, err)
		}
		created = append(created, st)
	}
	s.d2d, s.h2d, s.d2h = created[0], created[1], created[2]
	s.created = true

	log.Debug().Int32("device", int32(dev)).Msg("Created streams")
	return s, nil
}

// postCopy issues an async device-to-device copy on stream, records a
// completion marker behind it and queues the marker.
func (i *Iface) postCopy(op string, dst, src cuda.DevicePtr, length uint64, stream cuda.Stream, q queueID, comp *transport.Completion) (transport.Status, error) {
	if length == 0 {
		return transport.StatusOK, nil
	}

	d, err := i.events.get()
	if err != nil {
		log.Error().Err(err).Msg("Failed to allocate completion event")
		return transport.StatusOf(err), err
	}

	if err := i.drv.MemcpyDtoDAsync(dst, src, length, stream); err != nil {
		i.events.put(d)
		log.Error().Err(err).Msg("cuMemcpyDtoDAsync failed")
		return transport.StatusIOError, fmt.Errorf("%w: failed to issue copy: %w", transport.StatusIOError, err)
	}

	if err := i.drv.EventRecord(d.event, stream); err != nil {
		i.events.put(d)
		log.Error().Err(err).Msg("cuEventRecord failed")
		return transport.StatusIOError, fmt.Errorf("%w: failed to record completion event: %w", transport.StatusIOError, err)
	}

	d.comp = comp
	d.length = length
	i.queues[q].push(d)
	i.metrics.RecordTransfer(op, length)

	log.Trace().
		Str("op", op).
		Uint64("dst", uint64(dst)).
		Uint64("src", uint64(src)).
		Uint64("len", length).
		Str("queue", q.String()).
		Msg("cuMemcpyDtoDAsync issued")
	return transport.StatusInProgress, nil
}

// Progress completes finished operations, up to MaxPoll per queue, in the
// order d2d, d2h, h2d. It returns the number of completions delivered.
func (i *Iface) Progress() int {
	count := 0
	for _, q := range []queueID{queueD2D, queueD2H, queueH2D} {
		count += i.progressQueue(q)
	}
	return count
}

func (i *Iface) progressQueue(q queueID) int {
	queue := &i.queues[q]
	count := 0
	for count < i.cfg.MaxPoll {
		d := queue.peek()
		if d == nil {
			break
		}
		if err := i.drv.EventQuery(d.event); err != nil {
			if !cuda.IsNotReady(err) {
				log.Error().Err(err).Str("queue", q.String()).Msg("cuEventQuery failed")
			}
			break
		}
		queue.pop()
		if d.comp != nil {
			d.comp.Invoke(transport.StatusOK)
		}
		log.Trace().Str("queue", q.String()).Uint64("len", d.length).Msg("Event done")
		i.events.put(d)
		count++
	}
	i.metrics.RecordCompletion(q.String(), count)
	return count
}

// Outstanding returns the number of operations not yet completed.
func (i *Iface) Outstanding() int {
	n := 0
	for q := range i.queues {
		n += i.queues[q].count()
	}
	return n
}

// Flush reports whether all issued operations have completed. Completion
// callbacks are not supported.
func (i *Iface) Flush(comp *transport.Completion) transport.Status {
	if comp != nil {
		return transport.StatusUnsupported
	}
	for q := range i.queues {
		if !i.queues[q].empty() {
			return transport.StatusInProgress
		}
	}
	return transport.StatusOK
}

// Fence is a no-op: operations on one queue already complete in order.
func (i *Iface) Fence() transport.Status {
	return transport.StatusOK
}

// Close destroys the created streams and the pooled completion events.
// Outstanding operations at close are abandoned.
func (i *Iface) Close() error {
	if n := i.Outstanding(); n > 0 {
		log.Warn().Int("outstanding", n).Msg("Closing interface with outstanding operations")
	}

	var errs error
	for dev := range i.streams {
		s := &i.streams[dev]
		if !s.created {
			continue
		}
		for _, st := range []cuda.Stream{s.d2d, s.d2h, s.h2d} {
			if err := i.drv.StreamDestroy(st); err != nil {
				log.Error().Err(err).Int("device", dev).Msg("cuStreamDestroy failed")
				errs = multierr.Append(errs, err)
			}
		}
		s.created = false
	}

	errs = multierr.Append(errs, i.events.destroy())
	for q := range i.queues {
		i.queues[q] = eventQueue{}
	}

	log.Debug().Msg("Interface closed")
	return errs
}
