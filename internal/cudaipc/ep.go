package cudaipc

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/transport"
)

// remoteSegment is a peer allocation attached into the local address space.
type remoteSegment struct {
	handle cuda.IpcMemHandle
	base   cuda.DevicePtr
	length uint64
	device cuda.Device
}

// Endpoint issues zero-copy transfers against one peer interface. Attached
// segments are cached per endpoint and detached on Close.
type Endpoint struct {
	iface    *Iface
	peerGUID uint64
	segments map[cuda.IpcMemHandle]*remoteSegment
}

var _ transport.Endpoint = (*Endpoint)(nil)

func newEndpoint(iface *Iface, peerGUID uint64) *Endpoint {
	log.Debug().Uint64("peer", peerGUID).Msg("Endpoint created")
	return &Endpoint{
		iface:    iface,
		peerGUID: peerGUID,
		segments: make(map[cuda.IpcMemHandle]*remoteSegment),
	}
}

// Segments returns the number of attached remote segments.
func (ep *Endpoint) Segments() int {
	return len(ep.segments)
}

// GetZcopy copies from the remote address into the local iov buffer.
func (ep *Endpoint) GetZcopy(iov []transport.IOV, remoteAddr uint64, rkey transport.RemoteKey, comp *transport.Completion) (transport.Status, error) {
	return ep.zcopy("get", iov, remoteAddr, rkey, comp)
}

// PutZcopy copies from the local iov buffer to the remote address.
func (ep *Endpoint) PutZcopy(iov []transport.IOV, remoteAddr uint64, rkey transport.RemoteKey, comp *transport.Completion) (transport.Status, error) {
	return ep.zcopy("put", iov, remoteAddr, rkey, comp)
}

func (ep *Endpoint) zcopy(op string, iov []transport.IOV, remoteAddr uint64, rkey transport.RemoteKey, comp *transport.Completion) (transport.Status, error) {
	key, ok := rkey.(*RemoteKey)
	if !ok || key == nil {
		return transport.StatusInvalidParam, fmt.Errorf("%w: not a cudaipc remote key", transport.StatusInvalidParam)
	}

	length, err := contiguousLength(iov)
	if err != nil {
		return transport.StatusOf(err), err
	}
	if length == 0 {
		log.Trace().Str("op", op).Msg("Zero length request, skipping")
		return transport.StatusOK, nil
	}
	local := cuda.DevicePtr(iov[0].Buffer)

	drv := ep.iface.drv
	cur, err := drv.CtxGetDevice()
	if err != nil {
		log.Error().Err(err).Msg("cuCtxGetDevice failed")
		return transport.StatusIOError, fmt.Errorf("%w: failed to get current device: %w", transport.StatusIOError, err)
	}

	sameContext := false
	if key.Device == cur {
		sameContext, err = ep.sameContext(local, cuda.DevicePtr(remoteAddr))
		if err != nil {
			return transport.StatusIOError, err
		}
	}

	streams, err := ep.iface.deviceStreams(key.Device)
	if err != nil {
		return transport.StatusIOError, err
	}

	var remote cuda.DevicePtr
	if sameContext {
		if ep.iface.cfg.StrictBounds {
			if err := checkOffset(key, remoteAddr); err != nil {
				return transport.StatusIOError, err
			}
		}
		remote = cuda.DevicePtr(remoteAddr)
	} else {
		remote, err = ep.mapRemoteAddress(key, remoteAddr)
		if err != nil {
			return transport.StatusIOError, err
		}
	}

	dst, src := local, remote
	if op == "put" {
		dst, src = remote, local
	}

	status, err := ep.iface.postCopy(op, dst, src, length, streams.d2d, queueD2D, comp)
	log.Trace().
		Str("op", op).
		Uint64("remote_addr", remoteAddr).
		Uint64("len", length).
		Bool("same_context", sameContext).
		Str("status", status.String()).
		Msg("Zero-copy posted")
	return status, err
}

// contiguousLength returns the number of bytes a single-element iov covers.
// A Count of 0 is read as 1. Repeated elements must be packed back to back.
func contiguousLength(iov []transport.IOV) (uint64, error) {
	switch {
	case len(iov) == 0:
		return 0, nil
	case len(iov) > 1:
		if transport.TotalLength(iov) == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %d iov entries, at most 1 supported", transport.StatusUnsupported, len(iov))
	}

	v := iov[0]
	count := v.Count
	if count == 0 {
		count = 1
	}
	if count > 1 && v.Stride != 0 && v.Stride != v.Length {
		return 0, fmt.Errorf("%w: strided iov (length %d, stride %d) is not supported", transport.StatusInvalidParam, v.Length, v.Stride)
	}
	return v.Length * count, nil
}

// sameContext reports whether local and remote resolve to one device
// context. A remote address unknown to the driver belongs to another process.
func (ep *Endpoint) sameContext(local, remote cuda.DevicePtr) (bool, error) {
	drv := ep.iface.drv
	remoteCtx, err := drv.PointerGetContext(remote)
	if err != nil {
		if cuda.Code(err) == cuda.ErrorInvalidValue {
			return false, nil
		}
		log.Error().Err(err).Uint64("ptr", uint64(remote)).Msg("cuPointerGetAttribute failed")
		return false, fmt.Errorf("%w: failed to query remote pointer context: %w", transport.StatusIOError, err)
	}

	localCtx, err := drv.PointerGetContext(local)
	if err != nil {
		log.Error().Err(err).Uint64("ptr", uint64(local)).Msg("cuPointerGetAttribute failed")
		return false, fmt.Errorf("%w: failed to query local pointer context: %w", transport.StatusIOError, err)
	}
	return localCtx == remoteCtx, nil
}

// checkOffset fails when remoteAddr lies past the end of the key's
// allocation. An offset equal to the length is accepted.
func checkOffset(key *RemoteKey, remoteAddr uint64) error {
	offset := remoteAddr - uint64(key.RemoteBase)
	if offset > key.RemoteLen {
		log.Error().
			Uint64("remote_addr", remoteAddr).
			Uint64("base", uint64(key.RemoteBase)).
			Uint64("len", key.RemoteLen).
			Msg("Attempting to access memory outside memory range")
		return &transport.FatalError{
			Op:  "resolve remote address",
			Err: fmt.Errorf("offset %d exceeds remote allocation length %d", offset, key.RemoteLen),
		}
	}
	return nil
}

// mapRemoteAddress translates remoteAddr into the local mapping of the key's
// allocation, attaching it on first use.
func (ep *Endpoint) mapRemoteAddress(key *RemoteKey, remoteAddr uint64) (cuda.DevicePtr, error) {
	seg, err := ep.attach(key)
	if err != nil {
		return 0, err
	}
	if err := checkOffset(key, remoteAddr); err != nil {
		return 0, err
	}
	return seg.base + cuda.DevicePtr(remoteAddr-uint64(key.RemoteBase)), nil
}

// attach returns the segment for the key's handle, opening it if this
// endpoint has not seen the handle before.
func (ep *Endpoint) attach(key *RemoteKey) (*remoteSegment, error) {
	if seg, ok := ep.segments[key.Handle]; ok {
		ep.iface.metrics.RecordAttach(true)
		return seg, nil
	}

	base, err := ep.iface.drv.IpcOpenMemHandle(key.Handle, cuda.IpcLazyEnablePeerAccess)
	if err != nil {
		log.Error().
			Err(err).
			Str("handle", key.Handle.String()).
			Int32("device", int32(key.Device)).
			Msg("cuIpcOpenMemHandle failed")
		return nil, &transport.FatalError{Op: "attach remote segment", Err: err}
	}

	seg := &remoteSegment{
		handle: key.Handle,
		base:   base,
		length: key.RemoteLen,
		device: key.Device,
	}
	ep.segments[key.Handle] = seg
	ep.iface.metrics.RecordAttach(false)

	log.Debug().
		Str("handle", key.Handle.String()).
		Uint64("base", uint64(base)).
		Uint64("len", seg.length).
		Int32("device", int32(seg.device)).
		Msg("Attached remote segment")
	return seg, nil
}

// PendingAdd is not supported: transfers never return Busy.
func (ep *Endpoint) PendingAdd(req *transport.PendingRequest) transport.Status {
	return transport.StatusBusy
}

// PendingPurge has nothing to purge.
func (ep *Endpoint) PendingPurge(cb func(*transport.PendingRequest)) {}

// Flush reports the interface-wide completion state.
func (ep *Endpoint) Flush(comp *transport.Completion) transport.Status {
	return ep.iface.Flush(comp)
}

// Fence is a no-op: copies on the d2d stream complete in issue order.
func (ep *Endpoint) Fence() transport.Status {
	return transport.StatusOK
}

// Close detaches every cached segment.
func (ep *Endpoint) Close() error {
	var errs error
	for h, seg := range ep.segments {
		if err := ep.iface.drv.IpcCloseMemHandle(seg.base); err != nil {
			log.Error().
				Err(err).
				Str("handle", h.String()).
				Uint64("base", uint64(seg.base)).
				Msg("cuIpcCloseMemHandle failed")
			errs = multierr.Append(errs, &transport.FatalError{Op: "detach remote segment", Err: err})
		}
		delete(ep.segments, h)
	}
	log.Debug().Uint64("peer", ep.peerGUID).Msg("Endpoint closed")
	return errs
}
