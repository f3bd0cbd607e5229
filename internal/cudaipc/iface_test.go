package cudaipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/cuda/sim"
	"github.com/yuuki/cudaipc/internal/transport"
)

func TestOpenIfaceRejectsUnknownDevice(t *testing.T) {
	h := newTestHost(t, 1)
	md, err := NewMemoryDomain(h.NewProcess(), DefaultMDConfig(), nil)
	require.NoError(t, err)
	defer md.Close()

	_, err = OpenIface(md, transport.IfaceParams{TLName: TLName, DeviceName: "rdma0"}, DefaultIfaceConfig(), nil)
	assert.ErrorIs(t, err, transport.StatusNoDevice)
}

func TestOpenIfaceDriverFailure(t *testing.T) {
	h := newTestHost(t, 2)
	p := h.NewProcess()
	md, err := NewMemoryDomain(p, DefaultMDConfig(), nil)
	require.NoError(t, err)
	defer md.Close()

	params := transport.IfaceParams{TLName: TLName, DeviceName: DeviceName}

	p.FailNext("cuDeviceGetCount", cuda.ErrorNotInitialized)
	_, err = OpenIface(md, params, DefaultIfaceConfig(), nil)
	assert.ErrorIs(t, err, transport.StatusIOError)

	p.FailNext("cuDeviceCanAccessPeer", cuda.ErrorInvalidDevice)
	_, err = OpenIface(md, params, DefaultIfaceConfig(), nil)
	assert.ErrorIs(t, err, transport.StatusIOError)
}

func TestIfaceQuery(t *testing.T) {
	env := newTestEnv(t, 1, DefaultIfaceConfig())

	attr, err := env.iface.Query()
	require.NoError(t, err)

	assert.True(t, attr.Flags.Has(transport.IfaceFlagConnectToIface))
	assert.True(t, attr.Flags.Has(transport.IfaceFlagPending))
	assert.True(t, attr.Flags.Has(transport.IfaceFlagGetZcopy))
	assert.True(t, attr.Flags.Has(transport.IfaceFlagPutZcopy))
	assert.False(t, attr.Flags.Has(transport.IfaceFlagAMShort))
	assert.False(t, attr.Flags.Has(transport.IfaceFlagPutShort))
	assert.False(t, attr.Flags.Has(transport.IfaceFlagConnectToEP))

	assert.Equal(t, 8, attr.IfaceAddrLen)
	assert.Equal(t, 0, attr.DeviceAddrLen)
	assert.Equal(t, 0, attr.EPAddrLen)
	assert.Equal(t, uint64(MaxAllocSize), attr.Get.MaxZcopy)
	assert.Equal(t, uint64(MaxAllocSize), attr.Put.MaxZcopy)
	assert.Equal(t, uint64(0), attr.Get.MinZcopy)
	assert.Equal(t, 1, attr.Get.MaxIOV)
	assert.Equal(t, uint64(1), attr.Put.OptZcopyAlign)
	assert.Equal(t, uint64(0), attr.AM.MaxShort)
	assert.InDelta(t, 6911.0*1024*1024, attr.Bandwidth.Dedicated, 1)
	assert.InDelta(t, 1e-9, attr.Latency.C, 1e-15)
}

func TestIfaceAddressing(t *testing.T) {
	env := newTestEnv(t, 1, DefaultIfaceConfig())

	addr := env.iface.Address()
	require.Len(t, addr, 8)
	assert.Empty(t, env.iface.DeviceAddress())
	assert.True(t, env.iface.IsReachable(nil, addr))

	other := transport.EncodeGUID(transport.MachineGUID() + 1)
	assert.False(t, env.iface.IsReachable(nil, other))
	assert.False(t, env.iface.IsReachable(nil, addr[:4]))

	_, err := env.iface.Connect(nil, addr[:4])
	assert.ErrorIs(t, err, transport.StatusInvalidParam)

	ep, err := env.iface.Connect(nil, addr)
	require.NoError(t, err)
	assert.NoError(t, ep.Close())
}

func TestIfacePeerAccessMatrix(t *testing.T) {
	h, err := sim.NewHost(sim.Options{
		Dir:        t.TempDir(),
		Devices:    3,
		PeerAccess: func(dev, peer cuda.Device) bool { return dev != peer && !(dev == 0 && peer == 2) },
	})
	require.NoError(t, err)
	defer h.Close()

	md, err := NewMemoryDomain(h.NewProcess(), DefaultMDConfig(), nil)
	require.NoError(t, err)
	defer md.Close()
	iface, err := OpenIface(md, transport.IfaceParams{DeviceName: DeviceName}, DefaultIfaceConfig(), nil)
	require.NoError(t, err)
	defer iface.Close()

	assert.Equal(t, 3, iface.DeviceCount())
	assert.True(t, iface.PeerAccess(0, 1))
	assert.True(t, iface.PeerAccess(2, 0))
	assert.False(t, iface.PeerAccess(0, 2))
	assert.False(t, iface.PeerAccess(1, 1))
	assert.False(t, iface.PeerAccess(0, 7))
}

func TestIfaceCapsDeviceCount(t *testing.T) {
	h := newTestHost(t, MaxPeers+4)
	md, err := NewMemoryDomain(h.NewProcess(), DefaultMDConfig(), nil)
	require.NoError(t, err)
	defer md.Close()

	iface, err := OpenIface(md, transport.IfaceParams{DeviceName: DeviceName}, DefaultIfaceConfig(), nil)
	require.NoError(t, err)
	defer iface.Close()
	assert.Equal(t, MaxPeers, iface.DeviceCount())
}

func TestIfaceFlush(t *testing.T) {
	env := newTestEnv(t, 1, DefaultIfaceConfig())
	env.host.SetQueryDelay(3)
	ep := env.connect(t)

	assert.Equal(t, 0, env.iface.Progress())
	assert.Equal(t, transport.StatusOK, env.iface.Flush(nil))
	assert.Equal(t, transport.StatusUnsupported, env.iface.Flush(transport.NewCompletion(1, nil)))
	assert.Equal(t, transport.StatusOK, env.iface.Fence())

	remote, key := env.export(t, 4096)
	local, err := env.peer.MemAlloc(4096)
	require.NoError(t, err)
	_, err = ep.GetZcopy(transport.SingleIOV(uint64(local), 4096, nil), uint64(remote), key, nil)
	require.NoError(t, err)

	assert.Equal(t, transport.StatusInProgress, env.iface.Flush(nil))
	assert.Equal(t, transport.StatusInProgress, ep.Flush(nil))
	assert.Equal(t, transport.StatusUnsupported, env.iface.Flush(transport.NewCompletion(1, nil)))

	env.drain(t, 1)
	assert.Equal(t, transport.StatusOK, env.iface.Flush(nil))
	assert.Equal(t, transport.StatusOK, ep.Flush(nil))
}

func TestProgressRespectsMaxPoll(t *testing.T) {
	cfg := DefaultIfaceConfig()
	cfg.MaxPoll = 2
	env := newTestEnv(t, 1, cfg)
	ep := env.connect(t)
	remote, key := env.export(t, 4096)
	local, err := env.peer.MemAlloc(4096)
	require.NoError(t, err)

	for i := uint64(0); i < 5; i++ {
		_, err := ep.GetZcopy(transport.SingleIOV(uint64(local)+i*512, 512, nil), uint64(remote)+i*512, key, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, env.iface.Progress())
	assert.Equal(t, 2, env.iface.Progress())
	assert.Equal(t, 1, env.iface.Progress())
	assert.Equal(t, 0, env.iface.Progress())
}

func TestProgressStopsOnQueryError(t *testing.T) {
	env := newTestEnv(t, 1, DefaultIfaceConfig())
	ep := env.connect(t)
	remote, key := env.export(t, 4096)
	local, err := env.peer.MemAlloc(64)
	require.NoError(t, err)

	fired := false
	comp := transport.NewCompletion(1, func(c *transport.Completion) { fired = true })
	_, err = ep.GetZcopy(transport.SingleIOV(uint64(local), 64, nil), uint64(remote), key, comp)
	require.NoError(t, err)

	env.peer.FailNext("cuEventQuery", cuda.ErrorUnknown)
	assert.Equal(t, 0, env.iface.Progress())
	assert.False(t, fired)

	env.drain(t, 1)
	assert.True(t, fired)
}

func TestEventPoolExhaustion(t *testing.T) {
	cfg := DefaultIfaceConfig()
	cfg.EventPoolChunk = 2
	cfg.EventPoolMax = 2
	env := newTestEnv(t, 1, cfg)
	env.host.SetQueryDelay(1000)
	ep := env.connect(t)
	remote, key := env.export(t, 4096)
	local, err := env.peer.MemAlloc(64)
	require.NoError(t, err)
	iov := transport.SingleIOV(uint64(local), 64, nil)

	for i := 0; i < 2; i++ {
		status, err := ep.GetZcopy(iov, uint64(remote), key, nil)
		require.NoError(t, err)
		require.Equal(t, transport.StatusInProgress, status)
	}

	status, err := ep.GetZcopy(iov, uint64(remote), key, nil)
	assert.Equal(t, transport.StatusNoMemory, status)
	assert.ErrorIs(t, err, transport.StatusNoMemory)
	assert.False(t, transport.IsFatal(err))
	assert.Equal(t, 2, env.iface.Outstanding())
	assert.Equal(t, 2, env.peer.Calls("cuEventCreate"))
}
