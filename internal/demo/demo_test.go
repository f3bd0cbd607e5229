package demo

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/cudaipc/internal/config"
	"github.com/yuuki/cudaipc/internal/cudaipc"
	"github.com/yuuki/cudaipc/internal/rendezvous"
)

func newTestConfig(t *testing.T, role string) *config.Config {
	t.Helper()
	return &config.Config{
		LogLevel: "error",
		Driver:   "sim",
		Sim:      config.SimConfig{Dir: t.TempDir(), Devices: 2, QueryDelay: 2},
		MD:       cudaipc.DefaultMDConfig(),
		Iface:    cudaipc.DefaultIfaceConfig(),
		Rendezvous: config.RendezvousConfig{
			Addr: "127.0.0.1:0",
			Name: "demo-test",
		},
		Demo: config.DemoConfig{
			Role:         role,
			Length:       64 << 10,
			ProgressRate: 10000,
			Timeout:      10 * time.Second,
		},
	}
}

func newTestDemo(t *testing.T, cfg *config.Config) *Demo {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, d.Close()) })
	return d
}

func TestLoopback(t *testing.T) {
	d := newTestDemo(t, newTestConfig(t, "loopback"))
	require.NoError(t, d.Run(context.Background()))
}

func TestLoopbackStrictBoundsUncached(t *testing.T) {
	cfg := newTestConfig(t, "loopback")
	cfg.MD.RCache = cudaipc.TernaryNo
	cfg.Iface.StrictBounds = true
	cfg.Iface.MaxPoll = 1
	cfg.Demo.Length = 1

	d := newTestDemo(t, cfg)
	require.NoError(t, d.Run(context.Background()))
}

func TestPeerTimesOutWithoutOwner(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rendezvous.NewServer()
	srv.Serve(listener)
	t.Cleanup(srv.Stop)

	cfg := newTestConfig(t, "peer")
	cfg.Rendezvous.Addr = listener.Addr().String()
	cfg.Demo.Timeout = 300 * time.Millisecond

	d := newTestDemo(t, cfg)
	err = d.Run(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunUnknownRole(t *testing.T) {
	d := newTestDemo(t, newTestConfig(t, "observer"))
	assert.Error(t, d.Run(context.Background()))
}

func TestCudaDriverUnavailable(t *testing.T) {
	cfg := newTestConfig(t, "loopback")
	cfg.Driver = "cuda"

	d := newTestDemo(t, cfg)
	s, err := d.openSession()
	if err == nil {
		require.NoError(t, s.close())
		t.Skip("built with CUDA support")
	}
	assert.Error(t, err)
}

func TestPattern(t *testing.T) {
	p := Pattern(300)
	assert.Len(t, p, 300)
	assert.Equal(t, byte(0), p[0])
	assert.Equal(t, byte(250), p[250])
	assert.Equal(t, byte(0), p[251])
}
