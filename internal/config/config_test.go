package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/cudaipc/internal/cudaipc"
)

// isolate runs the test from an empty directory so no stray cudaipc.yaml is
// picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	t.Setenv("HOME", dir)
	return dir
}

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	SetupFlags(flagSet)
	require.NoError(t, flagSet.Parse(args))
	return flagSet
}

func TestLoadConfigDefaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sim", cfg.Driver)
	assert.Equal(t, 1, cfg.Sim.Devices)
	assert.Equal(t, cudaipc.DefaultMDConfig(), cfg.MD)
	assert.Equal(t, cudaipc.DefaultIfaceConfig(), cfg.Iface)
	assert.Equal(t, "loopback", cfg.Demo.Role)
	assert.Equal(t, uint64(4096), cfg.Demo.Length)
	assert.Equal(t, 30*time.Second, cfg.Demo.Timeout)
	assert.False(t, cfg.Metrics.Enabled)
	assert.NotEmpty(t, cfg.Metrics.InstanceID)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver: cuda
iface:
  max_poll: 4
  strict_bounds: true
md:
  rcache: "no"
  mem_reg_overhead: 20us
demo:
  role: owner
  length: 65536
`), 0644))

	cfg, err := LoadConfig(newFlagSet(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, "cuda", cfg.Driver)
	assert.Equal(t, 4, cfg.Iface.MaxPoll)
	assert.True(t, cfg.Iface.StrictBounds)
	assert.Equal(t, cudaipc.TernaryNo, cfg.MD.RCache)
	assert.Equal(t, 20*time.Microsecond, cfg.MD.MemRegOverhead)
	assert.Equal(t, "owner", cfg.Demo.Role)
	assert.Equal(t, uint64(65536), cfg.Demo.Length)
	// untouched keys keep their defaults
	assert.Equal(t, 128, cfg.Iface.EventPoolChunk)
}

func TestLoadConfigSearchPath(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cudaipc.yaml"), []byte("sim:\n  devices: 4\n"), 0644))

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Sim.Devices)
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("iface:\n  max_poll: 4\nsim:\n  devices: 2\n"), 0644))

	t.Setenv("CUDAIPC_IFACE_MAX_POLL", "8")
	t.Setenv("CUDAIPC_DEMO_ROLE", "peer")

	cfg, err := LoadConfig(newFlagSet(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Iface.MaxPoll, "environment overrides file")
	assert.Equal(t, "peer", cfg.Demo.Role)
	assert.Equal(t, 2, cfg.Sim.Devices)

	cfg, err = LoadConfig(newFlagSet(t, "--config", path, "--max-poll", "2", "--role", "owner"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Iface.MaxPoll, "flag overrides environment")
	assert.Equal(t, "owner", cfg.Demo.Role)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "driver", args: []string{"--driver", "opencl"}},
		{name: "role", args: []string{"--role", "observer"}},
		{name: "rcache", args: []string{"--rcache", "sometimes"}},
		{name: "max poll", args: []string{"--max-poll", "0"}},
		{name: "length", args: []string{"--length", "0"}},
		{name: "length too large", args: []string{"--length", "33554432"}},
		{name: "devices", args: []string{"--sim-devices", "0"}},
		{name: "missing file", args: []string{"--config", "/nonexistent/cudaipc.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := LoadConfig(newFlagSet(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nested", "cudaipc.yaml")
	require.NoError(t, CreateDefaultConfig(path))

	cfg, err := LoadConfig(newFlagSet(t, "--config", path))
	require.NoError(t, err)

	defaults, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, defaults.MD, cfg.MD)
	assert.Equal(t, defaults.Iface, cfg.Iface)
	assert.Equal(t, defaults.Demo, cfg.Demo)
	assert.Equal(t, defaults.Metrics.InstanceID, cfg.Metrics.InstanceID)
}
