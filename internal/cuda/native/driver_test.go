package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/cudaipc/internal/cuda"
)

func TestOpenDevice(t *testing.T) {
	d, err := Open(0)
	if err != nil {
		t.Skipf("Skipping test: CUDA device not available: %v", err)
	}
	defer d.Close()

	var drv cuda.Driver = d
	n, err := drv.DeviceCount()
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	ptr, err := drv.MemAlloc(4096)
	require.NoError(t, err)
	defer drv.MemFree(ptr)

	mt, err := drv.PointerGetMemoryType(ptr)
	require.NoError(t, err)
	assert.Equal(t, cuda.MemoryTypeDevice, mt)

	base, size, err := drv.MemGetAddressRange(ptr + 16)
	require.NoError(t, err)
	assert.Equal(t, ptr, base)
	assert.GreaterOrEqual(t, size, uint64(4096))

	_, err = drv.IpcGetMemHandle(ptr)
	assert.NoError(t, err)
}
