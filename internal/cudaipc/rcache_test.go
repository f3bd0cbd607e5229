package cudaipc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/cudaipc/internal/cuda"
)

// fakeRegistrar registers ranges inside 1 MiB allocations.
type fakeRegistrar struct {
	registered   int
	deregistered int
	fail         bool
}

const fakeAllocSize = 1 << 20

func (f *fakeRegistrar) register(addr cuda.DevicePtr, length uint64) (*Registration, error) {
	if f.fail {
		return nil, errors.New("registration failed")
	}
	f.registered++
	return &Registration{
		Address:    addr,
		Length:     length,
		Base:       addr &^ (fakeAllocSize - 1),
		BaseLength: fakeAllocSize,
	}, nil
}

func (f *fakeRegistrar) deregister(*Registration) {
	f.deregistered++
}

func newTestCache(t *testing.T, align uint64, maxIdle int) (*regCache, *fakeRegistrar) {
	t.Helper()
	f := &fakeRegistrar{}
	rc, err := newRegCache(align, maxIdle, f.register, f.deregister)
	require.NoError(t, err)
	return rc, f
}

func TestRegCacheHit(t *testing.T) {
	rc, f := newTestCache(t, 4096, 8)

	a, hit, err := rc.get(0x10000, 100)
	require.NoError(t, err)
	assert.False(t, hit)

	b, hit, err := rc.get(0x10010, 50)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, a.region, b.region)
	assert.Equal(t, cuda.DevicePtr(0x10010), b.Address)
	assert.Equal(t, uint64(50), b.Length)
	assert.Equal(t, cuda.DevicePtr(0x10000), a.Address)
	assert.Equal(t, uint64(100), a.Length)

	// a wider first registration serves narrower ones inside it
	c, _, err := rc.get(0x20000, 3*4096)
	require.NoError(t, err)
	d, hit, err := rc.get(0x21000, 10)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, c.region, d.region)
	assert.Equal(t, cuda.DevicePtr(0x21000), d.Address)

	// a range reaching past a region misses
	_, hit, err = rc.get(0x10000, 8192)
	require.NoError(t, err)
	assert.False(t, hit)

	assert.Equal(t, 3, f.registered)
	assert.Equal(t, 3, rc.size())
}

func TestRegCacheEvictsIdle(t *testing.T) {
	rc, f := newTestCache(t, 4096, 1)

	a, _, err := rc.get(0x10000, 4096)
	require.NoError(t, err)
	rc.put(a.region)
	assert.Equal(t, 0, f.deregistered)
	assert.Equal(t, 1, rc.size())

	b, _, err := rc.get(0x40000, 4096)
	require.NoError(t, err)
	rc.put(b.region)

	// the idle list holds one region; the older one was deregistered
	assert.Equal(t, 1, f.deregistered)
	assert.Equal(t, 1, rc.size())

	_, hit, err := rc.get(0x10000, 4096)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRegCacheReuseKeepsRegion(t *testing.T) {
	rc, f := newTestCache(t, 4096, 1)

	a, _, err := rc.get(0x10000, 4096)
	require.NoError(t, err)
	rc.put(a.region)

	again, hit, err := rc.get(0x10000, 4096)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, a.region, again.region)

	// a busy region is not evicted by idle-list pressure
	b, _, err := rc.get(0x40000, 4096)
	require.NoError(t, err)
	rc.put(b.region)
	c, _, err := rc.get(0x80000, 4096)
	require.NoError(t, err)
	rc.put(c.region)

	assert.Equal(t, 1, f.deregistered)
	assert.Equal(t, 2, rc.size())
	assert.Equal(t, 1, again.region.refcount)
}

func TestRegCacheClampsToAllocation(t *testing.T) {
	rc, f := newTestCache(t, 1<<21, 8)

	a, hit, err := rc.get(0x100, 10)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, uint64(0), a.region.start)
	assert.Equal(t, uint64(fakeAllocSize), a.region.end)

	// aligned bounds reach past the allocation and clamp onto the same region
	b, hit, err := rc.get(0x5000, 10)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, a.region, b.region)
	assert.Equal(t, cuda.DevicePtr(0x5000), b.Address)
	assert.Equal(t, 2, a.region.refcount)
	assert.Equal(t, 2, f.registered)
	assert.Equal(t, 1, f.deregistered)
	assert.Equal(t, 1, rc.size())
}

func TestRegCacheDestroy(t *testing.T) {
	rc, f := newTestCache(t, 4096, 8)

	a, _, err := rc.get(0x10000, 4096)
	require.NoError(t, err)
	_, _, err = rc.get(0x40000, 4096)
	require.NoError(t, err)
	rc.put(a.region)

	rc.destroy()
	assert.Equal(t, 2, f.deregistered)
	assert.Equal(t, 0, rc.size())
}

func TestRegCacheErrors(t *testing.T) {
	f := &fakeRegistrar{}
	_, err := newRegCache(3000, 8, f.register, f.deregister)
	assert.Error(t, err)
	_, err = newRegCache(4096, 0, f.register, f.deregister)
	assert.Error(t, err)

	rc, err := newRegCache(4096, 8, f.register, f.deregister)
	require.NoError(t, err)
	f.fail = true
	_, _, err = rc.get(0x10000, 10)
	assert.Error(t, err)
	assert.Equal(t, 0, rc.size())
}
