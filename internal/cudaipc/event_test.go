package cudaipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/transport"
)

func TestEventPoolGrowsInChunks(t *testing.T) {
	h := newTestHost(t, 1)
	p := h.NewProcess()
	pool := newEventPool(p, 4, 10)

	var taken []*eventDesc
	for i := 0; i < 5; i++ {
		d, err := pool.get()
		require.NoError(t, err)
		taken = append(taken, d)
	}
	assert.Equal(t, 8, pool.size())
	assert.Equal(t, 8, p.Calls("cuEventCreate"))

	for i := 0; i < 5; i++ {
		d, err := pool.get()
		require.NoError(t, err)
		taken = append(taken, d)
	}
	// the last chunk is cut to the limit
	assert.Equal(t, 10, pool.size())

	_, err := pool.get()
	assert.ErrorIs(t, err, transport.StatusNoMemory)

	pool.put(taken[0])
	d, err := pool.get()
	require.NoError(t, err)
	assert.Same(t, taken[0], d)

	require.NoError(t, pool.destroy())
	assert.Equal(t, 10, p.Calls("cuEventDestroy"))
	assert.Equal(t, 0, pool.size())
}

func TestEventPoolCreateFailure(t *testing.T) {
	h := newTestHost(t, 1)
	p := h.NewProcess()
	pool := newEventPool(p, 4, 8)

	p.FailNext("cuEventCreate", cuda.ErrorOutOfMemory)
	_, err := pool.get()
	assert.ErrorIs(t, err, transport.StatusIOError)
	assert.NotErrorIs(t, err, transport.StatusNoMemory)
	assert.Equal(t, cuda.ErrorOutOfMemory, cuda.Code(err))
	assert.Equal(t, 0, pool.size())

	_, err = pool.get()
	require.NoError(t, err)
	assert.Equal(t, 4, pool.size())
}

func TestEventPoolDestroyAggregatesErrors(t *testing.T) {
	h := newTestHost(t, 1)
	p := h.NewProcess()
	pool := newEventPool(p, 2, 2)
	_, err := pool.get()
	require.NoError(t, err)

	p.FailNext("cuEventDestroy", cuda.ErrorInvalidHandle)
	err = pool.destroy()
	require.Error(t, err)
	assert.Equal(t, cuda.ErrorInvalidHandle, cuda.Code(err))
	assert.Equal(t, 2, p.Calls("cuEventDestroy"))
}

func TestEventQueueFIFO(t *testing.T) {
	var q eventQueue
	assert.True(t, q.empty())
	assert.Nil(t, q.pop())

	descs := []*eventDesc{{length: 1}, {length: 2}, {length: 3}}
	for _, d := range descs {
		q.push(d)
	}
	assert.Equal(t, 3, q.count())
	assert.Same(t, descs[0], q.peek())

	for _, want := range descs {
		assert.Same(t, want, q.pop())
	}
	assert.True(t, q.empty())
	assert.Equal(t, 0, q.count())

	// reusable after draining
	q.push(descs[1])
	assert.Same(t, descs[1], q.peek())
	assert.Same(t, descs[1], q.pop())
	assert.True(t, q.empty())
}
