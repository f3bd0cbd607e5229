package cudaipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/transport"
)

func TestRemoteKeyRoundTrip(t *testing.T) {
	var h cuda.IpcMemHandle
	for i := range h {
		h[i] = byte(255 - i)
	}
	key := RemoteKey{
		Handle:     h,
		RemotePtr:  0x7f0000001100,
		RemoteBase: 0x7f0000000000,
		RemoteLen:  1 << 22,
		Device:     3,
	}

	buf, err := key.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, PackedKeySize)
	assert.Equal(t, 104, PackedKeySize)
	assert.Equal(t, h[:], buf[:cuda.IpcHandleSize])

	var got RemoteKey
	require.NoError(t, got.UnmarshalBinary(buf))
	assert.Equal(t, key, got)

	// trailing bytes are ignored
	padded, err := key.AppendBinary([]byte{})
	require.NoError(t, err)
	padded = append(padded, 0xaa, 0xbb)
	var again RemoteKey
	require.NoError(t, again.UnmarshalBinary(padded))
	assert.Equal(t, key, again)
}

func TestRemoteKeyShortBuffer(t *testing.T) {
	var key RemoteKey
	err := key.UnmarshalBinary(make([]byte, 20))
	assert.ErrorIs(t, err, transport.StatusInvalidParam)
	assert.Equal(t, transport.StatusInvalidParam, transport.StatusOf(err))
}
