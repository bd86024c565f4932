package iio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStreamRX(t *testing.T) {
	ctx := newMockContext(t, nil)
	buf := newTestBuffer(t, ctx, "adc", "voltage0", "voltage1")

	_, err := buf.CreateStream(0, 8)
	assert.True(t, errors.Is(err, unix.EINVAL))
	_, err = buf.CreateStream(4, 0)
	assert.True(t, errors.Is(err, unix.EINVAL))

	stream, err := buf.CreateStream(4, 8)
	require.NoError(t, err)
	require.Len(t, stream.Blocks(), 4)
	assert.Equal(t, 32, stream.Blocks()[0].Size())

	// Every block comes back full, in capture order
	seen := make(map[*Block]bool)
	for i := 0; i < 8; i++ {
		blk, err := stream.NextBlock()
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, BlockDequeued, blk.State())
		assert.Equal(t, byte(32*i), blk.Data()[0], "call %d", i)
		seen[blk] = true
	}
	assert.Len(t, seen, 4)
	assert.True(t, buf.Enabled())

	stream.Destroy()
	assert.Empty(t, buf.Blocks())
}

func TestStreamTX(t *testing.T) {
	mock := NewMockBackend(nil)
	ctx := newMockContext(t, mock)
	buf := newTestBuffer(t, ctx, "dac", "voltage0")

	stream, err := buf.CreateStream(2, 4)
	require.NoError(t, err)
	defer stream.Destroy()

	for i := 0; i < 5; i++ {
		blk, err := stream.NextBlock()
		require.NoError(t, err)
		assert.Equal(t, BlockDequeued, blk.State())
		for j := range blk.Data() {
			blk.Data()[j] = byte(i)
		}
	}

	// Four blocks were submitted; the fifth is still with the caller
	written := mock.Buffers()[0].Written()
	require.GreaterOrEqual(t, len(written), 3)
	for i, w := range written {
		assert.Equal(t, []byte{byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i)}, w)
	}
}

func TestStreamCancelled(t *testing.T) {
	ctx := newMockContext(t, nil)
	buf := newTestBuffer(t, ctx, "adc", "voltage0")

	stream, err := buf.CreateStream(2, 4)
	require.NoError(t, err)
	defer stream.Destroy()

	_, err = stream.NextBlock()
	require.NoError(t, err)

	buf.Cancel()
	_, err = stream.NextBlock()
	assert.True(t, errors.Is(err, unix.EBUSY))
}
