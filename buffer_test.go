package iio

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestBuffer opens buffer 0 of the named device with the given
// channels enabled.
func newTestBuffer(t *testing.T, ctx *Context, device string, channels ...string) *Buffer {
	t.Helper()
	dev := ctx.FindDevice(device)
	require.NotNil(t, dev)

	mask := dev.NewChannelsMask()
	for _, name := range channels {
		c := dev.FindChannel(name, dev.IsTX())
		require.NotNil(t, c, name)
		c.Enable(mask)
	}

	buf, err := dev.CreateBuffer(0, mask)
	require.NoError(t, err)
	t.Cleanup(buf.Destroy)
	return buf
}

func TestCreateBufferErrors(t *testing.T) {
	ctx := newMockContext(t, nil)
	adc := ctx.FindDevice("adc")

	_, err := adc.CreateBuffer(0, adc.NewChannelsMask())
	assert.True(t, errors.Is(err, unix.EINVAL), "empty mask: %v", err)

	_, err = adc.CreateBuffer(0, NewChannelsMask(2))
	assert.True(t, errors.Is(err, unix.EINVAL), "wrong mask size: %v", err)

	mask := adc.NewChannelsMask()
	adc.FindChannel("voltage0", false).Enable(mask)
	_, err = adc.CreateBuffer(1, mask)
	assert.True(t, errors.Is(err, unix.EINVAL), "bad index: %v", err)
	assert.Equal(t, ErrCodeInvalidParameters, err.(*Error).Code)
	assert.Equal(t, "iio:device0", err.(*Error).Device)
}

func TestCreateBufferWithoutBufferBackend(t *testing.T) {
	mock := NewMockBackend(nil)
	ctx := NewContextFromBackend(attrOnlyBackend{mock}, mock.Info(), quietParams())
	adc := ctx.FindDevice("adc")

	mask := adc.NewChannelsMask()
	adc.FindChannel("voltage0", false).Enable(mask)
	_, err := adc.CreateBuffer(0, mask)
	assert.True(t, errors.Is(err, unix.ENOSYS))

	_, err = adc.CreateEventStream()
	assert.True(t, errors.Is(err, unix.ENOSYS))

	_, err = adc.Trigger()
	assert.True(t, errors.Is(err, unix.ENOSYS))
}

// attrOnlyBackend hides every optional interface of the mock.
type attrOnlyBackend struct{ m *MockBackend }

func (b attrOnlyBackend) ReadAttr(ref AttrRef, dst []byte) (int, error) {
	return b.m.ReadAttr(ref, dst)
}
func (b attrOnlyBackend) WriteAttr(ref AttrRef, src []byte) (int, error) {
	return b.m.WriteAttr(ref, src)
}
func (b attrOnlyBackend) Close() error { return b.m.Close() }

func TestBufferMaskIsCopied(t *testing.T) {
	ctx := newMockContext(t, nil)
	adc := ctx.FindDevice("adc")

	mask := adc.NewChannelsMask()
	v0 := adc.FindChannel("voltage0", false)
	v1 := adc.FindChannel("voltage1", false)
	v0.Enable(mask)

	buf, err := adc.CreateBuffer(0, mask)
	require.NoError(t, err)
	defer buf.Destroy()

	v1.Enable(mask)
	assert.False(t, v1.IsEnabled(buf.Mask()))
	assert.True(t, v0.IsEnabled(buf.Mask()))
	assert.Equal(t, 2, buf.SampleSize())

	buf.Mask().Enable(v1.Number())
	assert.False(t, v1.IsEnabled(buf.Mask()))
}

func TestBufferAttrs(t *testing.T) {
	mock := NewMockBackend(nil)
	ctx := newMockContext(t, mock)
	buf := newTestBuffer(t, ctx, "adc", "voltage0")

	require.Equal(t, 2, buf.Attrs().Count())
	length := buf.FindAttr("length")
	require.NotNil(t, length)
	assert.Equal(t, AttrBuffer, length.Type())

	require.NoError(t, length.WriteInt64(4096))
	v, err := length.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), v)
}

func TestEnableRequiresBlocks(t *testing.T) {
	ctx := newMockContext(t, nil)
	buf := newTestBuffer(t, ctx, "adc", "voltage0")

	err := buf.Enable()
	assert.True(t, errors.Is(err, unix.EINVAL))
	assert.False(t, buf.Enabled())
}

func TestCreateBlockTooSmall(t *testing.T) {
	ctx := newMockContext(t, nil)
	buf := newTestBuffer(t, ctx, "adc", "voltage0", "voltage1")

	_, err := buf.CreateBlock(3)
	assert.True(t, errors.Is(err, unix.EINVAL))
}

func TestEmulatedBlockRoundTrip(t *testing.T) {
	ctx := newMockContext(t, nil)
	buf := newTestBuffer(t, ctx, "adc", "voltage0", "voltage1")

	blk, err := buf.CreateBlock(32)
	require.NoError(t, err)
	defer blk.Destroy()
	assert.Equal(t, BlockDequeued, blk.State())

	_, err = blk.DMABUFFD()
	assert.True(t, errors.Is(err, unix.EINVAL))
	assert.True(t, errors.Is(blk.DisableCPUAccess(true), unix.ENOSYS))

	require.NoError(t, blk.Enqueue(0, false))
	assert.Equal(t, BlockEnqueued, blk.State())

	err = blk.Enqueue(0, false)
	assert.True(t, errors.Is(err, unix.EPERM), "double enqueue: %v", err)

	require.NoError(t, buf.Enable())
	assert.True(t, buf.Enabled())

	require.NoError(t, blk.Dequeue(false))
	assert.Equal(t, BlockDequeued, blk.State())
	assert.Equal(t, 32, blk.BytesUsed())

	for i, b := range blk.Data() {
		require.Equal(t, byte(i), b)
	}

	err = blk.Dequeue(false)
	assert.True(t, errors.Is(err, unix.EPERM), "double dequeue: %v", err)

	enabled, _, nbSamples := ctx.backend.(*MockBackend).Buffers()[0].State()
	assert.True(t, enabled)
	assert.Equal(t, 8, nbSamples)
}

func TestEnqueueBytesUsed(t *testing.T) {
	ctx := newMockContext(t, nil)
	buf := newTestBuffer(t, ctx, "dac", "voltage0")

	blk, err := buf.CreateBlock(16)
	require.NoError(t, err)
	defer blk.Destroy()

	err = blk.Enqueue(17, false)
	assert.True(t, errors.Is(err, unix.EINVAL))
	err = blk.Enqueue(-1, false)
	assert.True(t, errors.Is(err, unix.EINVAL))

	copy(blk.Data(), []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, blk.Enqueue(6, false))
	require.NoError(t, buf.Enable())
	require.NoError(t, blk.Dequeue(false))

	written := ctx.backend.(*MockBackend).Buffers()[0].Written()
	require.Len(t, written, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, written[0])
}

func TestEmulatedFIFOOrder(t *testing.T) {
	ctx := newMockContext(t, nil)
	buf := newTestBuffer(t, ctx, "adc", "voltage0")

	blocks := make([]*Block, 4)
	for i := range blocks {
		b, err := buf.CreateBlock(8)
		require.NoError(t, err)
		blocks[i] = b
		require.NoError(t, b.Enqueue(0, false))
	}
	require.NoError(t, buf.Enable())

	for i, b := range blocks {
		require.NoError(t, b.Dequeue(false))
		assert.Equal(t, byte(8*i), b.Data()[0], "block %d", i)
	}
}

func TestCyclicRules(t *testing.T) {
	ctx := newMockContext(t, nil)
	buf := newTestBuffer(t, ctx, "dac", "voltage0", "voltage1")

	a, err := buf.CreateBlock(16)
	require.NoError(t, err)
	b, err := buf.CreateBlock(16)
	require.NoError(t, err)

	// Cyclic while another block is queued
	require.NoError(t, a.Enqueue(0, false))
	err = b.Enqueue(0, true)
	assert.True(t, errors.Is(err, unix.EBUSY), "cyclic behind queued block: %v", err)
	assert.Equal(t, BlockDequeued, b.State())

	require.NoError(t, buf.Enable())
	require.NoError(t, a.Dequeue(false))
	require.NoError(t, buf.Disable())

	// Cyclic freezes the queue
	require.NoError(t, a.Enqueue(0, true))
	require.NoError(t, buf.Enable())
	err = b.Enqueue(0, false)
	assert.True(t, errors.Is(err, unix.EBUSY), "enqueue behind cyclic: %v", err)

	_, cyclic, _ := ctx.backend.(*MockBackend).Buffers()[0].State()
	assert.True(t, cyclic)

	require.NoError(t, a.Dequeue(false))
	err = b.Enqueue(0, false)
	assert.True(t, errors.Is(err, unix.EBUSY), "cyclic stays engaged until disable: %v", err)

	require.NoError(t, buf.Disable())
	require.NoError(t, b.Enqueue(0, false))
}

func TestNonblockDequeue(t *testing.T) {
	mock := NewMockBackend(nil)
	ctx := newMockContext(t, mock)
	buf := newTestBuffer(t, ctx, "adc", "voltage0")

	blk, err := buf.CreateBlock(8)
	require.NoError(t, err)
	defer blk.Destroy()

	mock.Buffers()[0].Stall()
	require.NoError(t, blk.Enqueue(0, false))
	require.NoError(t, buf.Enable())

	err = blk.Dequeue(true)
	assert.True(t, errors.Is(err, unix.EBUSY), "nonblock: %v", err)
	assert.Equal(t, BlockEnqueued, blk.State())

	mock.Buffers()[0].Resume()
	require.NoError(t, blk.Dequeue(false))
}

func TestCancelUnblocksDequeue(t *testing.T) {
	mock := NewMockBackend(nil)
	ctx := newMockContext(t, mock)
	buf := newTestBuffer(t, ctx, "adc", "voltage0")

	a, err := buf.CreateBlock(8)
	require.NoError(t, err)
	b, err := buf.CreateBlock(8)
	require.NoError(t, err)
	idle, err := buf.CreateBlock(8)
	require.NoError(t, err)

	mock.Buffers()[0].Stall()
	require.NoError(t, a.Enqueue(0, false))
	require.NoError(t, b.Enqueue(0, false))
	require.NoError(t, buf.Enable())

	errc := make(chan error, 1)
	go func() { errc <- a.Dequeue(false) }()

	time.Sleep(20 * time.Millisecond)
	buf.Cancel()
	buf.Cancel()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, unix.EINTR), "in-flight block: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue not unblocked by cancel")
	}

	err = b.Dequeue(false)
	assert.True(t, errors.Is(err, unix.EINTR), "queued block: %v", err)
	assert.Equal(t, ErrCodeCancelled, err.(*Error).Code)

	assert.Equal(t, BlockCancelled, idle.State())
	err = idle.Enqueue(0, false)
	assert.True(t, errors.Is(err, unix.EBADF), "enqueue after cancel: %v", err)
	err = idle.Dequeue(false)
	assert.True(t, errors.Is(err, unix.EBADF), "dequeue idle after cancel: %v", err)

	assert.True(t, errors.Is(buf.Enable(), unix.EBADF))
	assert.True(t, buf.Cancelled())
	assert.Equal(t, 1, mock.Buffers()[0].CancelCalls())

	_, err = buf.CreateBlock(8)
	assert.True(t, errors.Is(err, unix.EBADF))
}

func TestBackendBlocks(t *testing.T) {
	mock := NewMockBackend(nil)
	mock.BackendBlocks = true
	ctx := newMockContext(t, mock)
	buf := newTestBuffer(t, ctx, "adc", "voltage0", "voltage1")

	blk, err := buf.CreateBlock(16)
	require.NoError(t, err)
	defer blk.Destroy()

	fd, err := blk.DMABUFFD()
	require.NoError(t, err)
	assert.Equal(t, -1, fd)
	require.NoError(t, blk.DisableCPUAccess(false))

	err = blk.Dequeue(false)
	assert.True(t, errors.Is(err, unix.EPERM))

	mock.Buffers()[0].Stall()
	require.NoError(t, blk.Enqueue(0, false))
	require.NoError(t, buf.Enable())

	err = blk.Dequeue(true)
	assert.True(t, errors.Is(err, unix.EAGAIN), "nonblock: %v", err)
	assert.Equal(t, BlockEnqueued, blk.State())

	mock.Buffers()[0].Resume()
	require.NoError(t, blk.Dequeue(false))
	assert.Equal(t, BlockDequeued, blk.State())
	assert.Equal(t, 16, blk.BytesUsed())
	assert.Equal(t, byte(15), blk.Data()[15])
}

func TestBlockSampleLayout(t *testing.T) {
	ctx := newMockContext(t, nil)
	adc := ctx.FindDevice("adc")
	buf := newTestBuffer(t, ctx, "adc", "voltage0", "voltage1", "timestamp")
	require.Equal(t, 16, buf.SampleSize())

	blk, err := buf.CreateBlock(64)
	require.NoError(t, err)
	defer blk.Destroy()

	v0 := adc.FindChannel("voltage0", false)
	v1 := adc.FindChannel("voltage1", false)
	ts := adc.FindChannel("timestamp", false)
	die := adc.FindChannel("die", false)

	assert.Equal(t, 0, blk.First(v0))
	assert.Equal(t, 2, blk.First(v1))
	assert.Equal(t, 8, blk.First(ts))
	assert.Equal(t, blk.End(), blk.First(die))
	assert.Equal(t, 0, blk.Start())
	assert.Equal(t, 64, blk.End())

	mask := adc.NewChannelsMask()
	v1.Enable(mask)
	ts.Enable(mask)
	var offsets []int
	n, err := blk.ForeachSample(mask, func(c *Channel, sample []byte) (int, error) {
		offsets = append(offsets, cap(blk.Data())-cap(sample))
		return len(sample), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4*(2+8), n)
	assert.Equal(t, []int{2, 8, 18, 24, 34, 40, 50, 56}, offsets)

	stop := errors.New("stop")
	n, err = blk.ForeachSample(mask, func(*Channel, []byte) (int, error) { return 0, stop })
	assert.Equal(t, stop, err)
	assert.Equal(t, 0, n)
}

func TestChannelReadWrite(t *testing.T) {
	ctx := newMockContext(t, nil)
	adc := ctx.FindDevice("adc")
	buf := newTestBuffer(t, ctx, "adc", "voltage0", "voltage1")

	blk, err := buf.CreateBlock(32)
	require.NoError(t, err)
	defer blk.Destroy()

	require.NoError(t, buf.Refill(blk))

	v1 := adc.FindChannel("voltage1", false)
	raw := make([]byte, 16)
	assert.Equal(t, 16, v1.Read(blk, raw, true))
	assert.Equal(t, []byte{2, 3, 6, 7, 10, 11, 14, 15, 18, 19, 22, 23, 26, 27, 30, 31}, raw)

	conv := make([]byte, 4)
	assert.Equal(t, 4, v1.Read(blk, conv, false))
	// 0x0302 >> 4, 12-bit signed
	assert.Equal(t, int16(0x030), int16(binary.NativeEndian.Uint16(conv[0:2])))
	// 0x0706 >> 4
	assert.Equal(t, int16(0x070), int16(binary.NativeEndian.Uint16(conv[2:4])))

	assert.Equal(t, 4, v1.Write(blk, []byte{0xaa, 0xbb, 0xcc, 0xdd}, true))
	assert.Equal(t, []byte{0xaa, 0xbb}, blk.Data()[2:4])
	assert.Equal(t, []byte{0xcc, 0xdd}, blk.Data()[6:8])
	assert.Equal(t, byte(4), blk.Data()[4])
}

func TestBufferObserver(t *testing.T) {
	mock := NewMockBackend(nil)
	metrics := NewMetrics()
	params := quietParams()
	params.Observer = NewMetricsObserver(metrics)
	ctx := NewContextFromBackend(mock, mock.Info(), params)
	defer ctx.Close()

	buf := newTestBuffer(t, ctx, "adc", "voltage0")
	blk, err := buf.CreateBlock(8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Refill(blk))
	}
	buf.Cancel()

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(3), snap.EnqueueOps)
	assert.Equal(t, uint64(3), snap.RxBlocks)
	assert.Equal(t, uint64(24), snap.RxBytes)
	assert.Equal(t, uint64(0), snap.DequeueErrors)
	assert.Equal(t, uint64(1), snap.Cancellations)
}

func TestDestroyBufferWithLiveBlocks(t *testing.T) {
	mock := NewMockBackend(nil)
	ctx := newMockContext(t, mock)
	adc := ctx.FindDevice("adc")

	mask := adc.NewChannelsMask()
	adc.FindChannel("voltage0", false).Enable(mask)
	buf, err := adc.CreateBuffer(0, mask)
	require.NoError(t, err)

	blk, err := buf.CreateBlock(8)
	require.NoError(t, err)
	require.NoError(t, blk.Enqueue(0, false))

	buf.Destroy()
	assert.Empty(t, buf.Blocks())
	mb := mock.Buffers()[0]
	mb.mu.Lock()
	assert.True(t, mb.closed)
	mb.mu.Unlock()

	// Already released
	blk.Destroy()
}
