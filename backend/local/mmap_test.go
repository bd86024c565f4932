package local

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/uapi"
	"github.com/ehrlich-b/go-iio/internal/wait"
)

// fakeKernel implements the block MMAP ioctls on plain memory. Enqueued
// blocks complete in order unless held.
type fakeKernel struct {
	mu          sync.Mutex
	unsupported bool
	held        bool
	size        uint32
	count       uint32
	queue       []uapi.Block
	unmapped    int
	calls       map[uint32]int
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{calls: make(map[uint32]int)}
}

func (k *fakeKernel) ops() *mmapOps {
	return &mmapOps{
		ioctl: k.ioctl,
		mmap: func(fd int, offset int64, length int) ([]byte, error) {
			return make([]byte, length), nil
		},
		munmap: func([]byte) error {
			k.mu.Lock()
			k.unmapped++
			k.mu.Unlock()
			return nil
		},
		ready: k.ready,
	}
}

func (k *fakeKernel) ioctl(fd int, req uint32, arg unsafe.Pointer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.unsupported {
		return unix.ENOTTY
	}
	k.calls[req]++

	switch req {
	case uapi.BLOCK_FREE_IOCTL:
		k.count = 0
		k.queue = nil
	case uapi.BLOCK_ALLOC_IOCTL:
		r := (*uapi.BlockAllocReq)(arg)
		k.size = r.Size
		k.count += r.Count
	case uapi.BLOCK_QUERY_IOCTL:
		b := (*uapi.Block)(arg)
		if b.ID >= k.count {
			return unix.EINVAL
		}
		b.Size = k.size
		b.Offset = b.ID * k.size
	case uapi.BLOCK_ENQUEUE_IOCTL:
		k.queue = append(k.queue, *(*uapi.Block)(arg))
	case uapi.BLOCK_DEQUEUE_IOCTL:
		if k.held || len(k.queue) == 0 {
			return unix.EAGAIN
		}
		*(*uapi.Block)(arg) = k.queue[0]
		k.queue = k.queue[1:]
	default:
		return unix.ENOTTY
	}
	return nil
}

func (k *fakeKernel) ready(fd int, c *wait.Canceller, events int16, deadline time.Time, nonblock bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.held && len(k.queue) > 0 {
		return nil
	}
	if nonblock {
		return unix.EBUSY
	}
	return unix.ETIMEDOUT
}

func (k *fakeKernel) callCount(req uint32) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[req]
}

func mmapBuffer(k *fakeKernel, tx bool, mask ...uint32) *Buffer {
	if mask == nil {
		mask = []uint32{0x3}
	}
	return &Buffer{
		b:       &Backend{log: quietLogger()},
		tx:      tx,
		log:     quietLogger(),
		fd:      100,
		mask:    mask,
		mmapOps: k.ops(),
	}
}

func TestMMAPUnsupported(t *testing.T) {
	k := newFakeKernel()
	k.unsupported = true
	buf := mmapBuffer(k, false)

	_, err := buf.createMMAPBlock(64)
	assert.Equal(t, unix.ENOSYS, err)
}

func TestMMAPChannelLimit(t *testing.T) {
	tests := []struct {
		name string
		mask []uint32
		want error
	}{
		{"one channel", []uint32{0x1}, nil},
		{"64 channels", []uint32{0xffffffff, 0xffffffff}, nil},
		{"65 channels", []uint32{0xffffffff, 0xffffffff, 0x1}, unix.EINVAL},
		{"sparse 65", []uint32{0xffffffff, 0x7fffffff, 0x3}, unix.EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := mmapBuffer(newFakeKernel(), false, tt.mask...)
			blk, err := buf.createMMAPBlock(64)
			if tt.want != nil {
				assert.Equal(t, tt.want, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, blk.Close())
		})
	}
}

func TestMMAPBlockSizeMismatch(t *testing.T) {
	k := newFakeKernel()
	buf := mmapBuffer(k, false)

	a, err := buf.createMMAPBlock(4096)
	require.NoError(t, err)
	defer a.Close()

	_, err = buf.createMMAPBlock(2048)
	assert.Equal(t, unix.EINVAL, err)
}

func TestMMAPBlockLimit(t *testing.T) {
	k := newFakeKernel()
	buf := mmapBuffer(k, false)

	var blocks []*mmapBlock
	for i := 0; i < uapi.MaxMMAPBlocks; i++ {
		blk, err := buf.createMMAPBlock(16)
		require.NoError(t, err)
		blocks = append(blocks, blk)
	}
	_, err := buf.createMMAPBlock(16)
	assert.Equal(t, unix.EINVAL, err)

	for _, blk := range blocks {
		blk.Close()
	}
}

func TestMMAPIndexReuse(t *testing.T) {
	k := newFakeKernel()
	buf := mmapBuffer(k, false)

	a, err := buf.createMMAPBlock(64)
	require.NoError(t, err)
	b, err := buf.createMMAPBlock(64)
	require.NoError(t, err)
	assert.Equal(t, uint(0), a.idx)
	assert.Equal(t, uint(1), b.idx)
	assert.Len(t, a.data, 64)

	require.NoError(t, a.Close())
	c, err := buf.createMMAPBlock(64)
	require.NoError(t, err)
	assert.Equal(t, uint(0), c.idx)
	assert.Equal(t, 2, k.callCount(uapi.BLOCK_ALLOC_IOCTL), "a freed index is reused without allocating")

	// Closing one of two live blocks keeps the kernel allocation
	frees := k.callCount(uapi.BLOCK_FREE_IOCTL)
	require.NoError(t, b.Close())
	assert.Equal(t, frees, k.callCount(uapi.BLOCK_FREE_IOCTL))
	require.NoError(t, c.Close())
	assert.Equal(t, frees+1, k.callCount(uapi.BLOCK_FREE_IOCTL), "last close frees the kernel blocks")
	assert.Equal(t, 3, k.unmapped)
}

func TestMMAPEnqueueRules(t *testing.T) {
	tests := []struct {
		name string
		tx   bool
		run  func(a, b *mmapBlock) error
		want error
	}{
		{
			name: "rx full block",
			run:  func(a, _ *mmapBlock) error { return a.Enqueue(64, false) },
		},
		{
			name: "rx partial block",
			run:  func(a, _ *mmapBlock) error { return a.Enqueue(32, false) },
			want: unix.EINVAL,
		},
		{
			name: "tx partial block",
			tx:   true,
			run:  func(a, _ *mmapBlock) error { return a.Enqueue(32, false) },
		},
		{
			name: "double enqueue",
			run: func(a, _ *mmapBlock) error {
				if err := a.Enqueue(64, false); err != nil {
					return err
				}
				return a.Enqueue(64, false)
			},
			want: unix.EPERM,
		},
		{
			name: "dequeue without enqueue",
			run:  func(a, _ *mmapBlock) error { return a.Dequeue(false) },
			want: unix.EPERM,
		},
		{
			name: "double dequeue",
			run: func(a, _ *mmapBlock) error {
				if err := a.Enqueue(64, false); err != nil {
					return err
				}
				if err := a.Dequeue(false); err != nil {
					return err
				}
				return a.Dequeue(false)
			},
			want: unix.EPERM,
		},
		{
			name: "second cyclic block",
			tx:   true,
			run: func(a, b *mmapBlock) error {
				if err := a.Enqueue(64, true); err != nil {
					return err
				}
				return b.Enqueue(64, true)
			},
			want: unix.EBUSY,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newFakeKernel()
			buf := mmapBuffer(k, tt.tx)
			a, err := buf.createMMAPBlock(64)
			require.NoError(t, err)
			b, err := buf.createMMAPBlock(64)
			require.NoError(t, err)
			defer func() {
				a.Close()
				b.Close()
			}()

			err = tt.run(a, b)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.want, err)
			}
		})
	}
}

func TestMMAPCyclicFlag(t *testing.T) {
	k := newFakeKernel()
	buf := mmapBuffer(k, true)
	a, err := buf.createMMAPBlock(64)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Enqueue(16, true))
	require.Len(t, k.queue, 1)
	assert.Equal(t, uint32(uapi.BLOCK_FLAG_CYCLIC), k.queue[0].Flags&uapi.BLOCK_FLAG_CYCLIC)
	assert.Equal(t, uint32(16), k.queue[0].BytesUsed)
}

func TestMMAPDequeueOutOfOrder(t *testing.T) {
	k := newFakeKernel()
	buf := mmapBuffer(k, false)
	a, err := buf.createMMAPBlock(64)
	require.NoError(t, err)
	b, err := buf.createMMAPBlock(64)
	require.NoError(t, err)
	defer func() {
		a.Close()
		b.Close()
	}()

	require.NoError(t, a.Enqueue(64, false))
	require.NoError(t, b.Enqueue(64, false))
	k.queue[0].BytesUsed = 40

	// The kernel returns a first; dequeuing b has to drain it on the way
	require.NoError(t, b.Dequeue(false))
	assert.Equal(t, 2, k.callCount(uapi.BLOCK_DEQUEUE_IOCTL))

	require.NoError(t, a.Dequeue(false))
	assert.Equal(t, 2, k.callCount(uapi.BLOCK_DEQUEUE_IOCTL), "a was already back from the kernel")
	assert.Equal(t, 64, b.BytesUsed())

	// Re-enqueueing a reaches the kernel again
	require.NoError(t, a.Enqueue(64, false))
	assert.Equal(t, 3, k.callCount(uapi.BLOCK_ENQUEUE_IOCTL))
}

func TestMMAPDequeueNotReady(t *testing.T) {
	k := newFakeKernel()
	buf := mmapBuffer(k, false)
	a, err := buf.createMMAPBlock(64)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Enqueue(64, false))
	k.mu.Lock()
	k.held = true
	k.mu.Unlock()

	assert.Equal(t, unix.EAGAIN, a.Dequeue(true))
	assert.Equal(t, unix.ETIMEDOUT, a.Dequeue(false))

	k.mu.Lock()
	k.held = false
	k.mu.Unlock()
	assert.NoError(t, a.Dequeue(true))
}
