package local

import (
	"math/bits"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/uapi"
	"github.com/ehrlich-b/go-iio/internal/wait"
)

// mmapOps is the kernel side of the MMAP interface.
type mmapOps struct {
	ioctl  func(fd int, req uint32, arg unsafe.Pointer) error
	mmap   func(fd int, offset int64, length int) ([]byte, error)
	munmap func(b []byte) error
	ready  func(fd int, c *wait.Canceller, events int16, deadline time.Time, nonblock bool) error
}

var kernelMMAP = &mmapOps{
	ioctl: uapi.Ioctl,
	mmap: func(fd int, offset int64, length int) ([]byte, error) {
		return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	},
	munmap: unix.Munmap,
	ready:  wait.CheckReady,
}

// mmapState tracks the blocks of a buffer on the legacy block MMAP
// interface. The kernel numbers blocks from 0 and only frees them all at
// once.
type mmapState struct {
	buf *Buffer
	ops *mmapOps

	mu        sync.Mutex
	supported bool
	allocated uint64 // blocks held by a block object
	enqueued  uint64 // blocks owned by the kernel
	nbBlocks  int
	size      int
	cyclic    bool
}

func (m *mmapState) ioctl(req uint32, arg unsafe.Pointer) error {
	m.buf.fdMu.RLock()
	defer m.buf.fdMu.RUnlock()
	if m.buf.fd < 0 {
		return unix.EBADF
	}
	return m.ops.ioctl(m.buf.fd, req, arg)
}

// free releases every kernel block. Called with m.mu held.
func (m *mmapState) free() {
	if m.nbBlocks == 0 {
		return
	}
	if err := m.ioctl(uapi.BLOCK_FREE_IOCTL, nil); err != nil {
		m.buf.log.Warn("unable to free MMAP blocks", "error", err)
	}
	m.nbBlocks = 0
	m.enqueued = 0
	m.cyclic = false
}

func (buf *Buffer) blockState() *mmapState {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.mmap == nil {
		ops := buf.mmapOps
		if ops == nil {
			ops = kernelMMAP
		}
		m := &mmapState{buf: buf, ops: ops}
		// BLOCK_FREE never fails on a device with the interface and is
		// harmless when nothing is allocated.
		m.supported = m.ioctl(uapi.BLOCK_FREE_IOCTL, nil) == nil
		buf.mmap = m
	}
	return buf.mmap
}

type mmapBlock struct {
	m    *mmapState
	idx  uint
	data []byte

	mu       sync.Mutex
	block    uapi.Block
	isQueued bool
}

func (buf *Buffer) createMMAPBlock(size int) (*mmapBlock, error) {
	m := buf.blockState()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.supported {
		return nil, unix.ENOSYS
	}
	if n := buf.enabledChannels(); n > uapi.MaxMMAPChannels {
		buf.log.Error("MMAP interface is limited to 64 channels", "enabled", n)
		return nil, unix.EINVAL
	}
	if m.allocated == ^uint64(0) {
		buf.log.Error("MMAP interface is limited to 64 blocks", "max", uapi.MaxMMAPBlocks)
		return nil, unix.EINVAL
	}
	if m.nbBlocks > 0 && size != m.size {
		return nil, unix.EINVAL
	}

	var idx uint
	if bits.OnesCount64(m.allocated) == m.nbBlocks {
		req := uapi.BlockAllocReq{Size: uint32(size), Count: 1}
		if err := m.ioctl(uapi.BLOCK_ALLOC_IOCTL, unsafe.Pointer(&req)); err != nil {
			return nil, err
		}
		idx = uint(m.nbBlocks)
		m.nbBlocks++
		m.size = size
	} else {
		idx = uint(bits.TrailingZeros64(^m.allocated))
	}

	blk := &mmapBlock{m: m, idx: idx}
	blk.block.ID = uint32(idx)
	if err := m.ioctl(uapi.BLOCK_QUERY_IOCTL, unsafe.Pointer(&blk.block)); err != nil {
		return nil, err
	}

	buf.fdMu.RLock()
	data, err := m.ops.mmap(buf.fd, int64(blk.block.Offset), size)
	buf.fdMu.RUnlock()
	if err != nil {
		return nil, err
	}
	blk.data = data

	m.allocated |= 1 << idx
	return blk, nil
}

// Enqueue implements the Block interface. Only TX blocks may be
// partially filled.
func (blk *mmapBlock) Enqueue(bytesUsed int, cyclic bool) error {
	m := blk.m
	blk.mu.Lock()
	defer blk.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if cyclic && m.cyclic {
		return unix.EBUSY
	}
	if bytesUsed != int(blk.block.Size) && !m.buf.tx {
		return unix.EINVAL
	}
	if blk.isQueued {
		return unix.EPERM
	}

	bit := uint64(1) << blk.idx
	if m.enqueued&bit != 0 {
		blk.isQueued = true
		return nil
	}

	blk.block.BytesUsed = uint32(bytesUsed)
	blk.block.Flags &^= uapi.BLOCK_FLAG_CYCLIC
	if cyclic {
		blk.block.Flags |= uapi.BLOCK_FLAG_CYCLIC
	}
	if err := m.ioctl(uapi.BLOCK_ENQUEUE_IOCTL, unsafe.Pointer(&blk.block)); err != nil {
		return err
	}
	m.enqueued |= bit
	if cyclic {
		m.cyclic = true
	}
	blk.isQueued = true
	return nil
}

// Dequeue implements the Block interface. The kernel hands blocks back in
// its own order; blocks of other objects dequeued on the way are marked
// so their own Dequeue returns at once.
func (blk *mmapBlock) Dequeue(nonblock bool) error {
	m := blk.m
	blk.mu.Lock()
	defer blk.mu.Unlock()

	if !blk.isQueued {
		return unix.EPERM
	}

	bit := uint64(1) << blk.idx
	deadline := m.buf.b.deadline()
	for {
		m.mu.Lock()
		pending := m.enqueued&bit != 0
		m.mu.Unlock()
		if !pending {
			break
		}

		m.buf.fdMu.RLock()
		err := m.ops.ready(m.buf.fd, m.buf.cancel, unix.POLLIN|unix.POLLOUT, deadline, nonblock)
		m.buf.fdMu.RUnlock()
		if err == unix.EBUSY {
			return unix.EAGAIN
		}
		if err != nil {
			return err
		}

		var b uapi.Block
		if err := m.ioctl(uapi.BLOCK_DEQUEUE_IOCTL, unsafe.Pointer(&b)); err != nil {
			return err
		}

		m.mu.Lock()
		m.enqueued &^= 1 << b.ID
		m.mu.Unlock()
		if uint(b.ID) == blk.idx {
			blk.block.BytesUsed = b.BytesUsed
			break
		}
	}

	blk.isQueued = false
	return nil
}

// BytesUsed implements the BytesUsedBlock interface
func (blk *mmapBlock) BytesUsed() int {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	return int(blk.block.BytesUsed)
}

// Close implements the Block interface. Closing the last block frees the
// kernel blocks.
func (blk *mmapBlock) Close() error {
	m := blk.m
	err := m.ops.munmap(blk.data)

	m.mu.Lock()
	m.allocated &^= 1 << blk.idx
	if m.allocated == 0 {
		m.free()
	}
	m.mu.Unlock()
	return err
}

// Compile-time interface checks
var (
	_ interfaces.Block          = (*mmapBlock)(nil)
	_ interfaces.BytesUsedBlock = (*mmapBlock)(nil)
)
