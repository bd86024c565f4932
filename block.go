package iio

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/pool"
	"github.com/ehrlich-b/go-iio/internal/task"
)

// BlockState is the ownership state of a block.
type BlockState int

const (
	// BlockDequeued means the user owns the memory.
	BlockDequeued BlockState = iota
	// BlockEnqueued means the backend owns the memory.
	BlockEnqueued
	// BlockCancelled is terminal; the buffer was cancelled.
	BlockCancelled
)

func (s BlockState) String() string {
	switch s {
	case BlockDequeued:
		return "dequeued"
	case BlockEnqueued:
		return "enqueued"
	case BlockCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Block is one memory region of a buffer, the unit of I/O.
//
// Blocks are backed either by backend memory (DMABUF or MMAP on the local
// backend, remote objects over the binary IIOD dialect) or by heap memory
// moved through the buffer's enqueue worker.
type Block struct {
	buf  *Buffer
	data []byte
	size int

	impl   interfaces.Block // nil for emulated blocks
	dmabuf interfaces.DMABUFBlock

	// guarded by buf.mu
	state      BlockState
	bytesUsed  int
	cyclic     bool
	inflight   bool // enqueued when the buffer was cancelled
	token      *task.Token
	enqueuedAt time.Time
	destroyed  bool
}

// CreateBlock allocates a block of size bytes. Backend memory is used when
// the backend provides it; otherwise the block is emulated on heap memory.
func (buf *Buffer) CreateBlock(size int) (*Block, error) {
	if size < buf.sampleSize {
		return nil, bufferError("CREATE_BLOCK", buf, unix.EINVAL)
	}

	b := &Block{buf: buf, size: size}

	if bc, ok := buf.impl.(interfaces.BlockCreator); ok {
		impl, data, err := bc.CreateBlock(size)
		switch {
		case err == nil:
			b.impl = impl
			b.data = data[:size]
			b.dmabuf, _ = impl.(interfaces.DMABUFBlock)
		case err != unix.ENOSYS:
			return nil, bufferError("CREATE_BLOCK", buf, err)
		}
	}

	if b.impl == nil {
		b.data = pool.Get(size)
	}

	buf.mu.Lock()
	if buf.cancelled {
		buf.mu.Unlock()
		b.release()
		return nil, bufferError("CREATE_BLOCK", buf, unix.EBADF)
	}
	buf.blocks = append(buf.blocks, b)
	if size > buf.blockSize {
		buf.blockSize = size
	}
	buf.mu.Unlock()

	return b, nil
}

func (b *Block) release() {
	if b.impl != nil {
		_ = b.impl.Close()
		return
	}
	pool.Put(b.data)
}

// Buffer returns the buffer the block belongs to.
func (b *Block) Buffer() *Buffer { return b.buf }

// Size returns the block size in bytes.
func (b *Block) Size() int { return b.size }

// Data returns the block memory. It may only be accessed while the block
// is dequeued.
func (b *Block) Data() []byte { return b.data }

// State returns the current block state.
func (b *Block) State() BlockState {
	b.buf.mu.Lock()
	defer b.buf.mu.Unlock()
	return b.state
}

// BytesUsed returns the byte count of the last transfer.
func (b *Block) BytesUsed() int {
	b.buf.mu.Lock()
	defer b.buf.mu.Unlock()
	return b.bytesUsed
}

// Enqueue hands the block to the backend. bytesUsed is the number of
// bytes to transfer, 0 for the whole block. A cyclic block is replayed
// until the buffer is disabled or cancelled; no other block may be
// enqueued while it is.
func (b *Block) Enqueue(bytesUsed int, cyclic bool) error {
	buf := b.buf
	if bytesUsed < 0 || bytesUsed > b.size {
		return bufferError("ENQUEUE_BLOCK", buf, unix.EINVAL)
	}
	if bytesUsed == 0 {
		bytesUsed = b.size
	}

	buf.mu.Lock()
	var err error
	switch {
	case b.destroyed, buf.cancelled, b.state == BlockCancelled:
		err = unix.EBADF
	case b.state == BlockEnqueued:
		err = unix.EPERM
	case buf.cyclic, cyclic && buf.nbEnqueued > 0:
		err = unix.EBUSY
	}
	if err != nil {
		buf.mu.Unlock()
		buf.observer.ObserveEnqueue(false)
		return bufferError("ENQUEUE_BLOCK", buf, err)
	}

	b.state = BlockEnqueued
	b.bytesUsed = bytesUsed
	b.cyclic = cyclic
	b.enqueuedAt = time.Now()
	buf.nbEnqueued++
	buf.cyclic = cyclic
	buf.lastCyclic = cyclic
	depth := buf.nbEnqueued

	if b.impl == nil {
		// The worker never takes buf.mu, so queueing under it keeps
		// Dequeue from seeing an enqueued block without its token.
		b.token, err = buf.worker.Enqueue(b)
		if err != nil {
			b.revert()
		}
		buf.mu.Unlock()
	} else {
		buf.mu.Unlock()
		if err = b.impl.Enqueue(bytesUsed, cyclic); err != nil {
			buf.mu.Lock()
			if b.state == BlockEnqueued {
				b.revert()
			}
			buf.mu.Unlock()
		}
	}

	buf.observer.ObserveEnqueue(err == nil)
	if err != nil {
		return bufferError("ENQUEUE_BLOCK", buf, err)
	}
	buf.observer.ObserveQueueDepth(uint32(depth))
	return nil
}

// revert undoes a reserved enqueue. Called with buf.mu held.
func (b *Block) revert() {
	b.state = BlockDequeued
	b.buf.nbEnqueued--
	if b.cyclic {
		b.buf.cyclic = false
		b.cyclic = false
	}
}

// Dequeue waits for the block's transfer to complete and hands its memory
// back to the caller. With nonblock set, an unfinished transfer fails
// with EBUSY (emulated blocks) or EAGAIN (backend blocks).
func (b *Block) Dequeue(nonblock bool) error {
	buf := b.buf

	buf.mu.Lock()
	if b.destroyed {
		buf.mu.Unlock()
		return bufferError("DEQUEUE_BLOCK", buf, unix.EBADF)
	}

	if b.state == BlockCancelled {
		tok, inflight := b.token, b.inflight
		b.token, b.inflight = nil, false
		buf.mu.Unlock()

		if !inflight {
			return bufferError("DEQUEUE_BLOCK", buf, unix.EBADF)
		}
		if tok != nil {
			_, _ = tok.Sync(0)
		}
		return bufferError("DEQUEUE_BLOCK", buf, unix.EINTR)
	}

	if b.state != BlockEnqueued {
		buf.mu.Unlock()
		return bufferError("DEQUEUE_BLOCK", buf, unix.EPERM)
	}

	if b.impl != nil {
		buf.mu.Unlock()
		return b.dequeueBackend(nonblock)
	}

	tok := b.token
	if tok == nil {
		// Another goroutine is already dequeuing this block
		buf.mu.Unlock()
		return bufferError("DEQUEUE_BLOCK", buf, unix.EPERM)
	}
	if nonblock && !tok.Done() {
		buf.mu.Unlock()
		return bufferError("DEQUEUE_BLOCK", buf, unix.EBUSY)
	}
	b.token = nil
	buf.mu.Unlock()

	n, err := tok.Sync(0)

	buf.mu.Lock()
	if b.state == BlockEnqueued {
		b.state = BlockDequeued
		buf.nbEnqueued--
		if err == nil && !buf.tx {
			b.bytesUsed = n
		}
	} else {
		// Cancelled while waiting
		b.inflight = false
		err = unix.EINTR
	}
	used, start := b.bytesUsed, b.enqueuedAt
	buf.mu.Unlock()

	buf.observeDequeue(used, start, err == nil)
	return bufferError("DEQUEUE_BLOCK", buf, err)
}

func (b *Block) dequeueBackend(nonblock bool) error {
	buf := b.buf

	err := b.impl.Dequeue(nonblock)

	buf.mu.Lock()
	switch {
	case b.state == BlockCancelled:
		b.inflight = false
		err = unix.EINTR
	case err == nil:
		b.state = BlockDequeued
		buf.nbEnqueued--
		if bu, ok := b.impl.(interfaces.BytesUsedBlock); ok {
			b.bytesUsed = bu.BytesUsed()
		}
	}
	used, start := b.bytesUsed, b.enqueuedAt
	buf.mu.Unlock()

	if err == unix.EAGAIN || err == unix.EBUSY {
		return bufferError("DEQUEUE_BLOCK", buf, err)
	}
	buf.observeDequeue(used, start, err == nil)
	return bufferError("DEQUEUE_BLOCK", buf, err)
}

// Destroy releases the block. A pending emulated transfer is cancelled
// first.
func (b *Block) Destroy() {
	buf := b.buf

	buf.mu.Lock()
	if b.destroyed {
		buf.mu.Unlock()
		return
	}
	b.destroyed = true
	tok := b.token
	b.token = nil
	if b.state == BlockEnqueued {
		buf.nbEnqueued--
		if b.cyclic {
			buf.cyclic = false
		}
	}
	for i, other := range buf.blocks {
		if other == b {
			buf.blocks = append(buf.blocks[:i], buf.blocks[i+1:]...)
			break
		}
	}
	buf.mu.Unlock()

	if tok != nil {
		tok.Cancel()
		_, _ = tok.Sync(0)
	}
	b.release()
}

// Start returns the offset of the first sample, always 0.
func (b *Block) Start() int { return 0 }

// End returns the offset one past the block's last byte.
func (b *Block) End() int { return b.size }

// First returns the offset of the channel's first sample in the block,
// or End() if the channel is not enabled in the buffer.
func (b *Block) First(c *Channel) int {
	mask := b.buf.mask
	if !mask.IsEnabled(c.number) {
		return b.End()
	}

	channels := b.buf.dev.channels
	off := 0
	for i, cur := range channels {
		if cur.index < 0 || cur.index == c.index {
			break
		}
		if !mask.IsEnabled(cur.number) {
			continue
		}
		// Channels sharing an index share their samples
		if i > 0 && cur.index == channels[i-1].index {
			continue
		}
		length := int(cur.format.Length/8) * int(cur.format.repeat())
		off = align(off, length) + length
	}
	return align(off, int(c.format.Length/8))
}

func align(off, length int) int {
	if length == 0 || off%length == 0 {
		return off
	}
	return off + length - off%length
}

// ForeachSample calls fn for every sample of the channels enabled in
// mask, walking the block in memory order. fn receives the sample bytes
// of one channel. The sum of fn's returns is returned; the walk stops at
// the first error.
func (b *Block) ForeachSample(mask *ChannelsMask, fn func(c *Channel, sample []byte) (int, error)) (int, error) {
	buf := b.buf
	if buf.sampleSize == 0 {
		return 0, bufferError("FOREACH_SAMPLE", buf, unix.EINVAL)
	}

	channels := buf.dev.channels
	processed := 0
	off := 0
	for b.size-off >= buf.sampleSize {
		for i, c := range channels {
			if c.index < 0 {
				break
			}
			if !buf.mask.IsEnabled(c.number) {
				continue
			}

			length := int(c.format.Length / 8)
			off = align(off, length)

			if mask.IsEnabled(c.number) {
				n, err := fn(c, b.data[off:off+length])
				if err != nil {
					return processed, err
				}
				processed += n
			}

			if i == len(channels)-1 || channels[i+1].index != c.index {
				off += length * int(c.format.repeat())
			}
		}
	}
	return processed, nil
}

// DMABUFFD returns the dmabuf descriptor backing the block, EINVAL if the
// block is not dmabuf-backed.
func (b *Block) DMABUFFD() (int, error) {
	if b.dmabuf == nil {
		return -1, bufferError("GET_DMABUF_FD", b.buf, unix.EINVAL)
	}
	return b.dmabuf.DMABUFFD(), nil
}

// DisableCPUAccess tells the backend the CPU will not touch the block
// memory, so no cache synchronisation is needed on enqueue and dequeue.
func (b *Block) DisableCPUAccess(disable bool) error {
	if b.dmabuf == nil {
		return bufferError("DISABLE_CPU_ACCESS", b.buf, unix.ENOSYS)
	}
	return bufferError("DISABLE_CPU_ACCESS", b.buf, b.dmabuf.DisableCPUAccess(disable))
}
