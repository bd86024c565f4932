package local

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/uapi"
	"github.com/ehrlich-b/go-iio/internal/wait"
)

// HeapEnv selects the DMA heap blocks are allocated from, either for all
// devices ("heap") or for the listed device names ("heap:dev1,dev2").
const HeapEnv = "LIBIIO_DMA_HEAP_PATH"

const (
	defaultHeap = "system"
	maxHeapName = 64
	maxHeapEnv  = 256
)

// heapName returns the DMA heap to use for the device called devName.
func heapName(devName string) string {
	env := os.Getenv(HeapEnv)
	if devName == "" || env == "" || len(env) >= maxHeapEnv {
		return defaultHeap
	}

	heap, list, scoped := strings.Cut(env, ":")
	if heap == "" || len(heap) > maxHeapName {
		return defaultHeap
	}
	if !scoped {
		return heap
	}
	for _, name := range strings.Split(list, ",") {
		if strings.Trim(name, " ") == devName {
			return heap
		}
	}
	return defaultHeap
}

// dmabufBlock is a block allocated from a DMA heap and attached to the
// buffer.
type dmabufBlock struct {
	buf  *Buffer
	fd   int
	data []byte

	mu          sync.Mutex
	dequeued    bool
	noCPUAccess bool
	bytesUsed   int
}

func syncCPUAccess(fd int, start bool) error {
	s := uapi.DmaBufSync{Flags: uapi.DMA_BUF_SYNC_RW | uapi.DMA_BUF_SYNC_END}
	if start {
		s.Flags = uapi.DMA_BUF_SYNC_RW | uapi.DMA_BUF_SYNC_START
	}
	return uapi.Ioctl(fd, uapi.DMA_BUF_IOCTL_SYNC, unsafe.Pointer(&s))
}

// createDMABUFBlock fails with ENOSYS when either the heap or the
// attach ioctl is missing.
func (buf *Buffer) createDMABUFBlock(size int) (*dmabufBlock, error) {
	heap, err := unix.Open(filepath.Join(buf.b.opts.HeapDir, heapName(buf.dev.name)), unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
	if err == unix.ENOENT {
		return nil, unix.ENOSYS
	}
	if err != nil {
		return nil, err
	}
	defer unix.Close(heap)

	req := uapi.DmaHeapAlloc{Len: uint64(size), FDFlags: unix.O_CLOEXEC | unix.O_RDWR}
	if err := uapi.Ioctl(heap, uapi.DMA_HEAP_IOCTL_ALLOC, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	fd := int(req.FD)

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	fail := func(err error) (*dmabufBlock, error) {
		unix.Munmap(data)
		unix.Close(fd)
		return nil, err
	}

	// New blocks start dequeued, owned by the CPU
	if err := syncCPUAccess(fd, true); err != nil {
		return fail(err)
	}

	buf.fdMu.RLock()
	_, err = uapi.IoctlInt(buf.fd, uapi.IIO_DMABUF_ATTACH_IOCTL, int32(fd))
	buf.fdMu.RUnlock()
	switch err {
	case nil:
	case unix.ENODEV, unix.EPERM, unix.ENOTTY:
		return fail(unix.ENOSYS)
	default:
		return fail(err)
	}

	return &dmabufBlock{buf: buf, fd: fd, data: data, dequeued: true}, nil
}

// Enqueue implements the Block interface
func (blk *dmabufBlock) Enqueue(bytesUsed int, cyclic bool) error {
	blk.mu.Lock()
	defer blk.mu.Unlock()

	if !blk.dequeued {
		return unix.EPERM
	}
	if bytesUsed <= 0 || bytesUsed > len(blk.data) {
		return unix.EINVAL
	}

	if !blk.noCPUAccess {
		if err := syncCPUAccess(blk.fd, false); err != nil {
			return err
		}
	}

	req := uapi.IIODmabuf{FD: int32(blk.fd), BytesUsed: uint64(bytesUsed)}
	if cyclic {
		req.Flags |= uapi.IIO_DMABUF_FLAG_CYCLIC
	}

	blk.buf.fdMu.RLock()
	err := uapi.Ioctl(blk.buf.fd, uapi.IIO_DMABUF_ENQUEUE_IOCTL, unsafe.Pointer(&req))
	blk.buf.fdMu.RUnlock()
	if err != nil {
		blk.buf.log.Error("unable to enqueue DMABUF", "error", err)
		return err
	}

	blk.dequeued = false
	blk.bytesUsed = bytesUsed
	return nil
}

// Dequeue implements the Block interface. The dmabuf fd turns writable
// once the hardware is done with it.
func (blk *dmabufBlock) Dequeue(nonblock bool) error {
	blk.mu.Lock()
	defer blk.mu.Unlock()

	if blk.dequeued {
		return unix.EPERM
	}

	err := wait.CheckReady(blk.fd, blk.buf.cancel, unix.POLLOUT, blk.buf.b.deadline(), nonblock)
	if err == unix.EBUSY {
		return unix.EAGAIN
	}
	if err != nil {
		return err
	}

	if !blk.noCPUAccess {
		if err := syncCPUAccess(blk.fd, true); err != nil {
			return err
		}
	}
	blk.dequeued = true
	return nil
}

// Close implements the Block interface
func (blk *dmabufBlock) Close() error {
	blk.buf.fdMu.RLock()
	if blk.buf.fd >= 0 {
		if _, err := uapi.IoctlInt(blk.buf.fd, uapi.IIO_DMABUF_DETACH_IOCTL, int32(blk.fd)); err != nil {
			blk.buf.log.Warn("unable to detach DMABUF", "error", err)
		}
	}
	blk.buf.fdMu.RUnlock()

	err := unix.Munmap(blk.data)
	if cerr := unix.Close(blk.fd); err == nil {
		err = cerr
	}
	return err
}

// BytesUsed implements the BytesUsedBlock interface
func (blk *dmabufBlock) BytesUsed() int {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	return blk.bytesUsed
}

// DMABUFFD implements the DMABUFBlock interface
func (blk *dmabufBlock) DMABUFFD() int { return blk.fd }

// DisableCPUAccess implements the DMABUFBlock interface. Syncing is left
// to the caller while disabled, e.g. when the block is shared with
// another device.
func (blk *dmabufBlock) DisableCPUAccess(disable bool) error {
	blk.mu.Lock()
	defer blk.mu.Unlock()

	if blk.dequeued {
		if err := syncCPUAccess(blk.fd, !disable); err != nil {
			return err
		}
	}
	blk.noCPUAccess = disable
	return nil
}

// Compile-time interface checks
var (
	_ interfaces.Block          = (*dmabufBlock)(nil)
	_ interfaces.BytesUsedBlock = (*dmabufBlock)(nil)
	_ interfaces.DMABUFBlock    = (*dmabufBlock)(nil)
)
