// Package uapi provides Linux kernel UAPI definitions for IIO buffers
package uapi

// ioctl encoding constants
const (
	_IOC_NONE      = 0
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_SIZEBITS  = 14
	_IOC_DIRBITS   = 2
	_IOC_TYPEBITS  = 8
	_IOC_NRBITS    = 8
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS
)

// IoctlEncode creates an ioctl command number
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

func ior(typ, nr, size uint32) uint32  { return IoctlEncode(_IOC_READ, typ, nr, size) }
func iow(typ, nr, size uint32) uint32  { return IoctlEncode(_IOC_WRITE, typ, nr, size) }
func iowr(typ, nr, size uint32) uint32 { return IoctlEncode(_IOC_READ|_IOC_WRITE, typ, nr, size) }

// Character device ioctls ('i')
var (
	IIO_GET_EVENT_FD_IOCTL  = ior('i', 0x90, 4)
	IIO_BUFFER_GET_FD_IOCTL = iowr('i', 0x91, 4)
)

// DMABUF interface
var (
	IIO_DMABUF_ATTACH_IOCTL  = iow('i', 0x92, 4)
	IIO_DMABUF_DETACH_IOCTL  = iow('i', 0x93, 4)
	IIO_DMABUF_ENQUEUE_IOCTL = iow('i', 0x94, IIODmabufSize)
	DMA_BUF_IOCTL_SYNC       = iow('b', 0, DmaBufSyncSize)
	DMA_HEAP_IOCTL_ALLOC     = iowr('H', 0x0, DmaHeapAllocSize)
)

const (
	IIO_DMABUF_FLAG_CYCLIC = 1 << 0

	DMA_BUF_SYNC_READ  = 1 << 0
	DMA_BUF_SYNC_WRITE = 2 << 0
	DMA_BUF_SYNC_RW    = DMA_BUF_SYNC_READ | DMA_BUF_SYNC_WRITE
	DMA_BUF_SYNC_START = 0 << 2
	DMA_BUF_SYNC_END   = 1 << 2
)

// Legacy block MMAP interface
var (
	BLOCK_ALLOC_IOCTL   = iowr('i', 0xa0, BlockAllocReqSize)
	BLOCK_FREE_IOCTL    = IoctlEncode(_IOC_NONE, 'i', 0xa1, 0)
	BLOCK_QUERY_IOCTL   = iowr('i', 0xa2, BlockSize)
	BLOCK_ENQUEUE_IOCTL = iowr('i', 0xa3, BlockSize)
	BLOCK_DEQUEUE_IOCTL = iowr('i', 0xa4, BlockSize)
)

const (
	BLOCK_FLAG_CYCLIC = 1 << 1

	// MaxMMAPBlocks is the number of blocks the kernel tracks per buffer
	MaxMMAPBlocks = 64
	// MaxMMAPChannels bounds the scan of a buffer using the MMAP interface
	MaxMMAPChannels = 64
)

// Paths
const (
	SysfsDevices = "/sys/bus/iio/devices"
	DevDir       = "/dev"
	DMAHeapDir   = "/dev/dma_heap"
)

// EventSize is the size of one record read from an event fd
const EventSize = 16
