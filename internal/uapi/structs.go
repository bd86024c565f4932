package uapi

import "unsafe"

// IIODmabuf is passed to IIO_DMABUF_ENQUEUE_IOCTL.
//
//	struct iio_dmabuf {
//	  __u32 fd;
//	  __u32 flags;       // IIO_DMABUF_FLAG_*
//	  __u64 bytes_used;
//	};
type IIODmabuf struct {
	FD        int32
	Flags     uint32
	BytesUsed uint64
}

const IIODmabufSize = 16

var _ [IIODmabufSize]byte = [unsafe.Sizeof(IIODmabuf{})]byte{}

// DmaBufSync brackets CPU access to a dmabuf.
type DmaBufSync struct {
	Flags uint64 // DMA_BUF_SYNC_*
}

const DmaBufSyncSize = 8

var _ [DmaBufSyncSize]byte = [unsafe.Sizeof(DmaBufSync{})]byte{}

// DmaHeapAlloc is the DMA_HEAP_IOCTL_ALLOC request. The kernel fills FD.
type DmaHeapAlloc struct {
	Len       uint64
	FD        uint32
	FDFlags   uint32
	HeapFlags uint64
}

const DmaHeapAllocSize = 24

var _ [DmaHeapAllocSize]byte = [unsafe.Sizeof(DmaHeapAlloc{})]byte{}

// BlockAllocReq allocates Count blocks of Size bytes on the legacy
// MMAP interface. Count 0 frees all blocks.
type BlockAllocReq struct {
	Type  uint32
	Size  uint32
	Count uint32
	ID    uint32
}

const BlockAllocReqSize = 16

var _ [BlockAllocReqSize]byte = [unsafe.Sizeof(BlockAllocReq{})]byte{}

// Block describes one legacy MMAP block.
//
//	struct block {
//	  __u32 id, size, bytes_used, type, flags, offset;
//	  __u64 timestamp;
//	};
type Block struct {
	ID        uint32
	Size      uint32
	BytesUsed uint32
	Type      uint32
	Flags     uint32 // BLOCK_FLAG_*
	Offset    uint32 // mmap offset
	Timestamp uint64
}

const BlockSize = 32

var _ [BlockSize]byte = [unsafe.Sizeof(Block{})]byte{}

// Event is one record read from an IIO event fd.
type Event struct {
	ID        uint64
	Timestamp int64
}

var _ [EventSize]byte = [unsafe.Sizeof(Event{})]byte{}
