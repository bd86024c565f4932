package constants

import "time"

// Default configuration constants
const (
	// IIODPort is the default TCP port of the IIO daemon
	IIODPort = 30431

	// MaxAttrSize is the largest attribute value read in one go
	MaxAttrSize = 0x10000

	// MaxXMLSize bounds the size of a context description received from a daemon
	MaxXMLSize = 0x100000

	// MaxMMAPBlocks is the number of blocks the legacy MMAP interface can track
	MaxMMAPBlocks = 64

	// DefaultDMAHeap is the DMA heap used for DMABUF blocks
	DefaultDMAHeap = "system"

	// EventStreamFirstID is the first IIOD client id handed to event streams;
	// later streams count down from it
	EventStreamFirstID = 0xffff
)

// Timeouts
const (
	// NetworkTimeout is the default I/O timeout of ip: contexts
	NetworkTimeout = 5 * time.Second

	// SerialTimeout is the default I/O timeout of serial: contexts
	SerialTimeout = time.Second

	// USBTimeout is the default I/O timeout of usb: contexts
	USBTimeout = 5 * time.Second

	// LocalTimeout is the default dequeue timeout of local: contexts
	LocalTimeout = time.Second

	// ConnectTimeout bounds TCP connection establishment
	ConnectTimeout = 5 * time.Second
)

// Environment variables
const (
	// EnvRemote holds the URI used when none is given
	EnvRemote = "IIOD_REMOTE"

	// EnvDMAHeap selects the DMA heap: "heap" or "heap:dev1,dev2"
	EnvDMAHeap = "LIBIIO_DMA_HEAP_PATH"
)

// Library version reported when a backend has none
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionTag   = "go-iio"
)
