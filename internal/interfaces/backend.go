// Package interfaces defines the contracts between the iio object model
// and the backends that move data to and from devices.
package interfaces

import "time"

// AttrType scopes an attribute.
type AttrType int

const (
	AttrContext AttrType = iota
	AttrDevice
	AttrChannel
	AttrDebug
	AttrBuffer
)

func (t AttrType) String() string {
	switch t {
	case AttrContext:
		return "context"
	case AttrDevice:
		return "device"
	case AttrChannel:
		return "channel"
	case AttrDebug:
		return "debug"
	case AttrBuffer:
		return "buffer"
	}
	return "unknown"
}

// AttrRef identifies one attribute to a backend.
type AttrRef struct {
	Type     AttrType
	Name     string
	Filename string // channel attributes only; falls back to Name

	Dev   int    // device index in the context
	DevID string // device id, e.g. "iio:device0"

	Chan   int    // channel index in the device (AttrChannel)
	ChanID string // channel id, e.g. "voltage0"
	Output bool

	Buf int // hardware buffer index (AttrBuffer)

	// Index of the attribute inside its owner's list (binary IIOD dialect).
	Index int
}

// File returns the name used on the backing store.
func (r AttrRef) File() string {
	if r.Filename != "" {
		return r.Filename
	}
	return r.Name
}

// Backend is implemented by every backend.
type Backend interface {
	// ReadAttr reads the raw text value of an attribute into dst and
	// returns the number of bytes stored.
	ReadAttr(ref AttrRef, dst []byte) (int, error)

	// WriteAttr writes src to an attribute and returns the number of
	// bytes consumed.
	WriteAttr(ref AttrRef, src []byte) (int, error)

	// Close releases the backend. No other method may be called after.
	Close() error
}

// TriggerBackend is an optional interface for trigger handling. Devices
// are given by index in the context; a trigger index of -1 means none.
type TriggerBackend interface {
	Backend

	// Trigger returns the trigger assigned to dev, ENODEV if none.
	Trigger(dev int) (int, error)

	// SetTrigger assigns trig to dev; -1 removes the trigger.
	SetTrigger(dev, trig int) error
}

// VersionBackend reports the version of the remote end.
type VersionBackend interface {
	Backend
	Version() (major, minor uint, tag string, err error)
}

// TimeoutBackend accepts a new I/O timeout. Zero disables the timeout.
type TimeoutBackend interface {
	Backend
	SetTimeout(d time.Duration) error
}

// BufferParams describes a buffer to open.
type BufferParams struct {
	Dev        int
	DevID      string
	Idx        int
	Mask       []uint32 // channel enable bits, updated in place by the backend
	SampleSize int
	TX         bool
}

// BufferBackend opens hardware buffers.
type BufferBackend interface {
	Backend
	CreateBuffer(p BufferParams) (Buffer, error)
}

// Buffer is the backend state of one open buffer.
type Buffer interface {
	// Enable starts or stops streaming. nbSamples is the nominal number of
	// samples per block, 0 if no block size is known yet.
	Enable(nbSamples int, enable, cyclic bool) error

	// Cancel unblocks every pending operation on the buffer. Operations
	// started after Cancel fail with EBADF.
	Cancel()

	// Close releases the buffer.
	Close() error
}

// StreamIO moves data through a buffer without block objects; the core
// then emulates blocks on top of it.
type StreamIO interface {
	ReadBuf(dst []byte) (int, error)
	WriteBuf(src []byte) (int, error)
}

// BlockCreator allocates backend-managed blocks. Returning ENOSYS makes
// the core fall back to emulated blocks.
type BlockCreator interface {
	CreateBlock(size int) (Block, []byte, error)
}

// Block is a backend-managed block.
type Block interface {
	Enqueue(bytesUsed int, cyclic bool) error
	Dequeue(nonblock bool) error
	Close() error
}

// BytesUsedBlock reports how many bytes the last transfer filled.
type BytesUsedBlock interface {
	BytesUsed() int
}

// DMABUFBlock is implemented by blocks backed by a dmabuf.
type DMABUFBlock interface {
	DMABUFFD() int
	DisableCPUAccess(disable bool) error
}

// Event is one raw IIO event.
type Event struct {
	ID        uint64
	Timestamp int64
}

// EventBackend opens per-device event streams.
type EventBackend interface {
	Backend
	OpenEventStream(dev int) (EventStream, error)
}

// EventStream delivers events for one device.
type EventStream interface {
	// Read returns the next event. With nonblock set it fails with EAGAIN
	// when nothing is pending; it fails with EINTR once closed.
	Read(nonblock bool) (Event, error)
	Close() error
}
