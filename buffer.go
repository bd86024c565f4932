package iio

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
	"github.com/ehrlich-b/go-iio/internal/task"
)

// Buffer streams samples of a set of channels to or from one hardware
// buffer of a device.
type Buffer struct {
	dev        *Device
	idx        int
	mask       *ChannelsMask
	sampleSize int
	tx         bool

	impl   interfaces.Buffer
	worker *task.Task
	attrs  AttrList

	log      *logging.Logger
	observer Observer

	mu         sync.Mutex
	blocks     []*Block
	blockSize  int
	nbEnqueued int
	cyclic     bool // a cyclic block was enqueued; cleared by Disable and Cancel
	lastCyclic bool
	enabled    bool
	cancelled  bool
	destroyed  bool
}

// CreateBuffer opens hardware buffer idx of the device for the channels
// enabled in mask. The mask is copied; later changes to it do not affect
// the buffer.
func (d *Device) CreateBuffer(idx int, mask *ChannelsMask) (*Buffer, error) {
	bb, ok := d.ctx.backend.(interfaces.BufferBackend)
	if !ok {
		return nil, deviceError("CREATE_BUFFER", d, unix.ENOSYS)
	}
	if idx < 0 || mask == nil || mask.Len() != len(d.channels) {
		return nil, deviceError("CREATE_BUFFER", d, unix.EINVAL)
	}

	m := mask.Copy()
	size := sampleSize(d.channels, m)
	if size == 0 {
		return nil, deviceError("CREATE_BUFFER", d, unix.EINVAL)
	}

	buf := &Buffer{
		dev:        d,
		idx:        idx,
		mask:       m,
		sampleSize: size,
		tx:         d.IsTX(),
		log:        d.ctx.log.WithDevice(d.id).WithBuffer(idx),
		observer:   d.ctx.observer,
	}
	buf.worker = task.New(buf.transfer)

	params := interfaces.BufferParams{
		Dev:        d.number,
		DevID:      d.id,
		Idx:        idx,
		Mask:       m.Words(),
		SampleSize: size,
		TX:         buf.tx,
	}
	impl, err := bb.CreateBuffer(params)
	if err != nil {
		buf.worker.Destroy()
		return nil, deviceError("CREATE_BUFFER", d, err)
	}
	buf.impl = impl

	// The backend may have adjusted the mask to what the hardware accepted
	m.setWords(params.Mask)
	if s := sampleSize(d.channels, m); s != 0 {
		buf.sampleSize = s
	}

	for i, name := range d.bufferAttrs {
		buf.attrs = append(buf.attrs, &Attr{
			backend: d.ctx.backend,
			ref: interfaces.AttrRef{
				Type: interfaces.AttrBuffer, Name: name,
				Dev: d.number, DevID: d.id, Buf: idx, Index: i,
			},
		})
	}

	buf.log.Debug("buffer created", "sample_size", buf.sampleSize, "tx", buf.tx)
	return buf, nil
}

// transfer is the enqueue worker function: it moves one emulated block
// through the backend's stream I/O.
func (buf *Buffer) transfer(elem any) (int, error) {
	b := elem.(*Block)
	sio, ok := buf.impl.(interfaces.StreamIO)
	if !ok {
		return 0, unix.ENOSYS
	}

	// bytesUsed is written before the block is queued and not touched
	// again until its token completes.
	total := b.bytesUsed
	done := 0
	for done < total {
		var n int
		var err error
		if buf.tx {
			n, err = sio.WriteBuf(b.data[done:total])
		} else {
			n, err = sio.ReadBuf(b.data[done:total])
		}
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, unix.EIO
		}
		done += n
	}
	return done, nil
}

// Device returns the device the buffer streams from or to.
func (buf *Buffer) Device() *Device { return buf.dev }

// Index returns the hardware buffer index.
func (buf *Buffer) Index() int { return buf.idx }

// Mask returns a copy of the buffer's channels mask.
func (buf *Buffer) Mask() *ChannelsMask { return buf.mask.Copy() }

// SampleSize returns the size in bytes of one sample across all enabled
// channels.
func (buf *Buffer) SampleSize() int { return buf.sampleSize }

// Attrs returns the attributes of this buffer.
func (buf *Buffer) Attrs() AttrList { return buf.attrs }

// FindAttr returns the named buffer attribute, nil if none.
func (buf *Buffer) FindAttr(name string) *Attr { return buf.attrs.Find(name) }

// Blocks returns the live blocks of the buffer.
func (buf *Buffer) Blocks() []*Block {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return append([]*Block(nil), buf.blocks...)
}

// Enabled reports whether streaming is enabled.
func (buf *Buffer) Enabled() bool {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.enabled
}

// Cancelled reports whether Cancel was called.
func (buf *Buffer) Cancelled() bool {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.cancelled
}

func (buf *Buffer) setEnabled(enable bool) error {
	buf.mu.Lock()
	if buf.cancelled {
		buf.mu.Unlock()
		return unix.EBADF
	}
	nbSamples, cyclic := 0, false
	if buf.blockSize != 0 {
		nbSamples = buf.blockSize / buf.sampleSize
		cyclic = buf.lastCyclic
	}
	buf.mu.Unlock()

	err := buf.impl.Enable(nbSamples, enable, cyclic)
	if err != nil && err != unix.ENOSYS {
		return err
	}
	return nil
}

// Enable starts streaming. At least one block must have been created.
// Blocks enqueued before Enable are transferred once it returns.
func (buf *Buffer) Enable() error {
	buf.mu.Lock()
	nb := len(buf.blocks)
	buf.mu.Unlock()
	if nb == 0 {
		return bufferError("ENABLE_BUFFER", buf, unix.EINVAL)
	}

	if err := buf.setEnabled(true); err != nil {
		return bufferError("ENABLE_BUFFER", buf, err)
	}

	buf.mu.Lock()
	buf.enabled = true
	buf.mu.Unlock()

	buf.worker.Start()
	buf.log.Debug("buffer enabled")
	return nil
}

// Disable stops streaming and pauses the enqueue worker.
func (buf *Buffer) Disable() error {
	if err := buf.setEnabled(false); err != nil {
		return bufferError("DISABLE_BUFFER", buf, err)
	}

	buf.worker.Stop()

	buf.mu.Lock()
	buf.enabled = false
	buf.cyclic = false
	buf.mu.Unlock()

	buf.log.Debug("buffer disabled")
	return nil
}

// Cancel aborts every pending transfer of the buffer. Blocks that were
// enqueued observe EINTR on Dequeue; every later Enqueue fails with
// EBADF. Cancel is idempotent and may be called from any goroutine.
func (buf *Buffer) Cancel() {
	buf.mu.Lock()
	if buf.cancelled {
		buf.mu.Unlock()
		return
	}
	buf.cancelled = true
	buf.enabled = false
	buf.cyclic = false
	for _, b := range buf.blocks {
		if b.state == BlockEnqueued {
			b.inflight = true
		}
		b.state = BlockCancelled
	}
	buf.nbEnqueued = 0
	buf.mu.Unlock()

	buf.worker.Pause()
	buf.impl.Cancel()
	buf.worker.Stop()
	buf.worker.Flush()

	buf.observer.ObserveCancel()
	buf.log.Debug("buffer cancelled")
}

// Destroy cancels the buffer and releases it. Blocks still alive are
// destroyed too, though callers are expected to destroy them first.
func (buf *Buffer) Destroy() {
	buf.Cancel()

	buf.mu.Lock()
	if buf.destroyed {
		buf.mu.Unlock()
		return
	}
	buf.destroyed = true
	blocks := append([]*Block(nil), buf.blocks...)
	buf.mu.Unlock()

	if len(blocks) != 0 {
		buf.log.Debug("destroying buffer with live blocks", "blocks", len(blocks))
	}
	for _, b := range blocks {
		b.Destroy()
	}

	if err := buf.impl.Close(); err != nil {
		buf.log.Debug("buffer close failed", "error", err)
	}
	buf.worker.Destroy()
}

func (buf *Buffer) observeDequeue(bytes int, start time.Time, success bool) {
	var latency uint64
	if !start.IsZero() {
		latency = uint64(time.Since(start).Nanoseconds())
	}
	buf.observer.ObserveDequeue(uint64(bytes), latency, buf.tx, success)
}

// Refill enqueues the block and waits for it to come back, the one-shot
// form of an Enqueue/Dequeue pair. The buffer is enabled on first use.
func (buf *Buffer) Refill(b *Block) error {
	if err := b.Enqueue(0, false); err != nil {
		return err
	}
	if !buf.Enabled() {
		if err := buf.Enable(); err != nil {
			return err
		}
	}
	return b.Dequeue(false)
}
