// Package loopback implements the "loopback:" backend: an in-memory
// context whose output device feeds its input device. It needs no
// hardware, which makes it useful for examples and tests.
//
// Samples written to the TX device come back verbatim from the RX device.
// A cyclic TX block is replayed for as long as the TX buffer stays
// enabled; other TX blocks are consumed once, in order.
package loopback

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
)

// Device indexes of the loopback context.
const (
	TX = iota
	RX
	Trigger
)

// MaxQueued bounds the non-cyclic TX data waiting for the RX side. Older
// data is dropped when it is exceeded, like an overrun.
const MaxQueued = 4 << 20

func init() {
	iio.RegisterBackend(iio.BackendDescriptor{
		Name:           "loopback",
		Scheme:         "loopback",
		DefaultTimeout: constants.LocalTimeout,
		Create: func(args string, p iio.BackendParams) (iio.Backend, *iio.ContextInfo, error) {
			if args != "" {
				return nil, nil, unix.EINVAL
			}
			b := New(p.Timeout, p.Logger)
			return b, b.Info(), nil
		},
	})
}

// Info describes the loopback context: a two-channel DAC, a two-channel
// ADC reading it back and a trigger.
func Info() *interfaces.ContextInfo {
	chans := func(output bool) []interfaces.ChannelInfo {
		dir := "in"
		if output {
			dir = "out"
		}
		var cs []interfaces.ChannelInfo
		for i := 0; i < 2; i++ {
			id := fmt.Sprintf("voltage%d", i)
			cs = append(cs, interfaces.ChannelInfo{
				ID: id, Output: output, ScanElement: true, Index: int64(i),
				Format: "le:s12/16>>4",
				Attrs: []interfaces.ChannelAttr{
					{Name: "raw", Filename: fmt.Sprintf("%s_%s_raw", dir, id)},
					{Name: "scale", Filename: dir + "_voltage_scale"},
				},
			})
		}
		return cs
	}

	return &interfaces.ContextInfo{
		Name:        "loopback",
		Description: "in-memory TX to RX loopback",
		Attrs:       []interfaces.ContextAttr{{Name: "hw_model", Value: "loopback"}},
		Devices: []interfaces.DeviceInfo{
			{
				ID: "iio:device0", Name: "loopback-tx",
				Attrs:       []string{"sampling_frequency"},
				BufferAttrs: []string{"length"},
				Channels:    chans(true),
			},
			{
				ID: "iio:device1", Name: "loopback-rx",
				Attrs:       []string{"sampling_frequency"},
				DebugAttrs:  []string{"direct_reg_access"},
				BufferAttrs: []string{"length", "watermark"},
				Channels:    chans(false),
			},
			{
				ID: "trigger0", Name: "loopback-trigger",
				Attrs: []string{"sampling_frequency"},
			},
		},
	}
}

// Backend is an in-memory loopback context.
type Backend struct {
	info *interfaces.ContextInfo
	log  *logging.Logger

	mu       sync.RWMutex
	attrs    map[string]string
	triggers map[int]int
	closed   bool

	// lmu guards the loop, the buffers and the blocks; cond is signalled on
	// every change to them.
	lmu       sync.Mutex
	cond      *sync.Cond
	timeout   time.Duration
	pattern   []byte
	pos       int
	fifo      *queue.Queue // of []byte
	head      int          // bytes of the first fifo chunk already read
	queued    int
	looped    uint64
	dropped   uint64
	txEnabled int

	emu     sync.Mutex
	ecnd    *sync.Cond
	streams map[int][]*EventStream
}

// New creates a loopback backend.
func New(timeout time.Duration, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Default()
	}
	b := &Backend{
		info:     Info(),
		log:      log,
		attrs:    make(map[string]string),
		triggers: make(map[int]int),
		timeout:  timeout,
		fifo:     queue.New(),
		streams:  make(map[int][]*EventStream),
	}
	b.cond = sync.NewCond(&b.lmu)
	b.ecnd = sync.NewCond(&b.emu)

	for i, d := range b.info.Devices {
		for _, a := range d.Attrs {
			b.attrs[key(interfaces.AttrRef{Type: interfaces.AttrDevice, Dev: i, Name: a})] = "1000000"
		}
		for _, a := range d.DebugAttrs {
			b.attrs[key(interfaces.AttrRef{Type: interfaces.AttrDebug, Dev: i, Name: a})] = "0"
		}
		for _, a := range d.BufferAttrs {
			b.attrs[key(interfaces.AttrRef{Type: interfaces.AttrBuffer, Dev: i, Name: a})] = "4"
		}
		for n, c := range d.Channels {
			for _, a := range c.Attrs {
				ref := interfaces.AttrRef{Type: interfaces.AttrChannel, Dev: i, Chan: n, Output: c.Output, Name: a.Name, Filename: a.Filename}
				v := "0"
				if a.Name == "scale" {
					v = "0.500000"
				}
				b.attrs[key(ref)] = v
			}
		}
	}
	return b
}

// Info returns the context description.
func (b *Backend) Info() *interfaces.ContextInfo { return b.info }

func key(ref interfaces.AttrRef) string {
	return fmt.Sprintf("%s/%d/%d/%t/%d/%s", ref.Type, ref.Dev, ref.Chan, ref.Output, ref.Buf, ref.File())
}

// ReadAttr implements the Backend interface
func (b *Backend) ReadAttr(ref interfaces.AttrRef, dst []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, unix.EBADF
	}
	if ref.Type == interfaces.AttrBuffer {
		ref.Buf = 0
	}
	v, ok := b.attrs[key(ref)]
	if !ok {
		return 0, unix.ENOENT
	}
	if len(dst) < len(v) {
		return 0, unix.EFBIG
	}
	return copy(dst, v), nil
}

// WriteAttr implements the Backend interface. Only attributes of the
// context description exist.
func (b *Backend) WriteAttr(ref interfaces.AttrRef, src []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, unix.EBADF
	}
	if ref.Type == interfaces.AttrBuffer {
		ref.Buf = 0
	}
	k := key(ref)
	if _, ok := b.attrs[k]; !ok {
		return 0, unix.ENOENT
	}
	b.attrs[k] = string(src)
	return len(src), nil
}

// Trigger implements the TriggerBackend interface
func (b *Backend) Trigger(dev int) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	trig, ok := b.triggers[dev]
	if !ok {
		return -1, unix.ENODEV
	}
	return trig, nil
}

// SetTrigger implements the TriggerBackend interface
func (b *Backend) SetTrigger(dev, trig int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case trig < 0:
		delete(b.triggers, dev)
	case trig != Trigger:
		return unix.EINVAL
	default:
		b.triggers[dev] = trig
	}
	return nil
}

// SetTimeout implements the TimeoutBackend interface
func (b *Backend) SetTimeout(d time.Duration) error {
	b.lmu.Lock()
	b.timeout = d
	b.lmu.Unlock()
	return nil
}

// Close implements the Backend interface
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.lmu.Lock()
	b.pattern = nil
	b.fifo = queue.New()
	b.queued, b.head = 0, 0
	b.cond.Broadcast()
	b.lmu.Unlock()

	b.emu.Lock()
	for _, ss := range b.streams {
		for _, s := range ss {
			s.closed = true
		}
	}
	b.streams = make(map[int][]*EventStream)
	b.ecnd.Broadcast()
	b.emu.Unlock()
	return nil
}

// Stats reports how much data went through the loop.
func (b *Backend) Stats() map[string]interface{} {
	b.lmu.Lock()
	defer b.lmu.Unlock()

	return map[string]interface{}{
		"type":    "loopback",
		"looped":  b.looped,
		"dropped": b.dropped,
		"queued":  b.queued,
		"cyclic":  len(b.pattern),
		"tx_on":   b.txEnabled,
	}
}

// push makes data available to the RX side. Called with lmu held.
func (b *Backend) push(data []byte, cyclic bool) {
	if cyclic {
		b.pattern = data
		b.pos = 0
	} else {
		b.fifo.Add(data)
		b.queued += len(data)
		for b.queued > MaxQueued {
			first := b.fifo.Remove().([]byte)
			n := len(first) - b.head
			b.queued -= n
			b.dropped += uint64(n)
			b.head = 0
			b.log.Debug("loopback overrun", "dropped", n)
		}
	}
	b.cond.Broadcast()
}

// available reports whether n bytes can be read back. Called with lmu
// held.
func (b *Backend) available(n int) bool {
	return b.queued >= n || (b.queued == 0 && len(b.pattern) != 0)
}

// pull fills dst with looped data. available(len(dst)) must hold. Called
// with lmu held.
func (b *Backend) pull(dst []byte) {
	done := 0
	if b.queued != 0 {
		for done < len(dst) {
			chunk := b.fifo.Peek().([]byte)
			n := copy(dst[done:], chunk[b.head:])
			done += n
			b.head += n
			b.queued -= n
			if b.head == len(chunk) {
				b.fifo.Remove()
				b.head = 0
			}
		}
	} else {
		for done < len(dst) {
			n := copy(dst[done:], b.pattern[b.pos:])
			done += n
			b.pos = (b.pos + n) % len(b.pattern)
		}
	}
	b.looped += uint64(done)
}

// wait blocks until ready holds, the buffer is cancelled or the timeout
// expires. Called with lmu held.
func (b *Backend) wait(buf *Buffer, nonblock bool, ready func() bool) error {
	var timer *time.Timer
	expired := false
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		switch {
		case buf.cancelled:
			return unix.EINTR
		case buf.closed:
			return unix.EBADF
		case ready():
			return nil
		case nonblock:
			return unix.EAGAIN
		case expired:
			return unix.ETIMEDOUT
		}

		if timer == nil && b.timeout > 0 {
			timer = time.AfterFunc(b.timeout, func() {
				b.lmu.Lock()
				expired = true
				b.cond.Broadcast()
				b.lmu.Unlock()
			})
		}
		b.cond.Wait()
	}
}

// CreateBuffer implements the BufferBackend interface. Every device has a
// single hardware buffer; several buffers opened on the RX device share
// the looped data between them.
func (b *Backend) CreateBuffer(p interfaces.BufferParams) (interfaces.Buffer, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	switch {
	case closed:
		return nil, unix.EBADF
	case p.Idx != 0, p.Dev != TX && p.Dev != RX:
		return nil, unix.EINVAL
	case p.TX != (p.Dev == TX):
		return nil, unix.EINVAL
	}
	return &Buffer{b: b, tx: p.TX, sampleSize: p.SampleSize}, nil
}

// OpenEventStream implements the EventBackend interface
func (b *Backend) OpenEventStream(dev int) (interfaces.EventStream, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, unix.EBADF
	}
	if dev < 0 || dev >= len(b.info.Devices) {
		return nil, unix.ENODEV
	}

	s := &EventStream{b: b, dev: dev, q: queue.New()}
	b.emu.Lock()
	b.streams[dev] = append(b.streams[dev], s)
	b.emu.Unlock()
	return s, nil
}

// PushEvent delivers an event to every open event stream of dev.
func (b *Backend) PushEvent(dev int, ev interfaces.Event) {
	b.emu.Lock()
	defer b.emu.Unlock()

	for _, s := range b.streams[dev] {
		s.q.Add(ev)
	}
	b.ecnd.Broadcast()
}

// Buffer is a loopback buffer.
type Buffer struct {
	b          *Backend
	tx         bool
	sampleSize int

	// guarded by b.lmu
	enabled   bool
	cyclic    bool
	cancelled bool
	closed    bool
	pending   []*Block
}

// Enable implements the Buffer interface. Enabling the TX buffer releases
// the blocks enqueued before; disabling it stops a cyclic replay.
func (buf *Buffer) Enable(nbSamples int, enable, cyclic bool) error {
	b := buf.b
	b.lmu.Lock()
	defer b.lmu.Unlock()

	switch {
	case buf.cancelled, buf.closed:
		return unix.EBADF
	case buf.enabled == enable:
		return nil
	}
	buf.enabled = enable

	if !buf.tx {
		b.cond.Broadcast()
		return nil
	}

	if enable {
		b.txEnabled++
		for _, blk := range buf.pending {
			blk.submit()
		}
		buf.pending = nil
	} else {
		b.txEnabled--
		buf.stop()
	}
	b.cond.Broadcast()
	return nil
}

// stop ends a cyclic replay started by this buffer. Called with lmu held.
func (buf *Buffer) stop() {
	if buf.cyclic {
		buf.b.pattern = nil
		buf.cyclic = false
	}
}

// Cancel implements the Buffer interface
func (buf *Buffer) Cancel() {
	b := buf.b
	b.lmu.Lock()
	defer b.lmu.Unlock()

	if buf.cancelled {
		return
	}
	buf.cancelled = true
	if buf.tx {
		buf.stop()
	}
	buf.pending = nil
	b.cond.Broadcast()
}

// Close implements the Buffer interface
func (buf *Buffer) Close() error {
	b := buf.b
	b.lmu.Lock()
	defer b.lmu.Unlock()

	if buf.tx {
		if buf.enabled && !buf.cancelled {
			b.txEnabled--
		}
		buf.stop()
	}
	buf.closed = true
	buf.enabled = false
	b.cond.Broadcast()
	return nil
}

// CreateBlock implements the BlockCreator interface. Block memory belongs
// to the backend; TX data is copied into the loop on submission.
func (buf *Buffer) CreateBlock(size int) (interfaces.Block, []byte, error) {
	if size <= 0 || (buf.sampleSize != 0 && size%buf.sampleSize != 0) {
		return nil, nil, unix.EINVAL
	}
	blk := &Block{buf: buf, data: make([]byte, size)}
	return blk, blk.data, nil
}

// Block is a loopback block.
type Block struct {
	buf  *Buffer
	data []byte

	// guarded by buf.b.lmu
	enqueued  bool
	submitted bool
	cyclic    bool
	bytesUsed int
}

// submit hands TX data to the loop. Called with lmu held.
func (blk *Block) submit() {
	data := append([]byte(nil), blk.data[:blk.bytesUsed]...)
	blk.buf.b.push(data, blk.cyclic)
	if blk.cyclic {
		blk.buf.cyclic = true
	}
	blk.submitted = true
}

// Enqueue implements the Block interface
func (blk *Block) Enqueue(bytesUsed int, cyclic bool) error {
	buf := blk.buf
	b := buf.b
	b.lmu.Lock()
	defer b.lmu.Unlock()

	switch {
	case buf.cancelled, buf.closed:
		return unix.EBADF
	case blk.enqueued:
		return unix.EPERM
	case bytesUsed <= 0 || bytesUsed > len(blk.data):
		return unix.EINVAL
	case buf.sampleSize != 0 && bytesUsed%buf.sampleSize != 0:
		return unix.EINVAL
	}

	blk.enqueued = true
	blk.submitted = false
	blk.bytesUsed = bytesUsed
	blk.cyclic = cyclic && buf.tx

	if buf.tx {
		if buf.enabled {
			blk.submit()
		} else {
			buf.pending = append(buf.pending, blk)
		}
	}
	return nil
}

// Dequeue implements the Block interface. A TX block completes once its
// data entered the loop. An RX block completes once enough data looped
// back to fill it.
func (blk *Block) Dequeue(nonblock bool) error {
	buf := blk.buf
	b := buf.b
	b.lmu.Lock()
	defer b.lmu.Unlock()

	if !blk.enqueued {
		return unix.EPERM
	}

	var err error
	if buf.tx {
		err = b.wait(buf, nonblock, func() bool { return blk.submitted })
	} else {
		err = b.wait(buf, nonblock, func() bool {
			return buf.enabled && b.available(blk.bytesUsed)
		})
		if err == nil {
			b.pull(blk.data[:blk.bytesUsed])
		}
	}
	if err == unix.EAGAIN || err == unix.ETIMEDOUT {
		return err
	}
	blk.enqueued = false
	return err
}

// BytesUsed implements the BytesUsedBlock interface
func (blk *Block) BytesUsed() int {
	blk.buf.b.lmu.Lock()
	defer blk.buf.b.lmu.Unlock()
	return blk.bytesUsed
}

// Close implements the Block interface
func (blk *Block) Close() error {
	buf := blk.buf
	buf.b.lmu.Lock()
	defer buf.b.lmu.Unlock()

	for i, p := range buf.pending {
		if p == blk {
			buf.pending = append(buf.pending[:i], buf.pending[i+1:]...)
			break
		}
	}
	blk.enqueued = false
	return nil
}

// EventStream delivers the events pushed to one device.
type EventStream struct {
	b   *Backend
	dev int

	// guarded by b.emu
	q      *queue.Queue // of interfaces.Event
	closed bool
}

// Read implements the EventStream interface
func (s *EventStream) Read(nonblock bool) (interfaces.Event, error) {
	b := s.b
	b.emu.Lock()
	defer b.emu.Unlock()

	for s.q.Length() == 0 {
		if s.closed {
			return interfaces.Event{}, unix.EINTR
		}
		if nonblock {
			return interfaces.Event{}, unix.EAGAIN
		}
		b.ecnd.Wait()
	}
	if s.closed {
		return interfaces.Event{}, unix.EINTR
	}
	return s.q.Remove().(interfaces.Event), nil
}

// Close implements the EventStream interface
func (s *EventStream) Close() error {
	b := s.b
	b.emu.Lock()
	defer b.emu.Unlock()

	s.closed = true
	ss := b.streams[s.dev]
	for i, o := range ss {
		if o == s {
			b.streams[s.dev] = append(ss[:i], ss[i+1:]...)
			break
		}
	}
	b.ecnd.Broadcast()
	return nil
}

// Compile-time interface checks
var (
	_ interfaces.Backend        = (*Backend)(nil)
	_ interfaces.TriggerBackend = (*Backend)(nil)
	_ interfaces.TimeoutBackend = (*Backend)(nil)
	_ interfaces.BufferBackend  = (*Backend)(nil)
	_ interfaces.EventBackend   = (*Backend)(nil)
	_ interfaces.Buffer         = (*Buffer)(nil)
	_ interfaces.BlockCreator   = (*Buffer)(nil)
	_ interfaces.Block          = (*Block)(nil)
	_ interfaces.BytesUsedBlock = (*Block)(nil)
	_ interfaces.EventStream    = (*EventStream)(nil)
)
