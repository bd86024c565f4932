package iiod

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/pool"
	"github.com/ehrlich-b/go-iio/internal/uapi"
)

// Buffer is the client side of one remote hardware buffer. Over the
// binary dialect it is a server object with remote blocks; over the text
// dialect it is opened lazily by Enable and streamed with READBUF and
// WRITEBUF.
type Buffer struct {
	c     *Client
	dev   int
	devID string
	idx   int
	tx    bool

	mu        sync.Mutex
	mask      []uint32
	opened    bool
	nextBlock uint16
	blocks    map[*Block]struct{}
}

// CreateBuffer registers buffer idx of device dev with the server. mask
// is updated in place with the channels the server accepted.
func (c *Client) CreateBuffer(p interfaces.BufferParams) (*Buffer, error) {
	b := &Buffer{
		c:      c,
		dev:    p.Dev,
		devID:  p.DevID,
		idx:    p.Idx,
		tx:     p.TX,
		mask:   p.Mask,
		blocks: make(map[*Block]struct{}),
	}

	if !c.Binary() {
		return b, nil
	}

	words := make([]byte, 4*len(p.Mask))
	for i, w := range p.Mask {
		binary.LittleEndian.PutUint32(words[4*i:], w)
	}

	// The reply lands in its own slice: the writer may still hold words
	// when the reader starts filling the response.
	recv := make([]byte, len(words))
	c.mu.Lock()
	code := c.dflt.Exec(Command{Op: OpCreateBuffer, Dev: uint8(p.Dev), Code: int32(p.Idx)}, words, recv)
	c.mu.Unlock()
	if code < 0 {
		return nil, CodeErr(code)
	}

	for i := range p.Mask {
		p.Mask[i] = binary.LittleEndian.Uint32(recv[4*i:])
	}
	return b, nil
}

// Mask returns the current channel mask words.
func (b *Buffer) Mask() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.mask...)
}

// Enable starts or stops the buffer. The text dialect needs a sample
// count to open the buffer and reports ENOSYS without one.
func (b *Buffer) Enable(nbSamples int, enable, cyclic bool) error {
	c := b.c
	if c.Binary() {
		op := OpDisableBuffer
		if enable {
			op = OpEnableBuffer
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return CodeErr(c.dflt.ExecSimple(Command{Op: op, Dev: uint8(b.dev), Code: int32(b.idx)}))
	}

	if nbSamples == 0 {
		return unix.ENOSYS
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case enable && b.opened:
		return unix.EBUSY
	case !enable && !b.opened:
		return unix.EBADF
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !enable {
		b.opened = false
		_, err := c.execTextErr("CLOSE " + b.devID + "\r\n")
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "OPEN %s %d ", b.devID, nbSamples)
	for i := len(b.mask) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%08x", b.mask[i])
	}
	if cyclic {
		sb.WriteString(" CYCLIC")
	}
	sb.WriteString("\r\n")

	if _, err := c.execTextErr(sb.String()); err != nil {
		return err
	}
	b.opened = true
	return nil
}

// readMask parses the hex mask the server sends before the first chunk
// of a READBUF reply. Called with the client lock held.
func (b *Buffer) readMask() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw := make([]byte, 8*len(b.mask)+1)
	if err := b.c.readAll(raw); err != nil {
		return err
	}
	for i := len(b.mask); i > 0; i-- {
		off := 8 * (len(b.mask) - i)
		w, err := strconv.ParseUint(string(raw[off:off+8]), 16, 32)
		if err != nil {
			return unix.EIO
		}
		b.mask[i-1] = uint32(w)
	}
	return nil
}

// ReadBuf fills dst with samples using the text dialect READBUF command.
func (b *Buffer) ReadBuf(dst []byte) (int, error) {
	c := b.c
	if c.Binary() {
		return 0, unix.ENOSYS
	}
	if len(dst) == 0 {
		return 0, unix.EINVAL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeText(fmt.Sprintf("READBUF %s %d\r\n", b.devID, len(dst))); err != nil {
		return 0, err
	}

	read, first := 0, true
	for read < len(dst) {
		n, err := c.readInteger()
		if err != nil {
			return read, err
		}
		if n < 0 {
			return read, unix.Errno(-n)
		}
		if n == 0 {
			break
		}
		if n > len(dst)-read {
			return read, unix.EIO
		}

		if first {
			if err := b.readMask(); err != nil {
				return read, err
			}
			first = false
		}

		if err := c.readAll(dst[read : read+n]); err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}

// WriteBuf sends src with the text dialect WRITEBUF command.
func (b *Buffer) WriteBuf(src []byte) (int, error) {
	c := b.c
	if c.Binary() {
		return 0, unix.ENOSYS
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.execTextErr(fmt.Sprintf("WRITEBUF %s %d\r\n", b.devID, len(src))); err != nil {
		return 0, err
	}
	if _, err := c.conn.Write(src); err != nil {
		return 0, err
	}
	ret, err := c.readInteger()
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, unix.Errno(-ret)
	}
	return len(src), nil
}

// Cancel aborts every block transfer waiting for the server.
func (b *Buffer) Cancel() {
	b.mu.Lock()
	blocks := make([]*Block, 0, len(b.blocks))
	for blk := range b.blocks {
		blocks = append(blocks, blk)
	}
	b.mu.Unlock()

	for _, blk := range blocks {
		blk.io.Cancel()
	}
}

// Close releases the buffer on the server. Errors are not reported: the
// server frees everything when the connection goes away anyway.
func (b *Buffer) Close() error {
	c := b.c
	if c.Binary() {
		c.mu.Lock()
		c.dflt.ExecSimple(Command{Op: OpFreeBuffer, Dev: uint8(b.dev), Code: int32(b.idx)})
		c.mu.Unlock()
		return nil
	}

	b.mu.Lock()
	opened := b.opened
	b.opened = false
	b.mu.Unlock()

	if opened {
		c.mu.Lock()
		_, _ = c.execText("CLOSE " + b.devID + "\r\n")
		c.mu.Unlock()
	}
	return nil
}

// Block is a block living on the server. Its transfers run on a
// dedicated IO so that several blocks can be in flight at once.
type Block struct {
	buf  *Buffer
	io   *IO
	idx  uint16
	data []byte

	mu        sync.Mutex
	hdr       [8]byte
	bytesUsed int
	enqueued  bool
	retry     bool
}

// CreateBlock allocates a block of size bytes on the server. The text
// dialect has no blocks and yields ENOSYS.
func (b *Buffer) CreateBlock(size int) (*Block, error) {
	c := b.c
	if !c.Binary() {
		return nil, unix.ENOSYS
	}

	b.mu.Lock()
	idx := b.nextBlock
	b.nextBlock++
	b.mu.Unlock()

	blk := &Block{
		buf:  b,
		idx:  idx,
		io:   c.resp.CreateIO(idx + 1),
		data: pool.Get(size)[:size],
	}

	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(size))
	if code := blk.io.Exec(blk.command(OpCreateBlock), sz[:], nil); code < 0 {
		pool.Put(blk.data)
		return nil, CodeErr(code)
	}

	b.mu.Lock()
	b.blocks[blk] = struct{}{}
	b.mu.Unlock()
	return blk, nil
}

func (blk *Block) command(op Op) Command {
	return Command{Op: op, Dev: uint8(blk.buf.dev), Code: argCode(int(blk.idx), blk.buf.idx)}
}

// Data returns the block memory.
func (blk *Block) Data() []byte { return blk.data }

// BytesUsed returns the byte count of the last completed transfer.
func (blk *Block) BytesUsed() int {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	return blk.bytesUsed
}

// Enqueue starts a transfer of the first bytesUsed bytes. It returns as
// soon as the command is queued; Dequeue collects the result.
func (blk *Block) Enqueue(bytesUsed int, cyclic bool) error {
	if bytesUsed < 0 || bytesUsed > len(blk.data) {
		return unix.EINVAL
	}

	blk.mu.Lock()
	defer blk.mu.Unlock()

	if blk.enqueued {
		return unix.EPERM
	}

	op := OpTransferBlock
	if cyclic {
		op = OpEnqueueBlockCyclic
	}

	blk.bytesUsed = bytesUsed
	binary.LittleEndian.PutUint64(blk.hdr[:], uint64(bytesUsed))
	payload := blk.data[:bytesUsed]

	var err error
	if blk.buf.tx {
		if err = blk.io.GetResponseAsync(); err == nil {
			err = blk.io.SendCommandAsync(blk.command(op), blk.hdr[:], payload)
		}
	} else {
		if err = blk.io.GetResponseAsync(payload); err == nil {
			err = blk.io.SendCommandAsync(blk.command(op), blk.hdr[:])
		}
	}
	if err != nil {
		blk.io.CancelResponse()
		return err
	}

	blk.enqueued = true
	return nil
}

// Dequeue waits for the transfer started by Enqueue. With nonblock set it
// fails with EBUSY instead of waiting. A failed dequeue of a block the
// server did enqueue is retried with RETRY_DEQUEUE_BLOCK on the next call.
func (blk *Block) Dequeue(nonblock bool) error {
	blk.mu.Lock()
	defer blk.mu.Unlock()

	if !blk.enqueued {
		return unix.EPERM
	}

	if blk.retry {
		var err error
		if blk.buf.tx {
			err = blk.io.GetResponseAsync()
		} else {
			err = blk.io.GetResponseAsync(blk.data[:blk.bytesUsed])
		}
		if err == nil {
			err = blk.io.SendCommandAsync(blk.command(OpRetryDequeueBlock))
		}
		if err != nil {
			blk.io.CancelResponse()
			return err
		}
		blk.retry = false
	}

	if nonblock && !blk.io.CommandIsDone() {
		return unix.EBUSY
	}
	if err := blk.io.WaitForCommandDone(); err != nil {
		return err
	}
	if nonblock && !blk.io.HasResponse() {
		return unix.EBUSY
	}

	code := blk.io.WaitForResponse()
	if code < 0 {
		if code&0xffff == 0 {
			// The server never enqueued the block; its error is in
			// the upper half.
			blk.enqueued = false
			return CodeErr(code >> 16)
		}
		blk.retry = true
		return CodeErr(code)
	}

	blk.enqueued = false
	if !blk.buf.tx && int(code) <= len(blk.data) {
		blk.bytesUsed = int(code)
	}
	return nil
}

// Close frees the block on the server. Any transfer in flight is
// cancelled first, so the request goes through the default IO.
func (blk *Block) Close() error {
	b := blk.buf
	c := b.c

	// Cancel returns once the reader no longer copies into blk.data
	blk.io.Cancel()

	b.mu.Lock()
	delete(b.blocks, blk)
	b.mu.Unlock()

	c.mu.Lock()
	c.dflt.ExecSimple(blk.command(OpFreeBlock))
	c.mu.Unlock()

	pool.Put(blk.data)
	return nil
}

// EventStream receives events of one device over a dedicated IO. A read
// request is always outstanding so events are not lost between reads.
type EventStream struct {
	c   *Client
	dev int
	id  uint16
	io  *IO
	buf [uapi.EventSize]byte

	mu     sync.Mutex
	closed bool
}

// OpenEventStream opens the event stream of device dev. Only the binary
// dialect carries events.
func (c *Client) OpenEventStream(dev int) (*EventStream, error) {
	if !c.Binary() {
		return nil, unix.ENOSYS
	}

	s := &EventStream{c: c, dev: dev, id: c.nextEventID()}
	s.io = c.resp.CreateIO(s.id)

	if code := s.io.ExecSimple(Command{Op: OpCreateEvstream, Dev: uint8(dev)}); code < 0 {
		s.io.Cancel()
		return nil, CodeErr(code)
	}

	// Reads only make sense from a dedicated goroutine; never time out
	s.io.SetTimeout(0)

	if err := s.request(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *EventStream) request() error {
	if err := s.io.GetResponseAsync(s.buf[:]); err != nil {
		return err
	}
	return s.io.SendCommand(Command{Op: OpReadEvent, Dev: uint8(s.dev)})
}

// Read returns the next event. With nonblock set it fails with EAGAIN
// when none has arrived. After Close it fails with EINTR.
func (s *EventStream) Read(nonblock bool) (interfaces.Event, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return interfaces.Event{}, unix.EINTR
	}

	if nonblock && !s.io.HasResponse() {
		return interfaces.Event{}, unix.EAGAIN
	}
	if code := s.io.WaitForResponse(); code < 0 {
		return interfaces.Event{}, CodeErr(code)
	}

	var ev uapi.Event
	if err := uapi.Unmarshal(s.buf[:], &ev); err != nil {
		return interfaces.Event{}, unix.EIO
	}

	if err := s.request(); err != nil {
		return interfaces.Event{}, err
	}
	return interfaces.Event{ID: ev.ID, Timestamp: ev.Timestamp}, nil
}

// Close frees the stream on the server, through the default IO since a
// read may be pending on the stream's own IO, then aborts that read.
func (s *EventStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	c := s.c
	c.mu.Lock()
	c.dflt.ExecSimple(Command{Op: OpFreeEvstream, Dev: uint8(s.dev), Code: int32(s.id)})
	c.mu.Unlock()

	s.io.Cancel()
	return nil
}
