package local

import (
	"math/bits"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
	"github.com/ehrlich-b/go-iio/internal/wait"
)

// Buffer is one open hardware buffer of a local device.
type Buffer struct {
	b      *Backend
	dev    *device
	devIdx int
	idx    int
	tx     bool
	log    *logging.Logger

	cancel *wait.Canceller

	// fdMu is held for reading by every transfer and for writing by
	// Close, so the descriptor is never closed under a poll.
	fdMu sync.RWMutex
	fd   int

	mu             sync.Mutex
	mask           []uint32 // channels the kernel accepted
	dmabufDisabled bool     // DMABUF probed and unsupported
	mmap           *mmapState
	mmapOps        *mmapOps // nil means the kernel
}

// CreateBuffer implements the BufferBackend interface. The scan elements
// of the masked channels are enabled and the mask is updated with what
// the kernel accepted.
func (b *Backend) CreateBuffer(p interfaces.BufferParams) (interfaces.Buffer, error) {
	if p.Dev < 0 || p.Dev >= len(b.devs) || p.Idx < 0 {
		return nil, unix.EINVAL
	}
	dev := b.devs[p.Dev]

	cancel, err := wait.NewCanceller()
	if err != nil {
		return nil, err
	}

	fd, err := b.openFD(p.Dev, false, p.Idx)
	if err != nil {
		cancel.Close()
		return nil, err
	}

	buf := &Buffer{
		b:      b,
		dev:    dev,
		devIdx: p.Dev,
		idx:    p.Idx,
		tx:     p.TX,
		log:    b.log.WithDevice(dev.id).WithBuffer(p.Idx),
		cancel: cancel,
		fd:     fd,
	}

	if err := buf.writeAttr("enable", "0"); err != nil {
		buf.release()
		return nil, err
	}
	if err := buf.applyMask(p.Mask); err != nil {
		buf.release()
		return nil, err
	}

	buf.log.Debug("buffer opened", "fd", fd)
	return buf, nil
}

func (buf *Buffer) attrPath(name string) string {
	return buf.b.bufferPath(buf.dev.id, buf.idx, name)
}

func (buf *Buffer) writeAttr(name, value string) error {
	_, err := writeFile(buf.attrPath(name), []byte(value))
	return err
}

// enablePath locates the scan element enable file of c for this buffer.
func (buf *Buffer) enablePath(c *channel) string {
	if buf.idx == 0 {
		return filepath.Join(buf.b.opts.SysfsRoot, buf.dev.id, c.enable)
	}
	return buf.attrPath(filepath.Base(c.enable))
}

func maskBit(mask []uint32, i int) bool {
	return i/32 < len(mask) && mask[i/32]&(1<<(uint(i)%32)) != 0
}

func (buf *Buffer) applyMask(mask []uint32) error {
	// Disable everything first so the kernel sees a consistent scan
	for _, c := range buf.dev.chans {
		if c.enable == "" {
			continue
		}
		if _, err := writeFile(buf.enablePath(c), []byte("0")); err != nil {
			return err
		}
	}
	for i, c := range buf.dev.chans {
		if c.enable == "" || !maskBit(mask, i) {
			continue
		}
		if _, err := writeFile(buf.enablePath(c), []byte("1")); err != nil {
			return err
		}
	}

	for i := range mask {
		mask[i] = 0
	}
	for i, c := range buf.dev.chans {
		if c.enable == "" {
			continue
		}
		v, err := readString(buf.enablePath(c))
		if err != nil {
			return err
		}
		if en, _ := strconv.Atoi(v); en != 0 && i/32 < len(mask) {
			mask[i/32] |= 1 << (uint(i) % 32)
		}
	}

	buf.mu.Lock()
	buf.mask = append(buf.mask[:0], mask...)
	buf.mu.Unlock()
	return nil
}

func (buf *Buffer) enabledChannels() int {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	n := 0
	for _, w := range buf.mask {
		n += bits.OnesCount32(w)
	}
	return n
}

// Enable implements the Buffer interface. The kernel buffer length and
// watermark follow the block size when one is known.
func (buf *Buffer) Enable(nbSamples int, enable, cyclic bool) error {
	if buf.cancel.Cancelled() {
		return unix.EBADF
	}
	if !enable {
		return buf.writeAttr("enable", "0")
	}

	if nbSamples > 0 {
		n := strconv.Itoa(nbSamples)
		if err := buf.writeAttr("length", n); err != nil {
			return err
		}
		if err := buf.writeAttr("watermark", n); err != nil && err != unix.ENOENT && err != unix.EACCES {
			return err
		}
	}
	return buf.writeAttr("enable", "1")
}

// Cancel implements the Buffer interface
func (buf *Buffer) Cancel() {
	_ = buf.cancel.Cancel()
}

// Close implements the Buffer interface
func (buf *Buffer) Close() error {
	buf.Cancel()

	buf.mu.Lock()
	m := buf.mmap
	buf.mu.Unlock()
	if m != nil {
		m.mu.Lock()
		m.free()
		m.mu.Unlock()
	}

	err := buf.writeAttr("enable", "0")
	buf.release()
	buf.log.Debug("buffer closed")
	return err
}

func (buf *Buffer) release() {
	buf.fdMu.Lock()
	if buf.fd >= 0 {
		buf.b.closeFD(buf.devIdx, buf.fd)
		buf.fd = -1
	}
	buf.fdMu.Unlock()
	buf.cancel.Close()
}

type transferFunc func(fd int, p []byte) (int, error)

// transfer moves len(p) bytes, waiting for the descriptor between partial
// transfers. Bytes already moved are reported even when a later wait
// fails.
func (buf *Buffer) transfer(p []byte, events int16, op transferFunc) (int, error) {
	buf.fdMu.RLock()
	defer buf.fdMu.RUnlock()
	if buf.fd < 0 {
		return 0, unix.EBADF
	}

	deadline := buf.b.deadline()
	done := 0
	for done < len(p) {
		if err := wait.CheckReady(buf.fd, buf.cancel, events, deadline, false); err != nil {
			if done > 0 {
				return done, nil
			}
			return 0, err
		}

		n, err := op(buf.fd, p[done:])
		switch {
		case err == unix.EINTR, err == unix.EAGAIN:
			continue
		case err != nil:
			if done > 0 {
				return done, nil
			}
			return 0, err
		case n == 0:
			if done > 0 {
				return done, nil
			}
			return 0, unix.EIO
		}
		done += n
	}
	return done, nil
}

// ReadBuf implements the StreamIO interface
func (buf *Buffer) ReadBuf(dst []byte) (int, error) {
	return buf.transfer(dst, unix.POLLIN, unix.Read)
}

// WriteBuf implements the StreamIO interface
func (buf *Buffer) WriteBuf(src []byte) (int, error) {
	return buf.transfer(src, unix.POLLOUT, unix.Write)
}

// CreateBlock implements the BlockCreator interface. DMABUF is tried
// first, then the legacy MMAP interface; ENOSYS leaves block emulation
// to the caller.
func (buf *Buffer) CreateBlock(size int) (interfaces.Block, []byte, error) {
	buf.mu.Lock()
	tryDMABUF := !buf.dmabufDisabled
	buf.mu.Unlock()

	if tryDMABUF {
		blk, err := buf.createDMABUFBlock(size)
		if err == nil {
			return blk, blk.data, nil
		}
		if err != unix.ENOSYS {
			return nil, nil, err
		}
		buf.mu.Lock()
		buf.dmabufDisabled = true
		buf.mu.Unlock()
		buf.log.Debug("DMABUF unavailable")
	}

	blk, err := buf.createMMAPBlock(size)
	if err != nil {
		return nil, nil, err
	}
	return blk, blk.data, nil
}

// Compile-time interface checks
var (
	_ interfaces.Buffer       = (*Buffer)(nil)
	_ interfaces.StreamIO     = (*Buffer)(nil)
	_ interfaces.BlockCreator = (*Buffer)(nil)
)
