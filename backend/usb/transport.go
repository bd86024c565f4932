package usb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
	"golang.org/x/sys/unix"
)

// maxTransfer caps a single bulk transfer. Larger URBs may need contiguous
// kernel memory and fail with ENOMEM.
const maxTransfer = 1 << 20

type inPipe interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

type outPipe interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

// couple is a pair of bulk endpoints carrying one IIOD session.
type couple struct {
	in  inPipe
	out outPipe
}

// bulkConn is an IIOD transport over an endpoint couple.
type bulkConn struct {
	c       couple
	timeout atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	onClose   func() error
}

func newBulkConn(c couple, onClose func() error) *bulkConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &bulkConn{c: c, ctx: ctx, cancel: cancel, onClose: onClose}
}

// SetTimeout implements iiod.Transport.
func (c *bulkConn) SetTimeout(d time.Duration) { c.timeout.Store(int64(d)) }

func (c *bulkConn) opContext() (context.Context, context.CancelFunc) {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		return context.WithTimeout(c.ctx, d)
	}
	return c.ctx, func() {}
}

// Read implements io.Reader. Zero-length packets are skipped.
func (c *bulkConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > maxTransfer {
		p = p[:maxTransfer]
	}
	for {
		ctx, done := c.opContext()
		n, err := c.c.in.ReadContext(ctx, p)
		if err != nil {
			err = c.errno(ctx, err)
		}
		done()
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Write implements io.Writer.
func (c *bulkConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > maxTransfer {
			chunk = chunk[:maxTransfer]
		}
		ctx, done := c.opContext()
		n, err := c.c.out.WriteContext(ctx, chunk)
		written += n
		if err != nil {
			err = c.errno(ctx, err)
		}
		done()
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// errno names a transfer failure: EBADF once cancelled, ETIMEDOUT past
// the deadline of op.
func (c *bulkConn) errno(op context.Context, err error) error {
	if c.ctx.Err() != nil {
		return unix.EBADF
	}
	if errors.Is(op.Err(), context.DeadlineExceeded) {
		return unix.ETIMEDOUT
	}
	return usbErrno(err)
}

// Cancel implements iiod.Transport.
func (c *bulkConn) Cancel() { c.cancel() }

// Close cancels pending transfers and releases the couple.
func (c *bulkConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.onClose != nil {
			c.closeErr = c.onClose()
		}
	})
	return c.closeErr
}

// usbErrno maps libusb and transfer errors to errnos.
func usbErrno(err error) error {
	var ue gousb.Error
	if errors.As(err, &ue) {
		switch ue {
		case gousb.ErrorInvalidParam:
			return unix.EINVAL
		case gousb.ErrorAccess:
			return unix.EACCES
		case gousb.ErrorNoDevice:
			return unix.ENODEV
		case gousb.ErrorNotFound:
			return unix.ENXIO
		case gousb.ErrorBusy:
			return unix.EBUSY
		case gousb.ErrorTimeout:
			return unix.ETIMEDOUT
		case gousb.ErrorPipe:
			return unix.EPIPE
		case gousb.ErrorInterrupted:
			return unix.EINTR
		case gousb.ErrorNoMem:
			return unix.ENOMEM
		case gousb.ErrorNotSupported:
			return unix.ENOSYS
		}
		return unix.EIO
	}

	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferTimedOut:
			return unix.ETIMEDOUT
		case gousb.TransferStall:
			return unix.EPIPE
		case gousb.TransferNoDevice:
			return unix.ENODEV
		case gousb.TransferCancelled:
			return unix.EBADF
		}
		return unix.EIO
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return unix.EBADF
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
