package iiod

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/wait"
)

// Transport is the byte stream an IIOD client runs over.
type Transport interface {
	io.ReadWriteCloser

	// Cancel unblocks every pending and future Read and Write with EBADF.
	Cancel()

	// SetTimeout bounds each Read and Write; zero disables the bound.
	SetTimeout(d time.Duration)
}

// FDConn is a Transport over a file descriptor (socket or tty). Every
// read and write first waits for readiness on the fd and on a canceller.
type FDConn struct {
	fd      int
	cancel  *wait.Canceller
	timeout atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewFDConn takes ownership of fd and switches it to non-blocking mode.
func NewFDConn(fd int, timeout time.Duration) (*FDConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	c, err := wait.NewCanceller()
	if err != nil {
		return nil, err
	}

	conn := &FDConn{fd: fd, cancel: c}
	conn.timeout.Store(int64(timeout))
	return conn, nil
}

// FD returns the underlying descriptor.
func (c *FDConn) FD() int { return c.fd }

// SetTimeout implements Transport.
func (c *FDConn) SetTimeout(d time.Duration) { c.timeout.Store(int64(d)) }

func (c *FDConn) getTimeout() time.Duration { return time.Duration(c.timeout.Load()) }

// Read implements io.Reader. A closed peer yields io.EOF.
func (c *FDConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if err := wait.Cancellable(c.fd, c.cancel, wait.In, c.getTimeout()); err != nil {
			return 0, err
		}

		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR, err == unix.EAGAIN:
			continue
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write implements io.Writer. It returns only once all of p is written
// or an error occurred.
func (c *FDConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if err := wait.Cancellable(c.fd, c.cancel, wait.Out, c.getTimeout()); err != nil {
			return written, err
		}

		n, err := unix.Write(c.fd, p[written:])
		switch {
		case err == unix.EINTR, err == unix.EAGAIN:
			continue
		case err != nil:
			return written, err
		case n == 0:
			return written, unix.EPIPE
		}
		written += n
	}
	return written, nil
}

// Cancel implements Transport.
func (c *FDConn) Cancel() {
	_ = c.cancel.Cancel()
}

// Close cancels pending I/O and releases both descriptors.
func (c *FDConn) Close() error {
	c.closeOnce.Do(func() {
		c.Cancel()
		c.closeErr = unix.Close(c.fd)
		_ = c.cancel.Close()
	})
	return c.closeErr
}
