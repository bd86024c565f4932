// Package wait implements cancellable waits on file descriptors. A wait
// polls the descriptor together with an eventfd; signalling the eventfd
// aborts every wait on it with EBADF.
package wait

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Direction selects the readiness a wait is interested in.
type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) events() int16 {
	if d == Out {
		return unix.POLLOUT
	}
	return unix.POLLIN
}

// Canceller is an eventfd used to abort waits. Once cancelled it stays
// signalled until Reset.
type Canceller struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// NewCanceller creates a non-blocking, close-on-exec eventfd.
func NewCanceller() (*Canceller, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Canceller{fd: fd}, nil
}

// FD returns the eventfd.
func (c *Canceller) FD() int { return c.fd }

// Cancel signals the eventfd, waking every wait on it.
func (c *Canceller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return unix.EBADF
	}

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(c.fd, one[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// Counter saturated; already signalled
			return nil
		}
		return err
	}
}

// Cancelled reports whether the eventfd is signalled.
func (c *Canceller) Cancelled() bool {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}

// Reset drains the eventfd so later waits block again.
func (c *Canceller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var buf [8]byte
	for {
		if _, err := unix.Read(c.fd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

// Close releases the eventfd.
func (c *Canceller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

// remaining converts a deadline to a poll timeout in milliseconds, -1 for
// none. An expired deadline yields 0.
func remaining(deadline time.Time) int {
	if deadline.IsZero() {
		return -1
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}

// Cancellable waits until fd is ready for dir, c is signalled or timeout
// elapses; zero waits forever. It returns EBADF on cancellation,
// ETIMEDOUT on timeout and EPIPE when the peer hung up a write side.
func Cancellable(fd int, c *Canceller, dir Direction, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	events := dir.events()
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: events},
		{Fd: int32(c.fd), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents, fds[1].Revents = 0, 0

		n, err := unix.Poll(fds, remaining(deadline))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ETIMEDOUT
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return unix.EBADF
		}
		if fds[0].Revents&(events|unix.POLLERR|unix.POLLHUP) != 0 {
			break
		}
	}

	// Writing to a hung-up peer would raise SIGPIPE; reads see EOF instead.
	if dir == Out && fds[0].Revents&unix.POLLHUP != 0 {
		return unix.EPIPE
	}
	return nil
}

// CheckReady polls a buffer fd for events. With nonblock set the poll
// does not wait and a busy fd yields EBUSY; otherwise it waits until
// deadline (zero waits forever) and yields ETIMEDOUT. Cancellation and
// an invalid fd yield EBADF; readiness other than events yields EIO.
func CheckReady(fd int, c *Canceller, events int16, deadline time.Time, nonblock bool) error {
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: events},
		{Fd: int32(c.fd), Events: unix.POLLIN},
	}

	var (
		n   int
		err error
	)
	for {
		fds[0].Revents, fds[1].Revents = 0, 0

		timeout := 0
		if !nonblock {
			timeout = remaining(deadline)
		}
		n, err = unix.Poll(fds, timeout)
		if err != unix.EINTR {
			break
		}
	}

	switch {
	case fds[1].Revents&unix.POLLIN != 0:
		return unix.EBADF
	case err != nil:
		return err
	case n == 0 && nonblock:
		return unix.EBUSY
	case n == 0:
		return unix.ETIMEDOUT
	case fds[0].Revents&unix.POLLNVAL != 0:
		return unix.EBADF
	case fds[0].Revents&events == 0:
		return unix.EIO
	}
	return nil
}
