package local

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/uapi"
	"github.com/ehrlich-b/go-iio/internal/wait"
)

type eventStream struct {
	cancel *wait.Canceller

	mu     sync.RWMutex // write-held by Close
	fd     int
	closed bool
}

// OpenEventStream implements the EventBackend interface
func (b *Backend) OpenEventStream(dev int) (interfaces.EventStream, error) {
	if dev < 0 || dev >= len(b.devs) {
		return nil, unix.EINVAL
	}
	fd, err := b.openFD(dev, true, 0)
	if err != nil {
		return nil, err
	}
	es, err := newEventStream(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return es, nil
}

func newEventStream(fd int) (*eventStream, error) {
	cancel, err := wait.NewCanceller()
	if err != nil {
		return nil, err
	}
	return &eventStream{cancel: cancel, fd: fd}, nil
}

// Read implements the EventStream interface. A blocking read waits
// without timeout until an event arrives or the stream is closed.
func (es *eventStream) Read(nonblock bool) (interfaces.Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	if es.closed {
		return interfaces.Event{}, unix.EINTR
	}

	switch err := wait.CheckReady(es.fd, es.cancel, unix.POLLIN, time.Time{}, nonblock); err {
	case nil:
	case unix.EBADF:
		return interfaces.Event{}, unix.EINTR
	case unix.EBUSY:
		return interfaces.Event{}, unix.EAGAIN
	default:
		return interfaces.Event{}, err
	}

	var raw [uapi.EventSize]byte
	for {
		n, err := unix.Read(es.fd, raw[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return interfaces.Event{}, err
		}
		if n < len(raw) {
			return interfaces.Event{}, unix.EIO
		}
		break
	}

	var ev uapi.Event
	if err := uapi.Unmarshal(raw[:], &ev); err != nil {
		return interfaces.Event{}, unix.EIO
	}
	return interfaces.Event{ID: ev.ID, Timestamp: ev.Timestamp}, nil
}

// Close implements the EventStream interface
func (es *eventStream) Close() error {
	_ = es.cancel.Cancel()

	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return nil
	}
	es.closed = true
	es.cancel.Close()
	return unix.Close(es.fd)
}

var _ interfaces.EventStream = (*eventStream)(nil)
