package iio

import (
	"fmt"
	"strconv"
	"sync"
	"unicode"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
)

// EventType is the kind of an IIO event.
type EventType int

const (
	EventThresh EventType = iota
	EventMag
	EventROC
	EventThreshAdaptive
	EventMagAdaptive
	EventChange
	EventMagReferenced
	EventGesture
)

var eventTypeNames = [...]string{
	"thresh", "mag", "roc", "thresh_adaptive",
	"mag_adaptive", "change", "mag_referenced", "gesture",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// EventDirection is the direction of an IIO event.
type EventDirection int

const (
	EventDirEither EventDirection = iota
	EventDirRising
	EventDirFalling
	EventDirNone
	EventDirSingleTap
	EventDirDoubleTap
)

var eventDirNames = [...]string{
	"either", "rising", "falling", "none", "singletap", "doubletap",
}

func (d EventDirection) String() string {
	if d >= 0 && int(d) < len(eventDirNames) {
		return eventDirNames[d]
	}
	return fmt.Sprintf("EventDirection(%d)", int(d))
}

// Event is one hardware event. The id packs, from the most significant
// byte down: event type, differential bit and direction, modifier,
// channel type, then two 16-bit channel numbers.
type Event struct {
	ID        uint64
	Timestamp int64
}

// Type returns the event type.
func (e Event) Type() EventType { return EventType(e.ID >> 56 & 0xff) }

// Direction returns the event direction.
func (e Event) Direction() EventDirection { return EventDirection(e.ID >> 48 & 0x7f) }

// Modifier returns the channel modifier the event applies to.
func (e Event) Modifier() Modifier { return Modifier(e.ID >> 40 & 0xff) }

// ChanType returns the channel type the event applies to.
func (e Event) ChanType() ChanType { return ChanType(e.ID >> 32 & 0xff) }

// ChannelID returns the number of the first channel, negative if none.
func (e Event) ChannelID() int16 { return int16(e.ID) }

// Channel2ID returns the number of the second channel of a differential
// event.
func (e Event) Channel2ID() int16 { return int16(e.ID >> 16) }

// Differential reports whether the event concerns a channel pair.
func (e Event) Differential() bool { return e.ID&(1<<55) != 0 }

// Channel resolves the channel of dev the event applies to; with diff set
// it resolves the second channel of a differential event. It returns nil
// when no channel matches.
func (e Event) Channel(dev *Device, diff bool) *Channel {
	if diff && !e.Differential() {
		return nil
	}

	chid := e.ChannelID()
	if diff {
		chid = e.Channel2ID()
	}
	if chid < 0 || int(chid) >= len(dev.channels) {
		return nil
	}

	for _, c := range dev.channels {
		if c.typ != e.ChanType() || c.modifier != e.Modifier() {
			continue
		}

		i := 0
		for i < len(c.id) && unicode.IsLetter(rune(c.id[i])) {
			i++
		}
		if i == len(c.id) {
			if chid == 0 {
				return c
			}
			continue
		}

		n, err := strconv.ParseUint(digits(c.id[i:]), 10, 16)
		if err == nil && uint16(chid) == uint16(n) {
			return c
		}
	}
	return nil
}

// digits returns the leading decimal digits of s.
func digits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// EventStream delivers the events of one device.
type EventStream struct {
	dev  *Device
	impl interfaces.EventStream

	mu     sync.Mutex
	closed bool
}

// CreateEventStream opens the device's event stream.
func (d *Device) CreateEventStream() (*EventStream, error) {
	eb, ok := d.ctx.backend.(interfaces.EventBackend)
	if !ok {
		return nil, deviceError("OPEN_EVENT_STREAM", d, unix.ENOSYS)
	}

	impl, err := eb.OpenEventStream(d.number)
	if err != nil {
		return nil, deviceError("OPEN_EVENT_STREAM", d, err)
	}

	d.ctx.log.WithDevice(d.id).Debug("event stream opened")
	return &EventStream{dev: d, impl: impl}, nil
}

// Device returns the device the stream belongs to.
func (s *EventStream) Device() *Device { return s.dev }

// Read waits for the next event. With nonblock set it fails with EAGAIN
// when none is pending. It fails with EINTR once the stream is destroyed.
func (s *EventStream) Read(nonblock bool) (Event, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Event{}, deviceError("READ_EVENT", s.dev, unix.EINTR)
	}

	ev, err := s.impl.Read(nonblock)
	if err != nil {
		return Event{}, deviceError("READ_EVENT", s.dev, err)
	}
	return Event{ID: ev.ID, Timestamp: ev.Timestamp}, nil
}

// Destroy closes the stream, unblocking any pending Read.
func (s *EventStream) Destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return deviceError("CLOSE_EVENT_STREAM", s.dev, s.impl.Close())
}
