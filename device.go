package iio

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
)

// Device is an enumerable hardware entity of a context.
type Device struct {
	ctx    *Context
	number int

	id    string
	name  string
	label string

	channels    []*Channel
	attrs       AttrList
	debugAttrs  AttrList
	bufferAttrs []string
}

// Context returns the context owning the device.
func (d *Device) Context() *Context { return d.ctx }

// ID returns the device id, e.g. "iio:device0".
func (d *Device) ID() string { return d.id }

// Name returns the device name, "" if it has none.
func (d *Device) Name() string { return d.name }

// Label returns the device label, "" if it has none.
func (d *Device) Label() string { return d.label }

// IsTrigger reports whether the device is a trigger.
func (d *Device) IsTrigger() bool {
	return strings.HasPrefix(d.id, "trigger")
}

// Channels returns the device channels ordered by scan index.
func (d *Device) Channels() []*Channel { return d.channels }

// Channel returns the channel at position i, nil if out of range.
func (d *Device) Channel(i int) *Channel {
	if i < 0 || i >= len(d.channels) {
		return nil
	}
	return d.channels[i]
}

// FindChannel returns the channel matching name by id, or by name, with
// the given direction.
func (d *Device) FindChannel(name string, output bool) *Channel {
	for _, c := range d.channels {
		if c.output != output {
			continue
		}
		if c.id == name || (c.name != "" && c.name == name) {
			return c
		}
	}
	return nil
}

// Attrs returns the device attributes.
func (d *Device) Attrs() AttrList { return d.attrs }

// FindAttr returns the named device attribute, nil if none.
func (d *Device) FindAttr(name string) *Attr { return d.attrs.Find(name) }

// DebugAttrs returns the debug attributes.
func (d *Device) DebugAttrs() AttrList { return d.debugAttrs }

// FindDebugAttr returns the named debug attribute, nil if none.
func (d *Device) FindDebugAttr(name string) *Attr { return d.debugAttrs.Find(name) }

// BufferAttrNames lists the attributes every buffer of this device has.
func (d *Device) BufferAttrNames() []string { return d.bufferAttrs }

// NewChannelsMask returns an empty mask sized for this device.
func (d *Device) NewChannelsMask() *ChannelsMask {
	return NewChannelsMask(len(d.channels))
}

// IsTX reports whether buffers of this device send data to the hardware.
func (d *Device) IsTX() bool {
	for _, c := range d.channels {
		if c.output && c.scanElement {
			return true
		}
	}
	return false
}

// SampleSize returns the size in bytes of one sample with the channels
// of mask enabled. Channels sharing a scan index share storage, and each
// element is aligned on its own size.
func (d *Device) SampleSize(mask *ChannelsMask) (int, error) {
	if mask == nil || mask.Len() != len(d.channels) {
		return 0, deviceError("SAMPLE_SIZE", d, unix.EINVAL)
	}
	return sampleSize(d.channels, mask), nil
}

func sampleSize(channels []*Channel, mask *ChannelsMask) int {
	size, largest := 0, 1
	var prev *Channel

	for _, c := range channels {
		if c.index < 0 {
			continue
		}
		if !mask.IsEnabled(c.number) {
			continue
		}
		if prev != nil && c.index == prev.index {
			prev = c
			continue
		}

		length := c.format.SampleBytes()
		if length == 0 {
			prev = c
			continue
		}
		if length > largest {
			largest = length
		}
		if size%length != 0 {
			size += 2*length - size%length
		} else {
			size += length
		}
		prev = c
	}

	if size%largest != 0 {
		size += largest - size%largest
	}
	return size
}

// Trigger returns the trigger assigned to the device. It fails with
// ENODEV if none is assigned and ENOSYS if the backend has no triggers.
func (d *Device) Trigger() (*Device, error) {
	tb, ok := d.ctx.backend.(interfaces.TriggerBackend)
	if !ok {
		return nil, deviceError("GET_TRIGGER", d, unix.ENOSYS)
	}

	idx, err := tb.Trigger(d.number)
	if err != nil {
		return nil, deviceError("GET_TRIGGER", d, err)
	}
	trig := d.ctx.Device(idx)
	if trig == nil {
		return nil, deviceError("GET_TRIGGER", d, unix.ENODEV)
	}
	return trig, nil
}

// SetTrigger assigns trig to the device; nil removes the trigger.
func (d *Device) SetTrigger(trig *Device) error {
	tb, ok := d.ctx.backend.(interfaces.TriggerBackend)
	if !ok {
		return deviceError("SET_TRIGGER", d, unix.ENOSYS)
	}

	idx := -1
	if trig != nil {
		if !trig.IsTrigger() {
			return deviceError("SET_TRIGGER", d, unix.EINVAL)
		}
		idx = trig.number
	}
	return deviceError("SET_TRIGGER", d, tb.SetTrigger(d.number, idx))
}
