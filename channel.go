package iio

// Channel is one signal path of a device.
type Channel struct {
	dev    *Device
	number int

	id          string
	name        string
	output      bool
	scanElement bool
	index       int64
	format      DataFormat

	typ      ChanType
	modifier Modifier
	attrs    AttrList
}

// Device returns the device the channel belongs to.
func (c *Channel) Device() *Device { return c.dev }

// ID returns the channel id, e.g. "voltage0".
func (c *Channel) ID() string { return c.id }

// Name returns the channel name, "" if it has none.
func (c *Channel) Name() string { return c.name }

// IsOutput reports whether the channel is an output.
func (c *Channel) IsOutput() bool { return c.output }

// IsScanElement reports whether the channel takes part in buffered I/O.
func (c *Channel) IsScanElement() bool { return c.scanElement }

// Index returns the scan index, negative for channels without one.
func (c *Channel) Index() int64 { return c.index }

// Number returns the position of the channel in its device, which is the
// bit it occupies in a ChannelsMask.
func (c *Channel) Number() int { return c.number }

// Format returns the sample layout.
func (c *Channel) Format() DataFormat { return c.format }

// Type returns the channel type derived from its id.
func (c *Channel) Type() ChanType { return c.typ }

// Modifier returns the channel modifier derived from its id.
func (c *Channel) Modifier() Modifier { return c.modifier }

// Attrs returns the channel attributes.
func (c *Channel) Attrs() AttrList { return c.attrs }

// FindAttr returns the named attribute, nil if none.
func (c *Channel) FindAttr(name string) *Attr { return c.attrs.Find(name) }

// Enable sets the channel in mask.
func (c *Channel) Enable(mask *ChannelsMask) {
	if c.scanElement {
		mask.Enable(c.number)
	}
}

// Disable clears the channel from mask.
func (c *Channel) Disable(mask *ChannelsMask) {
	mask.Disable(c.number)
}

// IsEnabled reports whether the channel is set in mask.
func (c *Channel) IsEnabled(mask *ChannelsMask) bool {
	return mask.IsEnabled(c.number)
}

// Convert converts one raw sample to host format.
func (c *Channel) Convert(dst, src []byte) {
	c.format.Convert(dst, src)
}

// ConvertInverse converts one host-format sample to the hardware format.
func (c *Channel) ConvertInverse(dst, src []byte) {
	c.format.ConvertInverse(dst, src)
}

// Read de-interleaves the channel's samples from a dequeued block into
// dst, converting them unless raw is set. It returns the bytes stored.
func (c *Channel) Read(b *Block, dst []byte, raw bool) int {
	length := c.format.SampleBytes()
	step := b.buf.sampleSize
	end := b.End()

	if raw && step == length {
		return copy(dst, b.data[:end])
	}

	d := 0
	for off := b.First(c); off < end && d+length <= len(dst); off += step {
		if raw {
			copy(dst[d:d+length], b.data[off:off+length])
		} else {
			c.format.Convert(dst[d:d+length], b.data[off:off+length])
		}
		d += length
	}
	return d
}

// Write interleaves samples from src into the channel's slots of a
// dequeued block, converting them unless raw is set. It returns the bytes
// consumed.
func (c *Channel) Write(b *Block, src []byte, raw bool) int {
	length := c.format.SampleBytes()
	step := b.buf.sampleSize
	end := b.End()

	if raw && step == length {
		return copy(b.data[:end], src)
	}

	s := 0
	for off := b.First(c); off < end && s+length <= len(src); off += step {
		if raw {
			copy(b.data[off:off+length], src[s:s+length])
		} else {
			c.format.ConvertInverse(b.data[off:off+length], src[s:s+length])
		}
		s += length
	}
	return s
}
