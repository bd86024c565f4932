package iio

import "math/bits"

// ChannelsMask is a bit set over the channel indices of a device.
// Indices outside [0, Len()) are ignored.
type ChannelsMask struct {
	words []uint32
	nb    int
}

// NewChannelsMask returns an empty mask able to hold nbChannels channels.
func NewChannelsMask(nbChannels int) *ChannelsMask {
	if nbChannels < 0 {
		nbChannels = 0
	}
	return &ChannelsMask{
		words: make([]uint32, (nbChannels+31)/32),
		nb:    nbChannels,
	}
}

// Len returns the capacity of the mask.
func (m *ChannelsMask) Len() int {
	return m.nb
}

func (m *ChannelsMask) valid(i int) bool {
	return i >= 0 && i < m.nb
}

// Enable sets bit i.
func (m *ChannelsMask) Enable(i int) {
	if m.valid(i) {
		m.words[i/32] |= 1 << (uint(i) % 32)
	}
}

// Disable clears bit i.
func (m *ChannelsMask) Disable(i int) {
	if m.valid(i) {
		m.words[i/32] &^= 1 << (uint(i) % 32)
	}
}

// IsEnabled reports whether bit i is set.
func (m *ChannelsMask) IsEnabled(i int) bool {
	return m.valid(i) && m.words[i/32]&(1<<(uint(i)%32)) != 0
}

// CountEnabled returns the number of set bits.
func (m *ChannelsMask) CountEnabled() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount32(w)
	}
	return n
}

// Copy returns an independent copy of the mask.
func (m *ChannelsMask) Copy() *ChannelsMask {
	c := &ChannelsMask{
		words: make([]uint32, len(m.words)),
		nb:    m.nb,
	}
	copy(c.words, m.words)
	return c
}

// Words returns a copy of the mask as 32-bit words, lowest channels first.
func (m *ChannelsMask) Words() []uint32 {
	w := make([]uint32, len(m.words))
	copy(w, m.words)
	return w
}

func (m *ChannelsMask) setWords(w []uint32) {
	copy(m.words, w)
	if r := m.nb % 32; r != 0 && len(m.words) > 0 {
		m.words[len(m.words)-1] &= 1<<uint(r) - 1
	}
}
