package iio

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DataFormat describes how one sample of a channel is laid out in a block.
type DataFormat struct {
	Length       uint // storage bits per element
	Bits         uint // significant bits
	Shift        uint // right shift applied to the stored value
	Signed       bool
	FullyDefined bool // value needs no masking or sign extension
	BigEndian    bool
	Repeat       uint // number of elements per sample

	WithScale bool
	Scale     float64
	Offset    float64
}

// ParseDataFormat parses the kernel scan element type string, e.g.
// "le:s12/16>>4" or "be:U16/16X2>>0".
func ParseDataFormat(s string) (DataFormat, error) {
	var f DataFormat

	if len(s) < 5 || s[1:3] != "e:" || (s[0] != 'l' && s[0] != 'b') {
		return f, unix.EINVAL
	}
	f.BigEndian = s[0] == 'b'

	sign := s[3]
	switch sign {
	case 's', 'S':
		f.Signed = true
	case 'u', 'U':
	default:
		return f, unix.EINVAL
	}

	rest := s[4:]
	slash := strings.IndexByte(rest, '/')
	shr := strings.Index(rest, ">>")
	if slash < 0 || shr < slash {
		return f, unix.EINVAL
	}

	bits, err := strconv.ParseUint(rest[:slash], 10, 32)
	if err != nil {
		return f, unix.EINVAL
	}

	length := rest[slash+1 : shr]
	f.Repeat = 1
	if x := strings.IndexByte(length, 'X'); x >= 0 {
		repeat, err := strconv.ParseUint(length[x+1:], 10, 32)
		if err != nil {
			return f, unix.EINVAL
		}
		f.Repeat = uint(repeat)
		length = length[:x]
	}

	l, err := strconv.ParseUint(length, 10, 32)
	if err != nil {
		return f, unix.EINVAL
	}

	shift, err := strconv.ParseUint(rest[shr+2:], 10, 32)
	if err != nil {
		return f, unix.EINVAL
	}

	f.Bits = uint(bits)
	f.Length = uint(l)
	f.Shift = uint(shift)
	f.FullyDefined = sign == 'S' || sign == 'U' || f.Bits == f.Length
	return f, nil
}

// String formats f back into the scan element type syntax.
func (f DataFormat) String() string {
	e := 'l'
	if f.BigEndian {
		e = 'b'
	}
	s := 'u'
	if f.Signed {
		s = 's'
	}
	if f.FullyDefined {
		s -= 'a' - 'A'
	}
	repeat := ""
	if f.Repeat > 1 {
		repeat = fmt.Sprintf("X%d", f.Repeat)
	}
	return fmt.Sprintf("%ce:%c%d/%d%s>>%d", e, s, f.Bits, f.Length, repeat, f.Shift)
}

// SampleBytes returns the storage size of one sample of the channel.
func (f DataFormat) SampleBytes() int {
	return int(f.Length/8) * int(f.repeat())
}

func (f DataFormat) repeat() uint {
	if f.Repeat == 0 {
		return 1
	}
	return f.Repeat
}

func (f DataFormat) order() binary.ByteOrder {
	if f.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func load(b []byte, order binary.ByteOrder) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	default:
		return order.Uint64(b)
	}
}

func store(b []byte, order binary.ByteOrder, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	default:
		order.PutUint64(b, v)
	}
}

func wordSized(n int) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}

// Convert turns one raw sample in src into a host-endian, shifted and
// sign-extended value in dst. Both must hold SampleBytes bytes.
func (f DataFormat) Convert(dst, src []byte) {
	n := int(f.Length / 8)
	if !wordSized(n) {
		copy(dst[:f.SampleBytes()], src)
		return
	}

	for r := 0; r < int(f.repeat()); r++ {
		v := load(src[r*n:(r+1)*n], f.order())
		v >>= f.Shift

		if !f.FullyDefined && f.Bits > 0 && f.Bits < 64 {
			mask := uint64(1)<<f.Bits - 1
			v &= mask
			if f.Signed && v&(1<<(f.Bits-1)) != 0 {
				v |= ^mask
			}
		}

		store(dst[r*n:(r+1)*n], binary.NativeEndian, v)
	}
}

// ConvertInverse is the reverse of Convert: it packs a host-endian value
// into the channel's hardware format.
func (f DataFormat) ConvertInverse(dst, src []byte) {
	n := int(f.Length / 8)
	if !wordSized(n) {
		copy(dst[:f.SampleBytes()], src)
		return
	}

	for r := 0; r < int(f.repeat()); r++ {
		v := load(src[r*n:(r+1)*n], binary.NativeEndian)
		if f.Bits > 0 && f.Bits < 64 {
			v &= uint64(1)<<f.Bits - 1
		}
		v <<= f.Shift
		store(dst[r*n:(r+1)*n], f.order(), v)
	}
}
