package iio

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/constants"
)

// IPAddress is the parsed argument of an "ip:" URI.
type IPAddress struct {
	Host string // without brackets; "" asks for service discovery
	Port uint16
}

// ParseIPAddress parses "host", "host:port", an IPv6 literal, or
// "[ipv6]:port". The port defaults to 30431. A malformed port is ENOENT.
func ParseIPAddress(s string) (IPAddress, error) {
	addr := IPAddress{Host: s, Port: constants.IIODPort}

	first := strings.IndexByte(s, ':')
	last := strings.LastIndexByte(s, ':')

	var port string
	switch {
	case first < 0:
	case first == last:
		addr.Host, port = s[:first], s[first+1:]
	case last > 0 && s[last-1] == ']':
		if !strings.HasPrefix(s, "[") {
			return addr, unix.EINVAL
		}
		addr.Host, port = s[1:last-1], s[last+1:]
	default:
		// Bare IPv6 literal
	}
	addr.Host = strings.TrimSuffix(strings.TrimPrefix(addr.Host, "["), "]")

	if port != "" || first == last && first >= 0 {
		p, err := strconv.ParseUint(port, 0, 16)
		if err != nil {
			return addr, unix.ENOENT
		}
		addr.Port = uint16(p)
	}
	return addr, nil
}

// Parity of a serial link.
type Parity byte

const (
	ParityNone  Parity = 'n'
	ParityOdd   Parity = 'o'
	ParityEven  Parity = 'e'
	ParityMark  Parity = 'm'
	ParitySpace Parity = 's'
)

// FlowControl of a serial link.
type FlowControl byte

const (
	FlowNone    FlowControl = 'n'
	FlowXonXoff FlowControl = 'x'
	FlowRTSCTS  FlowControl = 'r'
	FlowDTRDSR  FlowControl = 'd'
)

// SerialParams is the parsed argument of a "serial:" URI.
type SerialParams struct {
	Port     string
	Baud     uint
	Bits     uint
	StopBits uint
	Parity   Parity
	Flow     FlowControl
}

// ParseSerialParams parses "port[,baud[,config]]" where config is
// data bits, parity, stop bits and flow control, e.g. "8n1x". Defaults
// are 115200 8n1 without flow control.
func ParseSerialParams(s string) (SerialParams, error) {
	p := SerialParams{Baud: 115200, Bits: 8, StopBits: 1, Parity: ParityNone, Flow: FlowNone}

	port, opts, _ := strings.Cut(s, ",")
	if port == "" {
		return p, unix.EINVAL
	}
	p.Port = port
	if opts == "" {
		return p, nil
	}

	num := func() (uint, bool) {
		i := 0
		for i < len(opts) && opts[i] >= '0' && opts[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, false
		}
		v, err := strconv.ParseUint(opts[:i], 10, 32)
		opts = strings.TrimPrefix(opts[i:], ",")
		return uint(v), err == nil
	}

	var ok bool
	if p.Baud, ok = num(); !ok || p.Baud < 110 || p.Baud > 4000000 {
		return p, unix.EINVAL
	}
	if opts == "" {
		return p, nil
	}

	if p.Bits, ok = num(); !ok || p.Bits < 5 || p.Bits > 9 {
		return p, unix.EINVAL
	}
	if opts == "" {
		return p, nil
	}

	switch c := Parity(toLower(opts[0])); c {
	case ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
		p.Parity = c
	default:
		return p, unix.EINVAL
	}
	opts = strings.TrimPrefix(opts[1:], ",")
	if opts == "" {
		return p, nil
	}

	if p.StopBits, ok = num(); !ok || p.StopBits == 0 || p.StopBits > 2 {
		return p, unix.EINVAL
	}
	if opts == "" {
		return p, nil
	}

	switch c := FlowControl(toLower(opts[0])); c {
	case FlowNone, FlowXonXoff, FlowRTSCTS, FlowDTRDSR:
		p.Flow = c
	default:
		return p, unix.EINVAL
	}
	if len(opts) > 1 {
		return p, unix.EINVAL
	}
	return p, nil
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// USBAddress is the parsed argument of a "usb:" URI.
type USBAddress struct {
	Bus, Addr, Interface uint8
}

// ParseUSBAddress parses "bus.addr[.iface]".
func ParseUSBAddress(s string) (USBAddress, error) {
	var a USBAddress

	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return a, unix.EINVAL
	}

	vals := make([]uint8, 3)
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return a, unix.EINVAL
		}
		vals[i] = uint8(v)
	}

	a.Bus, a.Addr, a.Interface = vals[0], vals[1], vals[2]
	return a, nil
}

// splitURI separates the backend prefix from its arguments.
func splitURI(uri string) (scheme, args string, err error) {
	scheme, args, ok := strings.Cut(uri, ":")
	if !ok || scheme == "" {
		return "", "", unix.EINVAL
	}
	return scheme, args, nil
}
