// Package serial implements the "serial:" backend: an IIO daemon reached
// over a UART, e.g. a microcontroller running a tiny IIOD.
//
// URIs take the form serial:<port>[,<baud>[,<config>]], where config is
// data bits, parity, stop bits and flow control: "115200,8n1x".
package serial

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/iiod"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
)

func init() {
	iio.RegisterBackend(iio.BackendDescriptor{
		Name:           "serial",
		Scheme:         "serial",
		DefaultTimeout: constants.SerialTimeout,
		Create:         create,
		Scan:           scan,
	})
}

func create(args string, p iio.BackendParams) (iio.Backend, *iio.ContextInfo, error) {
	sp, err := iio.ParseSerialParams(args)
	if err != nil {
		return nil, nil, err
	}
	return Open(sp, p.Timeout, p.Logger)
}

var baudRates = map[uint]uint32{
	110: unix.B110, 300: unix.B300, 600: unix.B600, 1200: unix.B1200,
	2400: unix.B2400, 4800: unix.B4800, 9600: unix.B9600,
	19200: unix.B19200, 38400: unix.B38400, 57600: unix.B57600,
	115200: unix.B115200, 230400: unix.B230400, 460800: unix.B460800,
	500000: unix.B500000, 576000: unix.B576000, 921600: unix.B921600,
	1000000: unix.B1000000, 1152000: unix.B1152000, 1500000: unix.B1500000,
	2000000: unix.B2000000, 2500000: unix.B2500000, 3000000: unix.B3000000,
	3500000: unix.B3500000, 4000000: unix.B4000000,
}

var charSizes = map[uint]uint32{5: unix.CS5, 6: unix.CS6, 7: unix.CS7, 8: unix.CS8}

// configure puts t in raw mode with the line settings of p. Reads return
// immediately; the transport polls for readiness.
func configure(t *unix.Termios, p iio.SerialParams) error {
	rate, ok := baudRates[p.Baud]
	if !ok {
		return unix.EINVAL
	}
	size, ok := charSizes[p.Bits]
	if !ok {
		return unix.EINVAL
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CMSPAR |
		unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= size | unix.CREAD | unix.CLOCAL | rate
	t.Ispeed, t.Ospeed = rate, rate

	switch p.Parity {
	case iio.ParityNone:
	case iio.ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case iio.ParityEven:
		t.Cflag |= unix.PARENB
	case iio.ParityMark:
		t.Cflag |= unix.PARENB | unix.CMSPAR | unix.PARODD
	case iio.ParitySpace:
		t.Cflag |= unix.PARENB | unix.CMSPAR
	default:
		return unix.EINVAL
	}
	if p.Parity != iio.ParityNone {
		t.Iflag |= unix.INPCK
	}

	switch p.StopBits {
	case 1:
	case 2:
		t.Cflag |= unix.CSTOPB
	default:
		return unix.EINVAL
	}

	switch p.Flow {
	case iio.FlowNone:
	case iio.FlowXonXoff:
		t.Iflag |= unix.IXON | unix.IXOFF
	case iio.FlowRTSCTS:
		t.Cflag |= unix.CRTSCTS
	default:
		// The tty layer has no DTR/DSR handshake
		return unix.ENOTSUP
	}

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	return nil
}

// openPort opens and configures the tty at path.
func openPort(path string, p iio.SerialParams) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err == nil {
		err = configure(t, p)
	}
	if err == nil {
		err = unix.IoctlSetTermios(fd, unix.TCSETS, t)
	}
	if err == nil {
		err = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
	}
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Backend is a context served over a serial line. Everything, buffers
// included, shares the one link.
type Backend struct {
	port   string
	client *iiod.Client
}

// Open configures the serial port and fetches the context description.
func Open(p iio.SerialParams, timeout time.Duration, log *logging.Logger) (*Backend, *interfaces.ContextInfo, error) {
	if log == nil {
		log = logging.Default()
	}

	fd, err := openPort(p.Port, p)
	if err != nil {
		return nil, nil, err
	}
	conn, err := iiod.NewFDConn(fd, timeout)
	if err != nil {
		unix.Close(fd)
		return nil, nil, err
	}

	client, err := iiod.NewClient(conn, timeout, log)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	info, err := client.ContextInfo()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	info.Attrs = append(info.Attrs, interfaces.ContextAttr{Name: "serial,port", Value: p.Port})

	log.Debug("serial link up", "port", p.Port, "baud", p.Baud, "binary", client.Binary())
	return &Backend{port: p.Port, client: client}, info, nil
}

// ReadAttr implements the Backend interface
func (b *Backend) ReadAttr(ref interfaces.AttrRef, dst []byte) (int, error) {
	return b.client.ReadAttr(ref, dst)
}

// WriteAttr implements the Backend interface
func (b *Backend) WriteAttr(ref interfaces.AttrRef, src []byte) (int, error) {
	return b.client.WriteAttr(ref, src)
}

// Trigger implements the TriggerBackend interface
func (b *Backend) Trigger(dev int) (int, error) { return b.client.Trigger(dev) }

// SetTrigger implements the TriggerBackend interface
func (b *Backend) SetTrigger(dev, trig int) error { return b.client.SetTrigger(dev, trig) }

// Version implements the VersionBackend interface
func (b *Backend) Version() (uint, uint, string, error) { return b.client.Version() }

// SetTimeout implements the TimeoutBackend interface
func (b *Backend) SetTimeout(d time.Duration) error { return b.client.SetTimeout(d) }

// Port returns the tty the backend talks through.
func (b *Backend) Port() string { return b.port }

// Close implements the Backend interface
func (b *Backend) Close() error { return b.client.Close() }

// CreateBuffer implements the BufferBackend interface
func (b *Backend) CreateBuffer(p interfaces.BufferParams) (interfaces.Buffer, error) {
	buf, err := b.client.CreateBuffer(p)
	if err != nil {
		return nil, err
	}
	return &Buffer{b: b, buf: buf}, nil
}

// OpenEventStream implements the EventBackend interface
func (b *Backend) OpenEventStream(dev int) (interfaces.EventStream, error) {
	s, err := b.client.OpenEventStream(dev)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Buffer is a remote buffer on the shared serial link.
type Buffer struct {
	b   *Backend
	buf *iiod.Buffer

	closeOnce sync.Once
}

// Enable implements the Buffer interface
func (buf *Buffer) Enable(nbSamples int, enable, cyclic bool) error {
	return buf.buf.Enable(nbSamples, enable, cyclic)
}

// Cancel implements the Buffer interface. In the binary dialect only the
// buffer's block transfers are aborted. The text dialect has no way to
// interrupt a transfer without tearing the link down, so the whole
// context becomes unusable.
func (buf *Buffer) Cancel() {
	buf.buf.Cancel()
	if !buf.b.client.Binary() {
		buf.b.client.Cancel()
	}
}

// Close implements the Buffer interface
func (buf *Buffer) Close() error {
	buf.closeOnce.Do(func() { _ = buf.buf.Close() })
	return nil
}

// ReadBuf implements the StreamIO interface
func (buf *Buffer) ReadBuf(dst []byte) (int, error) { return buf.buf.ReadBuf(dst) }

// WriteBuf implements the StreamIO interface
func (buf *Buffer) WriteBuf(src []byte) (int, error) { return buf.buf.WriteBuf(src) }

// CreateBlock implements the BlockCreator interface
func (buf *Buffer) CreateBlock(size int) (interfaces.Block, []byte, error) {
	blk, err := buf.buf.CreateBlock(size)
	if err != nil {
		return nil, nil, err
	}
	return blk, blk.Data(), nil
}

// Compile-time interface checks
var (
	_ interfaces.TriggerBackend = (*Backend)(nil)
	_ interfaces.VersionBackend = (*Backend)(nil)
	_ interfaces.TimeoutBackend = (*Backend)(nil)
	_ interfaces.BufferBackend  = (*Backend)(nil)
	_ interfaces.EventBackend   = (*Backend)(nil)
	_ interfaces.StreamIO       = (*Buffer)(nil)
	_ interfaces.BlockCreator   = (*Buffer)(nil)
)
