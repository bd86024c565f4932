// Package usb implements the "usb:" backend: an IIO daemon reached over
// the bulk endpoints of a USB interface named "IIO".
//
// The interface carries couples of IN/OUT endpoints. The first couple
// serves attributes, triggers and events; every buffer reserves one of
// the others. Vendor requests on the interface open and close the pipe of
// a couple on the device side.
//
// URIs take the form usb:<bus>.<address>[.<interface>]. A bare "usb:"
// opens the only IIO device on the system.
package usb

import (
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/iiod"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
)

func init() {
	iio.RegisterBackend(iio.BackendDescriptor{
		Name:           "usb",
		Scheme:         "usb",
		DefaultTimeout: constants.USBTimeout,
		Create:         create,
		Scan:           scan,
	})
}

func create(args string, p iio.BackendParams) (iio.Backend, *iio.ContextInfo, error) {
	log := p.Logger
	if log == nil {
		log = logging.Default()
	}
	if args == "" {
		found, err := ScanDevices("")
		if err != nil {
			return nil, nil, err
		}
		if len(found) != 1 {
			log.Error("bare usb: URI needs exactly one IIO device", "found", len(found))
			return nil, nil, unix.ENXIO
		}
		args = strings.TrimPrefix(found[0].URI, "usb:")
	}

	addr, err := iio.ParseUSBAddress(args)
	if err != nil {
		return nil, nil, err
	}
	return Open(addr, p.Timeout, log)
}

// Vendor requests of the IIO interface.
const (
	cmdResetPipes = 0
	cmdOpenPipe   = 1
	cmdClosePipe  = 2

	pipeCtlTimeout = time.Second
	pipeCtlType    = uint8(gousb.ControlVendor) | uint8(gousb.ControlInterface) | uint8(gousb.ControlOut)
)

// controller issues control transfers on the default endpoint.
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// port is a claimed IIO interface.
type port struct {
	ctrl    controller
	intf    uint16
	couples []couple

	desc  string
	attrs []interfaces.ContextAttr

	// release gives the interface and the device back
	release func() error
}

func (p *port) pipeCtl(cmd uint8, pipe uint16) error {
	if _, err := p.ctrl.Control(pipeCtlType, cmd, pipe, p.intf, nil); err != nil {
		return usbErrno(err)
	}
	return nil
}

// Backend is a context served over USB.
type Backend struct {
	log  *logging.Logger
	port *port

	client *iiod.Client
	info   *interfaces.ContextInfo

	mu      sync.Mutex
	timeout time.Duration
	inUse   []bool
}

// newBackend resets the pipes of p and runs an IIOD session on its first
// couple. p is released on failure.
func newBackend(p *port, timeout time.Duration, log *logging.Logger) (*Backend, *interfaces.ContextInfo, error) {
	if log == nil {
		log = logging.Default()
	}
	fail := func(err error) (*Backend, *interfaces.ContextInfo, error) {
		_ = p.pipeCtl(cmdResetPipes, 0)
		if p.release != nil {
			_ = p.release()
		}
		return nil, nil, err
	}

	if len(p.couples) == 0 {
		return fail(unix.EINVAL)
	}
	if err := p.pipeCtl(cmdResetPipes, 0); err != nil {
		log.Error("failed to reset pipes", "error", err)
		return fail(err)
	}
	if err := p.pipeCtl(cmdOpenPipe, 0); err != nil {
		log.Error("failed to open control pipe", "error", err)
		return fail(err)
	}

	conn := newBulkConn(p.couples[0], nil)
	client, err := iiod.NewClient(conn, timeout, log)
	if err != nil {
		conn.Close()
		return fail(err)
	}

	info, err := client.ContextInfo()
	if err != nil {
		client.Close()
		return fail(err)
	}
	if !client.Binary() && info.Major == 0 && info.Minor == 0 {
		if major, minor, tag, err := client.Version(); err == nil {
			info.Major, info.Minor, info.Tag = major, minor, tag
		}
	}
	if p.desc != "" {
		info.Description = p.desc
	}
	info.Attrs = append(info.Attrs, p.attrs...)

	b := &Backend{
		log:     log,
		port:    p,
		client:  client,
		info:    info,
		timeout: timeout,
		inUse:   make([]bool, len(p.couples)),
	}
	b.inUse[0] = true
	log.Debug("usb context ready", "couples", len(p.couples), "binary", client.Binary())
	return b, info, nil
}

// Client returns the IIOD client of the first couple.
func (b *Backend) Client() *iiod.Client { return b.client }

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
func (b *Backend) Version() (uint, uint, string, error) {
	major, minor, tag, err := b.client.Version()
	if err == unix.ENOSYS && (b.info.Major != 0 || b.info.Minor != 0) {
		return b.info.Major, b.info.Minor, b.info.Tag, nil
	}
	return major, minor, tag, err
}

// SetTimeout implements the TimeoutBackend interface
func (b *Backend) SetTimeout(d time.Duration) error {
	if err := b.client.SetTimeout(d); err != nil {
		return err
	}
	b.mu.Lock()
	b.timeout = d
	b.mu.Unlock()
	return nil
}

// Close implements the Backend interface. Every pipe is reset.
func (b *Backend) Close() error {
	err := b.client.Close()
	_ = b.port.pipeCtl(cmdResetPipes, 0)
	if b.port.release != nil {
		if rerr := b.port.release(); err == nil {
			err = rerr
		}
	}
	return err
}

// reserve takes a free couple. EBUSY when all are in use.
func (b *Backend) reserve() (int, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, used := range b.inUse {
		if !used {
			b.inUse[i] = true
			return i, b.timeout, nil
		}
	}
	return 0, 0, unix.EBUSY
}

func (b *Backend) free(i int) {
	b.mu.Lock()
	b.inUse[i] = false
	b.mu.Unlock()
}

// CreateBuffer implements the BufferBackend interface. The buffer runs its
// own IIOD session on a reserved couple.
func (b *Backend) CreateBuffer(p interfaces.BufferParams) (interfaces.Buffer, error) {
	idx, timeout, err := b.reserve()
	if err != nil {
		b.log.Debug("no free endpoint couple", "dev", p.DevID)
		return nil, err
	}
	pipe := uint16(idx)
	if err := b.port.pipeCtl(cmdOpenPipe, pipe); err != nil {
		b.free(idx)
		return nil, err
	}

	conn := newBulkConn(b.port.couples[idx], func() error {
		err := b.port.pipeCtl(cmdClosePipe, pipe)
		b.free(idx)
		return err
	})
	client, err := iiod.NewClient(conn, timeout, b.log.WithDevice(p.DevID).WithBuffer(p.Idx))
	if err != nil {
		conn.Close()
		return nil, err
	}
	client.SetInfo(b.info)

	buf, err := client.CreateBuffer(p)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &Buffer{client: client, buf: buf}, nil
}

// OpenEventStream implements the EventBackend interface
func (b *Backend) OpenEventStream(dev int) (interfaces.EventStream, error) {
	s, err := b.client.OpenEventStream(dev)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Buffer is a remote buffer on its endpoint couple.
type Buffer struct {
	client *iiod.Client
	buf    *iiod.Buffer

	closeOnce sync.Once
	closeErr  error
}

// Enable implements the Buffer interface
func (b *Buffer) Enable(nbSamples int, enable, cyclic bool) error {
	return b.buf.Enable(nbSamples, enable, cyclic)
}

// Cancel implements the Buffer interface
func (b *Buffer) Cancel() {
	b.buf.Cancel()
	b.client.Cancel()
}

// Close implements the Buffer interface. The couple is free again once
// Close returns.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() {
		_ = b.buf.Close()
		b.closeErr = b.client.Close()
	})
	return b.closeErr
}

// ReadBuf implements the StreamIO interface
func (b *Buffer) ReadBuf(dst []byte) (int, error) { return b.buf.ReadBuf(dst) }

// WriteBuf implements the StreamIO interface
func (b *Buffer) WriteBuf(src []byte) (int, error) { return b.buf.WriteBuf(src) }

// CreateBlock implements the BlockCreator interface
func (b *Buffer) CreateBlock(size int) (interfaces.Block, []byte, error) {
	blk, err := b.buf.CreateBlock(size)
	if err != nil {
		return nil, nil, err
	}
	return blk, blk.Data(), nil
}

// Compile-time interface checks
var (
	_ interfaces.Backend        = (*Backend)(nil)
	_ interfaces.TriggerBackend = (*Backend)(nil)
	_ interfaces.VersionBackend = (*Backend)(nil)
	_ interfaces.TimeoutBackend = (*Backend)(nil)
	_ interfaces.BufferBackend  = (*Backend)(nil)
	_ interfaces.EventBackend   = (*Backend)(nil)
	_ interfaces.Buffer         = (*Buffer)(nil)
	_ interfaces.StreamIO       = (*Buffer)(nil)
	_ interfaces.BlockCreator   = (*Buffer)(nil)
)
