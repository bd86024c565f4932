// Package network implements the "ip:" backend: a context served by a
// remote IIO daemon over TCP.
//
// Import it for its side effect of registering the backend:
//
//	import _ "github.com/ehrlich-b/go-iio/backend/network"
package network

import (
	"errors"
	"net"
	"strconv"
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
		Name:           "network",
		Scheme:         "ip",
		DefaultTimeout: constants.NetworkTimeout,
		Create:         create,
	})
}

func create(args string, p iio.BackendParams) (iio.Backend, *iio.ContextInfo, error) {
	addr, err := iio.ParseIPAddress(args)
	if err != nil {
		return nil, nil, err
	}
	if addr.Host == "" {
		// No service discovery: a host is required
		return nil, nil, unix.ENOSYS
	}
	return Open(net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port))), p.Timeout, p.Logger)
}

// Backend is a context served by a remote daemon. Attribute, trigger and
// event traffic share one connection; every buffer gets its own.
type Backend struct {
	addr string
	log  *logging.Logger

	client *iiod.Client
	info   *interfaces.ContextInfo

	mu      sync.Mutex
	timeout time.Duration
}

// Open connects to the daemon at addr ("host:port") and fetches the
// context description.
func Open(addr string, timeout time.Duration, log *logging.Logger) (*Backend, *interfaces.ContextInfo, error) {
	if log == nil {
		log = logging.Default()
	}

	client, err := connect(addr, timeout, log)
	if err != nil {
		return nil, nil, err
	}

	info, err := client.ContextInfo()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	if !client.Binary() && info.Major == 0 && info.Minor == 0 {
		if major, minor, tag, err := client.Version(); err == nil {
			info.Major, info.Minor, info.Tag = major, minor, tag
		}
	}

	host, _, _ := net.SplitHostPort(addr)
	info.Attrs = append(info.Attrs, interfaces.ContextAttr{Name: "ip,ip-addr", Value: host})

	b := &Backend{
		addr:    addr,
		log:     log,
		client:  client,
		info:    info,
		timeout: timeout,
	}
	log.Debug("connected", "addr", addr, "binary", client.Binary())
	return b, info, nil
}

// connect dials addr and runs the dialect negotiation on the socket.
func connect(addr string, timeout time.Duration, log *logging.Logger) (*iiod.Client, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	client, err := iiod.NewClient(conn, timeout, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// dial opens a TCP connection and detaches its descriptor from the Go
// runtime poller so the IIOD transport can wait on it together with its
// canceller.
func dial(addr string) (*iiod.FDConn, error) {
	d := net.Dialer{Timeout: constants.ConnectTimeout, KeepAlive: 10 * time.Second}
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, dialErrno(err)
	}
	defer nc.Close()

	rc, err := nc.(*net.TCPConn).SyscallConn()
	if err != nil {
		return nil, unix.EIO
	}

	fd := -1
	var dupErr error
	if err := rc.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, unix.EIO
	}
	if dupErr != nil {
		return nil, dupErr
	}

	conn, err := iiod.NewFDConn(fd, 0)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return conn, nil
}

// dialErrno maps a dial failure to an errno.
func dialErrno(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return unix.ENOENT
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return unix.ETIMEDOUT
	}
	return unix.EIO
}

// Client returns the IIOD client of the control connection.
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
func (b *Backend) Trigger(dev int) (int, error) {
	return b.client.Trigger(dev)
}

// SetTrigger implements the TriggerBackend interface
func (b *Backend) SetTrigger(dev, trig int) error {
	return b.client.SetTrigger(dev, trig)
}

// Version implements the VersionBackend interface. Binary-only daemons do
// not answer VERSION; the version then comes from the context description.
func (b *Backend) Version() (uint, uint, string, error) {
	major, minor, tag, err := b.client.Version()
	if err == unix.ENOSYS && (b.info.Major != 0 || b.info.Minor != 0) {
		return b.info.Major, b.info.Minor, b.info.Tag, nil
	}
	return major, minor, tag, err
}

// SetTimeout implements the TimeoutBackend interface. Buffers opened later
// inherit the new timeout.
func (b *Backend) SetTimeout(d time.Duration) error {
	if err := b.client.SetTimeout(d); err != nil {
		return err
	}
	b.mu.Lock()
	b.timeout = d
	b.mu.Unlock()
	return nil
}

// Close implements the Backend interface
func (b *Backend) Close() error {
	return b.client.Close()
}

// CreateBuffer implements the BufferBackend interface. The buffer gets a
// dedicated connection so that streaming on it never waits behind another
// buffer's transfers.
func (b *Backend) CreateBuffer(p interfaces.BufferParams) (interfaces.Buffer, error) {
	b.mu.Lock()
	timeout := b.timeout
	b.mu.Unlock()

	client, err := connect(b.addr, timeout, b.log.WithDevice(p.DevID).WithBuffer(p.Idx))
	if err != nil {
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

// Buffer is a remote buffer together with its data connection.
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

// Cancel implements the Buffer interface. Outstanding block transfers and
// stream reads fail; the data connection is unusable afterwards.
func (b *Buffer) Cancel() {
	b.buf.Cancel()
	b.client.Cancel()
}

// Close implements the Buffer interface
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

// CreateBlock implements the BlockCreator interface. Text-only daemons
// have no block objects; the caller then emulates blocks over ReadBuf and
// WriteBuf.
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
	_ interfaces.BytesUsedBlock = (*iiod.Block)(nil)
	_ interfaces.EventStream    = (*iiod.EventStream)(nil)
)
