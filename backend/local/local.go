// Package local implements the "local:" backend: IIO devices of the
// running kernel, described by sysfs and streamed through their character
// devices.
package local

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
	"github.com/ehrlich-b/go-iio/internal/uapi"
)

func init() {
	iio.RegisterBackend(iio.BackendDescriptor{
		Name:           "local",
		Scheme:         "local",
		DefaultTimeout: constants.LocalTimeout,
		Create: func(args string, p iio.BackendParams) (iio.Backend, *iio.ContextInfo, error) {
			b, err := Open(DefaultOptions(), p.Timeout, p.Logger)
			if err != nil {
				return nil, nil, err
			}
			return b, b.Info(), nil
		},
		Scan: func(args string, p iio.BackendParams) ([]iio.ContextDescription, error) {
			return ScanContexts(DefaultOptions())
		},
	})
}

// Options locates the kernel interfaces. Tests point them at a fake tree.
type Options struct {
	SysfsRoot  string // IIO devices, normally /sys/bus/iio/devices
	DebugRoot  string // debugfs IIO directory
	DevRoot    string // character devices
	HeapDir    string // DMA heaps
	ConfigFile string // INI file holding extra context attributes

	// MachineFiles are tried in order for the board name shown by
	// ScanContexts.
	MachineFiles []string
}

// DefaultOptions returns the locations used on a live system.
func DefaultOptions() Options {
	return Options{
		SysfsRoot:  uapi.SysfsDevices,
		DebugRoot:  "/sys/kernel/debug/iio",
		DevRoot:    uapi.DevDir,
		HeapDir:    uapi.DMAHeapDir,
		ConfigFile: "/etc/libiio.ini",
		MachineFiles: []string{
			"/sys/firmware/devicetree/base/model",
			"/sys/class/dmi/id/board_vendor",
		},
	}
}

// Backend is a local context.
type Backend struct {
	opts Options
	info *interfaces.ContextInfo
	devs []*device
	log  *logging.Logger

	mu      sync.Mutex
	timeout time.Duration
	devFDs  map[int]int // character devices kept open as buffer 0
}

// Open scans the IIO devices of the system.
func Open(opts Options, timeout time.Duration, log *logging.Logger) (*Backend, error) {
	if log == nil {
		log = logging.Default()
	}

	devs, err := scan(opts)
	if err != nil {
		return nil, err
	}

	info := &interfaces.ContextInfo{Name: "local", Description: description()}
	for _, d := range devs {
		info.Devices = append(info.Devices, d.info())
	}

	var uts unix.Utsname
	if unix.Uname(&uts) == nil {
		info.Attrs = append(info.Attrs, interfaces.ContextAttr{Name: "local,kernel", Value: unix.ByteSliceToString(uts.Release[:])})
	}
	extra, err := readConfig(opts.ConfigFile)
	if err != nil {
		log.Warn("unable to read config file", "path", opts.ConfigFile, "error", err)
	}
	info.Attrs = append(info.Attrs, extra...)

	log.Debug("local context scanned", "devices", len(devs))
	return &Backend{
		opts:    opts,
		info:    info,
		devs:    devs,
		log:     log,
		timeout: timeout,
		devFDs:  make(map[int]int),
	}, nil
}

func description() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return strings.Join([]string{
		unix.ByteSliceToString(uts.Sysname[:]),
		unix.ByteSliceToString(uts.Nodename[:]),
		unix.ByteSliceToString(uts.Release[:]),
		unix.ByteSliceToString(uts.Version[:]),
		unix.ByteSliceToString(uts.Machine[:]),
	}, " ")
}

// readConfig returns the key=value pairs of the [Context Attributes]
// section. A missing file is not an error.
func readConfig(path string) ([]interfaces.ContextAttr, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errno(err)
	}
	defer f.Close()

	var attrs []interfaces.ContextAttr
	in := false
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "", line[0] == ';', line[0] == '#':
		case line[0] == '[':
			in = strings.TrimSpace(strings.Trim(line, "[]")) == "Context Attributes"
		case in:
			k, v, ok := strings.Cut(line, "=")
			if ok {
				attrs = append(attrs, interfaces.ContextAttr{Name: strings.TrimSpace(k), Value: strings.TrimSpace(v)})
			}
		}
	}
	return attrs, errno(s.Err())
}

// Info returns the context description.
func (b *Backend) Info() *interfaces.ContextInfo { return b.info }

func errno(err error) error {
	if err == nil {
		return nil
	}
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}
	return unix.EIO
}

func (b *Backend) devID(ref interfaces.AttrRef) string {
	if ref.DevID != "" {
		return ref.DevID
	}
	if ref.Dev >= 0 && ref.Dev < len(b.devs) {
		return b.devs[ref.Dev].id
	}
	return ""
}

func (b *Backend) attrPath(ref interfaces.AttrRef) (string, error) {
	id := b.devID(ref)
	if id == "" {
		return "", unix.ENODEV
	}
	switch ref.Type {
	case interfaces.AttrDevice, interfaces.AttrChannel:
		return filepath.Join(b.opts.SysfsRoot, id, ref.File()), nil
	case interfaces.AttrDebug:
		return filepath.Join(b.opts.DebugRoot, id, ref.File()), nil
	case interfaces.AttrBuffer:
		return b.bufferPath(id, ref.Buf, ref.File()), nil
	}
	return "", unix.EINVAL
}

func (b *Backend) bufferPath(id string, idx int, name string) string {
	dir := "buffer"
	if idx > 0 {
		dir = "buffer" + strconv.Itoa(idx)
	}
	return filepath.Join(b.opts.SysfsRoot, id, dir, name)
}

// readFile stores the content of path in dst without its trailing newline.
func readFile(path string, dst []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errno(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(len(dst))+1))
	if err != nil {
		return 0, errno(err)
	}
	if len(data) > len(dst) {
		return 0, unix.EFBIG
	}
	data = []byte(strings.TrimSuffix(string(data), "\n"))
	return copy(dst, data), nil
}

func writeFile(path string, src []byte) (int, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return 0, errno(err)
	}
	n, err := f.Write(src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, errno(err)
	}
	if n == 0 {
		return 0, unix.EIO
	}
	return n, nil
}

func readString(path string) (string, error) {
	buf := make([]byte, constants.MaxAttrSize)
	n, err := readFile(path, buf)
	return string(buf[:n]), err
}

// ReadAttr implements the Backend interface
func (b *Backend) ReadAttr(ref interfaces.AttrRef, dst []byte) (int, error) {
	path, err := b.attrPath(ref)
	if err != nil {
		return 0, err
	}
	return readFile(path, dst)
}

// WriteAttr implements the Backend interface
func (b *Backend) WriteAttr(ref interfaces.AttrRef, src []byte) (int, error) {
	path, err := b.attrPath(ref)
	if err != nil {
		return 0, err
	}
	return writeFile(path, src)
}

// Trigger implements the TriggerBackend interface
func (b *Backend) Trigger(dev int) (int, error) {
	if dev < 0 || dev >= len(b.devs) {
		return -1, unix.ENODEV
	}
	name, err := readString(filepath.Join(b.opts.SysfsRoot, b.devs[dev].id, "trigger", "current_trigger"))
	if err != nil {
		return -1, err
	}
	if name == "" {
		return -1, unix.ENODEV
	}
	for i, d := range b.devs {
		if d.name == name {
			return i, nil
		}
	}
	return -1, unix.ENXIO
}

// SetTrigger implements the TriggerBackend interface
func (b *Backend) SetTrigger(dev, trig int) error {
	if dev < 0 || dev >= len(b.devs) || trig >= len(b.devs) {
		return unix.EINVAL
	}
	value := ""
	if trig >= 0 {
		value = b.devs[trig].name
	}
	// An empty write still needs a byte to detach the trigger
	_, err := writeFile(filepath.Join(b.opts.SysfsRoot, b.devs[dev].id, "trigger", "current_trigger"), []byte(value+"\n"))
	return err
}

// SetTimeout implements the TimeoutBackend interface
func (b *Backend) SetTimeout(d time.Duration) error {
	b.mu.Lock()
	b.timeout = d
	b.mu.Unlock()
	return nil
}

func (b *Backend) deadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(b.timeout)
}

// Close implements the Backend interface
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for dev, fd := range b.devFDs {
		unix.Close(fd)
		delete(b.devFDs, dev)
	}
	return nil
}

// openFD returns a buffer or event descriptor of dev. Kernels without
// multi-buffer support only serve buffer 0, through the character device
// itself, which then stays open.
func (b *Backend) openFD(dev int, events bool, idx int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	devFD, shared := b.devFDs[dev]
	if !shared {
		var err error
		devFD, err = unix.Open(filepath.Join(b.opts.DevRoot, b.devs[dev].id), unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
		if err != nil {
			return -1, err
		}
	}

	req := uapi.IIO_BUFFER_GET_FD_IOCTL
	if events {
		req = uapi.IIO_GET_EVENT_FD_IOCTL
	}
	fd, err := uapi.IoctlInt(devFD, req, int32(idx))
	if err != nil && !events && idx == 0 {
		b.devFDs[dev] = devFD
		return devFD, nil
	}
	if !shared {
		unix.Close(devFD)
	}
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}

func (b *Backend) closeFD(dev, fd int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.devFDs[dev]; ok && cur == fd {
		delete(b.devFDs, dev)
	}
	unix.Close(fd)
}

// Compile-time interface checks
var (
	_ interfaces.TriggerBackend = (*Backend)(nil)
	_ interfaces.TimeoutBackend = (*Backend)(nil)
	_ interfaces.BufferBackend  = (*Backend)(nil)
	_ interfaces.EventBackend   = (*Backend)(nil)
)
