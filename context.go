package iio

import (
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
	"github.com/ehrlich-b/go-iio/internal/xmlctx"
)

// Logger is the structured logger used by contexts and backends.
type Logger = logging.Logger

// LogConfig configures NewLogger.
type LogConfig = logging.Config

// Log levels for LogConfig.
const (
	LogDebug = logging.LevelDebug
	LogInfo  = logging.LevelInfo
	LogWarn  = logging.LevelWarn
	LogError = logging.LevelError
)

// NewLogger creates a logger; a nil config selects text output on stderr
// at info level.
func NewLogger(cfg *LogConfig) *Logger {
	return logging.NewLogger(cfg)
}

// ContextParams contains parameters for creating a context
type ContextParams struct {
	// Timeout for blocking backend operations (0 selects the backend default)
	Timeout time.Duration

	// Logger for debug messages (if nil, uses the package default)
	Logger *Logger

	// Observer for streaming metrics (if nil, uses no-op observer)
	Observer Observer
}

// DefaultParams returns default context parameters
func DefaultParams() ContextParams {
	return ContextParams{
		Observer: NoOpObserver{},
	}
}

// Context is the root of the object tree.
type Context struct {
	uri     string
	backend interfaces.Backend
	info    *interfaces.ContextInfo

	devices []*Device
	attrs   AttrList

	log      *logging.Logger
	observer Observer

	mu      sync.Mutex
	timeout time.Duration
	closed  bool
}

// CreateContext opens the context described by uri. An empty uri uses
// the IIOD_REMOTE environment variable as an ip: host, or local: when it
// is unset.
func CreateContext(params *ContextParams, uri string) (*Context, error) {
	if params == nil {
		p := DefaultParams()
		params = &p
	}

	if uri == "" {
		if host := os.Getenv(constants.EnvRemote); host != "" {
			uri = "ip:" + host
		} else {
			uri = "local:"
		}
	}

	scheme, args, err := splitURI(uri)
	if err != nil {
		return nil, WrapError("CREATE_CONTEXT", err)
	}

	desc, ok := lookupBackend(scheme)
	if !ok {
		if isKnownScheme(scheme) {
			return nil, WrapError("CREATE_CONTEXT", unix.ENOSYS)
		}
		return nil, WrapError("CREATE_CONTEXT", unix.EINVAL)
	}

	log := params.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithContext(uri)

	timeout := params.Timeout
	if timeout == 0 {
		timeout = desc.DefaultTimeout
	}

	backend, info, err := desc.Create(args, BackendParams{
		URI:     uri,
		Timeout: timeout,
		Logger:  log,
	})
	if err != nil {
		return nil, WrapError("CREATE_CONTEXT", err)
	}

	ctx := newContext(uri, backend, info, params, log)
	ctx.timeout = timeout
	log.Debug("context created", "backend", desc.Name, "devices", len(ctx.devices))
	return ctx, nil
}

// NewContextFromBackend builds a context on top of an already opened
// backend and its description.
func NewContextFromBackend(backend Backend, info *ContextInfo, params *ContextParams) *Context {
	if params == nil {
		p := DefaultParams()
		params = &p
	}
	log := params.Logger
	if log == nil {
		log = logging.Default()
	}
	ctx := newContext(info.Name+":", backend, info, params, log)
	ctx.timeout = params.Timeout
	return ctx
}

func newContext(uri string, backend interfaces.Backend, info *interfaces.ContextInfo, params *ContextParams, log *logging.Logger) *Context {
	ctx := &Context{
		uri:      uri,
		backend:  backend,
		info:     info,
		log:      log,
		observer: params.Observer,
	}
	if ctx.observer == nil {
		ctx.observer = NoOpObserver{}
	}

	hasURI := false
	for _, a := range info.Attrs {
		hasURI = hasURI || a.Name == "uri"
		ctx.attrs = append(ctx.attrs, &Attr{
			ref:    interfaces.AttrRef{Type: interfaces.AttrContext, Name: a.Name, Dev: -1},
			static: true,
			value:  a.Value,
		})
	}
	if !hasURI {
		ctx.attrs = append(ctx.attrs, &Attr{
			ref:    interfaces.AttrRef{Type: interfaces.AttrContext, Name: "uri", Dev: -1},
			static: true,
			value:  uri,
		})
	}

	for i := range info.Devices {
		ctx.devices = append(ctx.devices, ctx.buildDevice(i, &info.Devices[i]))
	}
	return ctx
}

func (ctx *Context) buildDevice(number int, di *interfaces.DeviceInfo) *Device {
	dev := &Device{
		ctx:         ctx,
		number:      number,
		id:          di.ID,
		name:        di.Name,
		label:       di.Label,
		bufferAttrs: di.BufferAttrs,
	}

	for i, name := range di.Attrs {
		dev.attrs = append(dev.attrs, &Attr{
			backend: ctx.backend,
			ref: interfaces.AttrRef{
				Type: interfaces.AttrDevice, Name: name,
				Dev: number, DevID: di.ID, Index: i,
			},
		})
	}

	for i, name := range di.DebugAttrs {
		dev.debugAttrs = append(dev.debugAttrs, &Attr{
			backend: ctx.backend,
			ref: interfaces.AttrRef{
				Type: interfaces.AttrDebug, Name: name,
				Dev: number, DevID: di.ID, Index: i,
			},
		})
	}

	for n := range di.Channels {
		ci := &di.Channels[n]
		ch := &Channel{
			dev:         dev,
			number:      n,
			id:          ci.ID,
			name:        ci.Name,
			output:      ci.Output,
			scanElement: ci.ScanElement,
			index:       ci.Index,
			typ:         chanTypeFromID(ci.ID),
			modifier:    modifierFromID(ci.ID),
		}
		if !ci.ScanElement {
			ch.index = -1
		}
		if ci.Format != "" {
			if f, err := ParseDataFormat(ci.Format); err == nil {
				ch.format = f
			}
		}
		ch.format.WithScale = ci.WithScale
		ch.format.Scale = ci.Scale
		ch.format.Offset = ci.Offset

		for i, a := range ci.Attrs {
			ch.attrs = append(ch.attrs, &Attr{
				backend: ctx.backend,
				ref: interfaces.AttrRef{
					Type: interfaces.AttrChannel, Name: a.Name, Filename: a.Filename,
					Dev: number, DevID: di.ID,
					Chan: n, ChanID: ci.ID, Output: ci.Output,
					Index: i,
				},
			})
		}
		dev.channels = append(dev.channels, ch)
	}
	return dev
}

// URI returns the URI the context was created from.
func (ctx *Context) URI() string { return ctx.uri }

// Name returns the backend name, e.g. "local" or "network".
func (ctx *Context) Name() string { return ctx.info.Name }

// Description returns a human-readable description of the context.
func (ctx *Context) Description() string { return ctx.info.Description }

// Attrs returns the static context attributes.
func (ctx *Context) Attrs() AttrList { return ctx.attrs }

// FindAttr returns the named context attribute, nil if none.
func (ctx *Context) FindAttr(name string) *Attr { return ctx.attrs.Find(name) }

// Devices returns every device of the context.
func (ctx *Context) Devices() []*Device { return ctx.devices }

// Device returns the device at index i, nil if out of range.
func (ctx *Context) Device(i int) *Device {
	if i < 0 || i >= len(ctx.devices) {
		return nil
	}
	return ctx.devices[i]
}

// FindDevice returns the device whose id, label or name matches.
func (ctx *Context) FindDevice(name string) *Device {
	for _, d := range ctx.devices {
		if d.id == name {
			return d
		}
	}
	for _, d := range ctx.devices {
		if (d.label != "" && d.label == name) || (d.name != "" && d.name == name) {
			return d
		}
	}
	return nil
}

// Version returns the version of the remote end, or of this library when
// the backend has none.
func (ctx *Context) Version() (major, minor uint, tag string, err error) {
	if vb, ok := ctx.backend.(interfaces.VersionBackend); ok {
		major, minor, tag, err = vb.Version()
		return major, minor, tag, wrap("GET_VERSION", err)
	}
	if ctx.info.Major != 0 || ctx.info.Minor != 0 {
		return ctx.info.Major, ctx.info.Minor, ctx.info.Tag, nil
	}
	return constants.VersionMajor, constants.VersionMinor, constants.VersionTag, nil
}

// SetTimeout changes the timeout of blocking backend operations. Zero
// waits forever.
func (ctx *Context) SetTimeout(d time.Duration) error {
	if tb, ok := ctx.backend.(interfaces.TimeoutBackend); ok {
		if err := tb.SetTimeout(d); err != nil {
			return WrapError("SET_TIMEOUT", err)
		}
	}

	ctx.mu.Lock()
	ctx.timeout = d
	ctx.mu.Unlock()
	return nil
}

// Timeout returns the current timeout.
func (ctx *Context) Timeout() time.Duration {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.timeout
}

// XML serializes the context description.
func (ctx *Context) XML() (string, error) {
	b, err := xmlctx.Marshal(ctx.info)
	if err != nil {
		return "", WrapError("XML", err)
	}
	return string(b), nil
}

// WriteXML writes the context description to w.
func (ctx *Context) WriteXML(w io.Writer) error {
	s, err := ctx.XML()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}

// Logger returns the context logger.
func (ctx *Context) Logger() *Logger { return ctx.log }

// Close releases the backend. Buffers and event streams must have been
// destroyed first.
func (ctx *Context) Close() error {
	ctx.mu.Lock()
	if ctx.closed {
		ctx.mu.Unlock()
		return nil
	}
	ctx.closed = true
	ctx.mu.Unlock()

	ctx.log.Debug("context closed")
	return wrap("CLOSE_CONTEXT", ctx.backend.Close())
}
