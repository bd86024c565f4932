// Package iio is a client library for Industrial I/O devices: ADCs, DACs,
// sensors and RF transceivers exposed by the Linux kernel, either locally
// or through a remote IIO daemon.
package iio

import (
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
)

// Backend interfaces are defined in internal/interfaces and re-exported
// here so that out-of-tree backends can implement them.
type (
	Backend         = interfaces.Backend
	TriggerBackend  = interfaces.TriggerBackend
	VersionBackend  = interfaces.VersionBackend
	TimeoutBackend  = interfaces.TimeoutBackend
	BufferBackend   = interfaces.BufferBackend
	BufferParams    = interfaces.BufferParams
	BackendBuffer   = interfaces.Buffer
	StreamIO        = interfaces.StreamIO
	BlockCreator    = interfaces.BlockCreator
	BackendBlock    = interfaces.Block
	DMABUFBlock     = interfaces.DMABUFBlock
	EventBackend    = interfaces.EventBackend
	BackendEvents   = interfaces.EventStream
	AttrRef         = interfaces.AttrRef
	ContextInfo     = interfaces.ContextInfo
	ContextAttrInfo = interfaces.ContextAttr
	DeviceInfo      = interfaces.DeviceInfo
	ChannelInfo     = interfaces.ChannelInfo
	ChannelAttrInfo = interfaces.ChannelAttr
)

// BackendParams is handed to a backend when a context is created.
type BackendParams struct {
	URI     string
	Timeout time.Duration
	Logger  *logging.Logger
}

// BackendDescriptor registers a backend under a URI scheme.
type BackendDescriptor struct {
	Name           string
	Scheme         string // URI prefix without the colon, e.g. "ip"
	DefaultTimeout time.Duration

	// Create opens the backend for the URI arguments following the scheme.
	Create func(args string, p BackendParams) (Backend, *ContextInfo, error)

	// Scan lists the contexts the backend can reach. args come from a
	// "scheme=args" token given to Scan. Nil when the backend cannot scan.
	Scan func(args string, p BackendParams) ([]ContextDescription, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]BackendDescriptor{}
)

// knownSchemes are schemes the library understands even when no backend
// is registered for them.
var knownSchemes = []string{"local", "xml", "ip", "usb", "serial", "loopback"}

// RegisterBackend makes a backend available to CreateContext. Backend
// packages call it from init, so importing them for side effects is
// enough to enable them.
func RegisterBackend(d BackendDescriptor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Scheme] = d
}

func lookupBackend(scheme string) (BackendDescriptor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[scheme]
	return d, ok
}

// Backends lists the registered URI schemes in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasBackend reports whether a backend is registered for scheme.
func HasBackend(scheme string) bool {
	_, ok := lookupBackend(scheme)
	return ok
}

func isKnownScheme(scheme string) bool {
	for _, s := range knownSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}
