package iio

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var (
	registerScanners sync.Once
	scanArgs         = map[string]string{}
	scanArgsMu       sync.Mutex
)

// registerScanSchemes adds two scanning backends and one that cannot scan.
func registerScanSchemes() {
	registerScanners.Do(func() {
		record := func(scheme, args string) {
			scanArgsMu.Lock()
			scanArgs[scheme] = args
			scanArgsMu.Unlock()
		}
		RegisterBackend(BackendDescriptor{
			Name:   "scan-a",
			Scheme: "scana",
			Scan: func(args string, p BackendParams) ([]ContextDescription, error) {
				record("scana", args)
				if args == "fail" {
					return nil, unix.EACCES
				}
				return []ContextDescription{
					{URI: "scana:2", Description: "second"},
					{URI: "scana:1", Description: "first"},
				}, nil
			},
		})
		RegisterBackend(BackendDescriptor{
			Name:   "scan-b",
			Scheme: "scanb",
			Scan: func(args string, p BackendParams) ([]ContextDescription, error) {
				record("scanb", args)
				return []ContextDescription{
					{URI: "scana:1", Description: "first"},
					{URI: "scanb:", Description: p.URI},
				}, nil
			},
		})
		RegisterBackend(BackendDescriptor{Name: "noscan", Scheme: "noscan"})
	})
}

func TestScanTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"local", []string{"local"}},
		{"local,usb", []string{"local", "usb"}},
		{"local:usb", []string{"local", "usb"}},
		{"usb=0456:b673", []string{"usb=0456:b673"}},
		{"local:usb=0456:*:ip", []string{"local", "usb=0456:*", "ip"}},
		{",local,,", []string{"local"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scanTokens(tt.in), "input %q", tt.in)
	}
}

func TestScanMergesAndSorts(t *testing.T) {
	registerScanSchemes()

	found, err := Scan(quietParams(), "scanb,scana")
	require.NoError(t, err)
	assert.Equal(t, []ContextDescription{
		{URI: "scana:1", Description: "first"},
		{URI: "scana:2", Description: "second"},
		{URI: "scanb:", Description: "scanb:"},
	}, found)
}

func TestScanArguments(t *testing.T) {
	registerScanSchemes()

	_, err := Scan(quietParams(), "scana=12ab:*")
	require.NoError(t, err)
	scanArgsMu.Lock()
	assert.Equal(t, "12ab:*", scanArgs["scana"])
	scanArgsMu.Unlock()

	_, err = Scan(quietParams(), "scana=fail")
	assert.True(t, errors.Is(err, unix.EACCES), "got %v", err)
}

func TestScanErrors(t *testing.T) {
	registerScanSchemes()

	for _, backends := range []string{"noscan", "bogus", "scana,noscan"} {
		_, err := Scan(quietParams(), backends)
		assert.True(t, errors.Is(err, unix.ENODEV), "%q: got %v", backends, err)
	}
}

func TestScanAllRegistered(t *testing.T) {
	registerScanSchemes()

	found, err := Scan(quietParams(), "")
	require.NoError(t, err)

	uris := make([]string, 0, len(found))
	for _, c := range found {
		uris = append(uris, c.URI)
	}
	assert.Subset(t, uris, []string{"scana:1", "scana:2", "scanb:"})
}
