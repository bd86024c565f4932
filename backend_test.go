package iio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var registerMock sync.Once

// registerMockScheme makes "mock:" URIs create a MockBackend. The
// arguments of the URI become the context description.
func registerMockScheme() {
	registerMock.Do(func() {
		RegisterBackend(BackendDescriptor{
			Name:           "mock",
			Scheme:         "mock",
			DefaultTimeout: 3 * time.Second,
			Create: func(args string, p BackendParams) (Backend, *ContextInfo, error) {
				if args == "fail" {
					return nil, nil, unix.ENODEV
				}
				m := NewMockBackend(nil)
				m.info.Description = args
				return m, m.info, nil
			},
		})
	})
}

func TestCreateContextFromURI(t *testing.T) {
	registerMockScheme()

	ctx, err := CreateContext(quietParams(), "mock:bench")
	require.NoError(t, err)
	defer ctx.Close()

	assert.Equal(t, "mock:bench", ctx.URI())
	assert.Equal(t, "bench", ctx.Description())
	assert.Equal(t, 3*time.Second, ctx.Timeout())
	assert.Equal(t, "mock:bench", ctx.FindAttr("uri").StaticValue())
	assert.True(t, HasBackend("mock"))
	assert.Contains(t, Backends(), "mock")
}

func TestCreateContextTimeoutOverride(t *testing.T) {
	registerMockScheme()

	params := quietParams()
	params.Timeout = 100 * time.Millisecond
	ctx, err := CreateContext(params, "mock:")
	require.NoError(t, err)
	defer ctx.Close()

	assert.Equal(t, 100*time.Millisecond, ctx.Timeout())
}

func TestCreateContextErrors(t *testing.T) {
	registerMockScheme()

	tests := []struct {
		name  string
		uri   string
		errno unix.Errno
	}{
		{"no scheme", "nocolon", unix.EINVAL},
		{"empty scheme", ":foo", unix.EINVAL},
		{"unknown scheme", "bogus:foo", unix.EINVAL},
		{"known scheme without backend", "usb:1.2.3", unix.ENOSYS},
		{"backend failure", "mock:fail", unix.ENODEV},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateContext(quietParams(), tt.uri)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.errno), "got %v", err)
			assert.Equal(t, -int(tt.errno), CodeOf(err))
		})
	}
}

func TestCreateContextFromEnvironment(t *testing.T) {
	registerMockScheme()

	// ip: is not registered in this package's tests
	t.Setenv("IIOD_REMOTE", "192.168.2.1")
	_, err := CreateContext(quietParams(), "")
	assert.True(t, errors.Is(err, unix.ENOSYS), "got %v", err)
}

func TestBackendsSorted(t *testing.T) {
	registerMockScheme()
	RegisterBackend(BackendDescriptor{Name: "aaa", Scheme: "aaa"})

	names := Backends()
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
	assert.Equal(t, "aaa", names[0])
}
