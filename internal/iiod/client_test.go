package iiod_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/iiod"
	"github.com/ehrlich-b/go-iio/internal/iiod/iiodtest"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
)

func newServer(t *testing.T, textOnly bool) *iiodtest.Server {
	t.Helper()
	s, err := iiodtest.New(iiodtest.SampleInfo())
	require.NoError(t, err)
	s.TextOnly = textOnly
	t.Cleanup(s.Close)
	return s
}

func newClient(t *testing.T, s *iiodtest.Server) *iiod.Client {
	t.Helper()
	conn, err := s.Conn()
	require.NoError(t, err)

	c, err := iiod.NewClient(conn, 5*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

var dialects = []struct {
	name     string
	textOnly bool
}{
	{"binary", false},
	{"text", true},
}

var (
	devAttr = interfaces.AttrRef{
		Type: interfaces.AttrDevice, Name: "sampling_frequency",
		Dev: iiodtest.ADC, DevID: "iio:device0",
	}
	chanAttr = interfaces.AttrRef{
		Type: interfaces.AttrChannel, Name: "scale", Filename: "in_voltage_scale",
		Dev: iiodtest.ADC, DevID: "iio:device0", Chan: 1, ChanID: "voltage1", Index: 1,
	}
	dbgAttr = interfaces.AttrRef{
		Type: interfaces.AttrDebug, Name: "direct_reg_access",
		Dev: iiodtest.ADC, DevID: "iio:device0",
	}
	bufAttr = interfaces.AttrRef{
		Type: interfaces.AttrBuffer, Name: "watermark",
		Dev: iiodtest.ADC, DevID: "iio:device0", Index: 1,
	}
)

func TestClientNegotiation(t *testing.T) {
	for _, d := range dialects {
		t.Run(d.name, func(t *testing.T) {
			s := newServer(t, d.textOnly)
			c := newClient(t, s)

			assert.Equal(t, !d.textOnly, c.Binary())
			assert.Equal(t, 5*time.Second, c.Timeout())
			assert.Equal(t, 2500, s.RemoteTimeout())
		})
	}
}

func TestClientContextInfo(t *testing.T) {
	for _, d := range dialects {
		t.Run(d.name, func(t *testing.T) {
			c := newClient(t, newServer(t, d.textOnly))

			info, err := c.ContextInfo()
			require.NoError(t, err)
			assert.Equal(t, "network", info.Name)
			require.Len(t, info.Devices, 3)
			assert.Equal(t, "adc", info.Devices[iiodtest.ADC].Name)
			assert.Equal(t, "trigger0", info.Devices[iiodtest.Trigger].ID)
			assert.True(t, info.Devices[iiodtest.DAC].Channels[0].Output)
		})
	}
}

func TestClientPrintFallback(t *testing.T) {
	s := newServer(t, true)
	s.NoZPrint = true
	c := newClient(t, s)

	xml, err := c.ContextXML()
	require.NoError(t, err)
	assert.Contains(t, string(xml), "<context")
	assert.Contains(t, s.Commands(), "ZPRINT")
	assert.Contains(t, s.Commands(), "PRINT")
}

func TestClientPlainPrint(t *testing.T) {
	s := newServer(t, false)
	s.PlainPrint = true
	c := newClient(t, s)

	info, err := c.ContextInfo()
	require.NoError(t, err)
	assert.Len(t, info.Devices, 3)
}

func TestClientAttrs(t *testing.T) {
	for _, d := range dialects {
		t.Run(d.name, func(t *testing.T) {
			s := newServer(t, d.textOnly)
			c := newClient(t, s)

			s.SetAttr("iio:device0", iiodtest.ScopeDevice, "sampling_frequency", "1000000")
			s.SetAttr("iio:device0", iiodtest.ChannelScope("voltage1", false), "scale", "0.25")
			s.SetAttr("iio:device0", iiodtest.ScopeDebug, "direct_reg_access", "0x0")
			s.SetAttr("iio:device0", iiodtest.ScopeBuffer, "watermark", "4")

			buf := make([]byte, 64)
			for ref, want := range map[*interfaces.AttrRef]string{
				&devAttr:  "1000000",
				&chanAttr: "0.25",
				&dbgAttr:  "0x0",
				&bufAttr:  "4",
			} {
				n, err := c.ReadAttr(*ref, buf)
				require.NoError(t, err, ref.Name)
				assert.Equal(t, want, string(buf[:n]), ref.Name)
			}

			n, err := c.WriteAttr(chanAttr, []byte("0.5"))
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			assert.Equal(t, "0.5", s.Attr("iio:device0", iiodtest.ChannelScope("voltage1", false), "scale"))

			n, err = c.WriteAttr(devAttr, []byte("2000000"))
			require.NoError(t, err)
			assert.Equal(t, 7, n)
			assert.Equal(t, "2000000", s.Attr("iio:device0", iiodtest.ScopeDevice, "sampling_frequency"))

			// Unknown on the server
			_, err = c.ReadAttr(interfaces.AttrRef{
				Type: interfaces.AttrDevice, Name: "sampling_frequency",
				Dev: iiodtest.Trigger, DevID: "trigger0",
			}, buf)
			assert.Equal(t, unix.ENOENT, err)

			_, err = c.ReadAttr(interfaces.AttrRef{Type: interfaces.AttrContext, Name: "hw_model"}, buf)
			assert.Equal(t, unix.EINVAL, err)
		})
	}
}

func TestClientTextAttrTooLong(t *testing.T) {
	s := newServer(t, true)
	c := newClient(t, s)
	s.SetAttr("iio:device0", iiodtest.ScopeDevice, "sampling_frequency", "1000000")

	_, err := c.ReadAttr(devAttr, make([]byte, 4))
	assert.Equal(t, unix.EIO, err)

	// The reply was drained; the next command works
	buf := make([]byte, 16)
	n, err := c.ReadAttr(devAttr, buf)
	require.NoError(t, err)
	assert.Equal(t, "1000000", string(buf[:n]))
}

func TestClientTrigger(t *testing.T) {
	for _, d := range dialects {
		t.Run(d.name, func(t *testing.T) {
			c := newClient(t, newServer(t, d.textOnly))
			_, err := c.ContextInfo()
			require.NoError(t, err)

			_, err = c.Trigger(iiodtest.ADC)
			assert.Equal(t, unix.ENODEV, err)

			require.NoError(t, c.SetTrigger(iiodtest.ADC, iiodtest.Trigger))
			trig, err := c.Trigger(iiodtest.ADC)
			require.NoError(t, err)
			assert.Equal(t, iiodtest.Trigger, trig)

			require.NoError(t, c.SetTrigger(iiodtest.ADC, -1))
			_, err = c.Trigger(iiodtest.ADC)
			assert.Equal(t, unix.ENODEV, err)
		})
	}
}

func TestClientVersion(t *testing.T) {
	c := newClient(t, newServer(t, true))
	major, minor, tag, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), major)
	assert.Equal(t, uint(0), minor)
	assert.Equal(t, "go-iio", tag)

	c = newClient(t, newServer(t, false))
	_, _, _, err = c.Version()
	assert.Equal(t, unix.ENOSYS, err)
}

func TestClientSetTimeout(t *testing.T) {
	for _, d := range dialects {
		t.Run(d.name, func(t *testing.T) {
			s := newServer(t, d.textOnly)
			c := newClient(t, s)

			require.NoError(t, c.SetTimeout(time.Second))
			assert.Equal(t, 500, s.RemoteTimeout())
			assert.Equal(t, time.Second, c.Timeout())
		})
	}
}

func TestClientClosed(t *testing.T) {
	s := newServer(t, false)
	conn, err := s.Conn()
	require.NoError(t, err)
	c, err := iiod.NewClient(conn, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.ReadAttr(devAttr, make([]byte, 8))
	assert.Equal(t, unix.EINTR, err)
}
