package local

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/logging"
	"github.com/ehrlich-b/go-iio/internal/uapi"
)

// tree lays out a fake system with an ADC, a DAC and a trigger.
func tree(t *testing.T) Options {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		SysfsRoot:  filepath.Join(root, "sys"),
		DebugRoot:  filepath.Join(root, "debug"),
		DevRoot:    filepath.Join(root, "dev"),
		HeapDir:    filepath.Join(root, "dma_heap"),
		ConfigFile: filepath.Join(root, "libiio.ini"),
	}

	files := map[string]string{
		"sys/iio:device0/name":                                   "adc0\n",
		"sys/iio:device0/dev":                                    "250:0\n",
		"sys/iio:device0/uevent":                                 "MAJOR=250\n",
		"sys/iio:device0/sampling_frequency":                     "1000\n",
		"sys/iio:device0/in_voltage_scale":                       "0.5\n",
		"sys/iio:device0/in_voltage0_raw":                        "12\n",
		"sys/iio:device0/in_voltage1_raw":                        "34\n",
		"sys/iio:device0/in_accel_x_raw":                         "5\n",
		"sys/iio:device0/in_temp_input":                          "25000\n",
		"sys/iio:device0/scan_elements/in_voltage0_en":           "0\n",
		"sys/iio:device0/scan_elements/in_voltage0_index":        "0\n",
		"sys/iio:device0/scan_elements/in_voltage0_type":         "le:s12/16>>0\n",
		"sys/iio:device0/scan_elements/in_voltage1_en":           "0\n",
		"sys/iio:device0/scan_elements/in_voltage1_index":        "1\n",
		"sys/iio:device0/scan_elements/in_voltage1_type":         "le:s12/16>>0\n",
		"sys/iio:device0/scan_elements/in_timestamp_en":          "1\n",
		"sys/iio:device0/scan_elements/in_timestamp_index":       "2\n",
		"sys/iio:device0/scan_elements/in_timestamp_type":        "le:s64/64>>0\n",
		"sys/iio:device0/events/in_voltage0_thresh_rising_en":    "0\n",
		"sys/iio:device0/events/in_voltage0_thresh_rising_value": "100\n",
		"sys/iio:device0/buffer/length":                          "0\n",
		"sys/iio:device0/buffer/enable":                          "0\n",
		"sys/iio:device0/buffer/watermark":                       "1\n",
		"sys/iio:device0/buffer/data_available":                  "0\n",
		"sys/iio:device0/trigger/current_trigger":                "\n",
		"sys/iio:device1/name":                                   "dac0\n",
		"sys/iio:device1/out_voltage0_raw":                       "0\n",
		"sys/iio:device1/scan_elements/out_voltage0_en":          "0\n",
		"sys/iio:device1/scan_elements/out_voltage0_index":       "0\n",
		"sys/iio:device1/scan_elements/out_voltage0_type":        "le:u16/16>>0\n",
		"sys/iio:device1/buffer/length":                          "0\n",
		"sys/iio:device1/buffer/enable":                          "0\n",
		"sys/trigger0/name":                                      "trig0\n",
		"debug/iio:device0/direct_reg_access":                    "0x0\n",
		"dev/iio:device0":                                        "",
		"dev/iio:device1":                                        "",
		"libiio.ini":                                             "; site\n[Context Attributes]\nhw_carrier = test board\n\n[Other]\nignored=1\n",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return opts
}

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}, Sync: true, NoColor: true})
}

func newContext(t *testing.T, opts Options, timeout time.Duration) *iio.Context {
	t.Helper()
	b, err := Open(opts, timeout, quietLogger())
	require.NoError(t, err)
	params := iio.DefaultParams()
	params.Timeout = timeout
	ctx := iio.NewContextFromBackend(b, b.Info(), &params)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func readTree(t *testing.T, opts Options, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(opts.SysfsRoot, rel))
	require.NoError(t, err)
	return string(data)
}

func TestScan(t *testing.T) {
	opts := tree(t)
	devs, err := scan(opts)
	require.NoError(t, err)
	require.Len(t, devs, 3)

	adc := devs[0]
	assert.Equal(t, "iio:device0", adc.id)
	assert.Equal(t, "adc0", adc.name)
	assert.Equal(t, []string{"sampling_frequency"}, adc.attrs)
	assert.Equal(t, []string{"data_available"}, adc.bufferAttrs)
	assert.Equal(t, []string{"direct_reg_access"}, adc.debugAttrs)

	var ids []string
	for _, c := range adc.chans {
		ids = append(ids, c.id)
	}
	assert.Equal(t, []string{"voltage0", "voltage1", "timestamp", "accel_x", "temp"}, ids)

	v0 := adc.chans[0]
	assert.True(t, v0.scan)
	assert.Equal(t, int64(0), v0.index)
	assert.Equal(t, "le:s12/16>>0", v0.format)
	assert.Equal(t, "scan_elements/in_voltage0_en", v0.enable)
	assert.Equal(t, []attr{
		{name: "raw", file: "in_voltage0_raw"},
		{name: "scale", file: "in_voltage_scale"},
		{name: "thresh_rising_en", file: "events/in_voltage0_thresh_rising_en"},
		{name: "thresh_rising_value", file: "events/in_voltage0_thresh_rising_value"},
	}, v0.attrs)

	assert.Equal(t, int64(2), adc.chans[2].index)
	assert.Equal(t, int64(-1), adc.chans[3].index)
	assert.False(t, adc.chans[4].scan)
	assert.Equal(t, []attr{{name: "input", file: "in_temp_input"}}, adc.chans[4].attrs)

	dac := devs[1]
	require.Len(t, dac.chans, 1)
	assert.True(t, dac.chans[0].output)

	assert.Equal(t, "trigger0", devs[2].id)
	assert.Equal(t, "trig0", devs[2].name)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := scan(Options{SysfsRoot: filepath.Join(t.TempDir(), "missing")})
	assert.Equal(t, unix.ENOENT, err)
}

func TestScanContexts(t *testing.T) {
	opts := tree(t)
	root := filepath.Dir(opts.SysfsRoot)

	found, err := ScanContexts(opts)
	require.NoError(t, err)
	assert.Equal(t, []iio.ContextDescription{{URI: "local:", Description: "(adc0,dac0)"}}, found)

	model := filepath.Join(root, "model")
	require.NoError(t, os.WriteFile(model, []byte("Test Board\x00"), 0o644))
	opts.MachineFiles = []string{filepath.Join(root, "missing"), model}
	found, err = ScanContexts(opts)
	require.NoError(t, err)
	assert.Equal(t, []iio.ContextDescription{{URI: "local:", Description: "(adc0,dac0 on Test Board)"}}, found)

	// Triggers alone do not make a context
	require.NoError(t, os.RemoveAll(filepath.Join(opts.SysfsRoot, "iio:device0")))
	require.NoError(t, os.RemoveAll(filepath.Join(opts.SysfsRoot, "iio:device1")))
	found, err = ScanContexts(opts)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = ScanContexts(Options{SysfsRoot: filepath.Join(root, "nothing")})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestIsChannel(t *testing.T) {
	tests := []struct {
		name          string
		strict, loose bool
	}{
		{"in_voltage0_raw", true, true},
		{"in_accel_x_raw", true, true},
		{"in_timestamp_en", true, true},
		{"in_voltage_scale", false, true},
		{"out_altvoltage_frequency", false, true},
		{"sampling_frequency", false, false},
		{"in_voltage", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.strict, isChannel(tt.name, true))
			assert.Equal(t, tt.loose, isChannel(tt.name, false))
		})
	}
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "voltage0", channelID("in_voltage0_vccint_raw"))
	assert.Equal(t, "accel_x", channelID("in_accel_x_raw"))
	assert.Equal(t, "timestamp", channelID("in_timestamp_en"))

	c := &channel{id: "voltage0"}
	c.addAttr("in_voltage0_vccint_raw", "in_voltage0_vccint_raw", false)
	c.addAttr("in_voltage0_vccint_scale", "in_voltage0_vccint_scale", false)
	c.setName()
	assert.Equal(t, "vccint", c.name)
	assert.Equal(t, "raw", c.attrs[0].name)
	assert.Equal(t, "scale", c.attrs[1].name)

	assert.Equal(t, 2, c.globalLevel("in_voltage_vccint_offset"))
	assert.Equal(t, 1, c.globalLevel("in_voltage_offset"))
	assert.Equal(t, 0, c.globalLevel("out_voltage_offset"))
	assert.Equal(t, 0, c.globalLevel("in_current_offset"))

	diff := &channel{id: "voltage0-voltage1"}
	assert.Equal(t, 1, diff.globalLevel("in_voltage-voltage_scale"))
}

func TestNaturalOrder(t *testing.T) {
	assert.True(t, naturalLess("iio:device2", "iio:device10"))
	assert.False(t, naturalLess("iio:device10", "iio:device2"))
	assert.True(t, naturalLess("iio:device9", "trigger0"))
}

func TestContext(t *testing.T) {
	opts := tree(t)
	ctx := newContext(t, opts, time.Second)

	assert.Equal(t, "local", ctx.Name())
	assert.Equal(t, "test board", ctx.FindAttr("hw_carrier").StaticValue())
	assert.Equal(t, "local:", ctx.FindAttr("uri").StaticValue())
	assert.Nil(t, ctx.FindAttr("ignored"))

	adc := ctx.FindDevice("adc0")
	require.NotNil(t, adc)
	assert.False(t, adc.IsTX())
	assert.True(t, ctx.FindDevice("dac0").IsTX())

	v0 := adc.FindChannel("voltage0", false)
	require.NotNil(t, v0)
	scale, err := v0.FindAttr("scale").ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, 0.5, scale)

	raw := v0.FindAttr("raw")
	require.NoError(t, raw.WriteInt64(42))
	v, err := raw.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, "42", readTree(t, opts, "iio:device0/in_voltage0_raw"))

	reg, err := adc.FindDebugAttr("direct_reg_access").ReadString()
	require.NoError(t, err)
	assert.Equal(t, "0x0", reg)

	_, err = adc.FindAttr("sampling_frequency").Read(make([]byte, 2))
	assert.True(t, errors.Is(err, unix.EFBIG))
}

func TestTrigger(t *testing.T) {
	opts := tree(t)
	ctx := newContext(t, opts, time.Second)
	adc := ctx.FindDevice("adc0")
	trig := ctx.FindDevice("trig0")

	_, err := adc.Trigger()
	assert.True(t, errors.Is(err, unix.ENODEV))

	require.NoError(t, adc.SetTrigger(trig))
	assert.Equal(t, "trig0\n", readTree(t, opts, "iio:device0/trigger/current_trigger"))
	got, err := adc.Trigger()
	require.NoError(t, err)
	assert.Equal(t, trig.ID(), got.ID())

	require.NoError(t, os.WriteFile(filepath.Join(opts.SysfsRoot, "iio:device0/trigger/current_trigger"), []byte("gone\n"), 0o644))
	_, err = adc.Trigger()
	assert.True(t, errors.Is(err, unix.ENXIO))

	require.NoError(t, adc.SetTrigger(nil))
	assert.Equal(t, "\n", readTree(t, opts, "iio:device0/trigger/current_trigger"))
}

func TestReadBuffer(t *testing.T) {
	opts := tree(t)
	samples := []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0, 6, 0, 7, 0, 8, 0}
	require.NoError(t, os.WriteFile(filepath.Join(opts.DevRoot, "iio:device0"), samples, 0o644))

	ctx := newContext(t, opts, time.Second)
	adc := ctx.FindDevice("adc0")
	mask := adc.NewChannelsMask()
	adc.FindChannel("voltage0", false).Enable(mask)
	adc.FindChannel("voltage1", false).Enable(mask)

	buf, err := adc.CreateBuffer(0, mask)
	require.NoError(t, err)
	assert.Equal(t, 4, buf.SampleSize())
	assert.Equal(t, "1", readTree(t, opts, "iio:device0/scan_elements/in_voltage0_en"))
	assert.Equal(t, "0", readTree(t, opts, "iio:device0/scan_elements/in_timestamp_en"))
	assert.Equal(t, "0", readTree(t, opts, "iio:device0/buffer/enable"))

	require.NotNil(t, buf.FindAttr("data_available"))

	blk, err := buf.CreateBlock(len(samples))
	require.NoError(t, err)
	require.NoError(t, buf.Refill(blk))
	assert.Equal(t, samples, blk.Data())
	assert.Equal(t, "4", readTree(t, opts, "iio:device0/buffer/length"))
	assert.Equal(t, "4", readTree(t, opts, "iio:device0/buffer/watermark"))
	assert.Equal(t, "1", readTree(t, opts, "iio:device0/buffer/enable"))

	out := make([]byte, 2)
	assert.Equal(t, 2, adc.FindChannel("voltage1", false).Read(blk, out, true))
	assert.Equal(t, []byte{2, 0}, out)

	blk.Destroy()
	buf.Destroy()
	assert.Equal(t, "0", readTree(t, opts, "iio:device0/buffer/enable"))
}

func TestWriteBuffer(t *testing.T) {
	opts := tree(t)
	ctx := newContext(t, opts, time.Second)
	dac := ctx.FindDevice("dac0")
	mask := dac.NewChannelsMask()
	dac.Channel(0).Enable(mask)

	buf, err := dac.CreateBuffer(0, mask)
	require.NoError(t, err)
	defer buf.Destroy()

	blk, err := buf.CreateBlock(8)
	require.NoError(t, err)
	defer blk.Destroy()
	copy(blk.Data(), "abcdefgh")
	require.NoError(t, buf.Refill(blk))

	data, err := os.ReadFile(filepath.Join(opts.DevRoot, "iio:device1"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(data))

	// No watermark file on this device
	assert.Equal(t, "4", readTree(t, opts, "iio:device1/buffer/length"))
}

func fifoNode(t *testing.T, opts Options) {
	t.Helper()
	path := filepath.Join(opts.DevRoot, "iio:device0")
	require.NoError(t, os.Remove(path))
	require.NoError(t, unix.Mkfifo(path, 0o600))
}

func TestBufferTimeout(t *testing.T) {
	opts := tree(t)
	fifoNode(t, opts)
	ctx := newContext(t, opts, 20*time.Millisecond)
	adc := ctx.FindDevice("adc0")
	mask := adc.NewChannelsMask()
	adc.FindChannel("voltage0", false).Enable(mask)

	buf, err := adc.CreateBuffer(0, mask)
	require.NoError(t, err)
	defer buf.Destroy()
	blk, err := buf.CreateBlock(16)
	require.NoError(t, err)

	err = buf.Refill(blk)
	assert.True(t, errors.Is(err, unix.ETIMEDOUT), "got %v", err)
}

func TestBufferCancel(t *testing.T) {
	opts := tree(t)
	fifoNode(t, opts)
	ctx := newContext(t, opts, 0)
	adc := ctx.FindDevice("adc0")
	mask := adc.NewChannelsMask()
	adc.FindChannel("voltage0", false).Enable(mask)

	buf, err := adc.CreateBuffer(0, mask)
	require.NoError(t, err)
	defer buf.Destroy()
	blk, err := buf.CreateBlock(16)
	require.NoError(t, err)
	require.NoError(t, blk.Enqueue(0, false))
	require.NoError(t, buf.Enable())

	done := make(chan error, 1)
	go func() { done <- blk.Dequeue(false) }()

	time.Sleep(20 * time.Millisecond)
	buf.Cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, unix.EINTR), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("dequeue not unblocked by cancel")
	}
}

func TestEventStream(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[1])

	es, err := newEventStream(p[0])
	require.NoError(t, err)

	_, err = es.Read(true)
	assert.Equal(t, unix.EAGAIN, err)

	raw := uapi.Marshal(&uapi.Event{ID: 0x0102000000000003, Timestamp: 12345})
	_, err = unix.Write(p[1], raw)
	require.NoError(t, err)

	ev, err := es.Read(false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Event{ID: 0x0102000000000003, Timestamp: 12345}, ev)

	done := make(chan error, 1)
	go func() {
		_, err := es.Read(false)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, es.Close())

	select {
	case err := <-done:
		assert.Equal(t, unix.EINTR, err)
	case <-time.After(time.Second):
		t.Fatal("read not unblocked by close")
	}

	_, err = es.Read(true)
	assert.Equal(t, unix.EINTR, err)
}

func TestEventStreamUnsupported(t *testing.T) {
	opts := tree(t)
	b, err := Open(opts, time.Second, quietLogger())
	require.NoError(t, err)
	defer b.Close()

	// A plain file does not answer the event fd ioctl
	_, err = b.OpenEventStream(0)
	assert.Equal(t, unix.ENOTTY, err)
}

func TestHeapName(t *testing.T) {
	tests := []struct {
		env, dev, want string
	}{
		{"", "adc0", "system"},
		{"reserved", "adc0", "reserved"},
		{"reserved:adc0", "adc0", "reserved"},
		{"reserved: dac0 , adc0 ", "adc0", "reserved"},
		{"reserved:dac0", "adc0", "system"},
		{":adc0", "adc0", "system"},
		{"reserved", "", "system"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(HeapEnv, tt.env)
			assert.Equal(t, tt.want, heapName(tt.dev))
		})
	}
}
