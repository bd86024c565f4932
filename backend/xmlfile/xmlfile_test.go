package xmlfile_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/backend/loopback"
	"github.com/ehrlich-b/go-iio/backend/xmlfile"
)

func loopbackXML(t *testing.T) string {
	t.Helper()
	ctx, err := iio.CreateContext(nil, "loopback:")
	require.NoError(t, err)
	defer ctx.Close()

	s, err := ctx.XML()
	require.NoError(t, err)
	return s
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loopback.xml")
	require.NoError(t, os.WriteFile(path, []byte(loopbackXML(t)), 0o644))

	ctx, err := iio.CreateContext(nil, "xml:"+path)
	require.NoError(t, err)
	defer ctx.Close()

	assert.Equal(t, "loopback", ctx.Name())
	assert.Equal(t, "loopback", ctx.FindAttr("hw_model").StaticValue())
	assert.Equal(t, "xml:"+path, ctx.FindAttr("uri").StaticValue())
	require.Len(t, ctx.Devices(), 3)

	tx := ctx.Device(loopback.TX)
	assert.Equal(t, "loopback-tx", tx.Name())
	assert.True(t, tx.IsTX())
	require.Len(t, tx.Channels(), 2)
	assert.Equal(t, "out_voltage0_raw", tx.Channel(0).FindAttr("raw").Filename())

	rx := ctx.Device(loopback.RX)
	assert.Equal(t, []string{"length", "watermark"}, rx.BufferAttrNames())
	assert.NotNil(t, rx.FindDebugAttr("direct_reg_access"))

	// Nothing backs the attributes
	_, err = rx.FindAttr("sampling_frequency").ReadString()
	assert.True(t, errors.Is(err, unix.ENOSYS))
	_, err = rx.CreateBuffer(0, rx.NewChannelsMask())
	assert.Error(t, err)
}

func TestLoadCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loopback.xml.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write([]byte(loopbackXML(t)))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	info, err := xmlfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "loopback", info.Name)
	assert.Len(t, info.Devices, 3)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := iio.CreateContext(nil, "xml:")
	assert.True(t, errors.Is(err, unix.EINVAL))

	_, err = iio.CreateContext(nil, "xml:"+filepath.Join(dir, "missing.xml"))
	assert.True(t, errors.Is(err, unix.ENOENT))

	bad := filepath.Join(dir, "bad.xml")
	require.NoError(t, os.WriteFile(bad, []byte("<device id=\"x\"/>"), 0o644))
	_, err = xmlfile.Load(bad)
	assert.Equal(t, unix.EINVAL, err)
}
