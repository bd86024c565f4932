// Package xmlfile implements the "xml:" backend: a read-only context
// described by an XML file, as produced by Context.XML or iio_info.
// Files ending in .zst are decompressed first.
package xmlfile

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	iio "github.com/ehrlich-b/go-iio"
	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
	"github.com/ehrlich-b/go-iio/internal/xmlctx"
)

func init() {
	iio.RegisterBackend(iio.BackendDescriptor{
		Name:   "xml",
		Scheme: "xml",
		Create: func(args string, p iio.BackendParams) (iio.Backend, *iio.ContextInfo, error) {
			info, err := Load(args)
			if err != nil {
				return nil, nil, err
			}
			p.Logger.Debug("xml context loaded", "path", args, "devices", len(info.Devices))
			return Backend{}, info, nil
		},
	})
}

// Load reads and parses the context description at path.
func Load(path string) (*interfaces.ContextInfo, error) {
	if path == "" {
		return nil, unix.EINVAL
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errno(err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f, zstd.WithDecoderMaxMemory(constants.MaxXMLSize*16))
		if err != nil {
			return nil, unix.EINVAL
		}
		defer dec.Close()
		r = dec
	}

	data, err := io.ReadAll(io.LimitReader(r, constants.MaxXMLSize+1))
	if err != nil {
		return nil, errno(err)
	}
	if len(data) > constants.MaxXMLSize {
		return nil, unix.EFBIG
	}
	return xmlctx.Parse(data)
}

func errno(err error) error {
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}
	return unix.EIO
}

// Backend serves a static description. Every attribute access fails with
// ENOSYS since there is no device behind it.
type Backend struct{}

// ReadAttr implements the Backend interface
func (Backend) ReadAttr(interfaces.AttrRef, []byte) (int, error) { return 0, unix.ENOSYS }

// WriteAttr implements the Backend interface
func (Backend) WriteAttr(interfaces.AttrRef, []byte) (int, error) { return 0, unix.ENOSYS }

// Close implements the Backend interface
func (Backend) Close() error { return nil }
