package iio

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/constants"
	"github.com/ehrlich-b/go-iio/internal/interfaces"
)

// AttrType scopes an attribute.
type AttrType = interfaces.AttrType

const (
	AttrContext = interfaces.AttrContext
	AttrDevice  = interfaces.AttrDevice
	AttrChannel = interfaces.AttrChannel
	AttrDebug   = interfaces.AttrDebug
	AttrBuffer  = interfaces.AttrBuffer
)

// Attr is a named hardware parameter accessed as text.
type Attr struct {
	ref     interfaces.AttrRef
	backend interfaces.Backend

	static bool
	value  string
}

// Name returns the attribute name.
func (a *Attr) Name() string { return a.ref.Name }

// Filename returns the name of the backing file, which differs from
// Name for some channel attributes.
func (a *Attr) Filename() string { return a.ref.File() }

// Type returns the attribute scope.
func (a *Attr) Type() AttrType { return a.ref.Type }

// StaticValue returns the value of a context attribute, "" otherwise.
func (a *Attr) StaticValue() string { return a.value }

// Read reads the raw value into dst.
func (a *Attr) Read(dst []byte) (int, error) {
	if a.static {
		if len(dst) < len(a.value) {
			return 0, WrapError("READ_ATTR", unix.EIO)
		}
		return copy(dst, a.value), nil
	}

	n, err := a.backend.ReadAttr(a.ref, dst)
	if err != nil {
		return 0, wrap("READ_ATTR", err)
	}
	return n, nil
}

// Write writes the raw value src.
func (a *Attr) Write(src []byte) (int, error) {
	if a.static {
		return 0, WrapError("WRITE_ATTR", unix.EPERM)
	}

	n, err := a.backend.WriteAttr(a.ref, src)
	if err != nil {
		return 0, wrap("WRITE_ATTR", err)
	}
	return n, nil
}

// ReadString returns the value with any trailing newline removed.
func (a *Attr) ReadString() (string, error) {
	buf := make([]byte, constants.MaxAttrSize)
	n, err := a.Read(buf)
	if err != nil {
		return "", err
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return strings.TrimRight(string(buf), "\n"), nil
}

// WriteString writes s as the attribute value.
func (a *Attr) WriteString(s string) error {
	_, err := a.Write([]byte(s))
	return err
}

// ReadInt64 parses the value as an integer. Base prefixes (0x, 0) are
// honoured.
func (a *Attr) ReadInt64() (int64, error) {
	s, err := a.ReadString()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, WrapError("READ_ATTR", numError(err))
	}
	return v, nil
}

// ReadBool reads an integer value; anything non-zero is true.
func (a *Attr) ReadBool() (bool, error) {
	v, err := a.ReadInt64()
	return v != 0, err
}

// ReadFloat64 parses the value as a float with '.' as decimal separator.
func (a *Attr) ReadFloat64() (float64, error) {
	s, err := a.ReadString()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, WrapError("READ_ATTR", numError(err))
	}
	return v, nil
}

// WriteInt64 writes v in decimal.
func (a *Attr) WriteInt64(v int64) error {
	return a.WriteString(strconv.FormatInt(v, 10))
}

// WriteBool writes "1" or "0".
func (a *Attr) WriteBool(v bool) error {
	if v {
		return a.WriteString("1")
	}
	return a.WriteString("0")
}

// WriteFloat64 writes v with '.' as decimal separator.
func (a *Attr) WriteFloat64(v float64) error {
	return a.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
}

func numError(err error) error {
	if errors.Is(err, strconv.ErrRange) {
		return unix.ERANGE
	}
	return unix.EINVAL
}

// AttrList is an ordered list of attributes.
type AttrList []*Attr

// Count returns the number of attributes.
func (l AttrList) Count() int { return len(l) }

// Get returns the attribute at index i, nil if out of range.
func (l AttrList) Get(i int) *Attr {
	if i < 0 || i >= len(l) {
		return nil
	}
	return l[i]
}

// Find returns the attribute with the given name, nil if none.
func (l AttrList) Find(name string) *Attr {
	for _, a := range l {
		if a.ref.Name == name {
			return a
		}
	}
	return nil
}
