package iiod

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCommandWireFormat(t *testing.T) {
	cmd := Command{ClientID: 0x1234, Op: OpTransferBlock, Dev: 3, Code: -2}
	b := cmd.Marshal()

	assert.Equal(t, []byte{0x34, 0x12, byte(OpTransferBlock), 3, 0xfe, 0xff, 0xff, 0xff}, b)

	got, err := ParseCommand(b)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)

	_, err = ParseCommand(b[:5])
	assert.Equal(t, unix.EPROTO, err)
}

func TestOpValues(t *testing.T) {
	assert.Equal(t, Op(0), OpResponse)
	assert.Equal(t, Op(13), OpCreateBuffer)
	assert.Equal(t, Op(17), OpCreateBlock)
	assert.Equal(t, Op(24), OpReadEvent)

	assert.Equal(t, "READ_CHN_ATTR", OpReadChnAttr.String())
	assert.Equal(t, "READ_EVENT", OpReadEvent.String())
	assert.Equal(t, "Op(99)", Op(99).String())
}

func TestArgCode(t *testing.T) {
	assert.Equal(t, int32(0x00020005), argCode(2, 5))
	assert.Equal(t, int32(0x00000007), argCode(0, 7))
	// block 0xffff of buffer 1 sets the sign bit
	assert.Equal(t, int32(-0xffff), argCode(0xffff, 1))
}

func TestErrnoCode(t *testing.T) {
	tests := []struct {
		err  error
		want int32
	}{
		{nil, 0},
		{unix.ETIMEDOUT, -int32(unix.ETIMEDOUT)},
		{io.EOF, -int32(unix.EPIPE)},
		{io.ErrUnexpectedEOF, -int32(unix.EPIPE)},
		{errors.New("boom"), -int32(unix.EIO)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrnoCode(tt.err), "%v", tt.err)
	}

	assert.NoError(t, CodeErr(0))
	assert.NoError(t, CodeErr(42))
	assert.Equal(t, unix.EINTR, CodeErr(-int32(unix.EINTR)))
}
