// Package iiod implements the client half of the IIOD protocol: the legacy
// text dialect, the binary dialect and its response multiplexer, and the
// buffer, block and event stream RPCs built on them.
package iiod

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Op is a binary dialect opcode.
type Op uint8

const (
	OpResponse Op = iota
	OpPrint
	OpTimeout
	OpReadAttr
	OpReadDbgAttr
	OpReadBufAttr
	OpReadChnAttr
	OpWriteAttr
	OpWriteDbgAttr
	OpWriteBufAttr
	OpWriteChnAttr
	OpGetTrig
	OpSetTrig

	OpCreateBuffer
	OpFreeBuffer
	OpEnableBuffer
	OpDisableBuffer

	OpCreateBlock
	OpFreeBlock
	OpTransferBlock
	OpEnqueueBlockCyclic
	OpRetryDequeueBlock

	OpCreateEvstream
	OpFreeEvstream
	OpReadEvent

	opMax
)

var opNames = [...]string{
	"RESPONSE", "PRINT", "TIMEOUT",
	"READ_ATTR", "READ_DBG_ATTR", "READ_BUF_ATTR", "READ_CHN_ATTR",
	"WRITE_ATTR", "WRITE_DBG_ATTR", "WRITE_BUF_ATTR", "WRITE_CHN_ATTR",
	"GETTRIG", "SETTRIG",
	"CREATE_BUFFER", "FREE_BUFFER", "ENABLE_BUFFER", "DISABLE_BUFFER",
	"CREATE_BLOCK", "FREE_BLOCK", "TRANSFER_BLOCK", "ENQUEUE_BLOCK_CYCLIC",
	"RETRY_DEQUEUE_BLOCK",
	"CREATE_EVSTREAM", "FREE_EVSTREAM", "READ_EVENT",
}

func (op Op) String() string {
	if op < opMax {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// HeaderSize is the size of a binary command header on the wire.
const HeaderSize = 8

// Command is the binary dialect header. For responses Code carries the
// result: a byte count when non-negative, a negated errno otherwise.
type Command struct {
	ClientID uint16
	Op       Op
	Dev      uint8
	Code     int32
}

// MarshalTo encodes the header into b, which must hold HeaderSize bytes.
func (c Command) MarshalTo(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], c.ClientID)
	b[2] = byte(c.Op)
	b[3] = c.Dev
	binary.LittleEndian.PutUint32(b[4:8], uint32(c.Code))
}

// Marshal returns the wire form of the header.
func (c Command) Marshal() []byte {
	b := make([]byte, HeaderSize)
	c.MarshalTo(b)
	return b
}

// ParseCommand decodes a header.
func ParseCommand(b []byte) (Command, error) {
	if len(b) < HeaderSize {
		return Command{}, unix.EPROTO
	}
	return Command{
		ClientID: binary.LittleEndian.Uint16(b[0:2]),
		Op:       Op(b[2]),
		Dev:      b[3],
		Code:     int32(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

// argCode packs two 16-bit arguments the way attribute and block
// commands expect them.
func argCode(hi, lo int) int32 {
	return int32(uint32(uint16(hi))<<16 | uint32(uint16(lo)))
}

// ErrnoCode converts an error to a negated errno.
func ErrnoCode(err error) int32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	switch {
	case errors.As(err, &errno):
		return -int32(errno)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return -int32(unix.EPIPE)
	}
	return -int32(unix.EIO)
}

// CodeErr converts a negative result code to an errno; non-negative codes
// yield nil.
func CodeErr(code int32) error {
	if code >= 0 {
		return nil
	}
	return unix.Errno(-code)
}
