package iio

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured iio error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "CREATE_BUFFER", "DEQUEUE")
	Device string        // Device ID ("" if not applicable)
	Buffer int           // Buffer index (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}

	if e.Device != "" {
		parts = append(parts, "dev="+e.Device)
	}

	if e.Buffer >= 0 {
		parts = append(parts, fmt.Sprintf("buffer=%d", e.Buffer))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("iio: %s (%s)", msg, strings.Join(parts, " "))
	}

	return "iio: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on the error category
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories. It is itself an
// error so that errors.Is(err, iio.ErrCodeTimeout) works.
type ErrorCode string

func (c ErrorCode) Error() string {
	return string(c)
}

const (
	ErrCodeWouldBlock         ErrorCode = "operation would block"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeCancelled          ErrorCode = "cancelled"
	ErrCodeBadState           ErrorCode = "invalid state"
	ErrCodeBusy               ErrorCode = "busy"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeNotFound           ErrorCode = "not found"
	ErrCodeNotSupported       ErrorCode = "not supported"
	ErrCodeProtocol           ErrorCode = "protocol error"
	ErrCodeInsufficientMemory ErrorCode = "insufficient resources"
	ErrCodeIOError            ErrorCode = "I/O error"
)

// maxErrno is the largest errno an error code may carry.
const maxErrno = 4095

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Buffer: -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewErrorWithErrno creates a new structured error carrying errno
func NewErrorWithErrno(op string, errno syscall.Errno) *Error {
	return &Error{
		Op:     op,
		Buffer: -1,
		Code:   mapErrnoToCode(errno),
		Errno:  errno,
		Msg:    errno.Error(),
		Inner:  errno,
	}
}

// WrapError wraps an existing error with iio context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ie *Error
	if errors.As(inner, &ie) {
		e := *ie
		e.Op = op
		return &e
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:     op,
			Buffer: -1,
			Code:   mapErrnoToCode(errno),
			Errno:  errno,
			Msg:    errno.Error(),
			Inner:  inner,
		}
	}

	return &Error{
		Op:     op,
		Buffer: -1,
		Code:   ErrCodeIOError,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// wrap is WrapError returning a plain error, nil when inner is nil.
func wrap(op string, inner error) error {
	if inner == nil {
		return nil
	}
	return WrapError(op, inner)
}

func deviceError(op string, dev *Device, inner error) error {
	if inner == nil {
		return nil
	}
	e := WrapError(op, inner)
	if dev != nil {
		e.Device = dev.ID()
	}
	return e
}

func bufferError(op string, buf *Buffer, inner error) error {
	if inner == nil {
		return nil
	}
	e := WrapError(op, inner)
	if buf != nil {
		e.Device = buf.dev.ID()
		e.Buffer = buf.idx
	}
	return e
}

// mapErrnoToCode maps errno values to iio error categories
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EAGAIN:
		return ErrCodeWouldBlock
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EINTR:
		return ErrCodeCancelled
	case syscall.EPERM, syscall.EBADF:
		return ErrCodeBadState
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL, syscall.EEXIST, syscall.ERANGE:
		return ErrCodeInvalidParameters
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return ErrCodeNotFound
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.EPROTO:
		return ErrCodeProtocol
	case syscall.ENOMEM, syscall.EMFILE:
		return ErrCodeInsufficientMemory
	default:
		return ErrCodeIOError
	}
}

// errnoOf extracts the errno carried by err, EIO for foreign errors.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	var ie *Error
	if errors.As(err, &ie) && ie.Errno != 0 {
		return ie.Errno
	}

	return syscall.EIO
}

// CodeOf returns err as a negative errno: 0 for nil, -EIO for errors that
// carry no errno.
func CodeOf(err error) int {
	return -int(errnoOf(err))
}

// ErrorFromCode converts a negative errno into an error. Codes outside
// [-4095, -1] are not errors and yield nil.
func ErrorFromCode(code int) error {
	if code >= 0 || code < -maxErrno {
		return nil
	}
	return NewErrorWithErrno("", syscall.Errno(-code))
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code == code
	}
	return false
}

// IsErrno checks if an error carries a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	return err != nil && errnoOf(err) == errno
}
