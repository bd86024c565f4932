package uapi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl issues req on fd, retrying on EINTR.
func Ioctl(fd int, req uint32, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// IoctlInt issues req with a pointer to an int32 argument and returns the
// value the kernel left in it.
func IoctlInt(fd int, req uint32, v int32) (int32, error) {
	err := Ioctl(fd, req, unsafe.Pointer(&v))
	return v, err
}
