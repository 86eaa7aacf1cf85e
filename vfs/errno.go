package vfs

import (
	"io/fs"
	"syscall"

	"github.com/vrift/vrift"
)

// Errno translates a typed error into the closest POSIX errno so unmodified
// callers observe normal filesystem failure modes.
func Errno(err error) syscall.Errno {
	switch vrift.CodeOf(err) {
	case vrift.NotFound:
		return syscall.ENOENT
	case vrift.AlreadyExists:
		return syscall.EEXIST
	case vrift.PermissionDenied:
		return syscall.EPERM
	case vrift.CrossDevice:
		return syscall.EXDEV
	case vrift.Unsupported:
		return syscall.ENOTSUP
	case vrift.DaemonUnreachable:
		return syscall.EIO
	case vrift.ProtocolError:
		return syscall.EIO
	case vrift.Corruption:
		return syscall.EIO
	case vrift.Busy:
		return syscall.EAGAIN
	}
	return syscall.EIO
}

// pathError wraps a typed error the way the os package reports failures, so
// errors.Is(err, fs.ErrNotExist) and friends keep working for callers.
func pathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: op, Path: path, Err: Errno(err)}
}
