package vfs

import "syscall"

// hostChflags: Linux has no chflags syscall; host-side flag words go through
// the ioctl attribute interface, which this layer does not proxy.
func hostChflags(name string, flags uint32) error {
	return syscall.ENOTSUP
}
