package vfs

import "golang.org/x/sys/unix"

// hostChflags applies a BSD flag word to a host path.
func hostChflags(name string, flags uint32) error {
	return unix.Chflags(name, int(flags))
}
