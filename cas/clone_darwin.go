package cas

import (
	"golang.org/x/sys/unix"
)

// reflink clones src to dst via APFS clonefile: a CoW copy on a separate inode.
func reflink(src, dst string) error {
	return unix.Clonefile(src, dst, 0)
}

// setImmutable sets the user immutable flag (uchg) on the blob.
func setImmutable(path string) error {
	return changeImmutable(path, true)
}

// clearImmutable drops the user immutable flag ahead of GC unlink.
func clearImmutable(path string) error {
	return changeImmutable(path, false)
}

func changeImmutable(path string, set bool) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}
	flags := st.Flags
	if set {
		flags |= unix.UF_IMMUTABLE
	} else {
		flags &^= unix.UF_IMMUTABLE
	}
	return unix.Chflags(path, int(flags))
}
