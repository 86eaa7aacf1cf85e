package cas

import (
	"os"

	"golang.org/x/sys/unix"
)

// reflink clones src into a new file at dst using FICLONE, yielding a CoW copy
// with a separate inode. Only CoW filesystems (btrfs, xfs with reflink) accept
// it; others return ENOTSUP/EINVAL and the caller downgrades to a byte copy.
func reflink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// fsImmutableFl is FS_IMMUTABLE_FL from linux/fs.h; golang.org/x/sys/unix
// does not export it.
const fsImmutableFl = 0x10

// setImmutable sets FS_IMMUTABLE_FL on the blob so its bytes cannot change
// even through stray descriptors. Needs CAP_LINUX_IMMUTABLE.
func setImmutable(path string) error {
	return changeImmutable(path, true)
}

// clearImmutable drops FS_IMMUTABLE_FL ahead of GC unlink.
func clearImmutable(path string) error {
	return changeImmutable(path, false)
}

func changeImmutable(path string, set bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	attr, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return err
	}
	if set {
		attr |= fsImmutableFl
	} else {
		attr &^= fsImmutableFl
	}
	return unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, attr)
}
