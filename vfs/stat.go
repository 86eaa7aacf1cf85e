package vfs

import (
	"io/fs"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/vrift/vrift"
)

// VirtualDev is the reserved device id stamped on synthesized stats so tools
// can tell a virtualized file from a host one.
const VirtualDev = 0x76726674 // "vrft"

// fileInfo synthesizes fs.FileInfo from an index entry; no host stat happens.
type fileInfo struct {
	name  string
	entry vrift.VnodeEntry
	sys   syscall.Stat_t
}

func newFileInfo(rel string, e vrift.VnodeEntry) *fileInfo {
	fi := &fileInfo{name: path.Base(rel), entry: e}
	fi.sys.Dev = VirtualDev
	fi.sys.Size = int64(e.Size)
	return fi
}

func (fi *fileInfo) Name() string { return fi.name }

func (fi *fileInfo) Size() int64 {
	if fi.entry.IsDir() {
		return 0
	}
	return int64(fi.entry.Size)
}

func (fi *fileInfo) Mode() fs.FileMode {
	m := fs.FileMode(fi.entry.Mode & 0o777)
	if fi.entry.IsDir() {
		m |= fs.ModeDir
	}
	if fi.entry.IsSymlink() {
		m |= fs.ModeSymlink
	}
	return m
}

func (fi *fileInfo) ModTime() time.Time {
	return time.Unix(0, int64(fi.entry.MtimeNs))
}

func (fi *fileInfo) IsDir() bool { return fi.entry.IsDir() }

// Sys exposes a stat record whose Dev carries the virtualization magic.
func (fi *fileInfo) Sys() any { return &fi.sys }

// Stat synthesizes file metadata from the index for project paths and
// delegates to the host elsewhere. Symlinks are followed one level inside
// the project.
func (v *VFS) Stat(name string) (fs.FileInfo, error) {
	if !v.state.ready() {
		v.state.trace("stat", name)
		return os.Stat(name)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Stat(name)
	}
	fi, err := v.statEntry(name, rel, true)
	return fi, err
}

// Lstat is Stat without following a project symlink.
func (v *VFS) Lstat(name string) (fs.FileInfo, error) {
	if !v.state.ready() {
		v.state.trace("lstat", name)
		return os.Lstat(name)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Lstat(name)
	}
	fi, err := v.statEntry(name, rel, false)
	return fi, err
}

func (v *VFS) statEntry(name, rel string, follow bool) (fs.FileInfo, error) {
	if rel == "" {
		// The project root itself.
		return newFileInfo(".", vrift.VnodeEntry{Mode: 0o755, Flags: vrift.FlagIsDir}), nil
	}
	// A write-held path stats from the staging file: size and mtime must
	// reflect the uncommitted bytes.
	if staging, dirty := v.stagingFor(rel); dirty {
		st, err := os.Stat(staging)
		if err != nil {
			return nil, pathError("stat", name, vrift.Errorf(vrift.NotFound, "staging vanished: %v", err))
		}
		e := vrift.VnodeEntry{
			Size:    uint64(st.Size()),
			MtimeNs: uint64(st.ModTime().UnixNano()),
			Mode:    uint32(st.Mode().Perm()),
			Flags:   vrift.FlagDirty,
		}
		return newFileInfo(rel, e), nil
	}

	e, found, err := v.lookup(rel)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	if !found {
		return nil, pathError("stat", name, vrift.Errorf(vrift.NotFound, "%s", rel))
	}
	if follow && e.IsSymlink() {
		target, terr := v.Readlink(name)
		if terr != nil {
			return nil, terr
		}
		hostTarget := target
		if !path.IsAbs(target) {
			hostTarget = v.hostPath(path.Join(path.Dir(rel), target))
		}
		if trel, inside := v.virtualize(hostTarget); inside {
			return v.statEntry(name, trel, false)
		}
		return os.Stat(hostTarget)
	}
	return newFileInfo(rel, e), nil
}
