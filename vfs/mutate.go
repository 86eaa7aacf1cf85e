package vfs

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
)

// mutate sends one index mutation and returns any typed failure.
func (v *VFS) mutate(req ipc.Request) error {
	req.ProjectRoot = v.projectRoot
	_, err := v.client.Do(context.Background(), req)
	return err
}

// Remove deletes a path from the index. The host file underneath, if any, is
// untouched beyond what the index update requires.
func (v *VFS) Remove(name string) error {
	if !v.state.ready() {
		v.state.trace("remove", name)
		return os.Remove(name)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Remove(name)
	}
	if err := v.mutate(ipc.Request{Kind: ipc.KindUnlink, Path: rel}); err != nil {
		return pathError("remove", name, err)
	}
	return nil
}

// RemoveAll removes a subtree from the index.
func (v *VFS) RemoveAll(name string) error {
	if !v.state.ready() {
		v.state.trace("removeall", name)
		return os.RemoveAll(name)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.RemoveAll(name)
	}
	err := v.mutate(ipc.Request{Kind: ipc.KindUnlink, Path: rel})
	if err != nil && vrift.CodeOf(err) == vrift.NotFound {
		// RemoveAll on a missing path succeeds, matching os semantics.
		return nil
	}
	if err != nil {
		return pathError("removeall", name, err)
	}
	return nil
}

// Rename moves a path (whole subtree for directories) inside the project.
// Cross-boundary renames are refused the way cross-device renames are.
func (v *VFS) Rename(oldname, newname string) error {
	if !v.state.ready() {
		v.state.trace("rename", oldname)
		return os.Rename(oldname, newname)
	}
	oldRel, oldIn := v.virtualize(oldname)
	newRel, newIn := v.virtualize(newname)
	switch {
	case !oldIn && !newIn:
		return os.Rename(oldname, newname)
	case oldIn != newIn:
		return pathError("rename", oldname, vrift.Errorf(vrift.CrossDevice, "rename across the project boundary"))
	}
	if v.Degraded() {
		return os.Rename(oldname, newname)
	}
	if err := v.mutate(ipc.Request{
		Kind:   ipc.KindRename,
		Rename: &ipc.RenamePayload{Src: oldRel, Dst: newRel},
	}); err != nil {
		return pathError("rename", oldname, err)
	}
	return nil
}

// Mkdir records a directory entry in the index.
func (v *VFS) Mkdir(name string, perm os.FileMode) error {
	if !v.state.ready() {
		v.state.trace("mkdir", name)
		return os.Mkdir(name, perm)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Mkdir(name, perm)
	}
	if err := v.mutate(ipc.Request{
		Kind:  ipc.KindMkdir,
		Mkdir: &ipc.MkdirPayload{Path: rel, Mode: uint32(perm.Perm())},
	}); err != nil {
		return pathError("mkdir", name, err)
	}
	return nil
}

// MkdirAll records the directory chain, tolerating existing segments.
func (v *VFS) MkdirAll(name string, perm os.FileMode) error {
	rel, inside := v.virtualize(name)
	if !v.state.ready() || !inside || v.Degraded() {
		return os.MkdirAll(name, perm)
	}
	segments := strings.Split(rel, "/")
	prefix := ""
	for _, seg := range segments {
		if prefix == "" {
			prefix = seg
		} else {
			prefix = prefix + "/" + seg
		}
		err := v.mutate(ipc.Request{
			Kind:  ipc.KindMkdir,
			Mkdir: &ipc.MkdirPayload{Path: prefix, Mode: uint32(perm.Perm())},
		})
		if err != nil && vrift.CodeOf(err) != vrift.AlreadyExists {
			return pathError("mkdir", name, err)
		}
	}
	return nil
}

// Symlink records a link entry pointing at target. Creating a symlink inside
// the project is an index upsert; the target is stored verbatim and resolved
// on access.
func (v *VFS) Symlink(target, name string) error {
	if !v.state.ready() {
		v.state.trace("symlink", name)
		return os.Symlink(target, name)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Symlink(target, name)
	}
	if err := v.mutate(ipc.Request{
		Kind:    ipc.KindSymlink,
		Symlink: &ipc.SymlinkPayload{Path: rel, Target: target},
	}); err != nil {
		return pathError("symlink", name, err)
	}
	return nil
}

// Link refuses hardlinks that cross into or out of managed territory with
// EXDEV: an alias onto a CAS-backed inode would let mutations bypass the
// immutability invariant (and corrupt signed bundles on hosts that check).
func (v *VFS) Link(oldname, newname string) error {
	if !v.state.ready() {
		v.state.trace("link", oldname)
		return os.Link(oldname, newname)
	}
	_, oldIn := v.virtualize(oldname)
	_, newIn := v.virtualize(newname)
	if !oldIn && !newIn {
		return os.Link(oldname, newname)
	}
	return pathError("link", newname, vrift.Errorf(vrift.CrossDevice, "hardlink into managed territory"))
}

// Chmod on a project path is rejected with EPERM unless the daemon's
// metadata policy translates it into an index update.
func (v *VFS) Chmod(name string, mode os.FileMode) error {
	if !v.state.ready() {
		v.state.trace("chmod", name)
		return os.Chmod(name, mode)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Chmod(name, mode)
	}
	if err := v.mutate(ipc.Request{
		Kind:     ipc.KindMetadata,
		Metadata: &ipc.MetadataPayload{Path: rel, Op: ipc.MetaChmod, Mode: uint32(mode.Perm())},
	}); err != nil {
		return pathError("chmod", name, err)
	}
	return nil
}

// Chtimes follows the same policy gate as Chmod.
func (v *VFS) Chtimes(name string, atime, mtime time.Time) error {
	if !v.state.ready() {
		v.state.trace("chtimes", name)
		return os.Chtimes(name, atime, mtime)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Chtimes(name, atime, mtime)
	}
	if err := v.mutate(ipc.Request{
		Kind:     ipc.KindMetadata,
		Metadata: &ipc.MetadataPayload{Path: rel, Op: ipc.MetaChtimes, MtimeNs: uint64(mtime.UnixNano())},
	}); err != nil {
		return pathError("chtimes", name, err)
	}
	return nil
}

// Chown follows the same policy gate as Chmod. Ownership has no per-path
// representation in the index (it belongs to the shared blob inodes), so a
// translating policy acknowledges the change without recording it; the
// default policy rejects with EPERM.
func (v *VFS) Chown(name string, uid, gid int) error {
	if !v.state.ready() {
		v.state.trace("chown", name)
		return os.Chown(name, uid, gid)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Chown(name, uid, gid)
	}
	if err := v.mutate(ipc.Request{
		Kind:     ipc.KindMetadata,
		Metadata: &ipc.MetadataPayload{Path: rel, Op: ipc.MetaChown, Uid: uid, Gid: gid},
	}); err != nil {
		return pathError("chown", name, err)
	}
	return nil
}
