package vfs

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/vrift/vrift/ipc"
)

// SetXattr records an extended attribute on a project path. Rejected with
// EPERM unless the daemon's metadata policy translates it, in which case the
// attribute lands in the manifest rather than on any host inode.
func (v *VFS) SetXattr(name, attr string, value []byte) error {
	if !v.state.ready() {
		v.state.trace("setxattr", name)
		return unix.Setxattr(name, attr, value, 0)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return unix.Setxattr(name, attr, value, 0)
	}
	if err := v.mutate(ipc.Request{
		Kind:     ipc.KindMetadata,
		Metadata: &ipc.MetadataPayload{Path: rel, Op: ipc.MetaSetXattr, Name: attr, Value: value},
	}); err != nil {
		return pathError("setxattr", name, err)
	}
	return nil
}

// GetXattr reads an extended attribute. Project paths answer from the
// manifest's attribute table; host paths pass through.
func (v *VFS) GetXattr(name, attr string) ([]byte, error) {
	if !v.state.ready() {
		v.state.trace("getxattr", name)
		return hostGetXattr(name, attr)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return hostGetXattr(name, attr)
	}
	resp, err := v.client.Do(context.Background(), ipc.Request{
		Kind:        ipc.KindGetXattr,
		ProjectRoot: v.projectRoot,
		Metadata:    &ipc.MetadataPayload{Path: rel, Name: attr},
	})
	if err != nil {
		return nil, pathError("getxattr", name, err)
	}
	return resp.Value, nil
}

// RemoveXattr deletes an extended attribute, under the same policy gate as
// SetXattr.
func (v *VFS) RemoveXattr(name, attr string) error {
	if !v.state.ready() {
		v.state.trace("removexattr", name)
		return unix.Removexattr(name, attr)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return unix.Removexattr(name, attr)
	}
	if err := v.mutate(ipc.Request{
		Kind:     ipc.KindMetadata,
		Metadata: &ipc.MetadataPayload{Path: rel, Op: ipc.MetaRemoveXattr, Name: attr},
	}); err != nil {
		return pathError("removexattr", name, err)
	}
	return nil
}

// Chflags changes host file flag words. On a project path it is rejected with
// EPERM unless the policy translates it; flag words have no per-path
// representation in the index, so a translating policy acknowledges without
// recording (the blob inodes carry their own immutability flag already).
func (v *VFS) Chflags(name string, flags uint32) error {
	if !v.state.ready() {
		v.state.trace("chflags", name)
		return hostChflags(name, flags)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return hostChflags(name, flags)
	}
	if err := v.mutate(ipc.Request{
		Kind:     ipc.KindMetadata,
		Metadata: &ipc.MetadataPayload{Path: rel, Op: ipc.MetaChflags, Flags: flags},
	}); err != nil {
		return pathError("chflags", name, err)
	}
	return nil
}

// hostGetXattr sizes then fetches an attribute from the host filesystem.
func hostGetXattr(name, attr string) ([]byte, error) {
	sz, err := unix.Getxattr(name, attr, nil)
	if err != nil {
		return nil, err
	}
	if sz == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, sz)
	n, err := unix.Getxattr(name, attr, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
