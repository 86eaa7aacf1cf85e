package vfs

import (
	"context"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
)

// dirEntry adapts a synthesized fileInfo to fs.DirEntry.
type dirEntry struct {
	fi *fileInfo
}

func (d dirEntry) Name() string               { return d.fi.Name() }
func (d dirEntry) IsDir() bool                { return d.fi.IsDir() }
func (d dirEntry) Type() fs.FileMode          { return d.fi.Mode().Type() }
func (d dirEntry) Info() (fs.FileInfo, error) { return d.fi, nil }

// ReadDir synthesizes a directory listing from an index prefix scan merged
// with this process's write-held paths, so freshly opened-for-write files
// appear before their first commit. Host directories pass through.
func (v *VFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !v.state.ready() {
		v.state.trace("readdir", name)
		return os.ReadDir(name)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.ReadDir(name)
	}

	if rel != "" {
		e, found, err := v.lookup(rel)
		if err != nil {
			return nil, pathError("readdir", name, err)
		}
		if !found {
			return nil, pathError("readdir", name, vrift.Errorf(vrift.NotFound, "%s", rel))
		}
		if !e.IsDir() {
			return nil, &fs.PathError{Op: "readdir", Path: name, Err: vrift.Errorf(vrift.NotFound, "not a directory")}
		}
	}

	entries, err := v.index.Scan(rel)
	if err != nil {
		return nil, pathError("readdir", name, err)
	}

	prefix := rel
	if prefix != "" {
		prefix += "/"
	}
	seen := make(map[string]fs.DirEntry)
	for _, ent := range entries {
		if ent.Path == rel {
			continue
		}
		child := strings.TrimPrefix(ent.Path, prefix)
		if child == ent.Path && prefix != "" {
			continue
		}
		if i := strings.IndexByte(child, '/'); i >= 0 {
			// Grandchild; surface the intermediate directory once.
			dirName := child[:i]
			if _, ok := seen[dirName]; !ok {
				seen[dirName] = dirEntry{fi: newFileInfo(dirName, vrift.VnodeEntry{Mode: 0o755, Flags: vrift.FlagIsDir})}
			}
			continue
		}
		seen[child] = dirEntry{fi: newFileInfo(ent.Path, ent.Vnode)}
	}

	// Overlay this process's uncommitted writes.
	v.dirtyMu.Lock()
	for dpath, staging := range v.dirty {
		if !strings.HasPrefix(dpath, prefix) || dpath == rel {
			continue
		}
		child := strings.TrimPrefix(dpath, prefix)
		if strings.IndexByte(child, '/') >= 0 {
			continue
		}
		st, err := os.Stat(staging)
		if err != nil {
			continue
		}
		e := vrift.VnodeEntry{
			Size:    uint64(st.Size()),
			MtimeNs: uint64(st.ModTime().UnixNano()),
			Mode:    uint32(st.Mode().Perm()),
			Flags:   vrift.FlagDirty,
		}
		seen[child] = dirEntry{fi: newFileInfo(dpath, e)}
	}
	v.dirtyMu.Unlock()

	out := make([]fs.DirEntry, 0, len(seen))
	for _, de := range seen {
		out = append(out, de)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Readlink resolves a project symlink's target from the index; the daemon
// holds the companion record, so this is one control round-trip on miss and
// is rare enough not to cache.
func (v *VFS) Readlink(name string) (string, error) {
	if !v.state.ready() {
		v.state.trace("readlink", name)
		return os.Readlink(name)
	}
	rel, inside := v.virtualize(name)
	if !inside || v.Degraded() {
		return os.Readlink(name)
	}
	e, found, err := v.lookup(rel)
	if err != nil {
		return "", pathError("readlink", name, err)
	}
	if !found || !e.IsSymlink() {
		return "", pathError("readlink", name, vrift.Errorf(vrift.NotFound, "%s is not a symlink", rel))
	}
	// The target string lives beside the manifest entry, which the daemon
	// owns; fetch it over the control channel.
	resp, err := v.client.Do(context.Background(), ipc.Request{
		Kind:        ipc.KindReadlink,
		ProjectRoot: v.projectRoot,
		Path:        rel,
	})
	if err != nil {
		return "", pathError("readlink", name, err)
	}
	return resp.Target, nil
}
