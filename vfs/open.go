package vfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
)

// hostFile adapts a passthrough *os.File to the File interface.
type hostFile struct {
	*os.File
}

func (f hostFile) Stat() (fs.FileInfo, error) {
	return f.File.Stat()
}

// Open opens a path read-only.
func (v *VFS) Open(name string) (File, error) {
	return v.OpenFile(name, os.O_RDONLY, 0)
}

// Create truncates-or-creates a path for writing.
func (v *VFS) Create(name string) (File, error) {
	return v.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// OpenFile routes an open according to the index. Read opens on project
// paths resolve to a descriptor on the shared blob; write opens land on a
// private staging file whose Close commits through the daemon. Paths outside
// the project, and every call before READY or in degraded mode, go straight
// to the host.
func (v *VFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if !v.state.ready() {
		v.state.trace("open", name)
		return v.hostOpen(name, flag, perm)
	}
	if !v.guard.enter() {
		// Recursive arrival on the same goroutine: break the loop with a
		// host open rather than re-entering the routing machinery.
		return v.hostOpen(name, flag, perm)
	}
	defer v.guard.exit()

	rel, inside := v.virtualize(name)
	if !inside || rel == "" || v.Degraded() {
		return v.hostOpen(name, flag, perm)
	}

	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		// The data channel only suits truncating stream writes; anything
		// needing the committed bytes first stays on the staging path.
		if dataChannelEnabled() && flag&os.O_TRUNC != 0 && flag&os.O_RDWR == 0 {
			if f, err := v.openStream(name, rel, perm); err == nil {
				return f, nil
			}
			// Fall back to native staging; always correct.
		}
		return v.openWrite(name, rel, flag, perm)
	}
	return v.openRead(name, rel)
}

func (v *VFS) hostOpen(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return hostFile{f}, nil
}

// openRead resolves the path and hands back a tracked descriptor on the blob
// (or on this process's staging file while the path is write-held).
func (v *VFS) openRead(name, rel string) (File, error) {
	if staging, dirty := v.stagingFor(rel); dirty {
		f, err := os.Open(staging)
		if err != nil {
			return nil, pathError("open", name, vrift.Errorf(vrift.NotFound, "staging vanished: %v", err))
		}
		return hostFile{f}, nil
	}

	e, found, err := v.lookup(rel)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	if !found {
		return nil, pathError("open", name, vrift.Errorf(vrift.NotFound, "%s", rel))
	}
	if e.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if e.IsDirty() {
		// Held by another process; its bytes are unreadable until commit, so
		// serve the last committed content when there is one.
		if e.ContentHash.IsNil() {
			return nil, pathError("open", name, vrift.Errorf(vrift.Busy, "%s has uncommitted writes", rel))
		}
	}

	blob, err := v.store.Open(e.ContentHash, int64(e.Size))
	if err != nil {
		return nil, pathError("open", name, err)
	}
	return &trackedFile{File: blob, virtualPath: rel, entry: e}, nil
}

// openWrite creates the staging file, flags the path dirty at the daemon and
// returns a descriptor whose Close commits.
func (v *VFS) openWrite(name, rel string, flag int, perm os.FileMode) (File, error) {
	staging, err := v.newStagingFile()
	if err != nil {
		return nil, pathError("open", name, vrift.Errorf(vrift.Unknown, "staging: %v", err))
	}

	if _, err := v.client.Do(context.Background(), ipc.Request{
		Kind:        ipc.KindOpenWrite,
		ProjectRoot: v.projectRoot,
		OpenWrite:   &ipc.OpenWritePayload{Path: rel, Pid: os.Getpid()},
	}); err != nil {
		staging.Close()
		os.Remove(staging.Name())
		return nil, pathError("open", name, err)
	}

	// O_APPEND and read-modify-write opens start from the committed bytes.
	if flag&os.O_TRUNC == 0 {
		if e, found, lerr := v.lookup(rel); lerr == nil && found && !e.ContentHash.IsNil() && !e.IsDir() {
			if blob, berr := v.store.Open(e.ContentHash, int64(e.Size)); berr == nil {
				_, cerr := staging.ReadFrom(blob)
				blob.Close()
				if cerr != nil {
					staging.Close()
					os.Remove(staging.Name())
					return nil, pathError("open", name, vrift.Errorf(vrift.Unknown, "seeding staging: %v", cerr))
				}
				if flag&os.O_APPEND == 0 {
					if _, serr := staging.Seek(0, 0); serr != nil {
						staging.Close()
						os.Remove(staging.Name())
						return nil, serr
					}
				}
			}
		}
	}

	v.setDirty(rel, staging.Name())
	return &dirtyFile{
		File:        staging,
		vfs:         v,
		virtualPath: rel,
		displayPath: name,
		stagingPath: staging.Name(),
		mode:        uint32(perm.Perm()),
	}, nil
}

// Abort releases a write hold without committing, discarding staged bytes.
// The entry reverts to its pre-open state.
func (v *VFS) Abort(name string) error {
	rel, inside := v.virtualize(name)
	if !inside {
		return nil
	}
	staging, dirty := v.stagingFor(rel)
	if !dirty {
		return nil
	}
	os.Remove(staging)
	v.clearDirtyLocal(rel)
	_, err := v.client.Do(context.Background(), ipc.Request{
		Kind:        ipc.KindAbortWrite,
		ProjectRoot: v.projectRoot,
		Path:        rel,
	})
	if err != nil {
		return pathError("abort", name, err)
	}
	return nil
}

// ReadFile reads a whole virtual file.
func (v *VFS) ReadFile(name string) ([]byte, error) {
	f, err := v.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, st.Size()+1)
	tmp := make([]byte, 32*1024)
	for {
		n, rerr := f.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return buf, rerr
		}
	}
	return buf, nil
}

// WriteFile writes data to a virtual path through the staging pipeline.
func (v *VFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	f, err := v.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
