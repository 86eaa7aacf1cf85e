package vfs

import (
	"context"
	"io/fs"
	"os"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
)

// File is what Open and Create hand back: an *os.File-backed stream whose
// metadata and close semantics belong to the virtual path, not the backing
// blob or staging file.
type File interface {
	Read(p []byte) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Stat() (fs.FileInfo, error)
	Name() string
	Close() error
}

// trackedFile is a read-side descriptor on a CAS blob. Stat answers from the
// index entry captured at open, never from the blob inode.
type trackedFile struct {
	*os.File
	virtualPath string
	entry       vrift.VnodeEntry
}

func (f *trackedFile) Name() string {
	return f.virtualPath
}

func (f *trackedFile) Stat() (fs.FileInfo, error) {
	return newFileInfo(f.virtualPath, f.entry), nil
}

// Write on a read-only tracked descriptor fails the way the kernel would.
func (f *trackedFile) Write(p []byte) (int, error) {
	return 0, &fs.PathError{Op: "write", Path: f.virtualPath, Err: fs.ErrPermission}
}

// dirtyFile is a write-side descriptor on a private staging file. Close
// drives the commit: send COMMIT with the staging path, await the ACK, unlink
// the staging file and release the dirty hold.
type dirtyFile struct {
	*os.File
	vfs         *VFS
	virtualPath string // canonical project-relative
	displayPath string
	stagingPath string
	mode        uint32
	closed      bool
}

func (f *dirtyFile) Name() string {
	return f.displayPath
}

func (f *dirtyFile) Stat() (fs.FileInfo, error) {
	st, err := f.File.Stat()
	if err != nil {
		return nil, err
	}
	e := vrift.VnodeEntry{
		Size:    uint64(st.Size()),
		MtimeNs: uint64(st.ModTime().UnixNano()),
		Mode:    f.mode,
		Flags:   vrift.FlagDirty,
	}
	return newFileInfo(f.virtualPath, e), nil
}

// Close commits the staged bytes. A successful return means the bytes are in
// the CAS, the manifest records the new hash and the index generation has
// advanced past this write; a subsequent open anywhere observes the content.
func (f *dirtyFile) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true

	if err := f.File.Sync(); err != nil {
		f.File.Close()
		return pathError("close", f.displayPath, vrift.Errorf(vrift.Unknown, "sync: %v", err))
	}
	st, err := f.File.Stat()
	if err != nil {
		f.File.Close()
		return pathError("close", f.displayPath, vrift.Errorf(vrift.Unknown, "stat: %v", err))
	}
	if err := f.File.Close(); err != nil {
		return err
	}

	resp, err := f.vfs.client.Do(context.Background(), ipc.Request{
		Kind:        ipc.KindCommit,
		ProjectRoot: f.vfs.projectRoot,
		Commit: &ipc.CommitPayload{
			VirtualPath: f.virtualPath,
			StagingPath: f.stagingPath,
			Size:        st.Size(),
			MtimeNs:     uint64(st.ModTime().UnixNano()),
			Mode:        f.mode,
		},
	})
	if err != nil {
		// NACK or unreachable daemon: the staging file stays for retry or
		// cleanup; the application sees an I/O error from close.
		log.Warn("commit failed on close", "path", f.virtualPath, "error", err)
		return pathError("close", f.displayPath, err)
	}

	if err := os.Remove(f.stagingPath); err != nil && !os.IsNotExist(err) {
		log.Debug("staging unlink failed", "path", f.stagingPath, "error", err)
	}
	f.vfs.clearDirtyLocal(f.virtualPath)
	log.Debug("write committed", "path", f.virtualPath, "blob", resp.Blob, "generation", resp.Generation)
	return nil
}
