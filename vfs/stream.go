package vfs

import (
	"context"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
	"github.com/vrift/vrift/ipc/ring"
	"github.com/vrift/vrift/manifest"
)

// EnvDataChannel switches the write path onto the shared-memory data channel.
// Off by default: the native-staging + control-channel path is always correct
// and usually the right choice outside high-throughput pipelines.
const EnvDataChannel = "VRIFT_DATA_CHANNEL"

const (
	streamRingCapacity = 1 << 20
	streamTimeout      = 10 * time.Minute
)

func dataChannelEnabled() bool {
	return os.Getenv(EnvDataChannel) == "1"
}

// streamFile is the data-channel write handle: bytes push through an SPSC
// ring that the daemon drains into the staging file concurrently. Close
// signals EOF, waits for the drain barrier and commits as usual. The handle
// is write-only and unseekable, which is what pipeline producers need.
type streamFile struct {
	vfs         *VFS
	ring        *ring.Ring
	ringPath    string
	virtualPath string
	displayPath string
	stagingPath string
	mode        uint32
	written     int64
	drainDone   chan error
	closed      bool
}

// openStream sets up the ring, points the daemon at it and returns the
// streaming handle. Any setup failure falls back to the native staging path.
func (v *VFS) openStream(name, rel string, perm os.FileMode) (File, error) {
	dir := manifest.StagingDir(v.projectRoot, os.Getpid())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	id := uuid.New().String()
	ringPath := dir + string(os.PathSeparator) + id + ".ring"
	stagingPath := dir + string(os.PathSeparator) + id + ".tmp"

	r, err := ring.Create(ringPath, streamRingCapacity)
	if err != nil {
		return nil, err
	}
	// The drain may take a moment to attach; give the producer the same
	// stall budget the daemon uses.
	r.SetWait(30 * time.Second)

	if _, err := v.client.Do(context.Background(), ipc.Request{
		Kind:        ipc.KindOpenWrite,
		ProjectRoot: v.projectRoot,
		OpenWrite:   &ipc.OpenWritePayload{Path: rel, Pid: os.Getpid()},
	}); err != nil {
		r.Close()
		os.Remove(ringPath)
		return nil, pathError("open", name, err)
	}

	sf := &streamFile{
		vfs:         v,
		ring:        r,
		ringPath:    ringPath,
		virtualPath: rel,
		displayPath: name,
		stagingPath: stagingPath,
		mode:        uint32(perm.Perm()),
		drainDone:   make(chan error, 1),
	}

	// The daemon's drain runs for the life of the stream; its reply is the
	// completion barrier Close waits on.
	go func() {
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(streamTimeout))
		defer cancel()
		_, err := v.client.Do(ctx, ipc.Request{
			Kind:        ipc.KindStreamOpen,
			ProjectRoot: v.projectRoot,
			Stream:      &ipc.StreamOpenPayload{RingPath: ringPath, StagingPath: stagingPath},
		})
		sf.drainDone <- err
	}()

	v.setDirty(rel, stagingPath)
	return sf, nil
}

func (f *streamFile) Name() string { return f.displayPath }

func (f *streamFile) Write(p []byte) (int, error) {
	n, err := f.ring.Push(p)
	f.written += int64(n)
	if err != nil {
		return n, &fs.PathError{Op: "write", Path: f.displayPath, Err: Errno(err)}
	}
	return n, nil
}

// Read, ReadAt and Seek are not meaningful on a streaming producer handle.
func (f *streamFile) Read(p []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: f.displayPath, Err: syscall.EINVAL}
}

func (f *streamFile) ReadAt(p []byte, off int64) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: f.displayPath, Err: syscall.EINVAL}
}

func (f *streamFile) Seek(offset int64, whence int) (int64, error) {
	return 0, &fs.PathError{Op: "seek", Path: f.displayPath, Err: syscall.ESPIPE}
}

func (f *streamFile) Stat() (fs.FileInfo, error) {
	e := vrift.VnodeEntry{
		Size:    uint64(f.written),
		MtimeNs: uint64(time.Now().UnixNano()),
		Mode:    f.mode,
		Flags:   vrift.FlagDirty,
	}
	return newFileInfo(f.virtualPath, e), nil
}

// Close signals EOF, waits for the daemon to finish draining into the
// staging file, then commits it like any other write.
func (f *streamFile) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true

	f.ring.CloseWrite()
	drainErr := <-f.drainDone
	f.ring.Close()
	os.Remove(f.ringPath)
	if drainErr != nil {
		os.Remove(f.stagingPath)
		f.vfs.clearDirtyLocal(f.virtualPath)
		return pathError("close", f.displayPath, drainErr)
	}

	resp, err := f.vfs.client.Do(context.Background(), ipc.Request{
		Kind:        ipc.KindCommit,
		ProjectRoot: f.vfs.projectRoot,
		Commit: &ipc.CommitPayload{
			VirtualPath: f.virtualPath,
			StagingPath: f.stagingPath,
			Size:        f.written,
			MtimeNs:     uint64(time.Now().UnixNano()),
			Mode:        f.mode,
		},
	})
	if err != nil {
		log.Warn("stream commit failed on close", "path", f.virtualPath, "error", err)
		return pathError("close", f.displayPath, err)
	}
	if rmErr := os.Remove(f.stagingPath); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Debug("staging unlink failed", "path", f.stagingPath, "error", rmErr)
	}
	f.vfs.clearDirtyLocal(f.virtualPath)
	log.Debug("stream committed", "path", f.virtualPath, "blob", resp.Blob, "generation", resp.Generation)
	return nil
}
