package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
)

const connIdleTimeout = time.Minute

// handleConn serves one client connection: read a frame, dispatch, reply.
// Protocol violations drop the connection.
func (d *Daemon) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	peerUID, err := ipc.PeerUID(conn)
	if err != nil {
		log.Warn("peer credential check failed", "error", err)
		return
	}

	for {
		_ = conn.SetDeadline(time.Now().Add(connIdleTimeout))
		var req ipc.Request
		if err := ipc.ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && vrift.CodeOf(err) == vrift.ProtocolError {
				log.Warn("dropping connection on protocol error", "error", err)
			}
			return
		}
		resp := d.dispatch(context.Background(), peerUID, req)
		// Long-running handlers (stream drains, GC) may outlive the read
		// deadline; re-arm before replying.
		_ = conn.SetDeadline(time.Now().Add(connIdleTimeout))
		if err := ipc.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

// mutating reports whether a request kind changes index or store state.
func mutating(kind ipc.RequestKind) bool {
	switch kind {
	case ipc.KindPing, ipc.KindStatus, ipc.KindGcEnumerate, ipc.KindManifestOpen, ipc.KindReadlink,
		ipc.KindGetXattr:
		return false
	}
	return true
}

func (d *Daemon) dispatch(ctx context.Context, peerUID uint32, req ipc.Request) ipc.Response {
	// Every mutation must come from the uid the daemon serves; the manifest
	// owner is the daemon's own user.
	if mutating(req.Kind) && peerUID != uint32(os.Getuid()) {
		return ipc.Errf(vrift.Errorf(vrift.PermissionDenied, "peer uid %d does not own the index", peerUID))
	}

	switch req.Kind {
	case ipc.KindPing:
		return ipc.Ok(0)

	case ipc.KindStatus:
		info := d.Status()
		return ipc.Response{Status: ipc.StatusOk, Info: &info}

	case ipc.KindManifestOpen:
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(p.VDir.Generation())

	case ipc.KindRegisterManifest:
		if req.Register == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing register payload"))
		}
		p, err := d.project(req.Register.Root)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(p.VDir.Generation())

	case ipc.KindOpenWrite:
		if req.OpenWrite == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing open_write payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		gen, err := d.markDirty(p, req.OpenWrite.Path, req.OpenWrite.Pid)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(gen)

	case ipc.KindAbortWrite:
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		gen, err := d.clearDirty(p, req.Path)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(gen)

	case ipc.KindCommit:
		if req.Commit == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing commit payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		h, gen, err := d.commit(ctx, p, *req.Commit)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.OkWithBlob(h, gen)

	case ipc.KindUnlink:
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		gen, err := d.unlink(p, req.Path)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(gen)

	case ipc.KindRename:
		if req.Rename == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing rename payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		gen, err := d.rename(p, req.Rename.Src, req.Rename.Dst)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(gen)

	case ipc.KindMkdir:
		if req.Mkdir == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing mkdir payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		gen, err := d.mkdir(p, req.Mkdir.Path, req.Mkdir.Mode)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(gen)

	case ipc.KindSymlink:
		if req.Symlink == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing symlink payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		gen, err := d.symlink(p, req.Symlink.Path, req.Symlink.Target)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(gen)

	case ipc.KindReadlink:
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		target, err := d.symlinkTarget(ctx, p, req.Path)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Response{Status: ipc.StatusOk, Target: target, Generation: p.VDir.Generation()}

	case ipc.KindGetXattr:
		if req.Metadata == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing metadata payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		value, err := p.Manifest.GetXattr(req.Metadata.Path, req.Metadata.Name)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Response{Status: ipc.StatusOk, Value: value, Generation: p.VDir.Generation()}

	case ipc.KindMetadata:
		if req.Metadata == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing metadata payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		gen, err := d.metadata(p, *req.Metadata)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(gen)

	case ipc.KindIngest:
		if req.Ingest == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing ingest payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		if _, err := d.IngestDir(ctx, p, req.Ingest.Dir); err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(p.VDir.Generation())

	case ipc.KindStreamOpen:
		if req.Stream == nil {
			return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "missing stream payload"))
		}
		p, err := d.project(req.ProjectRoot)
		if err != nil {
			return ipc.Errf(err)
		}
		if err := d.streamDrain(p, *req.Stream); err != nil {
			return ipc.Errf(err)
		}
		return ipc.Ok(p.VDir.Generation())

	case ipc.KindGcEnumerate:
		del := false
		if req.Gc != nil {
			del = req.Gc.Delete
		}
		report, err := d.GC(ctx, del)
		if err != nil {
			return ipc.Errf(err)
		}
		return ipc.Response{Status: ipc.StatusOk, Gc: report}
	}

	return ipc.Errf(vrift.Errorf(vrift.ProtocolError, "unknown request kind %q", req.Kind))
}

// unlink removes a path from the index. A path held dirty by a live writer is
// Busy; the underlying host file is not touched.
func (d *Daemon) unlink(p *Project, rawPath string) (uint64, error) {
	if !withinProject(rawPath) {
		return 0, vrift.Errorf(vrift.PermissionDenied, "path %s outside project", rawPath)
	}
	path := vrift.CanonicalPath(rawPath)
	if owner, held := d.dirtyOwner(p, path); held {
		return 0, vrift.Errorf(vrift.Busy, "path %s held dirty by pid %d", path, owner)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	e, err := p.Manifest.Lookup(path)
	if err != nil {
		return 0, err
	}
	if e.IsDir() {
		// Directory removal takes the whole subtree out of the index.
		var children []string
		if err := p.Manifest.Scan(path, func(cp string, _ vrift.VnodeEntry) error {
			children = append(children, cp)
			return nil
		}); err != nil {
			return 0, err
		}
		for _, c := range children {
			if err := p.Manifest.Remove(c); err != nil && vrift.CodeOf(err) != vrift.NotFound {
				return 0, err
			}
			if _, err := p.VDir.Remove(c); err != nil {
				return 0, err
			}
		}
		return p.VDir.Generation(), nil
	}

	if err := p.Manifest.Remove(path); err != nil {
		return 0, err
	}
	if _, err := p.VDir.Remove(path); err != nil {
		return 0, err
	}
	_, _ = d.cache.Delete(context.Background(), []string{"link/" + vrift.ProjectID(p.Root) + "/" + path})
	return p.VDir.Generation(), nil
}

// symlinkTarget resolves a link target through the L2 cache; build trees walk
// the same links over and over.
func (d *Daemon) symlinkTarget(ctx context.Context, p *Project, rawPath string) (string, error) {
	path := vrift.CanonicalPath(rawPath)
	key := "link/" + vrift.ProjectID(p.Root) + "/" + path
	if found, v, err := d.cache.GetEx(ctx, key, time.Minute); err == nil && found {
		return v, nil
	}
	target, err := p.Manifest.SymlinkTarget(path)
	if err != nil {
		return "", err
	}
	_ = d.cache.Set(ctx, key, target, time.Minute)
	return target, nil
}

func (d *Daemon) dirtyOwner(p *Project, path string) (int, bool) {
	p.dirtyMu.Lock()
	defer p.dirtyMu.Unlock()
	owner, held := p.dirty[path]
	if held && !pidAlive(owner) {
		delete(p.dirty, path)
		return 0, false
	}
	return owner, held
}

// rename moves a path (subtree for directories) in the manifest then
// republishes the affected VDir entries.
func (d *Daemon) rename(p *Project, src, dst string) (uint64, error) {
	if !withinProject(src) || !withinProject(dst) {
		return 0, vrift.Errorf(vrift.PermissionDenied, "rename endpoints outside project")
	}
	src = vrift.CanonicalPath(src)
	dst = vrift.CanonicalPath(dst)
	if owner, held := d.dirtyOwner(p, src); held {
		return 0, vrift.Errorf(vrift.Busy, "path %s held dirty by pid %d", src, owner)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	// Collect the keys moving before the manifest transaction re-keys them.
	var moved []string
	if err := p.Manifest.Scan(src, func(cp string, _ vrift.VnodeEntry) error {
		moved = append(moved, cp)
		return nil
	}); err != nil {
		return 0, err
	}

	if err := p.Manifest.Rename(src, dst); err != nil {
		return 0, err
	}

	for _, old := range moved {
		if _, err := p.VDir.Remove(old); err != nil {
			return 0, err
		}
		_, _ = d.cache.Delete(context.Background(), []string{"link/" + vrift.ProjectID(p.Root) + "/" + old})
		newPath := dst + old[len(src):]
		e, err := p.Manifest.Lookup(newPath)
		if err != nil {
			return 0, err
		}
		if err := p.VDir.Upsert(newPath, e); err != nil {
			return 0, err
		}
	}
	return p.VDir.Generation(), nil
}

// mkdir records a directory entry.
func (d *Daemon) mkdir(p *Project, rawPath string, mode uint32) (uint64, error) {
	if !withinProject(rawPath) {
		return 0, vrift.Errorf(vrift.PermissionDenied, "path %s outside project", rawPath)
	}
	path := vrift.CanonicalPath(rawPath)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.Manifest.Lookup(path); err == nil {
		return 0, vrift.Errorf(vrift.AlreadyExists, "path %s", path)
	}
	e := vrift.VnodeEntry{Mode: mode & 0o7777, Flags: vrift.FlagIsDir}
	if err := p.Manifest.Put(path, e); err != nil {
		return 0, err
	}
	if err := p.VDir.Upsert(path, e); err != nil {
		return 0, err
	}
	return p.VDir.Generation(), nil
}

// symlink records a symlink entry with its target. Creating one inside the
// project is an index upsert; no host symlink is made.
func (d *Daemon) symlink(p *Project, rawPath, target string) (uint64, error) {
	if !withinProject(rawPath) {
		return 0, vrift.Errorf(vrift.PermissionDenied, "path %s outside project", rawPath)
	}
	path := vrift.CanonicalPath(rawPath)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	e := vrift.VnodeEntry{Mode: 0o777}
	if err := p.Manifest.PutSymlink(path, target, e); err != nil {
		return 0, err
	}
	_, _ = d.cache.Delete(context.Background(), []string{"link/" + vrift.ProjectID(p.Root) + "/" + path})
	e.Flags |= vrift.FlagIsSymlink
	if err := p.VDir.Upsert(path, e); err != nil {
		return 0, err
	}
	return p.VDir.Generation(), nil
}

// metadata applies a chmod-class change when the policy translates it;
// otherwise the caller gets PermissionDenied, which the client maps to EPERM.
// chmod and chtimes rewrite the entry; setxattr/removexattr land in the
// manifest's attribute table; chown and chflags have no per-path
// representation (ownership and host flag words belong to the shared blob
// inodes) and are acknowledged without an index change.
func (d *Daemon) metadata(p *Project, mp ipc.MetadataPayload) (uint64, error) {
	if !withinProject(mp.Path) {
		return 0, vrift.Errorf(vrift.PermissionDenied, "path %s outside project", mp.Path)
	}
	path := vrift.CanonicalPath(mp.Path)
	translate, err := d.policy.TranslateMetadata(path, mp.Mode)
	if err != nil {
		return 0, err
	}
	if !translate {
		return 0, vrift.Errorf(vrift.PermissionDenied, "metadata change on %s rejected by policy", path)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	e, err := p.Manifest.Lookup(path)
	if err != nil {
		return 0, err
	}

	switch mp.Op {
	case ipc.MetaSetXattr:
		if err := p.Manifest.SetXattr(path, mp.Name, mp.Value); err != nil {
			return 0, err
		}
		return p.VDir.Generation(), nil

	case ipc.MetaRemoveXattr:
		if err := p.Manifest.RemoveXattr(path, mp.Name); err != nil {
			return 0, err
		}
		return p.VDir.Generation(), nil

	case ipc.MetaChown, ipc.MetaChflags:
		return p.VDir.Generation(), nil

	case ipc.MetaChmod:
		e.Mode = mp.Mode & 0o7777
		if e.Mode&0o111 != 0 {
			e.Flags |= vrift.FlagIsExecutable
		} else {
			e.Flags &^= vrift.FlagIsExecutable
		}

	case ipc.MetaChtimes:
		e.MtimeNs = mp.MtimeNs

	default:
		return 0, vrift.Errorf(vrift.ProtocolError, "unknown metadata op %q", mp.Op)
	}

	if err := p.Manifest.Put(path, e); err != nil {
		return 0, err
	}
	if err := p.VDir.Upsert(path, e); err != nil {
		return 0, err
	}
	return p.VDir.Generation(), nil
}
