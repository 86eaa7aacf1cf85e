package daemon

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
	"github.com/vrift/vrift/manifest"
)

// Commit pipeline states. One staging file moves INCOMING -> HASHING ->
// PROMOTING -> INDEX_UPDATE -> DONE; any failure jumps to FAIL and the
// staging file is left in place for the caller to retry or clean.
type commitState int

const (
	stateIncoming commitState = iota
	stateHashing
	statePromoting
	stateIndexUpdate
	stateDone
	stateFail
)

func (s commitState) String() string {
	switch s {
	case stateIncoming:
		return "incoming"
	case stateHashing:
		return "hashing"
	case statePromoting:
		return "promoting"
	case stateIndexUpdate:
		return "index_update"
	case stateDone:
		return "done"
	}
	return "fail"
}

// withinProject reports whether a raw project-relative path stays inside the
// project. Checked before canonicalization, which would silently clip ".."
// segments at the root.
func withinProject(rawPath string) bool {
	p := strings.TrimPrefix(filepath.ToSlash(rawPath), "/")
	cleaned := path.Clean(p)
	return cleaned != "" && cleaned != "." && cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}

// validStagingPath verifies the staging file sits inside the project's
// staging area; commits naming arbitrary host files are rejected.
func validStagingPath(root, staging string) bool {
	abs, err := filepath.Abs(staging)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, manifest.StagingRoot(root)+string(os.PathSeparator))
}

// markDirty flags path as write-held by pid: the prior entry (and hash) stays
// in the index so readers keep resolving the pre-open content and a crash can
// revert to it. A path already held by a live different pid is Busy.
func (d *Daemon) markDirty(p *Project, rawPath string, pid int) (uint64, error) {
	if !withinProject(rawPath) {
		return 0, vrift.Errorf(vrift.PermissionDenied, "path %s outside project", rawPath)
	}
	path := vrift.CanonicalPath(rawPath)

	p.dirtyMu.Lock()
	if owner, held := p.dirty[path]; held && owner != pid && pidAlive(owner) {
		p.dirtyMu.Unlock()
		return 0, vrift.Errorf(vrift.Busy, "path %s held dirty by pid %d", path, owner)
	}
	p.dirty[path] = pid
	p.dirtyMu.Unlock()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	e, err := p.Manifest.Lookup(path)
	if err != nil {
		if vrift.CodeOf(err) != vrift.NotFound {
			return 0, err
		}
		// Brand-new path: a dirty placeholder with no content hash.
		e = vrift.VnodeEntry{Mode: 0o644}
	}
	e.Flags |= vrift.FlagDirty
	if err := p.Manifest.Put(path, e); err != nil {
		return 0, err
	}
	if err := p.VDir.Upsert(path, e); err != nil {
		return 0, err
	}
	return p.VDir.Generation(), nil
}

// clearDirty releases the write hold without committing: the entry reverts to
// its pre-open state (or disappears when the path never existed cleanly).
func (d *Daemon) clearDirty(p *Project, path string) (uint64, error) {
	path = vrift.CanonicalPath(path)

	p.dirtyMu.Lock()
	delete(p.dirty, path)
	p.dirtyMu.Unlock()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	e, err := p.Manifest.Lookup(path)
	if err != nil {
		return p.VDir.Generation(), nil
	}
	if !e.IsDirty() {
		return p.VDir.Generation(), nil
	}
	if e.ContentHash.IsNil() && !e.IsDir() && !e.IsSymlink() {
		// Placeholder for a path that never had committed content.
		if err := p.Manifest.Remove(path); err != nil && vrift.CodeOf(err) != vrift.NotFound {
			return 0, err
		}
		if _, err := p.VDir.Remove(path); err != nil {
			return 0, err
		}
		return p.VDir.Generation(), nil
	}
	e.Flags &^= vrift.FlagDirty
	if err := p.Manifest.Put(path, e); err != nil {
		return 0, err
	}
	if err := p.VDir.Upsert(path, e); err != nil {
		return 0, err
	}
	return p.VDir.Generation(), nil
}

// commit drives one staging file through the pipeline and publishes the new
// entry. On success the bytes are in the CAS, the manifest records the new
// hash with Dirty cleared, and the returned generation postdates the publish.
func (d *Daemon) commit(ctx context.Context, p *Project, cp ipc.CommitPayload) (vrift.Hash, uint64, error) {
	state := stateIncoming
	fail := func(err error) (vrift.Hash, uint64, error) {
		d.stats.commitsFailed.Add(1)
		log.Warn("commit failed", "path", cp.VirtualPath, "state", state.String(), "error", err)
		return vrift.NilHash, 0, err
	}

	if !withinProject(cp.VirtualPath) {
		return fail(vrift.Errorf(vrift.PermissionDenied, "path %s outside project", cp.VirtualPath))
	}
	path := vrift.CanonicalPath(cp.VirtualPath)
	if !validStagingPath(p.Root, cp.StagingPath) {
		return fail(vrift.Errorf(vrift.PermissionDenied, "staging path %s outside staging area", cp.StagingPath))
	}
	if d.policy != nil {
		ok, err := d.policy.AllowIngest(path, cp.Size, cp.Mode)
		if err != nil {
			return fail(err)
		}
		if !ok {
			return fail(vrift.Errorf(vrift.PermissionDenied, "ingest filter rejected %s", path))
		}
	}

	release := d.acquireWorker()

	// HASHING: stream the staging bytes through the digest.
	state = stateHashing
	f, err := os.Open(cp.StagingPath)
	if err != nil {
		release()
		return fail(vrift.Errorf(vrift.NotFound, "staging file %s: %v", cp.StagingPath, err))
	}
	h, size, err := vrift.HashReader(f)
	f.Close()
	if err != nil {
		release()
		return fail(vrift.Errorf(vrift.Unknown, "hashing %s: %v", cp.StagingPath, err))
	}

	// PROMOTING: tiered move into the store.
	state = statePromoting
	existed := d.cas.Exists(h)
	consumed, err := d.cas.Promote(ctx, cp.StagingPath, h, size)
	release()
	if err != nil {
		return fail(err)
	}
	if !consumed {
		// Hardlink/clone/copy tiers and dedup hits leave the staging file.
		if err := os.Remove(cp.StagingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Debug("staging cleanup failed", "path", cp.StagingPath, "error", err)
		}
	}
	if existed {
		d.stats.bytesDeduped.Add(uint64(size))
	} else {
		d.stats.blobsPromoted.Add(1)
	}

	if d.ec != nil && !existed {
		if err := d.replicateShards(ctx, h, size); err != nil {
			log.Warn("erasure replication failed", "blob", h.String(), "error", err)
		}
	}

	// INDEX_UPDATE: manifest transaction first, then VDir publish.
	state = stateIndexUpdate
	entry := vrift.VnodeEntry{
		ContentHash: h,
		Size:        uint64(size),
		MtimeNs:     cp.MtimeNs,
		Mode:        cp.Mode,
	}
	if cp.Mode&0o111 != 0 {
		entry.Flags |= vrift.FlagIsExecutable
	}

	p.writeMu.Lock()
	if err := p.Manifest.Put(path, entry); err != nil {
		p.writeMu.Unlock()
		return fail(err)
	}
	if err := p.VDir.Upsert(path, entry); err != nil {
		p.writeMu.Unlock()
		return fail(err)
	}
	gen := p.VDir.Generation()
	p.writeMu.Unlock()

	p.dirtyMu.Lock()
	delete(p.dirty, path)
	p.dirtyMu.Unlock()

	state = stateDone
	d.stats.commitsTotal.Add(1)
	log.Debug("commit done", "path", path, "blob", h.String(), "size", size, "generation", gen)
	return h, gen, nil
}

// replicateShards mirrors a fresh blob into the erasure-coded roots.
func (d *Daemon) replicateShards(ctx context.Context, h vrift.Hash, size int64) error {
	f, err := d.cas.Open(h, size)
	if err != nil {
		return err
	}
	defer f.Close()
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return err
	}
	return d.ec.Put(ctx, h, size, data)
}
