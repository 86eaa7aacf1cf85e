package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/manifest"
)

// pidAlive reports whether a pid still exists. Signal 0 probes without
// delivering; EPERM still means alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// reapOrphans scans the project staging area for per-pid directories whose
// owner is gone, deletes the leftovers and reverts dirty-flagged paths to
// their pre-open entry. After one pass the index is consistent: every path is
// either committed or reverted, never half-applied.
func (d *Daemon) reapOrphans(p *Project) int {
	reaped := 0
	root := manifest.StagingRoot(p.Root)
	dirs, err := os.ReadDir(root)
	if err != nil {
		return 0
	}
	livePids := make(map[int]bool)
	for _, de := range dirs {
		if !de.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		if pidAlive(pid) {
			livePids[pid] = true
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, de.Name())); err != nil {
			log.Warn("orphan staging removal failed", "dir", de.Name(), "error", err)
			continue
		}
		reaped++
	}

	// Revert dirty paths whose holder died (or was never recorded, e.g.
	// after a daemon restart).
	var stale []string
	if err := p.Manifest.Scan("", func(path string, e vrift.VnodeEntry) error {
		if !e.IsDirty() {
			return nil
		}
		p.dirtyMu.Lock()
		owner, held := p.dirty[path]
		p.dirtyMu.Unlock()
		if held && pidAlive(owner) && livePids[owner] {
			return nil
		}
		stale = append(stale, path)
		return nil
	}); err != nil {
		log.Warn("dirty scan failed", "root", p.Root, "error", err)
	}
	for _, path := range stale {
		if _, err := d.clearDirty(p, path); err != nil {
			log.Warn("dirty revert failed", "path", path, "error", err)
			continue
		}
		log.Info("reverted dirty path from crashed writer", "path", path)
	}
	d.stats.orphansReaped.Add(uint64(reaped + len(stale)))
	return reaped + len(stale)
}

// sweepLockTTL guards the periodic sweep across racing daemon instances
// during a restart window.
const sweepLockTTL = time.Minute

// periodicSweep re-runs the orphan reap for every open project.
func (d *Daemon) periodicSweep(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		d.mu.Lock()
		projects := make([]*Project, 0, len(d.projects))
		for _, p := range d.projects {
			projects = append(projects, p)
		}
		d.mu.Unlock()
		for _, p := range projects {
			lk := d.cache.CreateLockKeys([]string{"sweep/" + vrift.ProjectID(p.Root)})
			ok, err := d.cache.Lock(ctx, sweepLockTTL, lk)
			if err != nil || !ok {
				continue
			}
			d.reapOrphans(p)
			d.cache.Unlock(ctx, lk)
		}
	}
}

// warmScan reconciles manifests against the store in the background: every
// referenced blob must exist and, when erasure roots are configured, a
// missing or corrupt primary is restored from shards.
func (d *Daemon) warmScan(ctx context.Context) {
	d.mu.Lock()
	projects := make([]*Project, 0, len(d.projects))
	for _, p := range d.projects {
		projects = append(projects, p)
	}
	d.mu.Unlock()

	for _, p := range projects {
		select {
		case <-ctx.Done():
			return
		default:
		}
		hashes, err := p.Manifest.Hashes()
		if err != nil {
			log.Warn("warm scan failed", "root", p.Root, "error", err)
			continue
		}
		for h, size := range hashes {
			if d.cas.Exists(h) {
				continue
			}
			if d.ec != nil && d.ec.Has(h, size) {
				if err := d.ec.Restore(ctx, d.cas, h, size); err == nil {
					log.Info("restored blob from erasure shards", "blob", h.String())
					continue
				}
			}
			log.Error("manifest references missing blob", "root", p.Root, "blob", h.String())
		}
	}
}
