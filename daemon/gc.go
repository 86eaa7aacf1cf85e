package daemon

import (
	"context"
	"os"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
	"github.com/vrift/vrift/manifest"
)

// GC enumerates the registry, unions every referenced hash across active and
// stale manifests, walks the store and reports blobs nothing references.
// Deletion only happens when deleteOrphans is set; dry-run is the default.
// Stale manifests keep protecting their blobs until the operator prunes them.
func (d *Daemon) GC(ctx context.Context, deleteOrphans bool) (*ipc.GcReport, error) {
	if _, err := d.registry.MarkStaleMissing(); err != nil {
		return nil, err
	}

	referenced := make(map[vrift.Hash]int64)
	for _, kv := range d.registry.Entries() {
		e := kv.Value
		hashes, err := d.manifestHashes(e)
		if err != nil {
			// An unreadable manifest must not cause deletions underneath it.
			log.Error("gc: manifest unreadable, aborting", "uuid", kv.Key, "path", e.Path, "error", err)
			return nil, err
		}
		for h, size := range hashes {
			referenced[h] = size
		}
	}

	report := &ipc.GcReport{
		Referenced: len(referenced),
		DryRun:     !deleteOrphans,
	}

	type orphan struct {
		h    vrift.Hash
		size int64
	}
	var orphans []orphan
	err := d.cas.Enumerate(func(h vrift.Hash, size int64, path string) error {
		report.Scanned++
		if _, ok := referenced[h]; ok {
			return nil
		}
		orphans = append(orphans, orphan{h: h, size: size})
		report.Orphans = append(report.Orphans, h.String())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if deleteOrphans {
		for _, o := range orphans {
			if err := d.cas.Remove(o.h, o.size); err != nil {
				log.Warn("gc: blob removal failed", "blob", o.h.String(), "error", err)
				continue
			}
			if d.ec != nil {
				_ = d.ec.Remove(o.h, o.size)
			}
			report.Deleted++
		}
	}
	log.Info("gc pass complete", "referenced", report.Referenced, "scanned", report.Scanned,
		"orphans", len(report.Orphans), "deleted", report.Deleted, "dry_run", report.DryRun)
	return report, nil
}

// manifestHashes reads the referenced hash set of a registry entry, reusing
// the already-open manifest for active projects.
func (d *Daemon) manifestHashes(e manifest.RegistryEntry) (map[vrift.Hash]int64, error) {
	d.mu.Lock()
	p, open := d.projects[e.ProjectRoot]
	d.mu.Unlock()
	if open {
		return p.Manifest.Hashes()
	}
	if _, err := os.Stat(e.Path); err != nil {
		// Stale entry whose store is gone protects nothing more than what it
		// can enumerate; treat as empty rather than failing the whole pass.
		log.Warn("gc: manifest store missing", "path", e.Path)
		return nil, nil
	}
	m, err := manifest.Open(e.ProjectRoot)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return m.Hashes()
}
