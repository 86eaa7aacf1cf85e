package daemon

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "log/slog"

	"github.com/vrift/vrift"
)

// IngestDir walks a directory under the project root and pulls every regular
// file, directory and symlink into the store and index. Hashing and promotion
// fan out on the worker pool; index publication stays serialized. Returns the
// number of entries ingested.
func (d *Daemon) IngestDir(ctx context.Context, p *Project, dir string) (int, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}
	rel, err := filepath.Rel(p.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return 0, vrift.Errorf(vrift.PermissionDenied, "ingest dir %s outside project %s", dir, p.Root)
	}

	tr := vrift.NewTaskRunner(ctx, cap(d.runner))
	var mu sync.Mutex
	count := 0

	publish := func(path string, e vrift.VnodeEntry, target string) error {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		if target != "" {
			if err := p.Manifest.PutSymlink(path, target, e); err != nil {
				return err
			}
			e.Flags |= vrift.FlagIsSymlink
		} else if err := p.Manifest.Put(path, e); err != nil {
			return err
		}
		if err := p.VDir.Upsert(path, e); err != nil {
			return err
		}
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}

	walkErr := filepath.WalkDir(abs, func(hostPath string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := de.Name()
		if de.IsDir() && name == ".vrift" {
			return filepath.SkipDir
		}
		relPath, err := filepath.Rel(p.Root, hostPath)
		if err != nil {
			return err
		}
		vpath := vrift.CanonicalPath(relPath)
		if vpath == "" {
			return nil
		}

		info, err := de.Info()
		if err != nil {
			return err
		}

		switch {
		case de.IsDir():
			e := vrift.VnodeEntry{
				Mode:  uint32(info.Mode().Perm()),
				Flags: vrift.FlagIsDir,
			}
			return publish(vpath, e, "")

		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(hostPath)
			if err != nil {
				return err
			}
			e := vrift.VnodeEntry{
				Mode:    uint32(info.Mode().Perm()),
				MtimeNs: uint64(info.ModTime().UnixNano()),
			}
			return publish(vpath, e, target)

		case info.Mode().IsRegular():
			if d.policy != nil {
				ok, perr := d.policy.AllowIngest(vpath, info.Size(), uint32(info.Mode().Perm()))
				if perr != nil {
					return perr
				}
				if !ok {
					log.Debug("ingest filter skipped file", "path", vpath)
					return nil
				}
			}
			tr.Go(func() error {
				h, size, err := d.ingestFile(ctx, hostPath)
				if err != nil {
					return err
				}
				e := vrift.VnodeEntry{
					ContentHash: h,
					Size:        uint64(size),
					MtimeNs:     uint64(info.ModTime().UnixNano()),
					Mode:        uint32(info.Mode().Perm()),
				}
				if e.Mode&0o111 != 0 {
					e.Flags |= vrift.FlagIsExecutable
				}
				return publish(vpath, e, "")
			})
			return nil

		default:
			// Sockets, fifos and devices are not virtualizable content.
			log.Debug("ingest skipping special file", "path", vpath)
			return nil
		}
	})

	if err := tr.Wait(); err != nil {
		return count, err
	}
	if walkErr != nil {
		return count, walkErr
	}
	log.Info("ingest complete", "dir", abs, "entries", count)
	return count, nil
}

// ingestFile hashes a host file and promotes its content. The host file is
// never consumed: promotion starts at the hardlink tier via a linked
// candidate so the source stays in place.
func (d *Daemon) ingestFile(ctx context.Context, hostPath string) (vrift.Hash, int64, error) {
	f, err := os.Open(hostPath)
	if err != nil {
		return vrift.NilHash, 0, err
	}
	h, size, err := vrift.HashReader(f)
	f.Close()
	if err != nil {
		return vrift.NilHash, 0, err
	}
	if d.cas.Exists(h) {
		d.stats.bytesDeduped.Add(uint64(size))
		return h, size, nil
	}
	if _, err := d.cas.PromoteRetain(ctx, hostPath, h, size); err != nil {
		return vrift.NilHash, 0, err
	}
	d.stats.blobsPromoted.Add(1)
	if d.ec != nil {
		if err := d.replicateShards(ctx, h, size); err != nil {
			log.Warn("erasure replication failed", "blob", h.String(), "error", err)
		}
	}
	return h, size, nil
}
