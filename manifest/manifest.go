// Package manifest implements the durable half of the index: a per-project
// path to vnode-entry table on an embedded KV store with crash-safe
// transactions, plus the machine-wide registry enumerating every project's
// manifest for garbage collection.
//
// The daemon is the sole writer. Mutations commit to the manifest first, then
// publish to the VDir projection; readers on the hot path never touch this
// package.
package manifest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/encoding"
)

var (
	bucketEntries  = []byte("entries")
	bucketSymlinks = []byte("symlinks")
	bucketXattrs   = []byte("xattrs")
	bucketMeta     = []byte("meta")

	metaProjectRoot = []byte("project_root")
	metaUUID        = []byte("uuid")
)

// xattrKey joins path and attribute name with a NUL, which cannot appear in
// either, so per-path prefix scans stay unambiguous.
func xattrKey(path, name string) []byte {
	return []byte(path + "\x00" + name)
}

// Dir returns the manifest store path inside a project root.
func Dir(projectRoot string) string {
	return filepath.Join(projectRoot, ".vrift", "manifest.bolt")
}

// StagingDir returns the write staging area for a pid inside a project root.
func StagingDir(projectRoot string, pid int) string {
	return filepath.Join(projectRoot, ".vrift", "staging", strconv.Itoa(pid))
}

// StagingRoot returns the directory holding all per-pid staging dirs.
func StagingRoot(projectRoot string) string {
	return filepath.Join(projectRoot, ".vrift", "staging")
}

// Manifest is the durable path table for one project root.
type Manifest struct {
	db   *bolt.DB
	root string
	id   string
}

// Open opens (creating if needed) the manifest for projectRoot.
func Open(projectRoot string) (*Manifest, error) {
	path := Dir(projectRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	m := &Manifest{db: db, root: projectRoot, id: vrift.ProjectID(projectRoot)}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketSymlinks, bucketXattrs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(metaProjectRoot) == nil {
			if err := meta.Put(metaProjectRoot, []byte(projectRoot)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the store.
func (m *Manifest) Close() error {
	return m.db.Close()
}

// ProjectRoot returns the absolute project root this manifest indexes.
func (m *Manifest) ProjectRoot() string {
	return m.root
}

// ProjectID returns the 16-hex workspace identity.
func (m *Manifest) ProjectID() string {
	return m.id
}

// UUID returns the registry identity persisted in the store, if any.
func (m *Manifest) UUID() string {
	var out string
	m.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(metaUUID); v != nil {
			out = string(v)
		}
		return nil
	})
	return out
}

// SetUUID persists the registry identity.
func (m *Manifest) SetUUID(id string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaUUID, []byte(id))
	})
}

// Put upserts path's entry in one transaction.
func (m *Manifest) Put(path string, e vrift.VnodeEntry) error {
	key := []byte(vrift.CanonicalPath(path))
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put(key, encoding.MarshalVnode(e))
	})
}

// PutSymlink records a symlink entry together with its target.
func (m *Manifest) PutSymlink(path, target string, e vrift.VnodeEntry) error {
	e.Flags |= vrift.FlagIsSymlink
	key := []byte(vrift.CanonicalPath(path))
	return m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put(key, encoding.MarshalVnode(e)); err != nil {
			return err
		}
		return tx.Bucket(bucketSymlinks).Put(key, []byte(target))
	})
}

// SymlinkTarget returns the companion link-target record.
func (m *Manifest) SymlinkTarget(path string) (string, error) {
	key := []byte(vrift.CanonicalPath(path))
	var out string
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSymlinks).Get(key)
		if v == nil {
			return vrift.Errorf(vrift.NotFound, "symlink %s", path)
		}
		out = string(v)
		return nil
	})
	return out, err
}

// Lookup returns path's entry.
func (m *Manifest) Lookup(path string) (vrift.VnodeEntry, error) {
	key := []byte(vrift.CanonicalPath(path))
	var e vrift.VnodeEntry
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(key)
		if v == nil {
			return vrift.Errorf(vrift.NotFound, "path %s", path)
		}
		var uerr error
		e, uerr = encoding.UnmarshalVnode(v)
		return uerr
	})
	return e, err
}

// Remove deletes path, its symlink companion and its extended attributes in
// one transaction.
func (m *Manifest) Remove(path string) error {
	canonical := vrift.CanonicalPath(path)
	key := []byte(canonical)
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b.Get(key) == nil {
			return vrift.Errorf(vrift.NotFound, "path %s", path)
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSymlinks).Delete(key); err != nil {
			return err
		}
		return deleteXattrsIn(tx, canonical)
	})
}

// deleteXattrsIn drops every attribute of path inside an open transaction.
func deleteXattrsIn(tx *bolt.Tx, path string) error {
	x := tx.Bucket(bucketXattrs)
	prefix := []byte(path + "\x00")
	c := x.Cursor()
	var stale [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		kc := make([]byte, len(k))
		copy(kc, k)
		stale = append(stale, kc)
	}
	for _, k := range stale {
		if err := x.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// SetXattr records an extended attribute for path. The entry must exist.
func (m *Manifest) SetXattr(path, name string, value []byte) error {
	canonical := vrift.CanonicalPath(path)
	return m.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEntries).Get([]byte(canonical)) == nil {
			return vrift.Errorf(vrift.NotFound, "path %s", path)
		}
		return tx.Bucket(bucketXattrs).Put(xattrKey(canonical, name), value)
	})
}

// GetXattr returns the named attribute of path.
func (m *Manifest) GetXattr(path, name string) ([]byte, error) {
	canonical := vrift.CanonicalPath(path)
	var out []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketXattrs).Get(xattrKey(canonical, name))
		if v == nil {
			return vrift.Errorf(vrift.NotFound, "xattr %s on %s", name, path)
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

// RemoveXattr deletes the named attribute of path.
func (m *Manifest) RemoveXattr(path, name string) error {
	canonical := vrift.CanonicalPath(path)
	return m.db.Update(func(tx *bolt.Tx) error {
		x := tx.Bucket(bucketXattrs)
		key := xattrKey(canonical, name)
		if x.Get(key) == nil {
			return vrift.Errorf(vrift.NotFound, "xattr %s on %s", name, path)
		}
		return x.Delete(key)
	})
}

// Rename moves src to dst; when src is a directory the whole subtree is
// re-keyed inside the same transaction, so readers of the manifest never see
// a half-moved tree.
func (m *Manifest) Rename(src, dst string) error {
	srcKey := vrift.CanonicalPath(src)
	dstKey := vrift.CanonicalPath(dst)
	if srcKey == dstKey {
		return nil
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		links := tx.Bucket(bucketSymlinks)
		xattrs := tx.Bucket(bucketXattrs)

		v := entries.Get([]byte(srcKey))
		if v == nil {
			return vrift.Errorf(vrift.NotFound, "path %s", src)
		}

		type move struct{ from, to string }
		moves := []move{{srcKey, dstKey}}

		prefix := []byte(srcKey + "/")
		c := entries.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rel := string(k[len(srcKey):])
			moves = append(moves, move{string(k), dstKey + rel})
		}

		for _, mv := range moves {
			val := entries.Get([]byte(mv.from))
			if val == nil {
				continue
			}
			// bbolt values are only valid for the tx; copy before re-put.
			vc := make([]byte, len(val))
			copy(vc, val)
			if err := entries.Put([]byte(mv.to), vc); err != nil {
				return err
			}
			if err := entries.Delete([]byte(mv.from)); err != nil {
				return err
			}
			if lv := links.Get([]byte(mv.from)); lv != nil {
				lc := make([]byte, len(lv))
				copy(lc, lv)
				if err := links.Put([]byte(mv.to), lc); err != nil {
					return err
				}
				if err := links.Delete([]byte(mv.from)); err != nil {
					return err
				}
			}
			// Re-key the path's extended attributes alongside it.
			xprefix := []byte(mv.from + "\x00")
			xc := xattrs.Cursor()
			type xmove struct {
				from, to []byte
				value    []byte
			}
			var xmoves []xmove
			for k, xv := xc.Seek(xprefix); k != nil && bytes.HasPrefix(k, xprefix); k, xv = xc.Next() {
				kc := make([]byte, len(k))
				copy(kc, k)
				vc := make([]byte, len(xv))
				copy(vc, xv)
				xmoves = append(xmoves, xmove{
					from:  kc,
					to:    append([]byte(mv.to+"\x00"), kc[len(xprefix):]...),
					value: vc,
				})
			}
			for _, xm := range xmoves {
				if err := xattrs.Put(xm.to, xm.value); err != nil {
					return err
				}
				if err := xattrs.Delete(xm.from); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Scan invokes fn for each path under prefix, in key order. An empty prefix
// walks the whole table.
func (m *Manifest) Scan(prefix string, fn func(path string, e vrift.VnodeEntry) error) error {
	p := vrift.CanonicalPath(prefix)
	return m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		var k, v []byte
		if p == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(p))
		}
		for ; k != nil; k, v = c.Next() {
			ks := string(k)
			if p != "" && ks != p && !strings.HasPrefix(ks, p+"/") {
				if !strings.HasPrefix(ks, p) {
					break
				}
				continue
			}
			e, err := encoding.UnmarshalVnode(v)
			if err != nil {
				return err
			}
			if err := fn(ks, e); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
		}
		return nil
	})
}

// ErrStopScan terminates a Scan early without error.
var ErrStopScan = errors.New("stop scan")

// Hashes returns the set of content hashes referenced by non-dirty entries.
// The garbage collector unions these across every registered manifest.
func (m *Manifest) Hashes() (map[vrift.Hash]int64, error) {
	out := make(map[vrift.Hash]int64)
	err := m.Scan("", func(path string, e vrift.VnodeEntry) error {
		if e.IsDir() || e.IsSymlink() || e.IsDirty() || e.ContentHash.IsNil() {
			return nil
		}
		out[e.ContentHash] = int64(e.Size)
		return nil
	})
	return out, err
}
