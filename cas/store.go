// Package cas implements the content-addressed blob store. Blobs are immutable
// regular files named by the BLAKE3 digest of their body; insertion promotes a
// staged candidate file into place via a tiered cascade (rename, hardlink,
// reflink, copy) so the common path never rereads the body.
package cas

import (
	"context"
	"errors"
	"io"
	"io/fs"
	log "log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/vrift/vrift"
)

const dirPermission os.FileMode = 0o755

// Store is the plain single-root blob store.
type Store struct {
	root string
	// applyImmutable controls the best-effort OS immutability flag on new blobs.
	applyImmutable bool
}

// NewStore opens (creating if needed) a blob store rooted at root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, algoDir), dirPermission); err != nil {
		return nil, vrift.Errorf(vrift.Unknown, "creating cas root: %w", err)
	}
	return &Store{root: root, applyImmutable: true}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns where the blob of the given identity lives.
func (s *Store) Path(h vrift.Hash, size int64) string {
	return BlobPath(s.root, h, size)
}

// Exists reports whether a blob with the given hash is present.
func (s *Store) Exists(h vrift.Hash) bool {
	_, err := s.Find(h)
	return err == nil
}

// Find locates the blob of the given hash and returns its size. The filename
// carries the size, so this scans one shard directory.
func (s *Store) Find(h vrift.Hash) (int64, error) {
	entries, err := os.ReadDir(ShardDir(s.root, h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, vrift.Errorf(vrift.NotFound, "blob %s", h)
		}
		return 0, err
	}
	prefix := h.String() + "_"
	for _, e := range entries {
		if len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			_, size, err := ParseBlobName(e.Name())
			if err != nil {
				continue
			}
			return size, nil
		}
	}
	return 0, vrift.Errorf(vrift.NotFound, "blob %s", h)
}

// Open returns a read-only descriptor on the blob file. The body is neither
// read nor copied.
func (s *Store) Open(h vrift.Hash, size int64) (*os.File, error) {
	f, err := os.Open(s.Path(h, size))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, vrift.Errorf(vrift.NotFound, "blob %s size %d", h, size)
		}
		return nil, err
	}
	return f, nil
}

// InsertBytes writes data as a blob and returns its hash. Intended for small
// payloads (symlink targets, tests); large content goes through Insert.
func (s *Store) InsertBytes(ctx context.Context, data []byte) (vrift.Hash, error) {
	h := vrift.HashBytes(data)
	target := s.Path(h, int64(len(data)))
	if _, err := os.Stat(target); err == nil {
		return h, nil
	}
	tmp, err := s.tempFile()
	if err != nil {
		return vrift.NilHash, err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return vrift.NilHash, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return vrift.NilHash, err
	}
	if _, err := s.Promote(ctx, name, h, int64(len(data))); err != nil {
		os.Remove(name)
		return vrift.NilHash, err
	}
	os.Remove(name)
	return h, nil
}

// Insert hashes the candidate file then promotes it into the store. The
// candidate is consumed when the rename tier wins; otherwise it is left in
// place for the caller to unlink. Idempotent on content.
func (s *Store) Insert(ctx context.Context, candidatePath string) (vrift.Hash, int64, error) {
	f, err := os.Open(candidatePath)
	if err != nil {
		return vrift.NilHash, 0, vrift.Errorf(vrift.NotFound, "candidate %s: %w", candidatePath, err)
	}
	h, size, err := vrift.HashReader(f)
	f.Close()
	if err != nil {
		// Hash computation failure is fatal for the ingest.
		return vrift.NilHash, 0, vrift.Errorf(vrift.Unknown, "hashing %s: %w", candidatePath, err)
	}
	if _, err := s.Promote(ctx, candidatePath, h, size); err != nil {
		return vrift.NilHash, 0, err
	}
	return h, size, nil
}

// Promote moves the pre-hashed candidate into place without reading its body.
// Returns consumed=true when the candidate no longer exists (rename tier).
//
// Tier cascade: rename (same filesystem, single reference) -> hardlink (same
// filesystem, source retained) -> reflink (CoW clone, separate inode) -> full
// byte copy. Any tier failure the next tier can recover from is silently
// downgraded; exhaustion fails with a categorized error.
func (s *Store) Promote(ctx context.Context, candidatePath string, h vrift.Hash, size int64) (bool, error) {
	target := s.Path(h, size)
	if _, err := os.Stat(target); err == nil {
		// Dedup hit.
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), dirPermission); err != nil {
		return false, categorize(err)
	}

	if err := os.Rename(candidatePath, target); err == nil {
		s.seal(target)
		return true, nil
	} else if !promotionRecoverable(err) {
		return false, categorize(err)
	}

	if err := os.Link(candidatePath, target); err == nil {
		s.seal(target)
		return false, nil
	} else if errors.Is(err, fs.ErrExist) {
		// Raced with another insert of the same content.
		return false, nil
	} else if !promotionRecoverable(err) {
		return false, categorize(err)
	}

	if err := reflink(candidatePath, target); err == nil {
		s.seal(target)
		return false, nil
	} else if errors.Is(err, fs.ErrExist) {
		return false, nil
	} else if !promotionRecoverable(err) {
		return false, categorize(err)
	}

	if err := s.copyInto(candidatePath, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, categorize(err)
	}
	s.seal(target)
	return false, nil
}

// PromoteRetain promotes without ever consuming the candidate: the rename
// tier is skipped so the source file survives. Ingest of live host trees uses
// this; the hardlink tier then shares the inode with the host file.
func (s *Store) PromoteRetain(ctx context.Context, candidatePath string, h vrift.Hash, size int64) (bool, error) {
	target := s.Path(h, size)
	if _, err := os.Stat(target); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), dirPermission); err != nil {
		return false, categorize(err)
	}

	// No seal after a hardlink here: the candidate is a live host file
	// sharing the inode, and the immutability flag would freeze it too.
	if err := os.Link(candidatePath, target); err == nil {
		return false, nil
	} else if errors.Is(err, fs.ErrExist) {
		return false, nil
	} else if !promotionRecoverable(err) {
		return false, categorize(err)
	}

	if err := reflink(candidatePath, target); err == nil {
		s.seal(target)
		return false, nil
	} else if errors.Is(err, fs.ErrExist) {
		return false, nil
	} else if !promotionRecoverable(err) {
		return false, categorize(err)
	}

	if err := s.copyInto(candidatePath, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, categorize(err)
	}
	s.seal(target)
	return false, nil
}

// promotionRecoverable reports whether the next promotion tier may still
// succeed after err. EPERM shows up for hardlinks on code-signed bundles;
// EXDEV when staging and store sit on different mounts; ENOTSUP/EINVAL when
// the filesystem lacks the primitive.
func promotionRecoverable(err error) bool {
	return errors.Is(err, syscall.EXDEV) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.EMLINK)
}

// categorize maps a promotion error onto the store's error taxonomy.
func categorize(err error) error {
	switch {
	case errors.Is(err, syscall.EXDEV):
		return vrift.Error{Code: vrift.CrossDevice, Err: err}
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		return vrift.Error{Code: vrift.PermissionDenied, Err: err}
	case errors.Is(err, syscall.ENOTSUP), errors.Is(err, syscall.EOPNOTSUPP):
		return vrift.Error{Code: vrift.Unsupported, Err: err}
	default:
		return vrift.Error{Code: vrift.Unknown, Err: err}
	}
}

// copyInto streams candidate bytes into the target via an exclusive temp file
// in the same shard directory, fsyncs, then renames into place. Partial writes
// are removed.
func (s *Store) copyInto(candidatePath, target string) error {
	src, err := os.Open(candidatePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".promote-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// seal applies the OS immutability flag to a freshly promoted blob. Requires
// privilege on most hosts; failure only logs at debug.
func (s *Store) seal(target string) {
	if !s.applyImmutable {
		return
	}
	if err := setImmutable(target); err != nil {
		log.Debug("immutability flag not applied", "blob", target, "error", err)
	}
}

// Remove deletes a blob, clearing the immutability flag first. GC only.
func (s *Store) Remove(h vrift.Hash, size int64) error {
	target := s.Path(h, size)
	if err := clearImmutable(target); err != nil {
		log.Debug("immutability flag not cleared", "blob", target, "error", err)
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return vrift.Errorf(vrift.NotFound, "blob %s", h)
		}
		return err
	}
	return nil
}

// Enumerate walks every blob in the store, invoking fn with its identity and
// file path. Used by the garbage collector.
func (s *Store) Enumerate(fn func(h vrift.Hash, size int64, path string) error) error {
	base := filepath.Join(s.root, algoDir)
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		h, size, perr := ParseBlobName(d.Name())
		if perr != nil {
			// Stray file inside the store; skip, GC never touches it.
			return nil
		}
		return fn(h, size, path)
	})
}

// Verify recomputes the blob's digest and checks it against the filename.
// A mismatch is Corruption: fatal for the operation and logged at error level.
func (s *Store) Verify(h vrift.Hash, size int64) error {
	f, err := s.Open(h, size)
	if err != nil {
		return err
	}
	defer f.Close()
	got, n, err := vrift.HashReader(f)
	if err != nil {
		return err
	}
	if n != size || got != h {
		log.Error("blob corruption detected", "blob", h.String(), "rehash", got.String(), "size", n)
		return vrift.Errorf(vrift.Corruption, "blob %s rehashed to %s (%d bytes)", h, got, n)
	}
	return nil
}

func (s *Store) tempFile() (*os.File, error) {
	dir := filepath.Join(s.root, "tmp")
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, "ingest-*")
}

// DisableImmutability turns off the immutability flag application; tests and
// unprivileged deployments use this to avoid noisy debug logs.
func (s *Store) DisableImmutability() {
	s.applyImmutable = false
}
