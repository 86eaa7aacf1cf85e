package vrift

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"lukechampine.com/blake3"
)

// HashSize is the byte length of a content hash (BLAKE3-256).
const HashSize = 32

// Hash is a 256-bit BLAKE3 digest identifying a blob's content.
type Hash [HashSize]byte

// NilHash is the zero hash. No blob can carry it; entries use it to mean "no content".
var NilHash Hash

// HashBytes computes the content hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader streams r through BLAKE3 and returns the content hash and byte count.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New(HashSize, nil)
	n, err := io.Copy(h, r)
	if err != nil {
		return NilHash, 0, err
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, n, nil
}

// String returns the lowercase hex form. Blob filenames and wire messages
// carry this form; uppercase hex is rejected everywhere on input.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsNil reports whether the hash is the zero value.
func (h Hash) IsNil() bool {
	return h == NilHash
}

// ParseHash decodes a 64-char lowercase hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("hash hex must be %d chars, got %d", HashSize*2, len(s))
	}
	if s != strings.ToLower(s) {
		return h, fmt.Errorf("hash hex must be lowercase: %s", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// PathHash64 returns the truncated 64-bit path hash used as the VDir slot key:
// the first eight bytes of BLAKE3(path), little-endian.
func PathHash64(path string) uint64 {
	sum := blake3.Sum256([]byte(path))
	return binary.LittleEndian.Uint64(sum[:8])
}

// ProjectID derives the 16-hex-char workspace identity from the absolute
// project root. Indexes and sockets derive their filenames from this id.
func ProjectID(absRoot string) string {
	sum := blake3.Sum256([]byte(absRoot))
	return hex.EncodeToString(sum[:8])
}

// Vnode flag bits.
const (
	FlagIsDir        uint16 = 1 << 0
	FlagIsSymlink    uint16 = 1 << 1
	FlagIsExecutable uint16 = 1 << 2
	// FlagDirty marks a path with uncommitted writes; readers must consult
	// the staging file instead of the content hash.
	FlagDirty uint16 = 1 << 3
)

// VnodeEntrySize is the packed width of a VnodeEntry on disk and on the wire.
const VnodeEntrySize = 56

// VnodeEntry is the per-path index record. For regular files ContentHash
// identifies a blob that must exist in the CAS unless Dirty is set. For
// symlinks a companion record carries the link target. For directories
// ContentHash and Size are unused.
type VnodeEntry struct {
	ContentHash Hash
	Size        uint64
	MtimeNs     uint64
	Mode        uint32
	Flags       uint16
}

// IsDir reports whether the entry describes a directory.
func (e VnodeEntry) IsDir() bool { return e.Flags&FlagIsDir != 0 }

// IsSymlink reports whether the entry describes a symlink.
func (e VnodeEntry) IsSymlink() bool { return e.Flags&FlagIsSymlink != 0 }

// IsDirty reports whether the path has uncommitted writes outstanding.
func (e VnodeEntry) IsDirty() bool { return e.Flags&FlagDirty != 0 }

// CanonicalPath normalizes a project-relative path to the index key form:
// slash-separated, no leading or trailing slash, no "." or ".." segments.
func CanonicalPath(p string) string {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "/")
	cleaned := filepath.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/")
}
