package cas

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vrift/vrift"
)

// Blob files live at <root>/blake3/<hex[0:2]>/<hex[2:4]>/<hex>_<size>.bin.
// Sharding by two bytes of hex prefix bounds any single directory to about
// 2^16 siblings under uniform hash distribution. Hex is always lowercase;
// mixed-case names are an interoperability hazard on case-insensitive hosts.

const (
	algoDir = "blake3"
	blobExt = ".bin"
)

// BlobPath returns the blob file path for hash and size under root.
func BlobPath(root string, h vrift.Hash, size int64) string {
	hex := h.String()
	return filepath.Join(root, algoDir, hex[0:2], hex[2:4], fmt.Sprintf("%s_%d%s", hex, size, blobExt))
}

// ShardDir returns the directory holding blobs with the given hash prefix.
func ShardDir(root string, h vrift.Hash) string {
	hex := h.String()
	return filepath.Join(root, algoDir, hex[0:2], hex[2:4])
}

// ParseBlobName decodes "<hex>_<size>.bin" back into its hash and size.
func ParseBlobName(name string) (vrift.Hash, int64, error) {
	base := strings.TrimSuffix(name, blobExt)
	if base == name {
		return vrift.NilHash, 0, fmt.Errorf("not a blob file: %s", name)
	}
	i := strings.LastIndexByte(base, '_')
	if i < 0 {
		return vrift.NilHash, 0, fmt.Errorf("malformed blob name: %s", name)
	}
	h, err := vrift.ParseHash(base[:i])
	if err != nil {
		return vrift.NilHash, 0, fmt.Errorf("malformed blob name %s: %w", name, err)
	}
	size, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil || size < 0 {
		return vrift.NilHash, 0, fmt.Errorf("malformed blob size in %s", name)
	}
	return h, size, nil
}
