package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/vrift/vrift"
)

// VnodeEntry binary layout, little-endian, 56 bytes:
//
//	[0:32)  content hash
//	[32:40) size
//	[40:48) mtime ns
//	[48:52) mode
//	[52:54) flags
//	[54:56) reserved
//
// The layout is shared by the manifest values and the VDir entry table, so it
// must not change without a format version bump.

// MarshalVnode packs e into its 56-byte form.
func MarshalVnode(e vrift.VnodeEntry) []byte {
	var b [vrift.VnodeEntrySize]byte
	PutVnode(b[:], e)
	return b[:]
}

// PutVnode packs e into buf, which must be at least VnodeEntrySize bytes.
func PutVnode(buf []byte, e vrift.VnodeEntry) {
	copy(buf[0:32], e.ContentHash[:])
	binary.LittleEndian.PutUint64(buf[32:40], e.Size)
	binary.LittleEndian.PutUint64(buf[40:48], e.MtimeNs)
	binary.LittleEndian.PutUint32(buf[48:52], e.Mode)
	binary.LittleEndian.PutUint16(buf[52:54], e.Flags)
	buf[54] = 0
	buf[55] = 0
}

// UnmarshalVnode unpacks a 56-byte record.
func UnmarshalVnode(data []byte) (vrift.VnodeEntry, error) {
	var e vrift.VnodeEntry
	if len(data) < vrift.VnodeEntrySize {
		return e, fmt.Errorf("vnode record too short: %d bytes", len(data))
	}
	copy(e.ContentHash[:], data[0:32])
	e.Size = binary.LittleEndian.Uint64(data[32:40])
	e.MtimeNs = binary.LittleEndian.Uint64(data[40:48])
	e.Mode = binary.LittleEndian.Uint32(data[48:52])
	e.Flags = binary.LittleEndian.Uint16(data[52:54])
	return e, nil
}
