// Package vdir implements the memory-mapped runtime index: a read-optimized
// projection of a project Manifest that every client process maps read-only
// and the daemon alone mutates. Readers are wait-free: they validate a
// generation counter around each probe and retry on mid-read publication;
// after enough consecutive mismatches they reopen the file, which is how a
// capacity resize (rebuild + atomic rename) reaches them.
package vdir

import (
	"encoding/binary"
	"fmt"

	"github.com/vrift/vrift"
)

// On-disk layout, all integers little-endian:
//
//	header (64 bytes):
//	  [0:4)   magic "VRFT"
//	  [4:8)   version u32
//	  [8:16)  capacity u64 (slot count, power of two)
//	  [16:24) entry count u64
//	  [24:32) generation u64 (odd while a mutation is in flight)
//	  [32:64) reserved
//	slot table at offset 4096 (page aligned), capacity slots:
//	  [0:8)   path hash u64 (BLAKE3(path)[0:8])
//	  [8:64)  packed VnodeEntry (56 bytes)
//	  [64:68) string offset u32 into the string region
//	  [68:72) padding
//	string region at offset 4096 + capacity*72:
//	  interned NUL-terminated path strings; offsets 0 and 1 are reserved
//	  sentinels so no live string sits at either.

const (
	Magic   = "VRFT"
	Version = 1

	headerSize = 64
	pageSize   = 4096

	slotSize      = 72
	slotHashOff   = 0
	slotEntryOff  = 8
	slotStringOff = 64

	offMagic      = 0
	offVersion    = 4
	offCapacity   = 8
	offEntryCount = 16
	offGeneration = 24

	// String-offset sentinels marking slot state.
	slotEmpty     uint32 = 0
	slotTombstone uint32 = 1

	// DefaultCapacity is the initial slot count for a fresh index.
	DefaultCapacity = 1 << 12

	// maxLoadFactor x1000; beyond this the writer resizes.
	maxLoadMille = 750

	// readMaxRetries bounds the generation-validation loop; from the midpoint
	// on, a reader that still sees an odd generation reopens the file, and
	// exhaustion fails with Busy.
	readMaxRetries = 8
)

func tableOffset() int64 {
	return pageSize
}

func stringsOffset(capacity uint64) int64 {
	return pageSize + int64(capacity)*slotSize
}

func slotOffset(capacity, idx uint64) int64 {
	return tableOffset() + int64(idx%capacity)*slotSize
}

// fileSize returns the initial file length for a capacity, leaving
// stringCap bytes of interning space.
func fileSize(capacity uint64, stringCap int64) int64 {
	return stringsOffset(capacity) + stringCap
}

type header struct {
	capacity   uint64
	entryCount uint64
	generation uint64
}

func readHeader(data []byte) (header, error) {
	var h header
	if len(data) < headerSize {
		return h, fmt.Errorf("vdir file too short: %d bytes", len(data))
	}
	if string(data[offMagic:offMagic+4]) != Magic {
		return h, vrift.Errorf(vrift.Corruption, "bad vdir magic %q", data[offMagic:offMagic+4])
	}
	if v := binary.LittleEndian.Uint32(data[offVersion:]); v != Version {
		return h, vrift.Errorf(vrift.Unsupported, "vdir version %d, want %d", v, Version)
	}
	h.capacity = binary.LittleEndian.Uint64(data[offCapacity:])
	h.entryCount = binary.LittleEndian.Uint64(data[offEntryCount:])
	h.generation = binary.LittleEndian.Uint64(data[offGeneration:])
	if h.capacity == 0 || h.capacity&(h.capacity-1) != 0 {
		return h, vrift.Errorf(vrift.Corruption, "vdir capacity %d not a power of two", h.capacity)
	}
	return h, nil
}

func writeHeader(data []byte, h header) {
	copy(data[offMagic:], Magic)
	binary.LittleEndian.PutUint32(data[offVersion:], Version)
	binary.LittleEndian.PutUint64(data[offCapacity:], h.capacity)
	binary.LittleEndian.PutUint64(data[offEntryCount:], h.entryCount)
	binary.LittleEndian.PutUint64(data[offGeneration:], h.generation)
}
