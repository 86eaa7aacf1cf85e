package vdir

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/encoding"
)

// initial string-region budget per slot; resize rebuilds interning anyway.
const stringBytesPerSlot = 48

// Writer is the daemon's single-writer handle on an index file. Mutations
// take an internal lock, wrap the slot writes in an odd/even generation
// window and publish with a release-ordered counter bump.
type Writer struct {
	path string

	mu        sync.Mutex
	m         *mapping
	capacity  uint64
	count     uint64
	gen       uint64
	stringEnd int64 // next free offset within the string region
	stringCap int64
}

// Create writes a fresh empty index file with the given slot capacity.
func Create(path string, capacity uint64) error {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return vrift.Errorf(vrift.Unknown, "capacity %d not a power of two", capacity)
	}
	stringCap := int64(capacity) * stringBytesPerSlot
	buf := make([]byte, fileSize(capacity, stringCap))
	writeHeader(buf, header{capacity: capacity, entryCount: 0, generation: 2})
	tmp := path + ".init"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// OpenWriter maps the index file writable, creating it when absent.
func OpenWriter(path string) (*Writer, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := Create(path, DefaultCapacity); err != nil {
			return nil, err
		}
	}
	w := &Writer{path: path}
	if err := w.load(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) load() error {
	m, err := openMapping(w.path, true)
	if err != nil {
		return err
	}
	h, err := readHeader(m.data)
	if err != nil {
		m.close()
		return err
	}
	w.m = m
	w.capacity = h.capacity
	w.count = h.entryCount
	w.gen = h.generation
	w.stringCap = int64(len(m.data)) - stringsOffset(h.capacity)
	w.stringEnd = w.scanStringEnd()
	return nil
}

// scanStringEnd finds the end of the interned region by walking live slots.
// Offsets 0 and 1 are sentinels, so appends start at 2.
func (w *Writer) scanStringEnd() int64 {
	end := int64(2)
	for idx := uint64(0); idx < w.capacity; idx++ {
		off := slotOffset(w.capacity, idx)
		strOff := binary.LittleEndian.Uint32(w.m.data[off+slotStringOff:])
		if strOff == slotEmpty || strOff == slotTombstone {
			continue
		}
		if s, ok := readString(w.m, w.capacity, strOff); ok {
			if e := int64(strOff) + int64(len(s)) + 1; e > end {
				end = e
			}
		}
	}
	return end
}

// Close flushes and unmaps. The file stays valid for readers.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.m == nil {
		return nil
	}
	_ = w.m.sync()
	err := w.m.close()
	w.m = nil
	return err
}

// Generation returns the current publication counter.
func (w *Writer) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

// Len returns the live entry count.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.count)
}

// beginMutation flips the generation odd so readers retry instead of
// observing a torn slot.
func (w *Writer) beginMutation() {
	w.gen++
	w.m.bumpGeneration(w.gen)
}

// commitMutation writes the entry count and flips the generation even.
func (w *Writer) commitMutation() {
	binary.LittleEndian.PutUint64(w.m.data[offEntryCount:], w.count)
	w.gen++
	w.m.bumpGeneration(w.gen)
}

// findSlot probes for path, returning the live slot index when found, else
// the insertion slot (first tombstone on the probe path, or the empty slot).
func (w *Writer) findSlot(ph uint64, want []byte) (idx uint64, found bool) {
	mask := w.capacity - 1
	insert := uint64(0)
	haveInsert := false
	for i := uint64(0); i < w.capacity; i++ {
		idx := (ph + (i+i*i)/2) & mask
		off := slotOffset(w.capacity, idx)
		slot := w.m.data[off : off+slotSize]
		strOff := binary.LittleEndian.Uint32(slot[slotStringOff:])
		switch strOff {
		case slotEmpty:
			if haveInsert {
				return insert, false
			}
			return idx, false
		case slotTombstone:
			if !haveInsert {
				insert, haveInsert = idx, true
			}
			continue
		}
		if binary.LittleEndian.Uint64(slot[slotHashOff:]) != ph {
			continue
		}
		if s, ok := readString(w.m, w.capacity, strOff); ok && bytes.Equal(s, want) {
			return idx, true
		}
	}
	return insert, false
}

// Upsert inserts or updates path's entry and publishes it.
func (w *Writer) Upsert(path string, e vrift.VnodeEntry) error {
	path = vrift.CanonicalPath(path)
	want := []byte(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.m == nil {
		return vrift.Errorf(vrift.Unknown, "writer closed")
	}

	// Grow ahead of the insert when over the load factor or out of interning
	// space for this path.
	if !w.hasRoom(len(want)) {
		if err := w.resize(); err != nil {
			return err
		}
	}

	ph := vrift.PathHash64(path)
	idx, found := w.findSlot(ph, want)
	off := slotOffset(w.capacity, idx)
	slot := w.m.data[off : off+slotSize]

	w.beginMutation()
	if !found {
		strOff := uint32(w.stringEnd)
		base := stringsOffset(w.capacity) + w.stringEnd
		copy(w.m.data[base:], want)
		w.m.data[base+int64(len(want))] = 0
		w.stringEnd += int64(len(want)) + 1

		binary.LittleEndian.PutUint64(slot[slotHashOff:], ph)
		encoding.PutVnode(slot[slotEntryOff:], e)
		binary.LittleEndian.PutUint32(slot[slotStringOff:], strOff)
		w.count++
	} else {
		encoding.PutVnode(slot[slotEntryOff:], e)
	}
	w.commitMutation()
	return nil
}

// Remove tombstones path's slot. The interned string is reclaimed at the next
// resize rebuild.
func (w *Writer) Remove(path string) (bool, error) {
	path = vrift.CanonicalPath(path)
	want := []byte(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.m == nil {
		return false, vrift.Errorf(vrift.Unknown, "writer closed")
	}

	ph := vrift.PathHash64(path)
	idx, found := w.findSlot(ph, want)
	if !found {
		return false, nil
	}
	off := slotOffset(w.capacity, idx)
	slot := w.m.data[off : off+slotSize]

	w.beginMutation()
	binary.LittleEndian.PutUint32(slot[slotStringOff:], slotTombstone)
	w.count--
	w.commitMutation()
	return true, nil
}

func (w *Writer) hasRoom(pathLen int) bool {
	if (w.count+1)*1000 > w.capacity*maxLoadMille {
		return false
	}
	return w.stringEnd+int64(pathLen)+1 <= w.stringCap
}

// live returns every live (path, entry) pair; used by resize.
func (w *Writer) live() []Entry {
	out := make([]Entry, 0, w.count)
	for idx := uint64(0); idx < w.capacity; idx++ {
		off := slotOffset(w.capacity, idx)
		slot := w.m.data[off : off+slotSize]
		strOff := binary.LittleEndian.Uint32(slot[slotStringOff:])
		if strOff == slotEmpty || strOff == slotTombstone {
			continue
		}
		s, ok := readString(w.m, w.capacity, strOff)
		if !ok {
			continue
		}
		e, err := encoding.UnmarshalVnode(slot[slotEntryOff : slotEntryOff+vrift.VnodeEntrySize])
		if err != nil {
			continue
		}
		out = append(out, Entry{Path: string(s), Vnode: e})
	}
	return out
}

// resize rebuilds the table at double capacity into a sibling file and
// atomically renames it over the active path. Existing reader mappings keep
// seeing the retired file; its generation is parked odd so their retry loops
// reopen and pick up the replacement.
func (w *Writer) resize() error {
	entries := w.live()
	newCap := w.capacity * 2

	tmpPath := w.path + ".resize"
	stringCap := int64(newCap) * stringBytesPerSlot
	buf := make([]byte, fileSize(newCap, stringCap))
	// The replacement publishes at gen+2, keeping the counter monotonic
	// across the swap.
	writeHeader(buf, header{capacity: newCap, entryCount: uint64(len(entries)), generation: w.gen + 2})

	stringEnd := int64(2)
	mask := newCap - 1
	for _, ent := range entries {
		want := []byte(ent.Path)
		ph := vrift.PathHash64(ent.Path)
		for i := uint64(0); i < newCap; i++ {
			idx := (ph + (i+i*i)/2) & mask
			off := slotOffset(newCap, idx)
			slot := buf[off : off+slotSize]
			if binary.LittleEndian.Uint32(slot[slotStringOff:]) != slotEmpty {
				continue
			}
			strOff := uint32(stringEnd)
			base := stringsOffset(newCap) + stringEnd
			copy(buf[base:], want)
			buf[base+int64(len(want))] = 0
			stringEnd += int64(len(want)) + 1

			binary.LittleEndian.PutUint64(slot[slotHashOff:], ph)
			encoding.PutVnode(slot[slotEntryOff:], ent.Vnode)
			binary.LittleEndian.PutUint32(slot[slotStringOff:], strOff)
			break
		}
	}

	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Retire the old mapping: park its generation odd forever.
	retired := w.m
	retired.bumpGeneration(w.gen + 1)

	if err := w.load(); err != nil {
		return err
	}
	return retired.close()
}
