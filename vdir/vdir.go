package vdir

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/encoding"
)

// VDir is a read handle on a mapped index file. All methods are safe for
// concurrent use; lookups never block on the writer.
type VDir struct {
	path     string
	m        atomic.Pointer[mapping]
	reopenMu sync.Mutex
	closed   atomic.Bool
}

// Open maps the index file at path read-only.
func Open(path string) (*VDir, error) {
	m, err := openMapping(path, false)
	if err != nil {
		return nil, err
	}
	if _, err := readHeader(m.data); err != nil {
		m.close()
		return nil, err
	}
	v := &VDir{path: path}
	v.m.Store(m)
	return v, nil
}

// Close unmaps the file. Lookups racing Close may still use the old mapping;
// the daemon and clients only close on teardown.
func (v *VDir) Close() error {
	if v.closed.Swap(true) {
		return nil
	}
	return v.m.Load().close()
}

// Generation returns the current publication counter.
func (v *VDir) Generation() uint64 {
	return v.m.Load().generation()
}

// Len returns the live entry count at the last stable generation.
func (v *VDir) Len() (int, error) {
	var n int
	err := v.stableRead(func(m *mapping, h header) error {
		n = int(h.entryCount)
		return nil
	})
	return n, err
}

// Reopen remaps the file, picking up a renamed-over replacement after a
// resize. The retired mapping is unmapped once swapped out.
func (v *VDir) Reopen() error {
	v.reopenMu.Lock()
	defer v.reopenMu.Unlock()
	m, err := openMapping(v.path, false)
	if err != nil {
		return err
	}
	if _, err := readHeader(m.data); err != nil {
		m.close()
		return err
	}
	old := v.m.Swap(m)
	if old != nil {
		old.close()
	}
	return nil
}

func readBackoff(attempt int) {
	if attempt == 0 {
		return
	}
	if attempt < 4 {
		runtime.Gosched()
		return
	}
	time.Sleep(time.Duration(attempt) * 10 * time.Microsecond)
}

// stableRead runs body under a validated generation: body sees a consistent
// snapshot or is retried. After repeated mismatches the file is reopened
// (resize protocol); exhaustion returns Busy.
func (v *VDir) stableRead(body func(m *mapping, h header) error) error {
	for attempt := 0; attempt < readMaxRetries; attempt++ {
		readBackoff(attempt)

		m := v.m.Load()
		g1 := m.generation()
		if g1%2 == 1 {
			// Mutation in flight, or this mapping was retired by a resize.
			if attempt >= readMaxRetries/2 {
				if err := v.Reopen(); err != nil {
					return err
				}
			}
			continue
		}
		h, err := readHeader(m.data)
		if err != nil {
			return err
		}
		if err := body(m, h); err != nil {
			return err
		}
		if m.generation() == g1 {
			return nil
		}
	}
	return vrift.Errorf(vrift.Busy, "vdir %s: generation unstable after %d retries", v.path, readMaxRetries)
}

// readString returns the NUL-terminated path string at off in m's region.
func readString(m *mapping, capacity uint64, off uint32) ([]byte, bool) {
	base := stringsOffset(capacity) + int64(off)
	if base >= int64(len(m.data)) {
		return nil, false
	}
	rest := m.data[base:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return nil, false
	}
	return rest[:i], true
}

// Lookup probes for path and returns its entry. Wait-free: the probe is
// validated against the generation counter and retried on mid-read mutation,
// never torn.
func (v *VDir) Lookup(path string) (vrift.VnodeEntry, bool, error) {
	path = vrift.CanonicalPath(path)
	want := []byte(path)
	ph := vrift.PathHash64(path)

	var entry vrift.VnodeEntry
	var found bool
	err := v.stableRead(func(m *mapping, h header) error {
		entry, found = probe(m, h, ph, want)
		return nil
	})
	return entry, found, err
}

func probe(m *mapping, h header, ph uint64, want []byte) (vrift.VnodeEntry, bool) {
	mask := h.capacity - 1
	for i := uint64(0); i < h.capacity; i++ {
		// Triangular probing; with power-of-two capacity it visits every slot.
		idx := (ph + (i+i*i)/2) & mask
		off := slotOffset(h.capacity, idx)
		slot := m.data[off : off+slotSize]

		strOff := binary.LittleEndian.Uint32(slot[slotStringOff:])
		switch strOff {
		case slotEmpty:
			return vrift.VnodeEntry{}, false
		case slotTombstone:
			continue
		}
		if binary.LittleEndian.Uint64(slot[slotHashOff:]) != ph {
			continue
		}
		// Hash match; verify the full path string.
		s, ok := readString(m, h.capacity, strOff)
		if !ok || !bytes.Equal(s, want) {
			continue
		}
		e, err := encoding.UnmarshalVnode(slot[slotEntryOff : slotEntryOff+vrift.VnodeEntrySize])
		if err != nil {
			return vrift.VnodeEntry{}, false
		}
		return e, true
	}
	return vrift.VnodeEntry{}, false
}

// Entry pairs a path with its vnode record in scan results.
type Entry struct {
	Path  string
	Vnode vrift.VnodeEntry
}

// Scan returns the entries whose path starts with prefix, sorted by path.
// The result is a stable snapshot: captured under one validated generation.
func (v *VDir) Scan(prefix string) ([]Entry, error) {
	prefix = vrift.CanonicalPath(prefix)
	var out []Entry
	err := v.stableRead(func(m *mapping, h header) error {
		out = out[:0]
		for idx := uint64(0); idx < h.capacity; idx++ {
			off := slotOffset(h.capacity, idx)
			slot := m.data[off : off+slotSize]
			strOff := binary.LittleEndian.Uint32(slot[slotStringOff:])
			if strOff == slotEmpty || strOff == slotTombstone {
				continue
			}
			s, ok := readString(m, h.capacity, strOff)
			if !ok {
				continue
			}
			p := string(s)
			if prefix != "" && !strings.HasPrefix(p, prefix) {
				continue
			}
			e, err := encoding.UnmarshalVnode(slot[slotEntryOff : slotEntryOff+vrift.VnodeEntrySize])
			if err != nil {
				continue
			}
			out = append(out, Entry{Path: p, Vnode: e})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
