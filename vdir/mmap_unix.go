package vdir

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapping is one mmap of an index file. Readers hold it through an atomic
// pointer so a reopen never invalidates an in-flight probe; the old mapping
// stays mapped until its last reader drops it.
type mapping struct {
	f        *os.File
	data     []byte
	writable bool
}

func openMapping(path string, writable bool) (*mapping, error) {
	flags := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flags = os.O_RDWR
		prot |= unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mapping{f: f, data: data, writable: writable}, nil
}

func (m *mapping) close() error {
	if m.data != nil {
		_ = unix.Munmap(m.data)
		m.data = nil
	}
	if m.f != nil {
		err := m.f.Close()
		m.f = nil
		return err
	}
	return nil
}

// sync flushes dirty pages to the file. Writer-side only.
func (m *mapping) sync() error {
	if !m.writable || m.data == nil {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// generation loads the publication counter with acquire semantics. The
// counter lives at an 8-byte-aligned offset inside the page-aligned mapping,
// so the atomic access is valid.
func (m *mapping) generation() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&m.data[offGeneration])))
}

// bumpGeneration stores the counter with release semantics. Writer-side only.
func (m *mapping) bumpGeneration(v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&m.data[offGeneration])), v)
}
