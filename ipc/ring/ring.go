// Package ring implements the optional shared-memory data channel: a
// single-producer single-consumer lock-free byte ring over a memory-mapped
// file. The producer streams write payloads through it ahead of a commit; the
// consumer (daemon) drains into the staging file. When the channel is
// unavailable callers fall back to native staging plus a control-channel
// commit, which is always correct.
package ring

import (
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vrift/vrift"
)

// Shared-memory layout. The write head and read tail get 128 bytes of
// padding each: 64 is not enough on recent Apple silicon, whose prefetcher
// drags adjacent lines into the coherence protocol and reintroduces false
// sharing at 64-byte spacing.
const (
	offWriteHead = 0
	offReadTail  = 128
	offFlags     = 256
	offCapacity  = 260
	dataOffset   = 4096 // data region is page aligned
)

// In-band flag bits.
const (
	// FlagEOF marks the stream complete; the consumer drains and stops.
	FlagEOF uint32 = 1 << 0
	// FlagBackpressure is raised by a producer blocked on a full ring.
	FlagBackpressure uint32 = 1 << 1
)

const (
	spinRounds  = 64
	parkSlice   = 50 * time.Microsecond
	defaultWait = 5 * time.Second
)

// Ring is one endpoint of an SPSC byte channel. Exactly one goroutine may
// produce and one consume; the roles may live in different processes.
type Ring struct {
	f    *os.File
	data []byte
	cap  uint64
	// wait bounds how long Push/Pop park on a full/empty ring.
	wait time.Duration
}

func (r *Ring) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[off]))
}

func (r *Ring) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

// Create builds a ring file with the given power-of-two capacity and maps it.
func Create(path string, capacity uint32) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, vrift.Errorf(vrift.Unsupported, "ring capacity %d not a power of two", capacity)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(dataOffset) + int64(capacity)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	r, err := mapRing(f)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	atomic.StoreUint32(r.u32(offCapacity), capacity)
	r.cap = uint64(capacity)
	return r, nil
}

// Open maps an existing ring file.
func Open(path string) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	r, err := mapRing(f)
	if err != nil {
		return nil, err
	}
	c := atomic.LoadUint32(r.u32(offCapacity))
	if c == 0 || c&(c-1) != 0 {
		r.Close()
		return nil, vrift.Errorf(vrift.Corruption, "ring capacity %d invalid", c)
	}
	if int64(dataOffset)+int64(c) > int64(len(r.data)) {
		r.Close()
		return nil, vrift.Errorf(vrift.Corruption, "ring file shorter than capacity")
	}
	r.cap = uint64(c)
	return r, nil
}

func mapRing(f *os.File) (*Ring, error) {
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Ring{f: f, data: data, wait: defaultWait}, nil
}

// SetWait overrides how long Push/Pop park before giving up with Busy.
func (r *Ring) SetWait(d time.Duration) {
	r.wait = d
}

// Close unmaps the ring. The file is left for the peer; the creator removes
// it after the stream completes.
func (r *Ring) Close() error {
	if r.data != nil {
		_ = unix.Munmap(r.data)
		r.data = nil
	}
	if r.f != nil {
		err := r.f.Close()
		r.f = nil
		return err
	}
	return nil
}

// Flags returns the current in-band flag bits.
func (r *Ring) Flags() uint32 {
	return atomic.LoadUint32(r.u32(offFlags))
}

func (r *Ring) setFlag(bit uint32) {
	for {
		old := atomic.LoadUint32(r.u32(offFlags))
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(r.u32(offFlags), old, old|bit) {
			return
		}
	}
}

func (r *Ring) clearFlag(bit uint32) {
	for {
		old := atomic.LoadUint32(r.u32(offFlags))
		if old&bit == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(r.u32(offFlags), old, old&^bit) {
			return
		}
	}
}

// CloseWrite marks EOF; the consumer drains remaining bytes then sees io.EOF.
func (r *Ring) CloseWrite() {
	r.setFlag(FlagEOF)
}

// park spins briefly then sleeps; Go offers no portable futex, so waiting is
// bounded spin plus sleep parking.
func park(round int) {
	if round < spinRounds {
		runtime.Gosched()
		return
	}
	time.Sleep(parkSlice)
}

// Push writes all of p, parking while the ring is full. Producer side only.
func (r *Ring) Push(p []byte) (int, error) {
	written := 0
	deadline := time.Now().Add(r.wait)
	round := 0
	for written < len(p) {
		head := atomic.LoadUint64(r.u64(offWriteHead))
		tail := atomic.LoadUint64(r.u64(offReadTail))
		free := r.cap - (head - tail)
		if free == 0 {
			r.setFlag(FlagBackpressure)
			if time.Now().After(deadline) {
				return written, vrift.Errorf(vrift.Busy, "ring full for %s", r.wait)
			}
			park(round)
			round++
			continue
		}
		r.clearFlag(FlagBackpressure)
		round = 0

		n := int(free)
		if n > len(p)-written {
			n = len(p) - written
		}
		// Copy, splitting at the wrap point.
		idx := head & (r.cap - 1)
		first := int(r.cap - idx)
		if first > n {
			first = n
		}
		copy(r.data[dataOffset+int(idx):], p[written:written+first])
		if n > first {
			copy(r.data[dataOffset:], p[written+first:written+n])
		}
		atomic.StoreUint64(r.u64(offWriteHead), head+uint64(n))
		written += n
		deadline = time.Now().Add(r.wait)
	}
	return written, nil
}

// Pop reads up to len(p) bytes, parking while the ring is empty. Returns
// io.EOF once the producer closed the stream and all bytes are drained.
// Consumer side only.
func (r *Ring) Pop(p []byte) (int, error) {
	deadline := time.Now().Add(r.wait)
	round := 0
	for {
		head := atomic.LoadUint64(r.u64(offWriteHead))
		tail := atomic.LoadUint64(r.u64(offReadTail))
		avail := head - tail
		if avail == 0 {
			if r.Flags()&FlagEOF != 0 {
				return 0, io.EOF
			}
			if time.Now().After(deadline) {
				return 0, vrift.Errorf(vrift.Busy, "ring empty for %s", r.wait)
			}
			park(round)
			round++
			continue
		}

		n := int(avail)
		if n > len(p) {
			n = len(p)
		}
		idx := tail & (r.cap - 1)
		first := int(r.cap - idx)
		if first > n {
			first = n
		}
		copy(p[:first], r.data[dataOffset+int(idx):dataOffset+int(idx)+first])
		if n > first {
			copy(p[first:n], r.data[dataOffset:dataOffset+(n-first)])
		}
		atomic.StoreUint64(r.u64(offReadTail), tail+uint64(n))
		return n, nil
	}
}
