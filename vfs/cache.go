package vfs

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/cache"
)

const (
	lruCapacity   = 4096
	bloomCapacity = 1 << 16
	bloomFalsePos = 0.01
)

// lookupCaches collapses the read hot path to a cache probe: an MRU of recent
// resolutions plus a bloom filter seeded with every indexed path, so a lookup
// that cannot hit (compiler include probing is full of them) skips the mapped
// probe entirely — bloom has no false negatives, so a "not present" answer is
// definitive, while a false positive only costs the redundant probe. Both
// caches are keyed to a VDir generation and rebuilt when the daemon
// publishes, so a stale resolution can never outlive the entry it came from.
type lookupCaches struct {
	mu      sync.Mutex
	gen     uint64
	seeded  bool
	lru     *cache.MRU[string, resolution]
	present *bloom.BloomFilter
}

func newLookupCaches() *lookupCaches {
	return &lookupCaches{
		lru:     cache.NewMRU[string, resolution](lruCapacity),
		present: bloom.NewWithEstimates(bloomCapacity, bloomFalsePos),
	}
}

// get returns a cached resolution for rel at generation gen. ok=false means
// the caller must probe the index.
func (c *lookupCaches) get(rel string, gen uint64) (vrift.VnodeEntry, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return vrift.VnodeEntry{}, false, false
	}
	if c.seeded && !c.present.TestString(rel) {
		return vrift.VnodeEntry{}, false, true
	}
	if r, ok := c.lru.Get(rel); ok {
		return r.entry, r.found, true
	}
	return vrift.VnodeEntry{}, false, false
}

// put records a probe result at generation gen. Stale-generation results are
// dropped rather than cached.
func (c *lookupCaches) put(rel string, e vrift.VnodeEntry, found bool, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.lru.Put(rel, resolution{entry: e, found: found, gen: gen})
}

// seed installs the path population for a fresh generation, invalidating
// whatever the previous generation cached.
func (c *lookupCaches) seed(gen uint64, paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
	c.present.ClearAll()
	for _, p := range paths {
		c.present.AddString(p)
	}
	c.seeded = true
	c.gen = gen
}

// generation returns the generation the caches are keyed to.
func (c *lookupCaches) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}
