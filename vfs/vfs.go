// Package vfs implements the client-side virtualization layer: a filesystem
// facade applications link into their process. Paths inside the project root
// resolve through the memory-mapped index to shared CAS blobs; writes land in
// a private staging file and promote through the daemon on Close; everything
// outside the project passes straight through to the host filesystem.
//
// The layer is also the process's failure bulkhead: before initialization
// completes, and whenever the daemon becomes unreachable past the circuit
// breaker threshold, every call degrades to pure host passthrough so the
// application never blocks on vrift.
package vfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/cas"
	"github.com/vrift/vrift/ipc"
	"github.com/vrift/vrift/vdir"
)

// resolution is one cached path lookup, valid for a single VDir generation.
type resolution struct {
	entry vrift.VnodeEntry
	found bool
	gen   uint64
}

// VFS is the per-process virtualization handle. All methods are safe for
// concurrent use. The zero value is not usable; construct with New.
type VFS struct {
	projectRoot string
	vfsPrefix   string
	store       *cas.Store
	index       *vdir.VDir
	client      *ipc.Client

	state initState
	guard reentryGuard

	caches *lookupCaches

	// dirty tracks this process's write-held paths: canonical path ->
	// staging file path. Readers in this process consult it before the index.
	dirtyMu sync.Mutex
	dirty   map[string]string
}

// Options configures New beyond what the environment provides.
type Options struct {
	ProjectRoot string
	VFSPrefix   string
	SocketPath  string
	CASRoot     string
	VDirPath    string
	// BreakerThreshold overrides VRIFT_CIRCUIT_BREAKER_THRESHOLD.
	BreakerThreshold int
}

func (o *Options) applyEnv() {
	if o.ProjectRoot == "" {
		o.ProjectRoot = os.Getenv(vrift.EnvProjectRoot)
	}
	if o.VFSPrefix == "" {
		o.VFSPrefix = os.Getenv(vrift.EnvVFSPrefix)
	}
	if o.VFSPrefix == "" {
		o.VFSPrefix = o.ProjectRoot
	}
	if o.SocketPath == "" {
		o.SocketPath = os.Getenv(vrift.EnvSocketPath)
	}
	if o.SocketPath == "" {
		o.SocketPath = vrift.DefaultSocketPath()
	}
	if o.CASRoot == "" {
		o.CASRoot = os.Getenv(vrift.EnvCASRoot)
	}
	if o.CASRoot == "" {
		o.CASRoot = filepath.Join(vrift.HomeDir(), "the_source")
	}
	if o.VDirPath == "" {
		o.VDirPath = os.Getenv(vrift.EnvVDirMmap)
	}
}

// New builds the virtualization layer. The constructor walks the init state
// machine: calls arriving before it finishes pass through to the host.
func New(opts Options) (*VFS, error) {
	opts.applyEnv()
	if opts.ProjectRoot == "" {
		return nil, vrift.Errorf(vrift.InitState, "no project root configured")
	}
	abs, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return nil, err
	}

	v := &VFS{
		projectRoot: abs,
		vfsPrefix:   opts.VFSPrefix,
		dirty:       make(map[string]string),
	}
	v.state.enterEarly()

	// Core state: plain allocations only, nothing that routes back through
	// the filesystem facade.
	v.state.enterCore()
	v.client = ipc.NewClient(opts.SocketPath, opts.BreakerThreshold)
	v.caches = newLookupCaches()

	store, err := cas.NewStore(opts.CASRoot)
	if err != nil {
		return nil, err
	}
	v.store = store

	// Ask the daemon to open (and publish) the project index, then map it.
	vdirPath := opts.VDirPath
	if vdirPath == "" {
		vdirPath = filepath.Join(filepath.Dir(opts.CASRoot), "vdir", vrift.ProjectID(abs)+".vdir")
	}
	if _, err := v.client.Do(context.Background(), ipc.Request{
		Kind:        ipc.KindManifestOpen,
		ProjectRoot: abs,
	}); err != nil {
		// Daemon down at startup: stay degraded, the breaker re-probes.
		log.Warn("daemon unreachable at init, starting degraded", "error", err)
	}
	if idx, err := vdir.Open(vdirPath); err == nil {
		v.index = idx
	} else {
		log.Warn("vdir unavailable, reads pass through", "path", vdirPath, "error", err)
	}

	// Children spawned by this process detect instrumentation via the marker.
	os.Setenv(vrift.EnvInception, "1")

	v.state.enterReady()
	return v, nil
}

// Close releases the index mapping. Blobs descriptors handed out stay valid.
func (v *VFS) Close() error {
	if v.index != nil {
		return v.index.Close()
	}
	return nil
}

// ProjectRoot returns the absolute root bounding virtualization.
func (v *VFS) ProjectRoot() string {
	return v.projectRoot
}

// Degraded reports whether the layer is in passthrough mode: not yet READY,
// the circuit breaker is open, or no index is mapped.
func (v *VFS) Degraded() bool {
	return !v.state.ready() || v.client.Breaker().Tripped() || v.index == nil
}

// virtualize maps an application path into the project: it returns the
// canonical project-relative path and true when the path falls under the
// configured prefix (or project root).
func (v *VFS) virtualize(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	for _, base := range []string{v.vfsPrefix, v.projectRoot} {
		if base == "" {
			continue
		}
		if abs == base {
			return "", true
		}
		if strings.HasPrefix(abs, base+string(os.PathSeparator)) {
			rel := abs[len(base)+1:]
			// The control directory itself is never virtualized.
			if rel == ".vrift" || strings.HasPrefix(rel, ".vrift"+string(os.PathSeparator)) {
				return "", false
			}
			return vrift.CanonicalPath(rel), true
		}
	}
	return "", false
}

// hostPath maps a canonical project-relative path back onto the host tree.
func (v *VFS) hostPath(rel string) string {
	return filepath.Join(v.projectRoot, filepath.FromSlash(rel))
}

// lookup resolves a canonical path through the caches and the mapped index.
func (v *VFS) lookup(rel string) (vrift.VnodeEntry, bool, error) {
	if v.index == nil {
		return vrift.VnodeEntry{}, false, vrift.Errorf(vrift.NotFound, "index unavailable")
	}
	gen := v.index.Generation()
	if gen != v.caches.generation() {
		v.reseedCaches(gen)
	}
	if e, found, ok := v.caches.get(rel, gen); ok {
		return e, found, nil
	}
	e, found, err := v.index.Lookup(rel)
	if err != nil {
		return vrift.VnodeEntry{}, false, err
	}
	v.caches.put(rel, e, found, gen)
	return e, found, nil
}

// reseedCaches rebuilds the bloom population from the index after the daemon
// publishes a new generation.
func (v *VFS) reseedCaches(gen uint64) {
	entries, err := v.index.Scan("")
	if err != nil {
		return
	}
	paths := make([]string, len(entries))
	for i := range entries {
		paths[i] = entries[i].Path
	}
	v.caches.seed(gen, paths)
}

// stagingFor returns this process's staging path for rel when write-held.
func (v *VFS) stagingFor(rel string) (string, bool) {
	v.dirtyMu.Lock()
	defer v.dirtyMu.Unlock()
	s, ok := v.dirty[rel]
	return s, ok
}

func (v *VFS) setDirty(rel, staging string) {
	v.dirtyMu.Lock()
	v.dirty[rel] = staging
	v.dirtyMu.Unlock()
}

func (v *VFS) clearDirtyLocal(rel string) {
	v.dirtyMu.Lock()
	delete(v.dirty, rel)
	v.dirtyMu.Unlock()
}
