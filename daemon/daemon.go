// Package daemon implements the resident coordinator: it owns every project
// index, stages no bytes of its own but promotes staged writes into the CAS,
// publishes index updates to the VDir, reaps crashed writers' leftovers and
// runs garbage collection over the manifest registry.
package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/cache"
	"github.com/vrift/vrift/cas"
	"github.com/vrift/vrift/ipc"
	"github.com/vrift/vrift/manifest"
	"github.com/vrift/vrift/vdir"
)

// Project bundles the open index halves for one project root.
type Project struct {
	Root     string
	Manifest *manifest.Manifest
	VDir     *vdir.Writer

	// writeMu serializes manifest+vdir mutations: the manifest commits first,
	// then the VDir publishes, and no second writer may interleave.
	writeMu sync.Mutex

	// dirty tracks paths with outstanding write staging, keyed by canonical
	// path, valued by owning pid.
	dirtyMu sync.Mutex
	dirty   map[string]int
}

type stats struct {
	commitsTotal  atomic.Uint64
	commitsFailed atomic.Uint64
	blobsPromoted atomic.Uint64
	bytesDeduped  atomic.Uint64
	orphansReaped atomic.Uint64
}

// Daemon is the single resident coordinator process for a machine user.
type Daemon struct {
	cfg      vrift.Configuration
	cas      *cas.Store
	ec       *cas.ECStore
	registry *manifest.Registry
	cache    cache.CloseableCache
	policy   *Policy
	runner   chan struct{} // bounds concurrent hash/promote work

	mu       sync.Mutex
	projects map[string]*Project

	listener net.Listener
	started  time.Time
	stats    stats

	quiesce sync.WaitGroup
	closing atomic.Bool
}

// New builds a daemon from configuration; Run starts serving.
func New(cfg vrift.Configuration) (*Daemon, error) {
	store, err := cas.NewStore(cfg.CASRoot)
	if err != nil {
		return nil, err
	}
	reg, err := manifest.OpenRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	var c cache.CloseableCache
	if cfg.Redis.Address != "" {
		c = cache.NewRedisCache(cache.Options{
			Address:                  cfg.Redis.Address,
			Password:                 cfg.Redis.Password,
			DB:                       cfg.Redis.DB,
			DefaultDurationInSeconds: cfg.Redis.DefaultDurationInSeconds,
		})
	} else {
		c = cache.NewInMemoryCache()
	}
	pol, err := NewPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	var ec *cas.ECStore
	if cfg.Erasure.DataShards > 0 {
		ec, err = cas.NewECStore(cfg.Erasure)
		if err != nil {
			return nil, err
		}
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	if err := os.MkdirAll(cfg.VDirRoot, 0o755); err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:      cfg,
		cas:      store,
		ec:       ec,
		registry: reg,
		cache:    c,
		policy:   pol,
		runner:   make(chan struct{}, workers),
		projects: make(map[string]*Project),
		started:  time.Now(),
	}, nil
}

// Store exposes the blob store (admin API, tests).
func (d *Daemon) Store() *cas.Store {
	return d.cas
}

// Registry exposes the manifest registry (admin API, tests).
func (d *Daemon) Registry() *manifest.Registry {
	return d.registry
}

// VDirPath returns where a project's mmap index lives.
func (d *Daemon) VDirPath(projectRoot string) string {
	return filepath.Join(d.cfg.VDirRoot, vrift.ProjectID(projectRoot)+".vdir")
}

// OpenProject opens (or returns the already-open) index pair for a root,
// registers the manifest and reaps any orphaned staging left by crashed
// writers.
func (d *Daemon) OpenProject(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.projects[abs]; ok {
		return p, nil
	}

	m, err := manifest.Open(abs)
	if err != nil {
		return nil, err
	}
	w, err := vdir.OpenWriter(d.VDirPath(abs))
	if err != nil {
		m.Close()
		return nil, err
	}
	p := &Project{Root: abs, Manifest: m, VDir: w, dirty: make(map[string]int)}

	id, err := d.registry.Register(abs, manifest.Dir(abs))
	if err != nil {
		log.Warn("manifest registration failed", "root", abs, "error", err)
	} else if m.UUID() == "" {
		if err := m.SetUUID(id); err != nil {
			log.Warn("persisting manifest uuid failed", "root", abs, "error", err)
		}
	}

	if n := d.reapOrphans(p); n > 0 {
		log.Info("reaped orphaned staging files", "root", abs, "count", n)
	}

	d.projects[abs] = p
	return p, nil
}

// project returns the open project for a root; mutations require it open.
func (d *Daemon) project(root string) (*Project, error) {
	if root == "" {
		return nil, vrift.Errorf(vrift.ProtocolError, "missing project root")
	}
	return d.OpenProject(root)
}

// Run binds the control socket and serves until ctx is canceled, then
// quiesces in-flight commits, flushes indexes and unlinks the socket.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755); err != nil {
		return err
	}
	// A previous unclean shutdown leaves the socket file behind.
	if _, err := os.Stat(d.cfg.SocketPath); err == nil {
		os.Remove(d.cfg.SocketPath)
	}
	l, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return err
	}
	d.listener = l
	log.Info("daemon listening", "socket", d.cfg.SocketPath, "version", vrift.Version)

	// Warm scan: reconcile what the manifests expect against the store.
	go d.warmScan(ctx)
	go d.periodicSweep(ctx, time.Minute)

	go func() {
		<-ctx.Done()
		d.closing.Store(true)
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if d.closing.Load() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		d.quiesce.Add(1)
		go func() {
			defer d.quiesce.Done()
			d.handleConn(conn.(*net.UnixConn))
		}()
	}

	d.quiesce.Wait()
	return d.Close()
}

// Close flushes and releases every open resource.
func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var lastErr error
	for _, p := range d.projects {
		if err := p.VDir.Close(); err != nil {
			lastErr = err
		}
		if err := p.Manifest.Close(); err != nil {
			lastErr = err
		}
	}
	d.projects = make(map[string]*Project)
	if d.cache != nil {
		d.cache.Close()
	}
	os.Remove(d.cfg.SocketPath)
	return lastErr
}

// acquireWorker blocks until a hash/promote slot frees up.
func (d *Daemon) acquireWorker() func() {
	d.runner <- struct{}{}
	return func() { <-d.runner }
}

// Status snapshots the daemon counters for the control and admin surfaces.
func (d *Daemon) Status() ipc.StatusInfo {
	return ipc.StatusInfo{
		Version:       vrift.Version,
		Uptime:        time.Since(d.started).Round(time.Second).String(),
		Projects:      d.projectRoots(),
		CommitsTotal:  d.stats.commitsTotal.Load(),
		CommitsFailed: d.stats.commitsFailed.Load(),
		BlobsPromoted: d.stats.blobsPromoted.Load(),
		BytesDeduped:  d.stats.bytesDeduped.Load(),
		OrphansReaped: d.stats.orphansReaped.Load(),
	}
}

// projectRoots lists the currently open roots.
func (d *Daemon) projectRoots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	roots := make([]string, 0, len(d.projects))
	for r := range d.projects {
		roots = append(roots, r)
	}
	return roots
}
