package manifest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrift/vrift"
)

// Manifest lifecycle status in the registry.
const (
	StatusActive = "active"
	// StatusStale marks a manifest whose project root no longer exists; it
	// keeps protecting its blobs from GC until the operator prunes it.
	StatusStale = "stale"
)

// RegistryEntry describes one registered manifest.
type RegistryEntry struct {
	Path         string    `json:"path"`
	PathHash     string    `json:"path_hash"`
	ProjectRoot  string    `json:"project_root"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is the central manifest catalog at
// <home>/.vrift/registry/manifests.json. Updates rewrite the file atomically
// via a sibling temp file and rename.
type Registry struct {
	path string

	mu      sync.Mutex
	entries map[string]RegistryEntry // uuid -> entry
}

// OpenRegistry loads (creating if needed) the registry file.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[string]RegistryEntry)}
	ba, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return nil, err
	}
	if len(ba) > 0 {
		if err := json.Unmarshal(ba, &r.entries); err != nil {
			return nil, vrift.Errorf(vrift.Corruption, "registry %s: %w", path, err)
		}
	}
	return r, nil
}

func (r *Registry) save() error {
	ba, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, ba, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Register records a manifest, reusing the uuid when the project root is
// already present (re-registration reactivates a stale entry).
func (r *Registry) Register(projectRoot, manifestPath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if e.ProjectRoot == projectRoot {
			e.Status = StatusActive
			e.Path = manifestPath
			r.entries[id] = e
			return id, r.save()
		}
	}
	id := uuid.New().String()
	r.entries[id] = RegistryEntry{
		Path:         manifestPath,
		PathHash:     vrift.ProjectID(projectRoot),
		ProjectRoot:  projectRoot,
		Status:       StatusActive,
		RegisteredAt: time.Now().UTC(),
	}
	return id, r.save()
}

// Entries returns a uuid-sorted snapshot of the registry.
func (r *Registry) Entries() []vrift.KeyValuePair[string, RegistryEntry] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vrift.KeyValuePair[string, RegistryEntry], 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, vrift.KeyValuePair[string, RegistryEntry]{Key: id, Value: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MarkStaleMissing demotes entries whose project root vanished and returns
// how many were demoted.
func (r *Registry) MarkStaleMissing() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	demoted := 0
	for id, e := range r.entries {
		if e.Status != StatusActive {
			continue
		}
		if _, err := os.Stat(e.ProjectRoot); errors.Is(err, fs.ErrNotExist) {
			e.Status = StatusStale
			r.entries[id] = e
			demoted++
		}
	}
	if demoted == 0 {
		return 0, nil
	}
	return demoted, r.save()
}

// Prune removes a stale entry by uuid; active entries are refused.
func (r *Registry) Prune(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return vrift.Errorf(vrift.NotFound, "registry entry %s", id)
	}
	if e.Status == StatusActive {
		return vrift.Errorf(vrift.Busy, "registry entry %s is active", id)
	}
	delete(r.entries, id)
	return r.save()
}
