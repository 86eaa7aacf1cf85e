package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vrift/vrift"
)

func TestRegistry_RegisterAndReload(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "registry", "manifests.json")
	project := filepath.Join(dir, "proj")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}

	r, err := OpenRegistry(regPath)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	id, err := r.Register(project, Dir(project))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Same root re-registers under the same uuid.
	id2, err := r.Register(project, Dir(project))
	if err != nil || id2 != id {
		t.Errorf("re-Register = (%s, %v), want %s", id2, err, id)
	}

	r2, err := OpenRegistry(regPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	entries := r2.Entries()
	if len(entries) != 1 {
		t.Fatalf("reloaded %d entries, want 1", len(entries))
	}
	e := entries[0].Value
	if e.ProjectRoot != project || e.Status != StatusActive {
		t.Errorf("entry = %+v", e)
	}
	if e.PathHash != vrift.ProjectID(project) {
		t.Errorf("path hash = %s, want %s", e.PathHash, vrift.ProjectID(project))
	}
}

func TestRegistry_StaleDemotionAndPrune(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "manifests.json")
	project := filepath.Join(dir, "gone")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}

	r, err := OpenRegistry(regPath)
	if err != nil {
		t.Fatal(err)
	}
	id, err := r.Register(project, Dir(project))
	if err != nil {
		t.Fatal(err)
	}

	// Active entries must not be prunable.
	if err := r.Prune(id); vrift.CodeOf(err) != vrift.Busy {
		t.Errorf("Prune active = %v, want Busy", err)
	}

	if err := os.RemoveAll(project); err != nil {
		t.Fatal(err)
	}
	demoted, err := r.MarkStaleMissing()
	if err != nil || demoted != 1 {
		t.Fatalf("MarkStaleMissing = (%d, %v)", demoted, err)
	}
	if r.Entries()[0].Value.Status != StatusStale {
		t.Error("entry not demoted to stale")
	}

	if err := r.Prune(id); err != nil {
		t.Fatalf("Prune stale: %v", err)
	}
	if len(r.Entries()) != 0 {
		t.Error("entry survived prune")
	}
}
