package vdir

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vrift/vrift"
)

func testEntry(seed string, size uint64) vrift.VnodeEntry {
	return vrift.VnodeEntry{
		ContentHash: vrift.HashBytes([]byte(seed)),
		Size:        size,
		MtimeNs:     1722500000000000000,
		Mode:        0o644,
	}
}

func openPair(t *testing.T) (*Writer, *VDir) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vdir")
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return w, r
}

func TestVDir_UpsertLookup(t *testing.T) {
	w, r := openPair(t)

	e := testEntry("body", 4)
	if err := w.Upsert("src/main.go", e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, found, err := r.Lookup("src/main.go")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found {
		t.Fatal("entry not found")
	}
	if got != e {
		t.Errorf("Lookup = %+v, want %+v", got, e)
	}

	if _, found, _ := r.Lookup("src/other.go"); found {
		t.Error("found entry that was never inserted")
	}
}

func TestVDir_UpsertOverwrites(t *testing.T) {
	w, r := openPair(t)

	if err := w.Upsert("a.txt", testEntry("v1", 2)); err != nil {
		t.Fatal(err)
	}
	n1 := w.Len()
	e2 := testEntry("v2", 9)
	if err := w.Upsert("a.txt", e2); err != nil {
		t.Fatal(err)
	}
	if w.Len() != n1 {
		t.Errorf("Len changed on overwrite: %d -> %d", n1, w.Len())
	}
	got, _, _ := r.Lookup("a.txt")
	if got != e2 {
		t.Errorf("Lookup after overwrite = %+v", got)
	}
}

func TestVDir_RemoveAndTombstoneReuse(t *testing.T) {
	w, r := openPair(t)

	if err := w.Upsert("dir/f1", testEntry("x", 1)); err != nil {
		t.Fatal(err)
	}
	removed, err := w.Remove("dir/f1")
	if err != nil || !removed {
		t.Fatalf("Remove = (%v, %v)", removed, err)
	}
	if _, found, _ := r.Lookup("dir/f1"); found {
		t.Error("entry visible after Remove")
	}
	if removed, _ := w.Remove("dir/f1"); removed {
		t.Error("second Remove reported true")
	}

	// Reinsert lands on the tombstoned probe path.
	if err := w.Upsert("dir/f1", testEntry("y", 2)); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := r.Lookup("dir/f1"); !found {
		t.Error("entry missing after reinsert over tombstone")
	}
}

func TestVDir_GenerationMonotonic(t *testing.T) {
	w, r := openPair(t)

	last := r.Generation()
	for i := 0; i < 20; i++ {
		if err := w.Upsert(fmt.Sprintf("f%d", i), testEntry(fmt.Sprint(i), uint64(i))); err != nil {
			t.Fatal(err)
		}
		g := w.Generation()
		if g <= last {
			t.Fatalf("generation not monotonic: %d after %d", g, last)
		}
		if g%2 != 0 {
			t.Fatalf("published generation is odd: %d", g)
		}
		last = g
	}
}

func TestVDir_Scan(t *testing.T) {
	w, r := openPair(t)

	paths := []string{"src/a.go", "src/b.go", "docs/x.md"}
	for i, p := range paths {
		if err := w.Upsert(p, testEntry(p, uint64(i))); err != nil {
			t.Fatal(err)
		}
	}
	got, err := r.Scan("src")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Scan returned %d entries, want 2", len(got))
	}
	if got[0].Path != "src/a.go" || got[1].Path != "src/b.go" {
		t.Errorf("Scan order: %s, %s", got[0].Path, got[1].Path)
	}

	all, err := r.Scan("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("full Scan returned %d entries", len(all))
	}
}

func TestVDir_ResizeKeepsReadersWorking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grow.vdir")
	if err := Create(path, 8); err != nil {
		t.Fatal(err)
	}
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	genBefore := r.Generation()

	// Push well past the 0.75 load factor of the initial 8 slots.
	n := 200
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("pkg/file_%03d.go", i)
		if err := w.Upsert(p, testEntry(p, uint64(i))); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	// The old mapping was retired; lookups must reopen and see everything.
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("pkg/file_%03d.go", i)
		e, found, err := r.Lookup(p)
		if err != nil {
			t.Fatalf("Lookup %s: %v", p, err)
		}
		if !found {
			t.Fatalf("entry %s lost across resize", p)
		}
		if e.Size != uint64(i) {
			t.Errorf("entry %s size = %d, want %d", p, e.Size, i)
		}
	}
	if got, _ := r.Len(); got != n {
		t.Errorf("Len = %d, want %d", got, n)
	}
	if g := r.Generation(); g <= genBefore {
		t.Errorf("generation regressed across resize: %d <= %d", g, genBefore)
	}
}

func TestVDir_ConcurrentReadersDuringWrites(t *testing.T) {
	w, r := openPair(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				e, found, err := r.Lookup("hot/path.go")
				if err != nil {
					if vrift.CodeOf(err) == vrift.Busy {
						continue
					}
					t.Errorf("Lookup: %v", err)
					return
				}
				if found && e.Size == 0 {
					t.Error("torn read: found entry with zero size")
					return
				}
			}
		}()
	}

	for i := 1; i <= 500; i++ {
		if err := w.Upsert("hot/path.go", testEntry("hot", uint64(i))); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestVDir_RejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.vdir")
	if err := Create(path, 8); err != nil {
		t.Fatal(err)
	}
	// Corrupt the magic.
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	copy(w.m.data[0:4], "XXXX")
	w.Close()

	if _, err := Open(path); vrift.CodeOf(err) != vrift.Corruption {
		t.Errorf("Open corrupt file = %v, want Corruption", err)
	}
}
