package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/daemon"
	"github.com/vrift/vrift/ipc"
)

// testWorld is one daemon plus one client layer over a temp project.
type testWorld struct {
	vfs  *VFS
	root string
	d    *daemon.Daemon
}

func newTestWorld(t *testing.T) *testWorld {
	return newTestWorldWithPolicy(t, "")
}

func newTestWorldWithPolicy(t *testing.T, metadataPolicy string) *testWorld {
	t.Helper()
	base := t.TempDir()
	cfg := vrift.DefaultConfiguration()
	cfg.SocketPath = filepath.Join(base, "d.sock")
	cfg.CASRoot = filepath.Join(base, "the_source")
	cfg.VDirRoot = filepath.Join(base, "vdir")
	cfg.RegistryPath = filepath.Join(base, "registry", "manifests.json")
	cfg.WorkerCount = 2
	cfg.Policy.MetadataPolicy = metadataPolicy

	d, err := daemon.New(cfg)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	d.Store().DisableImmutability()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})

	probe := ipc.NewClient(cfg.SocketPath, 1000)
	var perr error
	for i := 0; i < 200; i++ {
		if perr = probe.Ping(ctx); perr == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if perr != nil {
		t.Fatalf("daemon never came up: %v", perr)
	}

	root := filepath.Join(base, "proj")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	v, err := New(Options{
		ProjectRoot:      root,
		SocketPath:       cfg.SocketPath,
		CASRoot:          cfg.CASRoot,
		VDirPath:         d.VDirPath(root),
		BreakerThreshold: 1000,
	})
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return &testWorld{vfs: v, root: root, d: d}
}

func (w *testWorld) path(rel string) string {
	return filepath.Join(w.root, rel)
}

func TestVFS_WriteReadRoundTrip(t *testing.T) {
	w := newTestWorld(t)

	content := []byte("fn main() { println!(\"hi\"); }\n")
	if err := w.vfs.WriteFile(w.path("src/main.rs"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := w.vfs.ReadFile(w.path("src/main.rs"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("read %q, want %q", got, content)
	}
}

func TestVFS_StatSynthesis(t *testing.T) {
	w := newTestWorld(t)

	content := []byte("0123456789")
	if err := w.vfs.WriteFile(w.path("data.bin"), content, 0o640); err != nil {
		t.Fatal(err)
	}
	fi, err := w.vfs.Stat(w.path("data.bin"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != int64(len(content)) {
		t.Errorf("Size = %d, want %d", fi.Size(), len(content))
	}
	if fi.Mode().Perm() != 0o640 {
		t.Errorf("Mode = %v", fi.Mode())
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		t.Fatalf("Sys() = %T", fi.Sys())
	}
	if st.Dev != VirtualDev {
		t.Errorf("st_dev = %#x, want virtualization magic %#x", st.Dev, VirtualDev)
	}

	// stat size must equal read length.
	data, _ := w.vfs.ReadFile(w.path("data.bin"))
	if int64(len(data)) != fi.Size() {
		t.Errorf("stat/read size mismatch: %d vs %d", fi.Size(), len(data))
	}
}

func TestVFS_OpenMissing(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.vfs.Open(w.path("ghost.txt"))
	if !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Open missing = %v, want ENOENT", err)
	}
}

func TestVFS_TrackedFdUsesVirtualMetadata(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("lib.o"), []byte("obj"), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := w.vfs.Open(w.path("lib.o"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Name() != "lib.o" {
		t.Errorf("Name = %q, want virtual path", f.Name())
	}
	fi, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0o111 == 0 {
		t.Error("executable bit lost in tracked fstat")
	}
	// Read-only descriptor refuses writes.
	if _, err := f.Write([]byte("nope")); err == nil {
		t.Error("write on read descriptor succeeded")
	}
}

func TestVFS_MetadataChangesRejected(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.vfs.Chmod(w.path("f.txt"), 0o777); !errors.Is(err, syscall.EPERM) {
		t.Errorf("Chmod = %v, want EPERM", err)
	}
	if err := w.vfs.Chown(w.path("f.txt"), 0, 0); !errors.Is(err, syscall.EPERM) {
		t.Errorf("Chown = %v, want EPERM", err)
	}
	if err := w.vfs.Chtimes(w.path("f.txt"), time.Now(), time.Now()); !errors.Is(err, syscall.EPERM) {
		t.Errorf("Chtimes = %v, want EPERM", err)
	}
	if err := w.vfs.SetXattr(w.path("f.txt"), "user.tag", []byte("v")); !errors.Is(err, syscall.EPERM) {
		t.Errorf("SetXattr = %v, want EPERM", err)
	}
	if err := w.vfs.RemoveXattr(w.path("f.txt"), "user.tag"); !errors.Is(err, syscall.EPERM) {
		t.Errorf("RemoveXattr = %v, want EPERM", err)
	}
	if err := w.vfs.Chflags(w.path("f.txt"), 0x2); !errors.Is(err, syscall.EPERM) {
		t.Errorf("Chflags = %v, want EPERM", err)
	}
}

func TestVFS_MetadataTranslatedUnderPolicy(t *testing.T) {
	w := newTestWorldWithPolicy(t, `true`)

	if err := w.vfs.WriteFile(w.path("tool.sh"), []byte("#!/bin/sh"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.vfs.Chmod(w.path("tool.sh"), 0o755); err != nil {
		t.Fatalf("Chmod under policy: %v", err)
	}
	fi, err := w.vfs.Stat(w.path("tool.sh"))
	if err != nil || fi.Mode().Perm() != 0o755 {
		t.Errorf("mode after chmod = (%v, %v)", fi.Mode(), err)
	}

	// xattrs land in the index and read back through the layer.
	if err := w.vfs.SetXattr(w.path("tool.sh"), "user.origin", []byte("ci")); err != nil {
		t.Fatalf("SetXattr under policy: %v", err)
	}
	got, err := w.vfs.GetXattr(w.path("tool.sh"), "user.origin")
	if err != nil || string(got) != "ci" {
		t.Errorf("GetXattr = (%q, %v)", got, err)
	}
	if err := w.vfs.RemoveXattr(w.path("tool.sh"), "user.origin"); err != nil {
		t.Fatalf("RemoveXattr under policy: %v", err)
	}
	if _, err := w.vfs.GetXattr(w.path("tool.sh"), "user.origin"); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("GetXattr after remove = %v, want ENOENT", err)
	}

	// chown/chflags are acknowledged without observable mutation.
	if err := w.vfs.Chown(w.path("tool.sh"), 1000, 1000); err != nil {
		t.Errorf("Chown under policy: %v", err)
	}
	if err := w.vfs.Chflags(w.path("tool.sh"), 0x2); err != nil {
		t.Errorf("Chflags under policy: %v", err)
	}
	data, err := w.vfs.ReadFile(w.path("tool.sh"))
	if err != nil || string(data) != "#!/bin/sh" {
		t.Errorf("content disturbed by metadata ops: (%q, %v)", data, err)
	}
}

func TestVFS_HardlinkIntoProjectIsEXDEV(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "alias")
	if err := w.vfs.Link(w.path("a.txt"), outside); !errors.Is(err, syscall.EXDEV) {
		t.Errorf("Link out of project = %v, want EXDEV", err)
	}
	if err := w.vfs.Link(outside, w.path("b.txt")); !errors.Is(err, syscall.EXDEV) {
		t.Errorf("Link into project = %v, want EXDEV", err)
	}
}

func TestVFS_ReadDirMergesDirtyOverlay(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.Mkdir(w.path("out"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := w.vfs.WriteFile(w.path("out/done.o"), []byte("done"), 0o644); err != nil {
		t.Fatal(err)
	}

	// An open write in flight must already be listable.
	f, err := w.vfs.Create(w.path("out/inflight.o"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}

	entries, err := w.vfs.ReadDir(w.path("out"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	if len(names) != 2 || names[0] != "done.o" || names[1] != "inflight.o" {
		t.Errorf("ReadDir = %v", names)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// After commit the same listing comes purely from the index.
	entries, err = w.vfs.ReadDir(w.path("out"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("ReadDir after commit = %d entries", len(entries))
	}
}

func TestVFS_ReadDirRootListsIntermediateDirs(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("deep/nested/file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := w.vfs.ReadDir(w.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "deep" || !entries[0].IsDir() {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("root listing = %v", names)
	}
}

func TestVFS_RemoveThenReadFails(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("tmp.txt"), []byte("gone soon"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.vfs.Remove(w.path("tmp.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := w.vfs.Open(w.path("tmp.txt")); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Open after Remove = %v", err)
	}
}

func TestVFS_RenamePreservesContent(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("old.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.vfs.Rename(w.path("old.txt"), w.path("new.txt")); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, err := w.vfs.ReadFile(w.path("new.txt"))
	if err != nil || string(got) != "payload" {
		t.Errorf("ReadFile after rename = (%q, %v)", got, err)
	}
	if _, err := w.vfs.Open(w.path("old.txt")); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("old name still resolves: %v", err)
	}
}

func TestVFS_SymlinkRoundTrip(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("real.txt"), []byte("pointed at"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.vfs.Symlink("real.txt", w.path("alias")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	target, err := w.vfs.Readlink(w.path("alias"))
	if err != nil || target != "real.txt" {
		t.Fatalf("Readlink = (%q, %v)", target, err)
	}
	// Stat follows the link; Lstat reports the link itself.
	fi, err := w.vfs.Stat(w.path("alias"))
	if err != nil {
		t.Fatalf("Stat through link: %v", err)
	}
	if fi.Size() != int64(len("pointed at")) {
		t.Errorf("followed size = %d", fi.Size())
	}
	lfi, err := w.vfs.Lstat(w.path("alias"))
	if err != nil {
		t.Fatal(err)
	}
	if lfi.Mode()&fs.ModeSymlink == 0 {
		t.Error("Lstat lost the symlink bit")
	}
}

func TestVFS_OverwriteSeesLatestContent(t *testing.T) {
	w := newTestWorld(t)

	for i := 0; i < 3; i++ {
		body := []byte(fmt.Sprintf("version %d", i))
		if err := w.vfs.WriteFile(w.path("churn.txt"), body, 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := w.vfs.ReadFile(w.path("churn.txt"))
		if err != nil || !bytes.Equal(got, body) {
			t.Fatalf("iteration %d: read %q err %v", i, got, err)
		}
	}
}

func TestVFS_AppendSeedsFromCommitted(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("log.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := w.vfs.OpenFile(w.path("log.txt"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("two\n")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := w.vfs.ReadFile(w.path("log.txt"))
	if err != nil || string(got) != "one\ntwo\n" {
		t.Errorf("appended content = (%q, %v)", got, err)
	}
}

func TestVFS_ConcurrentWritersDistinctPaths(t *testing.T) {
	w := newTestWorld(t)

	const writers = 4
	const iters = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*iters)
	for n := 0; n < writers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				p := w.path(fmt.Sprintf("target/obj_%d_%d.o", n, i))
				body := []byte(fmt.Sprintf("payload %d/%d", n, i))
				if err := w.vfs.WriteFile(p, body, 0o755); err != nil {
					errs <- err
					return
				}
			}
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("writer failed: %v", err)
	}

	for n := 0; n < writers; n++ {
		for i := 0; i < iters; i++ {
			p := w.path(fmt.Sprintf("target/obj_%d_%d.o", n, i))
			got, err := w.vfs.ReadFile(p)
			if err != nil {
				t.Fatalf("read %s: %v", p, err)
			}
			want := fmt.Sprintf("payload %d/%d", n, i)
			if string(got) != want {
				t.Errorf("%s corrupted: %q", p, got)
			}
			fi, err := w.vfs.Stat(p)
			if err != nil || fi.Mode().Perm()&0o111 == 0 {
				t.Errorf("%s not executable: %v", p, err)
			}
		}
	}
}

func TestVFS_PathsOutsideProjectPassThrough(t *testing.T) {
	w := newTestWorld(t)

	outside := filepath.Join(t.TempDir(), "host.txt")
	if err := w.vfs.WriteFile(outside, []byte("host bytes"), 0o644); err != nil {
		t.Fatalf("passthrough write: %v", err)
	}
	// The bytes land on the host filesystem directly.
	got, err := os.ReadFile(outside)
	if err != nil || string(got) != "host bytes" {
		t.Errorf("host file = (%q, %v)", got, err)
	}
	fi, err := w.vfs.Stat(outside)
	if err != nil {
		t.Fatal(err)
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Dev == VirtualDev {
		t.Error("host stat carries the virtualization magic")
	}
}

func TestVFS_DegradedModeFallsBackToHost(t *testing.T) {
	// No daemon at all: the layer must start degraded and pass through.
	root := t.TempDir()
	v, err := New(Options{
		ProjectRoot:      root,
		SocketPath:       filepath.Join(t.TempDir(), "nobody.sock"),
		CASRoot:          filepath.Join(t.TempDir(), "cas"),
		BreakerThreshold: 1,
	})
	if err != nil {
		t.Fatalf("New without daemon: %v", err)
	}
	defer v.Close()
	if !v.Degraded() {
		t.Fatal("expected degraded mode without a daemon")
	}

	p := filepath.Join(root, "plain.txt")
	if err := v.WriteFile(p, []byte("still works"), 0o644); err != nil {
		t.Fatalf("degraded write: %v", err)
	}
	got, err := os.ReadFile(p)
	if err != nil || string(got) != "still works" {
		t.Errorf("degraded write not on host: (%q, %v)", got, err)
	}
}

func TestVFS_AbortDiscardsStagedBytes(t *testing.T) {
	w := newTestWorld(t)

	if err := w.vfs.WriteFile(w.path("stable.txt"), []byte("committed"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := w.vfs.Create(w.path("stable.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("scratch that")); err != nil {
		t.Fatal(err)
	}
	// Abort instead of Close: the staged bytes vanish, the entry reverts.
	if err := w.vfs.Abort(w.path("stable.txt")); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	got, err := w.vfs.ReadFile(w.path("stable.txt"))
	if err != nil || string(got) != "committed" {
		t.Errorf("content after abort = (%q, %v)", got, err)
	}
}
