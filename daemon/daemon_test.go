package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
	"github.com/vrift/vrift/manifest"
	"github.com/vrift/vrift/vdir"
)

func testConfig(t *testing.T) vrift.Configuration {
	t.Helper()
	base := t.TempDir()
	cfg := vrift.DefaultConfiguration()
	cfg.SocketPath = filepath.Join(base, "d.sock")
	cfg.CASRoot = filepath.Join(base, "the_source")
	cfg.VDirRoot = filepath.Join(base, "vdir")
	cfg.RegistryPath = filepath.Join(base, "registry", "manifests.json")
	cfg.WorkerCount = 2
	return cfg
}

func newTestDaemon(t *testing.T) (*Daemon, vrift.Configuration) {
	t.Helper()
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.cas.DisableImmutability()
	t.Cleanup(func() { d.Close() })
	return d, cfg
}

func newTestProject(t *testing.T, d *Daemon) *Project {
	t.Helper()
	root := t.TempDir()
	p, err := d.OpenProject(root)
	if err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	return p
}

// stage writes a staging file for path in the project's staging area.
func stage(t *testing.T, p *Project, content string) string {
	t.Helper()
	dir := manifest.StagingDir(p.Root, os.Getpid())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.CreateTemp(dir, "stage-*.tmp")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return f.Name()
}

func TestDaemon_CommitPipeline(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)
	ctx := context.Background()

	staging := stage(t, p, "compiled output")
	h, gen, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "target/app.o",
		StagingPath: staging,
		Size:        15,
		MtimeNs:     uint64(time.Now().UnixNano()),
		Mode:        0o644,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if h != vrift.HashBytes([]byte("compiled output")) {
		t.Error("commit returned wrong hash")
	}
	if gen == 0 {
		t.Error("commit returned zero generation")
	}

	// Bytes are in the store and verified.
	if err := d.cas.Verify(h, 15); err != nil {
		t.Errorf("blob verify: %v", err)
	}
	// Manifest records the hash with Dirty clear.
	e, err := p.Manifest.Lookup("target/app.o")
	if err != nil {
		t.Fatalf("manifest lookup: %v", err)
	}
	if e.ContentHash != h || e.IsDirty() {
		t.Errorf("manifest entry = %+v", e)
	}
	// The published index sees it too.
	r, err := vdir.Open(d.VDirPath(p.Root))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ve, found, err := r.Lookup("target/app.o")
	if err != nil || !found {
		t.Fatalf("vdir lookup = (%v, %v)", found, err)
	}
	if ve.ContentHash != h {
		t.Error("vdir entry hash mismatch")
	}
	// Rename tier consumed the staging file (same filesystem as project, not
	// the store, so hardlink/copy may have been used; either way the staging
	// file must be gone).
	if _, err := os.Stat(staging); err == nil {
		t.Error("staging file survived the commit")
	}
}

func TestDaemon_CommitDedup(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)
	ctx := context.Background()

	for _, path := range []string{"a/one.bin", "b/two.bin"} {
		staging := stage(t, p, "identical 4k-ish payload")
		if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
			VirtualPath: path, StagingPath: staging, Mode: 0o644,
		}); err != nil {
			t.Fatalf("commit %s: %v", path, err)
		}
	}

	count := 0
	d.cas.Enumerate(func(h vrift.Hash, size int64, path string) error {
		count++
		return nil
	})
	if count != 1 {
		t.Errorf("store holds %d blobs, want 1 (dedup)", count)
	}
	if d.stats.bytesDeduped.Load() == 0 {
		t.Error("dedup counter did not advance")
	}
}

func TestDaemon_CommitRejectsEscapes(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)
	ctx := context.Background()

	staging := stage(t, p, "x")
	_, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "../outside.txt", StagingPath: staging,
	})
	if vrift.CodeOf(err) != vrift.PermissionDenied {
		t.Errorf("escape path commit = %v, want PermissionDenied", err)
	}

	hostFile := filepath.Join(t.TempDir(), "host.txt")
	os.WriteFile(hostFile, []byte("host"), 0o644)
	_, _, err = d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "ok.txt", StagingPath: hostFile,
	})
	if vrift.CodeOf(err) != vrift.PermissionDenied {
		t.Errorf("foreign staging commit = %v, want PermissionDenied", err)
	}
}

func TestDaemon_DirtyHoldAndBusy(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)

	// Pid 1 is always alive.
	if _, err := d.markDirty(p, "src/lib.rs", 1); err != nil {
		t.Fatalf("markDirty: %v", err)
	}
	if _, err := d.markDirty(p, "src/lib.rs", os.Getpid()); vrift.CodeOf(err) != vrift.Busy {
		t.Errorf("second hold = %v, want Busy", err)
	}
	if _, err := d.unlink(p, "src/lib.rs"); vrift.CodeOf(err) != vrift.Busy {
		t.Errorf("unlink of held path = %v, want Busy", err)
	}

	// Releasing reverts the placeholder entirely (it never had content).
	if _, err := d.clearDirty(p, "src/lib.rs"); err != nil {
		t.Fatalf("clearDirty: %v", err)
	}
	if _, err := p.Manifest.Lookup("src/lib.rs"); vrift.CodeOf(err) != vrift.NotFound {
		t.Errorf("placeholder survived release: %v", err)
	}
}

func TestDaemon_DirtyRevertKeepsPriorHash(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)
	ctx := context.Background()

	staging := stage(t, p, "version one")
	h, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "main.c", StagingPath: staging, Mode: 0o644,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.markDirty(p, "main.c", 1); err != nil {
		t.Fatal(err)
	}
	e, _ := p.Manifest.Lookup("main.c")
	if !e.IsDirty() || e.ContentHash != h {
		t.Fatalf("dirty entry = %+v, want prior hash retained", e)
	}

	if _, err := d.clearDirty(p, "main.c"); err != nil {
		t.Fatal(err)
	}
	e, _ = p.Manifest.Lookup("main.c")
	if e.IsDirty() || e.ContentHash != h {
		t.Errorf("reverted entry = %+v", e)
	}
}

func TestDaemon_CrashScanReapsOrphans(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)

	// A staging dir for a pid that cannot exist.
	deadPid := 1 << 22
	dir := manifest.StagingDir(p.Root, deadPid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "orphan.tmp"), []byte("lost"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The dead writer also held a path dirty.
	if _, err := d.markDirty(p, "half/written.o", deadPid); err != nil {
		t.Fatal(err)
	}

	n := d.reapOrphans(p)
	if n == 0 {
		t.Fatal("reap found nothing")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("orphan staging dir survived")
	}
	if _, err := p.Manifest.Lookup("half/written.o"); vrift.CodeOf(err) != vrift.NotFound {
		t.Errorf("dirty placeholder survived crash scan: %v", err)
	}
}

func TestDaemon_RenameSubtreePublishes(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)
	ctx := context.Background()

	if _, err := d.mkdir(p, "old", 0o755); err != nil {
		t.Fatal(err)
	}
	staging := stage(t, p, "inner")
	if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "old/inner.txt", StagingPath: staging, Mode: 0o644,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := d.rename(p, "old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	r, err := vdir.Open(d.VDirPath(p.Root))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, found, _ := r.Lookup("new/inner.txt"); !found {
		t.Error("moved entry missing from index")
	}
	if _, found, _ := r.Lookup("old/inner.txt"); found {
		t.Error("old entry still published")
	}
}

func TestDaemon_MkdirAlreadyExists(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)

	if _, err := d.mkdir(p, "dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := d.mkdir(p, "dir", 0o755); vrift.CodeOf(err) != vrift.AlreadyExists {
		t.Errorf("second mkdir = %v, want AlreadyExists", err)
	}
}

func TestDaemon_MetadataRejectedByDefault(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)
	ctx := context.Background()

	staging := stage(t, p, "content")
	if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "f.txt", StagingPath: staging, Mode: 0o644,
	}); err != nil {
		t.Fatal(err)
	}
	_, err := d.metadata(p, ipc.MetadataPayload{Path: "f.txt", Op: ipc.MetaChmod, Mode: 0o755})
	if vrift.CodeOf(err) != vrift.PermissionDenied {
		t.Errorf("metadata without policy = %v, want PermissionDenied", err)
	}
}

func TestDaemon_MetadataTranslatedByPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.MetadataPolicy = `path.startsWith("scripts/")`
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.cas.DisableImmutability()
	defer d.Close()
	p := newTestProject(t, d)
	ctx := context.Background()

	staging := stage(t, p, "#!/bin/sh")
	if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "scripts/run.sh", StagingPath: staging, Mode: 0o644,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.metadata(p, ipc.MetadataPayload{Path: "scripts/run.sh", Op: ipc.MetaChmod, Mode: 0o755}); err != nil {
		t.Fatalf("policy-allowed metadata: %v", err)
	}
	e, _ := p.Manifest.Lookup("scripts/run.sh")
	if e.Mode != 0o755 || e.Flags&vrift.FlagIsExecutable == 0 {
		t.Errorf("entry after chmod = %+v", e)
	}

	// Outside the allowed prefix still rejects.
	staging2 := stage(t, p, "data")
	if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "data.bin", StagingPath: staging2, Mode: 0o644,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.metadata(p, ipc.MetadataPayload{Path: "data.bin", Op: ipc.MetaChmod, Mode: 0o777}); vrift.CodeOf(err) != vrift.PermissionDenied {
		t.Errorf("policy-denied metadata = %v", err)
	}
}

func TestDaemon_IngestFilterGatesCommits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.IngestFilter = `!path.endsWith(".tmp")`
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.cas.DisableImmutability()
	defer d.Close()
	p := newTestProject(t, d)
	ctx := context.Background()

	staging := stage(t, p, "scratch")
	_, _, err = d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "scratch.tmp", StagingPath: staging,
	})
	if vrift.CodeOf(err) != vrift.PermissionDenied {
		t.Errorf("filtered commit = %v, want PermissionDenied", err)
	}
}

func TestDaemon_GCDryRunThenDelete(t *testing.T) {
	d, _ := newTestDaemon(t)
	p := newTestProject(t, d)
	ctx := context.Background()

	keepStaging := stage(t, p, "referenced")
	if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "keep.txt", StagingPath: keepStaging, Mode: 0o644,
	}); err != nil {
		t.Fatal(err)
	}
	dropStaging := stage(t, p, "orphaned")
	dropHash, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "drop.txt", StagingPath: dropStaging, Mode: 0o644,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.unlink(p, "drop.txt"); err != nil {
		t.Fatal(err)
	}

	report, err := d.GC(ctx, false)
	if err != nil {
		t.Fatalf("GC dry run: %v", err)
	}
	if !report.DryRun || report.Deleted != 0 {
		t.Errorf("dry run report = %+v", report)
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != dropHash.String() {
		t.Errorf("orphans = %v, want [%s]", report.Orphans, dropHash)
	}
	if !d.cas.Exists(dropHash) {
		t.Fatal("dry run deleted a blob")
	}

	report, err = d.GC(ctx, true)
	if err != nil {
		t.Fatalf("GC delete: %v", err)
	}
	if report.Deleted != 1 {
		t.Errorf("delete report = %+v", report)
	}
	if d.cas.Exists(dropHash) {
		t.Error("orphan survived deleting GC")
	}
	if !d.cas.Exists(vrift.HashBytes([]byte("referenced"))) {
		t.Error("referenced blob was deleted")
	}
}

func TestDaemon_IngestDirectory(t *testing.T) {
	d, _ := newTestDaemon(t)
	root := t.TempDir()
	// Host tree: two files with one duplicate body, a subdir, a symlink.
	os.MkdirAll(filepath.Join(root, "src"), 0o755)
	os.WriteFile(filepath.Join(root, "src", "a.txt"), []byte("X"), 0o644)
	os.WriteFile(filepath.Join(root, "src", "b.txt"), []byte("Y"), 0o644)
	os.WriteFile(filepath.Join(root, "dup.txt"), []byte("X"), 0o644)
	os.Symlink("src/a.txt", filepath.Join(root, "link"))

	p, err := d.OpenProject(root)
	if err != nil {
		t.Fatal(err)
	}
	n, err := d.IngestDir(context.Background(), p, root)
	if err != nil {
		t.Fatalf("IngestDir: %v", err)
	}
	if n < 5 {
		t.Errorf("ingested %d entries", n)
	}

	// Identical bodies share one blob.
	if !d.cas.Exists(vrift.HashBytes([]byte("X"))) || !d.cas.Exists(vrift.HashBytes([]byte("Y"))) {
		t.Error("ingested blobs missing")
	}
	blobs := 0
	d.cas.Enumerate(func(vrift.Hash, int64, string) error { blobs++; return nil })
	if blobs != 2 {
		t.Errorf("store holds %d blobs, want 2", blobs)
	}

	e, err := p.Manifest.Lookup("link")
	if err != nil || !e.IsSymlink() {
		t.Errorf("symlink entry = (%+v, %v)", e, err)
	}
	target, err := p.Manifest.SymlinkTarget("link")
	if err != nil || target != "src/a.txt" {
		t.Errorf("symlink target = (%q, %v)", target, err)
	}
}

func TestDaemon_SocketRoundTrip(t *testing.T) {
	d, cfg := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Generous breaker threshold: the startup poll loop must not trip it.
	client := ipc.NewClient(cfg.SocketPath, 1000)
	var err error
	for i := 0; i < 100; i++ {
		if err = client.Ping(ctx); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("ping: %v", err)
	}

	resp, err := client.Do(ctx, ipc.Request{Kind: ipc.KindStatus})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Info == nil || resp.Info.Version != vrift.Version {
		t.Errorf("status info = %+v", resp.Info)
	}

	// Full commit over the wire.
	root := t.TempDir()
	if _, err := client.Do(ctx, ipc.Request{Kind: ipc.KindManifestOpen, ProjectRoot: root}); err != nil {
		t.Fatalf("manifest open: %v", err)
	}
	p, err := d.OpenProject(root)
	if err != nil {
		t.Fatal(err)
	}
	staging := stage(t, p, "over the wire")
	resp, err = client.Do(ctx, ipc.Request{
		Kind:        ipc.KindCommit,
		ProjectRoot: root,
		Commit:      &ipc.CommitPayload{VirtualPath: "wire.txt", StagingPath: staging, Mode: 0o644},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if resp.Status != ipc.StatusOkWithBlob || resp.Generation == 0 {
		t.Errorf("commit response = %+v", resp)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Error("socket not unlinked on teardown")
	}
}

func TestDaemon_XattrOpsFollowPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.MetadataPolicy = `path.startsWith("meta/")`
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.cas.DisableImmutability()
	defer d.Close()
	p := newTestProject(t, d)
	ctx := context.Background()

	staging := stage(t, p, "tagged")
	if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "meta/tagged.bin", StagingPath: staging, Mode: 0o644,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := d.metadata(p, ipc.MetadataPayload{
		Path: "meta/tagged.bin", Op: ipc.MetaSetXattr, Name: "user.origin", Value: []byte("ci"),
	}); err != nil {
		t.Fatalf("policy-allowed setxattr: %v", err)
	}
	got, err := p.Manifest.GetXattr("meta/tagged.bin", "user.origin")
	if err != nil || string(got) != "ci" {
		t.Errorf("GetXattr = (%q, %v)", got, err)
	}

	if _, err := d.metadata(p, ipc.MetadataPayload{
		Path: "meta/tagged.bin", Op: ipc.MetaRemoveXattr, Name: "user.origin",
	}); err != nil {
		t.Fatalf("policy-allowed removexattr: %v", err)
	}
	if _, err := p.Manifest.GetXattr("meta/tagged.bin", "user.origin"); vrift.CodeOf(err) != vrift.NotFound {
		t.Errorf("xattr survived removal: %v", err)
	}

	// chown and chflags translate to acknowledged no-ops: the entry is
	// untouched and no error surfaces.
	before, _ := p.Manifest.Lookup("meta/tagged.bin")
	if _, err := d.metadata(p, ipc.MetadataPayload{
		Path: "meta/tagged.bin", Op: ipc.MetaChown, Uid: 1000, Gid: 1000,
	}); err != nil {
		t.Fatalf("policy-allowed chown: %v", err)
	}
	if _, err := d.metadata(p, ipc.MetadataPayload{
		Path: "meta/tagged.bin", Op: ipc.MetaChflags, Flags: 0x2,
	}); err != nil {
		t.Fatalf("policy-allowed chflags: %v", err)
	}
	after, _ := p.Manifest.Lookup("meta/tagged.bin")
	if before != after {
		t.Errorf("chown/chflags mutated the entry: %+v -> %+v", before, after)
	}

	// Outside the allowed prefix every op still rejects.
	staging2 := stage(t, p, "plain")
	if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "plain.bin", StagingPath: staging2, Mode: 0o644,
	}); err != nil {
		t.Fatal(err)
	}
	for _, mp := range []ipc.MetadataPayload{
		{Path: "plain.bin", Op: ipc.MetaSetXattr, Name: "user.x", Value: []byte("v")},
		{Path: "plain.bin", Op: ipc.MetaRemoveXattr, Name: "user.x"},
		{Path: "plain.bin", Op: ipc.MetaChown, Uid: 1, Gid: 1},
		{Path: "plain.bin", Op: ipc.MetaChflags, Flags: 0x1},
	} {
		if _, err := d.metadata(p, mp); vrift.CodeOf(err) != vrift.PermissionDenied {
			t.Errorf("%s outside policy = %v, want PermissionDenied", mp.Op, err)
		}
	}
}

func TestDaemon_MetadataUnknownOp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.MetadataPolicy = `true`
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.cas.DisableImmutability()
	defer d.Close()
	p := newTestProject(t, d)
	ctx := context.Background()

	staging := stage(t, p, "x")
	if _, _, err := d.commit(ctx, p, ipc.CommitPayload{
		VirtualPath: "f.txt", StagingPath: staging, Mode: 0o644,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.metadata(p, ipc.MetadataPayload{Path: "f.txt", Op: "frobnicate"}); vrift.CodeOf(err) != vrift.ProtocolError {
		t.Errorf("unknown op = %v, want ProtocolError", err)
	}
}
