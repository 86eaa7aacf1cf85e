package cas

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/vrift/vrift"
)

func newTestECStore(t *testing.T, data, parity int) *ECStore {
	t.Helper()
	roots := make([]string, data+parity)
	for i := range roots {
		roots[i] = t.TempDir()
	}
	ec, err := NewECStore(vrift.ErasureConfig{
		DataShards:   data,
		ParityShards: parity,
		Roots:        roots,
		RepairShards: true,
	})
	if err != nil {
		t.Fatalf("NewECStore: %v", err)
	}
	return ec
}

func TestECStore_RootCountValidation(t *testing.T) {
	_, err := NewECStore(vrift.ErasureConfig{
		DataShards:   2,
		ParityShards: 1,
		Roots:        []string{"/a", "/b"},
	})
	if err == nil {
		t.Error("expected error when roots != data+parity")
	}
}

func TestECStore_PutGet(t *testing.T) {
	ec := newTestECStore(t, 2, 1)
	ctx := context.Background()

	data := bytes.Repeat([]byte("build-artifact "), 300)
	h := vrift.HashBytes(data)
	if err := ec.Put(ctx, h, int64(len(data)), data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !ec.Has(h, int64(len(data))) {
		t.Fatal("Has = false after Put")
	}
	got, err := ec.Get(ctx, h, int64(len(data)))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Get returned different bytes")
	}
}

func TestECStore_LostDriveRecoveryAndRepair(t *testing.T) {
	ec := newTestECStore(t, 2, 1)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x5A}, 8192)
	h := vrift.HashBytes(data)
	if err := ec.Put(ctx, h, int64(len(data)), data); err != nil {
		t.Fatal(err)
	}

	// Lose one drive's shard.
	lost := ec.shardPath(1, h, int64(len(data)))
	if err := os.Remove(lost); err != nil {
		t.Fatal(err)
	}

	got, err := ec.Get(ctx, h, int64(len(data)))
	if err != nil {
		t.Fatalf("Get after shard loss: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decoded bytes mismatch after shard loss")
	}
	// Repair rewrote the shard.
	if _, err := os.Stat(lost); err != nil {
		t.Errorf("lost shard not repaired: %v", err)
	}
}

func TestECStore_RestorePrimary(t *testing.T) {
	ec := newTestECStore(t, 2, 1)
	primary := newTestStore(t)
	ctx := context.Background()

	data := []byte("rebuild me from shards")
	h := vrift.HashBytes(data)
	if err := ec.Put(ctx, h, int64(len(data)), data); err != nil {
		t.Fatal(err)
	}
	if err := ec.Restore(ctx, primary, h, int64(len(data))); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := primary.Verify(h, int64(len(data))); err != nil {
		t.Errorf("primary blob fails verification after restore: %v", err)
	}
}
