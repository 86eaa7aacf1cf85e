package erasure

import (
	"bytes"
	"testing"
)

func encodeSplit(t *testing.T, e *Erasure, data []byte) (shards [][]byte, metas [][]byte) {
	t.Helper()
	stored, err := e.Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	shards = make([][]byte, len(stored))
	metas = make([][]byte, len(stored))
	for i := range stored {
		metas[i], shards[i] = SplitMetaData(stored[i])
	}
	return shards, metas
}

func TestErasure_RoundTrip(t *testing.T) {
	e, err := NewErasure(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("the quick brown fox jumps over the lazy dog")
	shards, metas := encodeSplit(t, e, data)

	r := e.Decode(shards, metas)
	if r.Error != nil {
		t.Fatalf("Decode: %v", r.Error)
	}
	if !bytes.Equal(r.DecodedData, data) {
		t.Errorf("decoded %q, want %q", r.DecodedData, data)
	}
	if len(r.ReconstructedShardsIndeces) != 0 {
		t.Errorf("unexpected reconstruction: %v", r.ReconstructedShardsIndeces)
	}
}

func TestErasure_MissingShardReconstructed(t *testing.T) {
	e, _ := NewErasure(3, 2)
	data := bytes.Repeat([]byte("payload-"), 100)
	shards, metas := encodeSplit(t, e, data)

	shards[1] = nil
	shards[4] = nil
	r := e.Decode(shards, metas)
	if r.Error != nil {
		t.Fatalf("Decode with missing shards: %v", r.Error)
	}
	if !bytes.Equal(r.DecodedData, data) {
		t.Error("decoded data mismatch after reconstruction")
	}
	if len(r.ReconstructedShardsIndeces) != 2 {
		t.Errorf("ReconstructedShardsIndeces = %v, want two entries", r.ReconstructedShardsIndeces)
	}
}

func TestErasure_CorruptedShardDetected(t *testing.T) {
	e, _ := NewErasure(2, 2)
	data := bytes.Repeat([]byte{0xAB}, 4096)
	shards, metas := encodeSplit(t, e, data)

	// Flip bytes without updating the checksum.
	shards[0][0] ^= 0xFF
	shards[0][10] ^= 0xFF

	r := e.Decode(shards, metas)
	if r.Error != nil {
		t.Fatalf("Decode with corrupted shard: %v", r.Error)
	}
	if !bytes.Equal(r.DecodedData, data) {
		t.Error("decoded data mismatch after corruption repair")
	}
	found := false
	for _, i := range r.ReconstructedShardsIndeces {
		if i == 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("corrupted shard 0 not reported, got %v", r.ReconstructedShardsIndeces)
	}
}

func TestErasure_TooManyMissing(t *testing.T) {
	e, _ := NewErasure(2, 1)
	data := []byte("abcdef")
	shards, metas := encodeSplit(t, e, data)
	shards[0] = nil
	shards[1] = nil
	if r := e.Decode(shards, metas); r.Error == nil {
		t.Error("expected error with more missing shards than parity")
	}
}
