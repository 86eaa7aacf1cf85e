package encoding

import (
	"bytes"
	"testing"

	"github.com/vrift/vrift"
)

func TestVnodeCodec_RoundTrip(t *testing.T) {
	e := vrift.VnodeEntry{
		ContentHash: vrift.HashBytes([]byte("hello")),
		Size:        12345,
		MtimeNs:     1722500000123456789,
		Mode:        0o755,
		Flags:       vrift.FlagIsExecutable,
	}
	b := MarshalVnode(e)
	if len(b) != vrift.VnodeEntrySize {
		t.Fatalf("packed width = %d, want %d", len(b), vrift.VnodeEntrySize)
	}
	got, err := UnmarshalVnode(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != e {
		t.Errorf("round trip mismatch: got %+v want %+v", got, e)
	}
}

func TestVnodeCodec_ShortBuffer(t *testing.T) {
	if _, err := UnmarshalVnode(make([]byte, 10)); err == nil {
		t.Error("expected error on short record")
	}
}

func TestVnodeCodec_ReservedBytesZero(t *testing.T) {
	buf := bytes.Repeat([]byte{0xff}, vrift.VnodeEntrySize)
	PutVnode(buf, vrift.VnodeEntry{})
	if buf[54] != 0 || buf[55] != 0 {
		t.Error("reserved bytes not cleared")
	}
}
