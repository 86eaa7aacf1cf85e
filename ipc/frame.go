package ipc

import (
	"encoding/binary"
	"io"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/encoding"
)

// MaxFrameSize bounds a frame body. The length header is checked against it
// before any allocation so a hostile client cannot OOM the daemon.
const MaxFrameSize = 64 << 20

// WriteFrame serializes v and writes it as a 4-byte big-endian length header
// followed by the body.
func WriteFrame(w io.Writer, v any) error {
	body, err := encoding.DefaultMarshaler.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return vrift.Errorf(vrift.ProtocolError, "frame body %d bytes exceeds limit", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame and unmarshals it into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return vrift.Errorf(vrift.ProtocolError, "frame length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := encoding.DefaultMarshaler.Unmarshal(body, v); err != nil {
		return vrift.Errorf(vrift.ProtocolError, "malformed frame: %v", err)
	}
	return nil
}
