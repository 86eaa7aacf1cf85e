package daemon

import (
	"errors"
	"io"
	"os"
	"time"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/ipc"
	"github.com/vrift/vrift/ipc/ring"
)

// streamDrainWait bounds how long a drain tolerates a stalled producer before
// giving up and leaving the partial staging file for the client to clean.
const streamDrainWait = 30 * time.Second

// streamDrain consumes a client's shared-memory ring into its staging file,
// returning once the producer signals EOF. The reply to stream_open is the
// client's barrier: after it, the staging file is complete and a Commit may
// follow. Drain failures remove the partial file so a later commit cannot
// promote torn bytes.
func (d *Daemon) streamDrain(p *Project, sp ipc.StreamOpenPayload) error {
	if !validStagingPath(p.Root, sp.RingPath) || !validStagingPath(p.Root, sp.StagingPath) {
		return vrift.Errorf(vrift.PermissionDenied, "stream endpoints outside staging area")
	}

	r, err := ring.Open(sp.RingPath)
	if err != nil {
		return vrift.Errorf(vrift.NotFound, "ring %s: %v", sp.RingPath, err)
	}
	defer r.Close()
	r.SetWait(streamDrainWait)

	out, err := os.OpenFile(sp.StagingPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return vrift.Errorf(vrift.Unknown, "staging %s: %v", sp.StagingPath, err)
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := r.Pop(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(sp.StagingPath)
				return vrift.Errorf(vrift.Unknown, "drain write: %v", werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(sp.StagingPath)
			return rerr
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(sp.StagingPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(sp.StagingPath)
		return err
	}
	log.Debug("stream drained", "staging", sp.StagingPath)
	return nil
}
