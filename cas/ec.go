package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	log "log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/cas/erasure"
)

const ecShardThreads = 7

// ECStore is the erasure-coded replication sink for the blob store. Every
// committed blob is split into data+parity shards striped across base folders
// on separate drives; a blob lost or corrupted in the primary store can be
// rebuilt from any DataShards surviving shards. The primary Store stays the
// read path, so descriptors handed to clients remain plain files.
type ECStore struct {
	erasure      *erasure.Erasure
	roots        []string
	repairShards bool
}

type errBox struct{ err error }

// NewECStore validates that the number of roots equals data+parity and builds
// the encoder.
func NewECStore(cfg vrift.ErasureConfig) (*ECStore, error) {
	ec, err := erasure.NewErasure(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, err
	}
	if ec.ShardCount() != len(cfg.Roots) {
		return nil, fmt.Errorf("roots count %d should match data+parity shard count %d", len(cfg.Roots), ec.ShardCount())
	}
	return &ECStore{
		erasure:      ec,
		roots:        cfg.Roots,
		repairShards: cfg.RepairShards,
	}, nil
}

func (b *ECStore) shardPath(i int, h vrift.Hash, size int64) string {
	return BlobPath(b.roots[i], h, size)
}

// Put encodes data and writes one shard per root, in parallel.
func (b *ECStore) Put(ctx context.Context, h vrift.Hash, size int64, data []byte) error {
	stored, err := b.erasure.Encode(data)
	if err != nil {
		return err
	}
	tr := vrift.NewTaskRunner(ctx, ecShardThreads)
	for i := range stored {
		fn := b.shardPath(i, h, size)
		shard := stored[i]
		tr.Go(func() error {
			if err := os.MkdirAll(filepath.Dir(fn), dirPermission); err != nil {
				return err
			}
			return os.WriteFile(fn, shard, 0o644)
		})
	}
	return tr.Wait()
}

// Has reports whether at least DataShards shards of the blob are present.
func (b *ECStore) Has(h vrift.Hash, size int64) bool {
	present := 0
	for i := range b.roots {
		if _, err := os.Stat(b.shardPath(i, h, size)); err == nil {
			present++
		}
	}
	return present >= b.erasure.DataShardsCount
}

// Get reads the shards across drives and decodes the blob body. Missing or
// bitrotted shards are reconstructed when enough remain; reconstructed shards
// are rewritten to their drives when repair is enabled.
func (b *ECStore) Get(ctx context.Context, h vrift.Hash, size int64) ([]byte, error) {
	n := len(b.roots)
	shards := make([][]byte, n)
	metas := make([][]byte, n)
	var readErr atomic.Pointer[errBox]

	tr := vrift.NewTaskRunner(ctx, ecShardThreads)
	for i := range b.roots {
		i := i
		tr.Go(func() error {
			ba, err := os.ReadFile(b.shardPath(i, h, size))
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					readErr.Store(&errBox{err: err})
				}
				// Missing shard; the decoder reconstructs it.
				return nil
			}
			metas[i], shards[i] = erasure.SplitMetaData(ba)
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, err
	}
	if eb := readErr.Load(); eb != nil {
		log.Warn("shard read failed, attempting decode from remainder", "blob", h.String(), "error", eb.err)
	}

	r := b.erasure.Decode(shards, metas)
	if r.Error != nil {
		return nil, vrift.Errorf(vrift.NotFound, "blob %s not recoverable from shards: %w", h, r.Error)
	}
	if int64(len(r.DecodedData)) != size {
		return nil, vrift.Errorf(vrift.Corruption, "blob %s decoded to %d bytes, want %d", h, len(r.DecodedData), size)
	}
	if got := vrift.HashBytes(r.DecodedData); got != h {
		return nil, vrift.Errorf(vrift.Corruption, "blob %s decoded bytes rehash to %s", h, got)
	}

	if b.repairShards && len(r.ReconstructedShardsIndeces) > 0 {
		b.repair(h, size, shards, metas, r.ReconstructedShardsIndeces)
	}
	return r.DecodedData, nil
}

func (b *ECStore) repair(h vrift.Hash, size int64, shards [][]byte, metas [][]byte, indices []int) {
	var padCount byte
	for i := range metas {
		if len(metas[i]) > 0 {
			padCount = metas[i][0]
			break
		}
	}
	for _, i := range indices {
		fn := b.shardPath(i, h, size)
		buf := append(b.erasure.MetaDataOf(padCount, shards[i]), shards[i]...)
		if err := os.MkdirAll(filepath.Dir(fn), dirPermission); err != nil {
			log.Warn("shard repair mkdir failed", "shard", fn, "error", err)
			continue
		}
		if err := os.WriteFile(fn, buf, 0o644); err != nil {
			log.Warn("shard repair write failed", "shard", fn, "error", err)
			continue
		}
		log.Info("repaired shard", "blob", h.String(), "shard", i)
	}
}

// Remove deletes every shard of the blob. GC only.
func (b *ECStore) Remove(h vrift.Hash, size int64) error {
	var lastErr error
	for i := range b.roots {
		if err := os.Remove(b.shardPath(i, h, size)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			lastErr = err
		}
	}
	return lastErr
}

// Restore rebuilds the blob in the primary store from shards after the primary
// copy was lost or failed verification.
func (b *ECStore) Restore(ctx context.Context, primary *Store, h vrift.Hash, size int64) error {
	data, err := b.Get(ctx, h, size)
	if err != nil {
		return err
	}
	got, err := primary.InsertBytes(ctx, data)
	if err != nil {
		return err
	}
	if got != h {
		return vrift.Errorf(vrift.Corruption, "restored blob hashed to %s, want %s", got, h)
	}
	return nil
}
