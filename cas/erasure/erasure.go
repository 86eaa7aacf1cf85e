// Package erasure implements the Reed-Solomon helpers used by the erasure-coded
// blob store variant: it splits a blob body into data+parity shards, prefixing
// each with a small metadata header so bitrot can be detected per shard and
// repaired from the surviving ones.
package erasure

import (
	"bufio"
	"bytes"
	"fmt"
	log "log/slog"

	"github.com/klauspost/reedsolomon"
	"lukechampine.com/blake3"
)

const (
	checksumSize = 16
	// MetaDataSize is 1 pad-count byte + truncated BLAKE3 checksum.
	MetaDataSize = 1 + checksumSize
)

// Erasure wraps a Reed-Solomon encoder for a fixed data/parity geometry.
type Erasure struct {
	DataShardsCount   int
	ParityShardsCount int
	encoder           reedsolomon.Encoder
}

// NewErasure creates an Erasure for the given shard counts.
func NewErasure(dataShardsCount, parityShardsCount int) (*Erasure, error) {
	if dataShardsCount <= 0 || parityShardsCount <= 0 {
		return nil, fmt.Errorf("shard counts must be positive, got %d data %d parity", dataShardsCount, parityShardsCount)
	}
	enc, err := reedsolomon.New(dataShardsCount, parityShardsCount)
	if err != nil {
		return nil, err
	}
	return &Erasure{
		DataShardsCount:   dataShardsCount,
		ParityShardsCount: parityShardsCount,
		encoder:           enc,
	}, nil
}

// ShardCount returns data+parity.
func (e *Erasure) ShardCount() int {
	return e.DataShardsCount + e.ParityShardsCount
}

func checksum(shard []byte) []byte {
	sum := blake3.Sum256(shard)
	return sum[:checksumSize]
}

// Encode splits data into shards and computes parity. Each returned shard is
// prefixed with MetaDataSize bytes: the pad count added by the split (same on
// every shard) and the shard body's checksum.
func (e *Erasure) Encode(data []byte) ([][]byte, error) {
	shards, err := e.encoder.Split(data)
	if err != nil {
		return nil, err
	}
	if err := e.encoder.Encode(shards); err != nil {
		return nil, err
	}
	padCount := byte(len(shards[0])*e.DataShardsCount - len(data))
	out := make([][]byte, len(shards))
	for i := range shards {
		buf := make([]byte, 0, MetaDataSize+len(shards[i]))
		buf = append(buf, padCount)
		buf = append(buf, checksum(shards[i])...)
		buf = append(buf, shards[i]...)
		out[i] = buf
	}
	return out, nil
}

// SplitMetaData separates the metadata header from a stored shard. Nil input
// yields nil parts (a missing shard).
func SplitMetaData(stored []byte) (meta []byte, shard []byte) {
	if stored == nil || len(stored) < MetaDataSize {
		return nil, nil
	}
	return stored[:MetaDataSize], stored[MetaDataSize:]
}

// DecodeResult is Decode's outcome.
type DecodeResult struct {
	DecodedData []byte
	// ReconstructedShardsIndeces holds indices of shards that were missing or
	// corrupted and got rebuilt; callers persist them back to repair drives.
	ReconstructedShardsIndeces []int
	Error                      error
}

// Decode reverses Encode given the per-shard bodies and metadata. Missing
// (nil) shards are reconstructed when at least DataShardsCount survive;
// checksum-mismatched shards are nullified then reconstructed.
func (e *Erasure) Decode(shards [][]byte, shardsMetaData [][]byte) *DecodeResult {
	if len(shards) == 0 {
		return &DecodeResult{Error: fmt.Errorf("shards can't be nil or empty")}
	}

	r := &DecodeResult{}
	ok, _ := e.encoder.Verify(shards)
	if !ok {
		log.Info("shard verification failed, reconstructing")
		r = e.reconstructMissingShards(shards)
		if r.Error != nil {
			return r
		}
		ok, _ = e.encoder.Verify(shards)
		if !ok {
			dr := e.detectBadShardsThenReconstruct(shards, shardsMetaData)
			if dr.Error != nil {
				return &DecodeResult{Error: fmt.Errorf("final reconstruction attempt failed: %w", dr.Error)}
			}
			r = dr
		}
	}

	var padCount int
	for i := range shardsMetaData {
		if len(shardsMetaData[i]) > 0 {
			padCount = int(shardsMetaData[i][0])
			break
		}
	}

	var b bytes.Buffer
	w := bufio.NewWriter(&b)
	if err := e.encoder.Join(w, shards, len(shards[0])*e.DataShardsCount); err != nil {
		return &DecodeResult{Error: fmt.Errorf("joining shards: %w", err)}
	}
	w.Flush()
	joined := b.Bytes()
	r.DecodedData = joined[:len(joined)-padCount]
	return r
}

func (e *Erasure) reconstructMissingShards(shards [][]byte) *DecodeResult {
	r := DecodeResult{}
	requestReconstruction := make([]bool, len(shards))
	for i := range shards {
		if shards[i] == nil {
			r.ReconstructedShardsIndeces = append(r.ReconstructedShardsIndeces, i)
			requestReconstruction[i] = true
		}
	}
	if err := e.encoder.ReconstructSome(shards, requestReconstruction); err != nil {
		r.Error = err
	}
	return &r
}

func (e *Erasure) detectBadShardsThenReconstruct(shards [][]byte, shardsMetaData [][]byte) *DecodeResult {
	corrupted := make([]int, 0, 2)
	for i := range shards {
		if shards[i] == nil || len(shardsMetaData[i]) < MetaDataSize {
			continue
		}
		if !bytes.Equal(shardsMetaData[i][1:], checksum(shards[i])) {
			corrupted = append(corrupted, i)
			shards[i] = nil
		}
	}
	if len(corrupted) == 0 {
		return &DecodeResult{Error: fmt.Errorf("shards pass checksums yet fail verification")}
	}
	if err := e.encoder.Reconstruct(shards); err != nil {
		return &DecodeResult{Error: err}
	}
	if ok, err := e.encoder.Verify(shards); !ok {
		if err == nil {
			err = fmt.Errorf("verification still failing after reconstruction")
		}
		return &DecodeResult{Error: err}
	}
	return &DecodeResult{ReconstructedShardsIndeces: corrupted}
}

// MetaDataOf recomputes the metadata header for a rebuilt shard body.
func (e *Erasure) MetaDataOf(padCount byte, shard []byte) []byte {
	buf := make([]byte, 0, MetaDataSize)
	buf = append(buf, padCount)
	buf = append(buf, checksum(shard)...)
	return buf
}
