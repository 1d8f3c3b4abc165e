// Package codec adapts Reed-Solomon erasure coding to the recovery protocol:
// any K of the N fragments produced for a blob reconstruct it byte for byte,
// and a reconstruction whose content id disagrees with the expected one is
// rejected.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/ethosengine/elohim/internal/core"
)

// Codec is the swappable encode/decode contract.
type Codec interface {
	Encode(blob []byte, layout core.Layout) ([]core.Fragment, error)
	Decode(fragments []core.Fragment, expectedID string) ([]byte, error)
}

// lengthPrefix is the size header carried in the encoded payload so that
// fragments alone are enough to restore the exact blob length.
const lengthPrefix = 8

type ReedSolomon struct{}

func NewReedSolomon() *ReedSolomon {
	return &ReedSolomon{}
}

func (ReedSolomon) Encode(blob []byte, layout core.Layout) ([]core.Fragment, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(layout.K, layout.N-layout.K)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	payload := make([]byte, lengthPrefix+len(blob))
	binary.BigEndian.PutUint64(payload, uint64(len(blob)))
	copy(payload[lengthPrefix:], blob)

	shards, err := enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to split data: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}

	out := make([]core.Fragment, layout.N)
	for i, shard := range shards {
		out[i] = core.Fragment{Index: i, K: layout.K, N: layout.N, Data: shard}
	}
	return out, nil
}

// Decode reconstructs the blob from at least K distinct fragments and checks
// it against expectedID. Fragments are deduplicated by index.
func (ReedSolomon) Decode(fragments []core.Fragment, expectedID string) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("%w: no fragments", core.ErrInsufficientFragments)
	}
	layout := core.Layout{K: fragments[0].K, N: fragments[0].N}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCodec, err)
	}

	shards := make([][]byte, layout.N)
	shardSize := -1
	distinct := 0
	for _, f := range fragments {
		if f.K != layout.K || f.N != layout.N {
			return nil, fmt.Errorf("%w: fragment %d has layout k=%d n=%d, want k=%d n=%d", core.ErrCodec, f.Index, f.K, f.N, layout.K, layout.N)
		}
		if f.Index < 0 || f.Index >= layout.N {
			return nil, fmt.Errorf("%w: fragment index %d out of range", core.ErrCodec, f.Index)
		}
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("%w: fragment %d is empty", core.ErrCodec, f.Index)
		}
		if shardSize == -1 {
			shardSize = len(f.Data)
		} else if len(f.Data) != shardSize {
			return nil, fmt.Errorf("%w: fragment %d is %d bytes, want %d", core.ErrCodec, f.Index, len(f.Data), shardSize)
		}
		if shards[f.Index] == nil {
			distinct++
		}
		shards[f.Index] = append([]byte(nil), f.Data...)
	}
	if distinct < layout.K {
		return nil, fmt.Errorf("%w: have %d of %d", core.ErrInsufficientFragments, distinct, layout.K)
	}

	enc, err := reedsolomon.New(layout.K, layout.N-layout.K)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCodec, err)
	}
	if err := enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, fmt.Errorf("%w: %v", core.ErrInsufficientFragments, err)
		}
		return nil, fmt.Errorf("%w: %v", core.ErrCodec, err)
	}

	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, shardSize*layout.K); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCodec, err)
	}
	payload := buf.Bytes()
	size := binary.BigEndian.Uint64(payload[:lengthPrefix])
	if size > uint64(len(payload)-lengthPrefix) {
		// A corrupted header is indistinguishable from tampering.
		return nil, fmt.Errorf("%w: size header %d exceeds payload", core.ErrHashMismatch, size)
	}
	blob := payload[lengthPrefix : lengthPrefix+int(size)]

	if err := core.VerifyContent(expectedID, blob); err != nil {
		return nil, err
	}
	return blob, nil
}
