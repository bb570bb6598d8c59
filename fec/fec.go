// Package fec implements the systematic Reed-Solomon erasure code over
// GF(2^8) used to protect a frame's chunks: k data blocks expand to
// k+r total blocks, tolerating up to r simultaneous erasures.
package fec

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Default FEC parameters, matching the bitrate/latency tradeoff the
// transport is tuned for: modest redundancy (4 of 12 blocks) against
// burst loss on a handful of UDP paths.
const (
	DefaultK = 8
	DefaultR = 4
)

// ErrDecodeInsufficient is returned when fewer than k of the k+r flags
// are true: there is not enough data to attempt a solve.
var ErrDecodeInsufficient = errors.New("fec: fewer than k blocks received")

// ErrDecode wraps a failure reported by the underlying Reed-Solomon
// solver (as opposed to an insufficient-input failure).
type ErrDecode struct{ Err error }

func (e *ErrDecode) Error() string { return fmt.Sprintf("fec: decode failed: %v", e.Err) }
func (e *ErrDecode) Unwrap() error { return e.Err }

// Coder encodes/decodes blocks for a fixed (k, r) parameter pair.
type Coder struct {
	k, r int
	enc  reedsolomon.Encoder
}

// New constructs a Coder for k data blocks and r parity blocks.
func New(k, r int) (*Coder, error) {
	enc, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: new coder k=%d r=%d: %w", k, r, err)
	}
	return &Coder{k: k, r: r, enc: enc}, nil
}

// K returns the configured number of data blocks.
func (c *Coder) K() int { return c.k }

// R returns the configured number of parity blocks.
func (c *Coder) R() int { return c.r }

// Encode takes exactly k equal-length data blocks and returns k+r
// blocks: the inputs unchanged, followed by r parity blocks.
func (c *Coder) Encode(dataBlocks [][]byte) ([][]byte, error) {
	if len(dataBlocks) != c.k {
		return nil, fmt.Errorf("fec: encode requires %d data blocks, got %d", c.k, len(dataBlocks))
	}
	blockSize := len(dataBlocks[0])
	for _, b := range dataBlocks {
		if len(b) != blockSize {
			return nil, errors.New("fec: all data blocks must share one block_size")
		}
	}

	shards := make([][]byte, c.k+c.r)
	copy(shards, dataBlocks)
	for i := c.k; i < c.k+c.r; i++ {
		shards[i] = make([]byte, blockSize)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}
	return shards, nil
}

// Decode reconstructs the original k*block_size data bytes from the
// k+r blocks, using received to mark which slots actually arrived.
// Succeeds whenever at least k flags are true; when all k data slots
// are present it is a no-op concatenation, otherwise the missing
// shards (data or parity) are reconstructed first.
func (c *Coder) Decode(blocks [][]byte, received []bool) ([]byte, error) {
	if len(blocks) != c.k+c.r {
		return nil, fmt.Errorf("fec: decode expects %d blocks, got %d", c.k+c.r, len(blocks))
	}
	if len(received) != len(blocks) {
		return nil, fmt.Errorf("fec: received flags length %d != blocks length %d", len(received), len(blocks))
	}

	count := 0
	for _, ok := range received {
		if ok {
			count++
		}
	}
	if count < c.k {
		return nil, ErrDecodeInsufficient
	}

	allDataPresent := true
	for i := 0; i < c.k; i++ {
		if !received[i] {
			allDataPresent = false
			break
		}
	}

	shards := make([][]byte, len(blocks))
	for i, b := range blocks {
		if received[i] {
			shards[i] = b
		}
	}

	if !allDataPresent {
		if err := c.enc.ReconstructData(shards); err != nil {
			return nil, &ErrDecode{Err: err}
		}
	}

	blockSize := len(blocks[firstReceived(received)])
	out := make([]byte, 0, c.k*blockSize)
	for i := 0; i < c.k; i++ {
		if shards[i] == nil {
			return nil, &ErrDecode{Err: errors.New("data shard missing after reconstruction")}
		}
		out = append(out, shards[i]...)
	}
	return out, nil
}

func firstReceived(received []bool) int {
	for i, ok := range received {
		if ok {
			return i
		}
	}
	return 0
}
