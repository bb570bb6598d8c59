// Package slicer splits an encoded frame into fixed-size data chunks
// ahead of FEC encoding.
package slicer

// DefaultChunkSize is the slicer's default payload size per chunk.
const DefaultChunkSize = 1000

// Slice splits frameData into ceil(len(frameData)/chunkSize) chunks,
// each a contiguous, order-preserving slice of frameData. The final
// chunk carries the remainder and is not padded. Empty input yields a
// nil slice.
func Slice(frameData []byte, chunkSize int) [][]byte {
	if len(frameData) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	n := (len(frameData) + chunkSize - 1) / chunkSize
	chunks := make([][]byte, 0, n)
	for offset := 0; offset < len(frameData); offset += chunkSize {
		end := offset + chunkSize
		if end > len(frameData) {
			end = len(frameData)
		}
		chunks = append(chunks, frameData[offset:end])
	}
	return chunks
}

// PadToK pads chunks with zero-filled blocks, sized to match the
// longest existing chunk, until there are exactly k of them. Used by
// the sender when an encoded frame slices into fewer than k chunks
// (a short frame) and the FEC layer requires exactly k equal-length
// inputs.
func PadToK(chunks [][]byte, k int) [][]byte {
	if len(chunks) > k {
		return chunks
	}
	blockSize := 0
	for _, c := range chunks {
		if len(c) > blockSize {
			blockSize = len(c)
		}
	}
	out := make([][]byte, k)
	copy(out, chunks)
	for i := len(chunks); i < k; i++ {
		out[i] = make([]byte, blockSize)
	}
	// Equalize length of any short chunk among the originals too: the
	// erasure coder requires all k blocks to share one block_size.
	for i, c := range out[:len(chunks)] {
		if len(c) < blockSize {
			padded := make([]byte, blockSize)
			copy(padded, c)
			out[i] = padded
		}
	}
	return out
}
