// Package packet implements the wire codec for a single chunk datagram:
// a 12-byte little-endian header followed by a fixed-size payload.
package packet

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed byte length of the ChunkPacket header.
const HeaderSize = 12

// ErrMalformed is returned by Parse when the buffer is shorter than
// HeaderSize bytes.
var ErrMalformed = errors.New("packet: malformed, buffer shorter than header")

// ChunkPacket is one unit of transport: a single data or parity chunk
// belonging to frame FrameID.
type ChunkPacket struct {
	FrameID      uint16
	ChunkID      uint8
	TotalChunks  uint8
	TimestampUs  int64
	Payload      []byte
}

// Serialize returns the wire representation: HeaderSize + len(Payload) bytes.
func Serialize(p ChunkPacket) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], p.FrameID)
	buf[2] = p.ChunkID
	buf[3] = p.TotalChunks
	binary.LittleEndian.PutUint64(buf[4:12], uint64(p.TimestampUs))
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Parse decodes a ChunkPacket from a received datagram. The returned
// Payload is a copy of the trailing bytes, not a slice into buf.
func Parse(buf []byte) (ChunkPacket, error) {
	if len(buf) < HeaderSize {
		return ChunkPacket{}, ErrMalformed
	}
	p := ChunkPacket{
		FrameID:     binary.LittleEndian.Uint16(buf[0:2]),
		ChunkID:     buf[2],
		TotalChunks: buf[3],
		TimestampUs: int64(binary.LittleEndian.Uint64(buf[4:12])),
	}
	p.Payload = append([]byte(nil), buf[HeaderSize:]...)
	return p, nil
}
