// Package pingpong implements the out-of-core RTT probe spec.md §4.5
// leaves unspecified: a control datagram distinguished from a real
// chunk by TotalChunks==0 (never a valid value for an actual frame,
// since collector.Handle already rejects it), sent by the sender on
// each path and echoed verbatim by the receiver.
package pingpong

import "github.com/kburak/meshstream/packet"

// IsControl reports whether pkt is a ping/pong probe rather than a
// frame chunk.
func IsControl(pkt packet.ChunkPacket) bool { return pkt.TotalChunks == 0 }

// New builds a ping probe carrying sendTsUs as its timestamp. seq
// need only be locally unique enough for log correlation; the
// receiver echoes the packet unexamined.
func New(seq uint16, sendTsUs int64) packet.ChunkPacket {
	return packet.ChunkPacket{
		FrameID:     seq,
		ChunkID:     0,
		TotalChunks: 0,
		TimestampUs: sendTsUs,
	}
}

// Echo returns the pong for a received ping: byte-identical, since
// RTT is measured from the sender's own send/receive timestamps, not
// anything the receiver adds.
func Echo(ping packet.ChunkPacket) packet.ChunkPacket { return ping }
