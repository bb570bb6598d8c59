package pingpong

import (
	"testing"

	"github.com/kburak/meshstream/packet"
)

func TestIsControlTrueForZeroTotalChunks(t *testing.T) {
	p := New(1, 1000)
	if !IsControl(p) {
		t.Fatal("expected New() to produce a control packet")
	}
}

func TestIsControlFalseForRealChunk(t *testing.T) {
	p := packet.ChunkPacket{FrameID: 1, ChunkID: 0, TotalChunks: 3}
	if IsControl(p) {
		t.Fatal("expected a real chunk (TotalChunks=3) to not be control")
	}
}

func TestEchoReturnsSamePacket(t *testing.T) {
	ping := New(42, 123456)
	pong := Echo(ping)
	if pong.FrameID != ping.FrameID || pong.TimestampUs != ping.TimestampUs || pong.TotalChunks != ping.TotalChunks {
		t.Fatalf("got %+v, want identical echo of %+v", pong, ping)
	}
}
