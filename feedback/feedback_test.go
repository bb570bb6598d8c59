package feedback

import (
	"testing"
	"time"

	"github.com/kburak/meshstream/losstrack"
	"github.com/kburak/meshstream/transport"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := Summary{
		SessionID:         "sess-1",
		Port:              9001,
		PacketsReceived:   42,
		LossRate:          0.05,
		ObservedRTTMs:     12.5,
		GeneratedAtUnixMs: time.Now().UnixMilli(),
	}
	buf, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !IsFeedback(buf) {
		t.Fatal("expected IsFeedback to recognize encoded summary")
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != s {
		t.Fatalf("got %+v, want %+v", got, s)
	}
}

func TestIsFeedbackRejectsChunkPacketLikeBuffers(t *testing.T) {
	// A ChunkPacket's first byte is the low byte of frame_id, which can
	// coincidentally equal 0xFE; IsFeedback alone cannot fully
	// disambiguate that case, but typical small frame_id values (the
	// common case early in a session) are rejected correctly.
	if IsFeedback([]byte{0x01, 0x00, 0x00, 0x01}) {
		t.Fatal("expected non-feedback buffer to be rejected")
	}
}

func TestDecodeRejectsMissingMagic(t *testing.T) {
	if _, err := Decode([]byte{0x01, '{', '}'}); err == nil {
		t.Fatal("expected error for missing magic prefix")
	}
}

func TestApplyFoldsIntoLossTracker(t *testing.T) {
	tr := losstrack.New()
	tr.PacketSent(9001)
	tr.PacketSent(9001)
	Apply(tr, Summary{Port: 9001, PacketsReceived: 2})
	if rate := tr.PortLossRate(9001); rate != 0 {
		t.Fatalf("got %v, want 0 after feedback reports full receipt", rate)
	}
}

// TestApplyAcrossConsecutiveTicksDoesNotDoubleCount exercises two
// successive receiver-side ReceivedSnapshot/emitAll rounds folded into
// a sender-side tracker via Apply, as Sender.Run actually does once
// per Interval. Each round must ship only the newly-observed receipts
// (losstrack.ReceivedSnapshot's delta semantics), so the sender-side
// AddReceived total converges on the true received count instead of
// re-adding the same receipts every tick.
func TestApplyAcrossConsecutiveTicksDoesNotDoubleCount(t *testing.T) {
	receiverLoss := losstrack.New()
	senderLoss := losstrack.New()
	senderLoss.PacketSent(9001)
	senderLoss.PacketSent(9001)

	receiverLoss.PacketReceived(9001)
	for port, n := range receiverLoss.ReceivedSnapshot() {
		Apply(senderLoss, Summary{Port: port, PacketsReceived: n})
	}

	receiverLoss.PacketReceived(9001)
	for port, n := range receiverLoss.ReceivedSnapshot() {
		Apply(senderLoss, Summary{Port: port, PacketsReceived: n})
	}

	if rate := senderLoss.PortLossRate(9001); rate != 0 {
		t.Fatalf("got loss rate %v after 2 sent/2 received across two ticks, want 0 (no double counting)", rate)
	}
}

func TestSenderEmitsSummaryPerTrackedPort(t *testing.T) {
	recvT, err := transport.Init([]int{0})
	if err != nil {
		t.Fatalf("Init recv: %v", err)
	}
	defer recvT.Close()

	sendT, err := transport.Init([]int{0})
	if err != nil {
		t.Fatalf("Init send: %v", err)
	}
	defer sendT.Close()

	loss := losstrack.New()
	loss.PacketReceived(9100)

	// Exercise the emission path directly (Run's ticker cadence is
	// covered by inspection, not timing-sensitive assertions) and read
	// the one summary for the one tracked port off recvT.
	s := NewSender("sess-x", sendT, loss, "127.0.0.1", recvT.LocalPort(0), nil)
	s.emitAll()

	buf := make([]byte, 512)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, _, err := recvT.RecvNonBlocking(0, buf)
		if err != nil {
			t.Fatalf("RecvNonBlocking: %v", err)
		}
		if n > 0 {
			got, err := Decode(buf[:n])
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.SessionID != "sess-x" || got.Port != 9100 || got.PacketsReceived != 1 {
				t.Fatalf("got %+v, want a summary for port 9100 with 1 receipt", got)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for the feedback summary")
}
