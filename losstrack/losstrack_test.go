package losstrack

import (
	"math"
	"testing"
)

func TestLossRateNoSends(t *testing.T) {
	tr := New()
	if rate := tr.LossRate(); rate != 0 {
		t.Fatalf("got %v, want 0", rate)
	}
}

func TestLossRateBasic(t *testing.T) {
	tr := New()
	for i := 0; i < 10; i++ {
		tr.PacketSent(9000)
	}
	for i := 0; i < 8; i++ {
		tr.PacketReceived(9000)
	}
	if rate := tr.LossRate(); math.Abs(rate-0.2) > 1e-12 {
		t.Fatalf("got %v, want 0.2", rate)
	}
}

func TestPortLossRate(t *testing.T) {
	tr := New()
	tr.PacketSent(1)
	tr.PacketSent(1)
	tr.PacketReceived(1)
	if rate := tr.PortLossRate(1); rate != 0.5 {
		t.Fatalf("got %v, want 0.5", rate)
	}
	if rate := tr.PortLossRate(2); rate != 0 {
		t.Fatalf("untouched port: got %v, want 0", rate)
	}
}

func TestHighLossPorts(t *testing.T) {
	tr := New()
	for i := 0; i < 10; i++ {
		tr.PacketSent(1)
	}
	tr.PacketReceived(1) // 90% loss
	for i := 0; i < 10; i++ {
		tr.PacketSent(2)
		tr.PacketReceived(2) // 0% loss
	}
	high := tr.HighLossPorts(0.5)
	if len(high) != 1 || high[0] != 1 {
		t.Fatalf("got %v, want [1]", high)
	}
}

func TestReceivedSnapshot(t *testing.T) {
	tr := New()
	tr.PacketReceived(9000)
	tr.PacketReceived(9000)
	tr.PacketReceived(9001)
	snap := tr.ReceivedSnapshot()
	if snap[9000] != 2 || snap[9001] != 1 {
		t.Fatalf("got %+v, want {9000:2, 9001:1}", snap)
	}
}

func TestReceivedSnapshotReturnsDeltaSinceLastCall(t *testing.T) {
	tr := New()
	tr.PacketReceived(9000)
	tr.PacketReceived(9000)
	first := tr.ReceivedSnapshot()
	if first[9000] != 2 {
		t.Fatalf("first snapshot: got %v, want 2", first[9000])
	}

	// No new receipts: a second call must report zero, not the
	// cumulative total again.
	second := tr.ReceivedSnapshot()
	if second[9000] != 0 {
		t.Fatalf("second snapshot with no new receipts: got %v, want 0", second[9000])
	}

	tr.PacketReceived(9000)
	third := tr.ReceivedSnapshot()
	if third[9000] != 1 {
		t.Fatalf("third snapshot after one more receipt: got %v, want 1", third[9000])
	}
}

func TestAddReceivedFromFeedback(t *testing.T) {
	tr := New()
	tr.PacketSent(1)
	tr.PacketSent(1)
	tr.AddReceived(1, 2)
	if rate := tr.PortLossRate(1); rate != 0 {
		t.Fatalf("got %v, want 0", rate)
	}
}
