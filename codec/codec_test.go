package codec

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
)

func pkt(ts uint32, seq uint16, marker bool, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Timestamp:      ts,
			SequenceNumber: seq,
			Marker:         marker,
			PayloadType:    96,
		},
		Payload: payload,
	}
}

func TestAnnexBAccumulatorSinglePacketMarker(t *testing.T) {
	var acc annexBAccumulator
	unit := acc.push(pkt(1000, 1, true, []byte{0xAA, 0xBB}))
	want := append(append([]byte{}, annexBStartCode...), 0xAA, 0xBB)
	if !bytes.Equal(unit, want) {
		t.Fatalf("got %x, want %x", unit, want)
	}
}

func TestAnnexBAccumulatorMultiPacketUnit(t *testing.T) {
	var acc annexBAccumulator
	if u := acc.push(pkt(2000, 1, false, []byte{0x01})); u != nil {
		t.Fatalf("expected no unit before marker, got %x", u)
	}
	unit := acc.push(pkt(2000, 2, true, []byte{0x02}))
	want := append(append(append([]byte{}, annexBStartCode...), 0x01), append(annexBStartCode, 0x02)...)
	if !bytes.Equal(unit, want) {
		t.Fatalf("got %x, want %x", unit, want)
	}
}

func TestAnnexBAccumulatorClosesOnTimestampChange(t *testing.T) {
	var acc annexBAccumulator
	if u := acc.push(pkt(3000, 1, false, []byte{0x01})); u != nil {
		t.Fatalf("expected no unit yet, got %x", u)
	}
	unit := acc.push(pkt(3001, 2, false, []byte{0x02}))
	want := append(append([]byte{}, annexBStartCode...), 0x01)
	if !bytes.Equal(unit, want) {
		t.Fatalf("got %x, want unit for prior timestamp %x", unit, want)
	}
}

func TestAnnexBAccumulatorSequentialUnits(t *testing.T) {
	var acc annexBAccumulator
	first := acc.push(pkt(4000, 1, true, []byte{0xFF}))
	if first == nil {
		t.Fatal("expected first unit")
	}
	second := acc.push(pkt(4001, 2, true, []byte{0xEE}))
	if second == nil {
		t.Fatal("expected second unit")
	}
	if bytes.Equal(first, second) {
		t.Fatal("units should differ")
	}
}

func TestAtomic16Increments(t *testing.T) {
	var a atomic16
	if a.next() != 1 {
		t.Fatal("expected first call to return 1")
	}
	if a.next() != 2 {
		t.Fatal("expected second call to return 2")
	}
}
