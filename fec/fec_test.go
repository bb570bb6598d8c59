package fec

import (
	"bytes"
	"testing"
)

func mustCoder(t *testing.T, k, r int) *Coder {
	t.Helper()
	c, err := New(k, r)
	if err != nil {
		t.Fatalf("New(%d,%d): %v", k, r, err)
	}
	return c
}

func TestEncodeNoLoss(t *testing.T) {
	c := mustCoder(t, 3, 2)
	blocks := [][]byte{
		{'A', 'A', 'A', 'A'},
		{'B', 'B', 'B', 'B'},
		{'C', 'C', 'C', 'C'},
	}
	encoded, err := c.Encode(blocks)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) != 5 {
		t.Fatalf("got %d blocks, want 5", len(encoded))
	}
	received := []bool{true, true, true, true, true}
	data, err := c.Decode(encoded, received)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []byte("AAAABBBBCCCC")
	if !bytes.Equal(data, want) {
		t.Fatalf("got %q, want %q", data, want)
	}
}

func TestDecodeWithLoss(t *testing.T) {
	c := mustCoder(t, 3, 2)
	blocks := [][]byte{
		{'A', 'A', 'A', 'A'},
		{'B', 'B', 'B', 'B'},
		{'C', 'C', 'C', 'C'},
	}
	encoded, err := c.Encode(blocks)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	received := []bool{false, true, true, false, true}
	data, err := c.Decode(encoded, received)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []byte("AAAABBBBCCCC")
	if !bytes.Equal(data, want) {
		t.Fatalf("got %q, want %q", data, want)
	}
}

func TestDecodeInsufficient(t *testing.T) {
	c := mustCoder(t, 8, 4)
	blocks := make([][]byte, 12)
	for i := range blocks {
		blocks[i] = make([]byte, 16)
	}
	received := make([]bool, 12)
	for i := 0; i < 7; i++ {
		received[i] = true
	}
	_, err := c.Decode(blocks, received)
	if err != ErrDecodeInsufficient {
		t.Fatalf("got %v, want ErrDecodeInsufficient", err)
	}
}

func TestEncodeRejectsWrongCount(t *testing.T) {
	c := mustCoder(t, 8, 4)
	if _, err := c.Encode([][]byte{{1, 2}}); err == nil {
		t.Fatal("expected error for wrong data block count")
	}
}

func TestDecodeAllDataPresentIsNoOp(t *testing.T) {
	c := mustCoder(t, 2, 1)
	blocks := [][]byte{{1, 2}, {3, 4}, {0, 0}}
	received := []bool{true, true, false}
	data, err := c.Decode(blocks, received)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v", data)
	}
}
