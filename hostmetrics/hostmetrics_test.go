package hostmetrics

import "testing"

func TestLoadBeforeFirstSampleReportsNotOk(t *testing.T) {
	s := New()
	if _, ok := s.Load(); ok {
		t.Fatal("expected ok=false before any sample lands")
	}
}

func TestLoadReflectsStoredSample(t *testing.T) {
	s := New()
	s.latest.Store(&Sample{CPUPercent: 73.5})
	cpuPercent, ok := s.Load()
	if !ok || cpuPercent != 73.5 {
		t.Fatalf("got (%v, %v), want (73.5, true)", cpuPercent, ok)
	}
}
