// Package rttmon tracks per-path round-trip time with a bounded
// history, used by the path scheduler and the adaptive controller.
package rttmon

import (
	"sort"
	"sync"
)

// HistoryCapacity bounds the number of recent RTT samples kept per port.
const HistoryCapacity = 10

// Monitor is a thread-safe per-port RTT tracker. The zero value is not
// usable; construct with New.
type Monitor struct {
	mu        sync.Mutex
	outstanding map[int]int64          // port -> send timestamp (us)
	history     map[int][]float64      // port -> bounded ring of rtt_ms samples
	latest      map[int]float64        // port -> most recent rtt_ms
}

// New constructs an empty Monitor.
func New() *Monitor {
	return &Monitor{
		outstanding: make(map[int]int64),
		history:     make(map[int][]float64),
		latest:      make(map[int]float64),
	}
}

// StartPing records the send timestamp (microseconds) for a probe on port.
func (m *Monitor) StartPing(port int, tsUs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outstanding[port] = tsUs
}

// RecordPong computes rtt_ms = (tsUs - sent)/1000, pushes it into the
// bounded history (dropping the oldest sample beyond HistoryCapacity),
// updates the latest-RTT map, and clears the outstanding entry. It is
// a no-op if no ping is outstanding for port.
func (m *Monitor) RecordPong(port int, tsUs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent, ok := m.outstanding[port]
	if !ok {
		return
	}
	delete(m.outstanding, port)

	rttMs := float64(tsUs-sent) / 1000.0
	m.latest[port] = rttMs

	hist := m.history[port]
	hist = append(hist, rttMs)
	if len(hist) > HistoryCapacity {
		hist = hist[len(hist)-HistoryCapacity:]
	}
	m.history[port] = hist
}

// RTT returns the most recent RTT sample for port, if any.
func (m *Monitor) RTT(port int) (ms float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok = m.latest[port]
	return ms, ok
}

// AverageRTT returns the arithmetic mean of the latest RTT across all
// ports that have at least one sample.
func (m *Monitor) AverageRTT() (ms float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latest) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range m.latest {
		sum += v
	}
	return sum / float64(len(m.latest)), true
}

// SortedPorts returns ports in ascending latest-RTT order.
func (m *Monitor) SortedPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]int, 0, len(m.latest))
	for p := range m.latest {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return m.latest[ports[i]] < m.latest[ports[j]] })
	return ports
}
