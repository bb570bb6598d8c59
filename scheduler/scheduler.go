// Package scheduler implements weighted selection over the configured
// UDP paths, driven by RTT and loss measurements.
package scheduler

import (
	"errors"
	"math/rand"
	"sync"
)

// BootstrapRTTMs and BootstrapLoss are the assumed path quality before
// any real RTT/loss measurement has arrived.
const (
	BootstrapRTTMs = 50.0
	BootstrapLoss  = 0.0
)

// ErrNoPaths is fatal: the scheduler has no configured path to select from.
var ErrNoPaths = errors.New("scheduler: no paths configured")

// Path is one selectable (ip, port) destination with its current
// quality metrics and derived weight.
type Path struct {
	IP        string
	Port      int
	RTTMs     float64
	LossRatio float64
	Weight    int
}

// Weight derives a path's selection weight deterministically from its
// RTT and loss: higher RTT and higher loss both push the weight down,
// floored at 1 so every configured path remains reachable.
func Weight(rttMs, lossRatio float64) int {
	score := 1000.0 / (rttMs + 1.0) * (1.0 - lossRatio)
	w := int(score)
	if w < 1 {
		w = 1
	}
	return w
}

// Scheduler draws paths with probability proportional to their weight.
type Scheduler struct {
	mu         sync.Mutex
	paths      []Path
	cumulative []int
	total      int
	rng        *rand.Rand
}

// New constructs a Scheduler from an initial path set, recomputing
// each path's weight from its RTTMs and LossRatio (unset values count
// as zero; Bootstrap fills in the bootstrap assumption).
func New(paths []Path) *Scheduler {
	s := &Scheduler{rng: rand.New(rand.NewSource(1))}
	s.Update(paths)
	return s
}

// Bootstrap builds a Scheduler with one path per destination port on
// a single remote IP, using the bootstrap RTT/loss assumption.
func Bootstrap(ip string, ports []int) *Scheduler {
	paths := make([]Path, len(ports))
	for i, port := range ports {
		paths[i] = Path{IP: ip, Port: port, RTTMs: BootstrapRTTMs, LossRatio: BootstrapLoss,
			Weight: Weight(BootstrapRTTMs, BootstrapLoss)}
	}
	return New(paths)
}

// Update replaces the path set and rebuilds the cumulative-weight table.
func (s *Scheduler) Update(paths []Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = make([]Path, len(paths))
	copy(s.paths, paths)
	for i := range s.paths {
		s.paths[i].Weight = Weight(s.paths[i].RTTMs, s.paths[i].LossRatio)
	}
	s.rebuildLocked()
}

func (s *Scheduler) rebuildLocked() {
	s.cumulative = make([]int, len(s.paths))
	total := 0
	for i, p := range s.paths {
		total += p.Weight
		s.cumulative[i] = total
	}
	s.total = total
}

// Select draws a uniform integer in [1, total_weight] and returns the
// first path whose cumulative weight is >= the draw (ties broken by
// lower index).
func (s *Scheduler) Select() (Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.paths) == 0 {
		return Path{}, ErrNoPaths
	}
	draw := s.rng.Intn(s.total) + 1
	for i, cum := range s.cumulative {
		if draw <= cum {
			return s.paths[i], nil
		}
	}
	return s.paths[len(s.paths)-1], nil
}

// Paths returns a copy of the current path set.
func (s *Scheduler) Paths() []Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Path, len(s.paths))
	copy(out, s.paths)
	return out
}
