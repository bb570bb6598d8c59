// Package hostmetrics implements the host load sampler (C19): CPU and
// memory percentages sampled once per second via gopsutil and
// published behind an atomic pointer, read by the adaptive controller
// (C9) as a damping input that never blocks it.
package hostmetrics

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Interval between samples.
const Interval = time.Second

// Sample is one host load reading (§3 HostLoad).
type Sample struct {
	CPUPercent float64
	MemPercent float64
	SampledAt  time.Time
}

// Sampler publishes the latest Sample on its own goroutine.
type Sampler struct {
	latest atomic.Pointer[Sample]
	stop   chan struct{}
	done   chan struct{}
}

// New constructs a Sampler; call Run to start sampling.
func New() *Sampler {
	return &Sampler{stop: make(chan struct{}), done: make(chan struct{})}
}

// Run samples CPU and memory once per Interval until Stop is called.
// A failed sample is logged and simply leaves the prior value (or no
// value, before the first successful sample) in place.
func (s *Sampler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		log.Printf("[hostmetrics] cpu.Percent: %v", err)
		return
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Printf("[hostmetrics] mem.VirtualMemory: %v", err)
		return
	}
	s.latest.Store(&Sample{
		CPUPercent: percents[0],
		MemPercent: vm.UsedPercent,
		SampledAt:  time.Now(),
	})
}

// Stop signals Run to exit and waits for it to return.
func (s *Sampler) Stop() {
	close(s.stop)
	<-s.done
}

// Load satisfies adaptive.HostLoadFunc: it returns the latest sampled
// CPU percentage, or ok=false if no sample has landed yet.
func (s *Sampler) Load() (cpuPercent float64, ok bool) {
	sample := s.latest.Load()
	if sample == nil {
		return 0, false
	}
	return sample.CPUPercent, true
}
