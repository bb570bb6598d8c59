// Package adaptive implements the windowed bitrate/FPS ladder
// controller that reacts to measured throughput, RTT, and loss.
package adaptive

import "sync"

// Tiers are the discrete bitrates (bps) the controller selects among.
var Tiers = []int{600_000, 1_000_000, 1_800_000, 3_000_000}

const (
	// TargetLatencyMs is the RTT the controller is tuned around.
	TargetLatencyMs = 100.0
	// MaxLoss is the loss-rate ceiling before the controller steps down.
	MaxLoss = 0.05

	windowSize = 10 // 10 seconds of 1 Hz samples
)

// FPSForTier derives the frame rate associated with a bitrate tier.
func FPSForTier(bitrateBps int) int {
	switch {
	case bitrateBps <= 1_000_000:
		return 20
	case bitrateBps <= 1_800_000:
		return 25
	default:
		return 30
	}
}

func tierIndex(bitrateBps int) int {
	best := 0
	for i, t := range Tiers {
		if t <= bitrateBps {
			best = i
		}
	}
	return best
}

// Decision is the controller's output for one tick.
type Decision struct {
	BitrateBps int
	FPS        int
	Changed    bool
}

// HostLoadFunc optionally supplies the latest CPU-load sample (C19);
// the controller calls it at most once per tick and treats a false ok
// as "no sample yet" — i.e. no damping applied.
type HostLoadFunc func() (cpuPercent float64, ok bool)

// Controller is the sender-owned bitrate/FPS ladder. Not safe for
// concurrent Tick calls from more than one goroutine (the sender
// pipeline owns it exclusively, per the ownership model in §3), but
// Tiers/rtt/loss reads are still guarded for ad hoc inspection.
type Controller struct {
	mu sync.Mutex

	tierIdx int

	rttSamples        []float64
	lossSamples       []float64
	throughputSamples []float64

	hostLoad HostLoadFunc
}

// New constructs a Controller starting at the tier matching initialBitrateBps.
func New(initialBitrateBps int) *Controller {
	return &Controller{tierIdx: tierIndex(initialBitrateBps)}
}

// WithHostLoad attaches an optional CPU-load source (C19) used only to
// suppress step-up decisions; step-downs are never affected.
func (c *Controller) WithHostLoad(f HostLoadFunc) *Controller {
	c.hostLoad = f
	return c
}

func pushWindow(window []float64, v float64) []float64 {
	window = append(window, v)
	if len(window) > windowSize {
		window = window[len(window)-windowSize:]
	}
	return window
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Tick folds in one second's measurements and applies at most one
// ladder step. throughputKbps is instantaneous measured throughput in
// kbps; rttMs and lossRate are the current aggregate values from C5/C6.
func (c *Controller) Tick(throughputKbps, rttMs, lossRate float64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughputSamples = pushWindow(c.throughputSamples, throughputKbps)
	c.rttSamples = pushWindow(c.rttSamples, rttMs)
	c.lossSamples = pushWindow(c.lossSamples, lossRate)

	avgThroughputBps := mean(c.throughputSamples) * 1000.0
	avgRTT := mean(c.rttSamples)
	avgLoss := mean(c.lossSamples)

	currentBitrate := Tiers[c.tierIdx]
	newIdx := c.tierIdx

	switch {
	case avgRTT > 1.5*TargetLatencyMs || avgLoss > MaxLoss:
		if c.tierIdx > 0 {
			newIdx = c.tierIdx - 1
		}
	case avgRTT < 0.8*TargetLatencyMs && avgLoss < 0.5*MaxLoss && avgThroughputBps > 1.5*float64(currentBitrate):
		if c.tierIdx < len(Tiers)-1 {
			candidate := c.tierIdx + 1
			if c.hostLoad != nil {
				if cpu, ok := c.hostLoad(); ok && cpu > 85 {
					break
				}
			}
			newIdx = candidate
		}
	}

	capBps := int(0.8 * avgThroughputBps)
	if capBps > 0 && Tiers[newIdx] > capBps {
		for newIdx > 0 && Tiers[newIdx] > capBps {
			newIdx--
		}
	}

	changed := newIdx != c.tierIdx
	c.tierIdx = newIdx

	return Decision{
		BitrateBps: Tiers[c.tierIdx],
		FPS:        FPSForTier(Tiers[c.tierIdx]),
		Changed:    changed,
	}
}

// CurrentTier returns the controller's current bitrate and FPS without
// folding in a new sample.
func (c *Controller) CurrentTier() (bitrateBps, fps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Tiers[c.tierIdx], FPSForTier(Tiers[c.tierIdx])
}
