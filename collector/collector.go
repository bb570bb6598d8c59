// Package collector reassembles received chunk datagrams into
// complete frames, driving Reed-Solomon recovery and evicting frames
// on jitter timeout, hard age, or memory pressure.
package collector

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/kburak/meshstream/fec"
	"github.com/kburak/meshstream/packet"
)

// Timing constants governing jitter tolerance, the hard age ceiling,
// and the flusher's wake cadence.
const (
	JitterTimeout  = 50 * time.Millisecond
	MaxFrameAge    = 200 * time.Millisecond
	FlushInterval  = 10 * time.Millisecond
	maxBufferedFrames = 100
	keepRecentFrames  = 50
)

// Callback is invoked once per successfully recovered frame. frameID
// wraps at 16 bits; downstream consumers own any ordering policy.
type Callback func(frameID uint16, data []byte)

// DropReason classifies why a frame was evicted without ever reaching
// Callback, for the metrics exporter's dropped-frame counters (C15).
type DropReason string

const (
	// DropAge means the frame exceeded MaxFrameAge, whether before a
	// decode was ever attempted or after a successful decode arrived
	// too late to be useful. Frames evicted by the memory guard once
	// the buffer grows past maxBufferedFrames are also reported as
	// DropAge, whatever their age.
	DropAge DropReason = "age"
	// DropFEC means the frame could not be recovered: either the coder
	// itself failed to construct for this frame's (k, r), or a decode
	// was attempted and the Reed-Solomon solver failed (mismatched or
	// missing shards).
	DropFEC DropReason = "fec"
)

// DropCallback is invoked once per frame evicted without delivery.
// Unlike Callback, it runs with the collector's lock held, so it must
// be cheap and non-blocking (a metrics counter increment, not a
// render or network call).
type DropCallback func(frameID uint16, reason DropReason)

type partialFrame struct {
	slots         [][]byte
	received      []bool
	receivedCount int
	totalChunks   int
	arrivalTime   time.Time
	lastUpdate    time.Time
}

// Collector is the receiver-side reassembly buffer. A single
// background goroutine (started by Run) evicts expired frames and
// opportunistically decodes jitter-timed-out ones.
type Collector struct {
	k, r     int
	callback Callback
	onDrop   DropCallback

	mu     sync.Mutex
	frames map[uint16]*partialFrame

	stop chan struct{}
	done chan struct{}
}

// New constructs a Collector for the given FEC (k, r) parameters.
// cb is invoked from the goroutine that completed the frame —
// Handle's caller or the flusher goroutine — so it must not block.
func New(k, r int, cb Callback) *Collector {
	return &Collector{
		k:        k,
		r:        r,
		callback: cb,
		frames:   make(map[uint16]*partialFrame),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithDropCallback attaches an optional DropCallback, invoked whenever
// a frame is evicted without delivery (C15's FramesDroppedAge /
// FramesDroppedFEC counters). Mirrors adaptive.Controller's
// WithHostLoad fluent-setter shape.
func (c *Collector) WithDropCallback(cb DropCallback) *Collector {
	c.onDrop = cb
	return c
}

func (c *Collector) reportDrop(frameID uint16, reason DropReason) {
	if c.onDrop != nil {
		c.onDrop(frameID, reason)
	}
}

// Run starts the background flusher loop. Call Stop to terminate it.
func (c *Collector) Run() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.FlushExpired()
			}
		}
	}()
}

// Stop signals the flusher goroutine to exit and waits for it.
func (c *Collector) Stop() {
	close(c.stop)
	<-c.done
}

// Handle processes one received chunk: it rejects invalid headers,
// lazily creates the partial frame on first sight, drops duplicates,
// stores the payload, and attempts an immediate FEC decode once k
// chunks have arrived.
func (c *Collector) Handle(pkt packet.ChunkPacket) {
	if pkt.TotalChunks == 0 || pkt.ChunkID >= pkt.TotalChunks {
		return
	}

	c.mu.Lock()

	f, ok := c.frames[pkt.FrameID]
	if !ok {
		f = &partialFrame{
			slots:       make([][]byte, pkt.TotalChunks),
			received:    make([]bool, pkt.TotalChunks),
			totalChunks: int(pkt.TotalChunks),
			arrivalTime: time.Now(),
		}
		c.frames[pkt.FrameID] = f
	}

	if f.received[pkt.ChunkID] {
		c.mu.Unlock()
		return
	}

	f.slots[pkt.ChunkID] = pkt.Payload
	f.received[pkt.ChunkID] = true
	f.receivedCount++
	f.lastUpdate = time.Now()

	if f.receivedCount < c.k {
		c.mu.Unlock()
		return
	}

	c.tryDeliverLocked(pkt.FrameID, f)
	c.mu.Unlock()
}

// tryDeliverLocked attempts FEC decode of f, removes it from the
// buffer whatever the outcome, and, on success and if still within
// the age bound, invokes the callback. Must be called with c.mu held; invokes the callback
// with the lock released.
func (c *Collector) tryDeliverLocked(frameID uint16, f *partialFrame) {
	coder, err := fec.New(c.k, c.r)
	if err != nil {
		log.Printf("[collector] fec.New(%d,%d): %v", c.k, c.r, err)
		delete(c.frames, frameID)
		c.reportDrop(frameID, DropFEC)
		return
	}

	data, err := coder.Decode(f.slots, f.received)
	delete(c.frames, frameID)
	if err != nil {
		if err != fec.ErrDecodeInsufficient {
			log.Printf("[collector] frame %d decode failed: %v", frameID, err)
		}
		c.reportDrop(frameID, DropFEC)
		return
	}

	age := time.Since(f.arrivalTime)
	if age > MaxFrameAge {
		log.Printf("[collector] dropping frame %d, age %v exceeds %v", frameID, age, MaxFrameAge)
		c.reportDrop(frameID, DropAge)
		return
	}

	cb := c.callback
	c.mu.Unlock()
	cb(frameID, data)
	c.mu.Lock()
}

// FlushExpired drops hard-expired frames, opportunistically decodes
// k-satisfied frames that have been idle past JitterTimeout, and
// enforces the memory guard that caps the buffer at keepRecentFrames
// when it grows past maxBufferedFrames.
func (c *Collector) FlushExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var toDrop, toFinalize []uint16

	for id, f := range c.frames {
		age := now.Sub(f.arrivalTime)
		if age > MaxFrameAge {
			toDrop = append(toDrop, id)
			continue
		}
		if f.receivedCount >= c.k && now.Sub(f.lastUpdate) > JitterTimeout {
			toFinalize = append(toFinalize, id)
		}
	}

	for _, id := range toDrop {
		log.Printf("[collector] dropping expired frame %d", id)
		delete(c.frames, id)
		c.reportDrop(id, DropAge)
	}

	for _, id := range toFinalize {
		f := c.frames[id]
		if f == nil {
			continue
		}
		c.tryDeliverLocked(id, f)
	}

	if len(c.frames) > maxBufferedFrames {
		type idAge struct {
			id  uint16
			age time.Time
		}
		all := make([]idAge, 0, len(c.frames))
		for id, f := range c.frames {
			all = append(all, idAge{id, f.arrivalTime})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].age.After(all[j].age) })
		for _, entry := range all[keepRecentFrames:] {
			delete(c.frames, entry.id)
			c.reportDrop(entry.id, DropAge)
		}
	}
}

// Buffered reports how many frames are currently partially assembled.
func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}
