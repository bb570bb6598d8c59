// Package sender orchestrates the capture -> encode -> slice -> FEC ->
// multipath-dispatch pipeline (C10), ticking the adaptive controller
// once per second and feeding its decisions back into the encoder and
// frame-rate pacing.
package sender

import (
	"context"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/kburak/meshstream/adaptive"
	"github.com/kburak/meshstream/fec"
	"github.com/kburak/meshstream/feedback"
	"github.com/kburak/meshstream/losstrack"
	"github.com/kburak/meshstream/packet"
	"github.com/kburak/meshstream/pingpong"
	"github.com/kburak/meshstream/rttmon"
	"github.com/kburak/meshstream/scheduler"
	"github.com/kburak/meshstream/slicer"
	"github.com/kburak/meshstream/transport"
)

// recvBufSize bounds one inbound datagram the sender itself handles:
// pong echoes and feedback summaries, both far smaller than a video
// chunk.
const recvBufSize = 2048

// pingInterval is how often the sender probes each configured path.
const pingInterval = time.Second

// pollInterval bounds how long the sender's own recv loop can idle
// when every socket was momentarily empty.
const pollInterval = 2 * time.Millisecond

// Capturer supplies raw BGR frames; implemented by capture.Source.
type Capturer interface {
	Frame() (frame []byte, seq uint64, ok bool)
}

// Encoder compresses raw BGR frames to H.264 access units and accepts
// runtime bitrate changes; implemented by codec.Encoder.
type Encoder interface {
	Encode(frame []byte) error
	Units() <-chan []byte
	Errors() <-chan error
	SetBitrate(ctx context.Context, bps int) error
	Close() error
}

// Pipeline wires together one capture source, one encoder, the FEC
// coder, the path scheduler, and the transport, and drives frame
// pacing off the adaptive controller's current FPS decision.
type Pipeline struct {
	cap Capturer
	enc Encoder

	transport *transport.Transport
	sched     *scheduler.Scheduler
	rtt       *rttmon.Monitor
	loss      *losstrack.Tracker
	ctrl      *adaptive.Controller
	remoteIP  string

	chunkSize        int
	frameID          atomic.Uint32
	sentBytes        atomic.Uint64
	pingSeq          atomic.Uint32
	framesDispatched atomic.Uint64
	framesDropped    atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// New constructs a sender Pipeline. It FEC-encodes every frame with
// fec.DefaultK and fec.DefaultR (see currentFEC), so the receiver's
// collector must be built with those same values.
func New(cap Capturer, enc Encoder, tr *transport.Transport, sched *scheduler.Scheduler,
	rtt *rttmon.Monitor, loss *losstrack.Tracker, ctrl *adaptive.Controller,
	remoteIP string, chunkSize int) *Pipeline {
	return &Pipeline{
		cap: cap, enc: enc,
		transport: tr, sched: sched, rtt: rtt, loss: loss, ctrl: ctrl,
		remoteIP:  remoteIP,
		chunkSize: chunkSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run drives the sender's concurrent loops until Stop is called:
// capture pacing feeds the encoder, encoded units are FEC-dispatched
// as they arrive, a per-path pinger drives C5's RTT samples, an
// inbound loop demuxes pong echoes and feedback summaries, and a 1 Hz
// ticker folds measurements into the adaptive controller.
func (p *Pipeline) Run(ctx context.Context) {
	go p.captureLoop(ctx)
	go p.dispatchLoop()
	go p.pingLoop(ctx)
	go p.recvLoop()
	p.adaptiveLoop(ctx)
	close(p.done)
}

// Stop signals all loops to exit and waits for Run to return.
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	_, fps := p.ctrl.CurrentTier()
	ticker := time.NewTicker(paceInterval(fps))
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, seq, ok := p.cap.Frame()
			if !ok || seq == lastSeq {
				continue
			}
			lastSeq = seq
			if err := p.enc.Encode(frame); err != nil {
				log.Printf("[sender] encode: %v", err)
			}
			if _, curFPS := p.ctrl.CurrentTier(); paceInterval(curFPS) != paceInterval(fps) {
				fps = curFPS
				ticker.Reset(paceInterval(fps))
			}
		}
	}
}

func paceInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 20
	}
	return time.Second / time.Duration(fps)
}

func (p *Pipeline) dispatchLoop() {
	for {
		select {
		case <-p.stop:
			return
		case err, ok := <-p.enc.Errors():
			if !ok {
				return
			}
			log.Printf("[sender] encoder error: %v", err)
		case unit, ok := <-p.enc.Units():
			if !ok {
				return
			}
			p.dispatchFrame(unit)
		}
	}
}

func (p *Pipeline) dispatchFrame(unit []byte) {
	cfg := p.currentFEC()
	coder, err := fec.New(cfg.k, cfg.r)
	if err != nil {
		log.Printf("[sender] fec.New: %v", err)
		p.framesDropped.Add(1)
		return
	}

	chunks := slicer.Slice(unit, p.chunkSize)
	chunks = slicer.PadToK(chunks, cfg.k)
	shards, err := coder.Encode(chunks)
	if err != nil {
		log.Printf("[sender] fec encode: %v", err)
		p.framesDropped.Add(1)
		return
	}

	p.framesDispatched.Add(1)
	frameID := uint16(p.frameID.Add(1))
	total := uint8(len(shards))
	nowUs := time.Now().UnixMicro()

	for i, shard := range shards {
		pkt := packet.ChunkPacket{
			FrameID:     frameID,
			ChunkID:     uint8(i),
			TotalChunks: total,
			TimestampUs: nowUs,
			Payload:     shard,
		}
		path, err := p.sched.Select()
		if err != nil {
			log.Printf("[sender] scheduler.Select: %v", err)
			continue
		}
		n, err := p.transport.SendOne(path.IP, path.Port, pkt)
		if err != nil {
			log.Printf("[sender] send frame=%d chunk=%d via %s:%d: %v", frameID, i, path.IP, path.Port, err)
		} else {
			p.sentBytes.Add(uint64(n))
		}
		p.loss.PacketSent(path.Port)
	}
}

// pingLoop sends one ping probe to every configured path once per
// pingInterval, feeding the RTT monitor (C5) via recvLoop's pong
// handling.
func (p *Pipeline) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range p.sched.Paths() {
				seq := uint16(p.pingSeq.Add(1))
				sendTs := time.Now().UnixMicro()
				p.rtt.StartPing(path.Port, sendTs)
				if _, err := p.transport.SendOne(path.IP, path.Port, pingpong.New(seq, sendTs)); err != nil {
					log.Printf("[sender] ping %s:%d: %v", path.IP, path.Port, err)
				}
			}
		}
	}
}

// recvLoop polls the sender's bound sockets for pong echoes (C5) and
// peer feedback summaries (C16), folding each into the RTT monitor or
// loss tracker respectively. The sender never expects real
// ChunkPacket traffic on these sockets; anything else is logged and
// dropped.
func (p *Pipeline) recvLoop() {
	buf := make([]byte, recvBufSize)
	n := p.transport.NumSockets()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		gotAny := false
		for idx := 0; idx < n; idx++ {
			sz, addr, err := p.transport.RecvNonBlocking(idx, buf)
			if err != nil {
				log.Printf("[sender] socket %d recv error: %v", idx, err)
				continue
			}
			if sz == 0 {
				continue
			}
			gotAny = true
			p.handleInbound(buf[:sz], addr)
		}

		if !gotAny {
			time.Sleep(pollInterval)
		}
	}
}

func (p *Pipeline) handleInbound(buf []byte, addr *net.UDPAddr) {
	if feedback.IsFeedback(buf) {
		summary, err := feedback.Decode(buf)
		if err != nil {
			log.Printf("[sender] feedback decode: %v", err)
			return
		}
		feedback.Apply(p.loss, summary)
		return
	}

	pkt, err := packet.Parse(buf)
	if err != nil {
		log.Printf("[sender] malformed inbound datagram: %v", err)
		return
	}
	if !pingpong.IsControl(pkt) {
		log.Printf("[sender] unexpected non-control datagram frame=%d", pkt.FrameID)
		return
	}
	if addr == nil {
		return
	}
	p.rtt.RecordPong(addr.Port, time.Now().UnixMicro())
}

// FrameCounts reports how many frames this pipeline has FEC-encoded
// and dispatched versus dropped before ever reaching the network
// (encoder/FEC construction failures), for the dashboard's (C17/C18)
// frame counters — the sender-side analog of the collector's
// delivered/dropped split on the receiving end.
func (p *Pipeline) FrameCounts() (dispatched, dropped uint64) {
	return p.framesDispatched.Load(), p.framesDropped.Load()
}

type fecParams struct{ k, r int }

// currentFEC is fixed for the lifetime of the pipeline today; exposed
// as a method so a future adaptive FEC redundancy tier (raising r
// under sustained loss) has a single seam to hook into.
func (p *Pipeline) currentFEC() fecParams {
	return fecParams{k: fec.DefaultK, r: fec.DefaultR}
}

func (p *Pipeline) adaptiveLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rttMs, _ := p.rtt.AverageRTT()
			lossRate := p.loss.LossRate()
			throughputKbps := float64(p.sentBytes.Swap(0)) * 8.0 / 1000.0

			decision := p.ctrl.Tick(throughputKbps, rttMs, lossRate)
			if decision.Changed {
				log.Printf("[sender] adaptive: bitrate=%d fps=%d", decision.BitrateBps, decision.FPS)
				if err := p.enc.SetBitrate(ctx, decision.BitrateBps); err != nil {
					log.Printf("[sender] SetBitrate: %v", err)
				}
			}

			p.sched.Update(rebuildPaths(p.sched.Paths(), p.rtt, p.loss))
		}
	}
}

func rebuildPaths(paths []scheduler.Path, rtt *rttmon.Monitor, loss *losstrack.Tracker) []scheduler.Path {
	out := make([]scheduler.Path, len(paths))
	for i, p := range paths {
		rttMs, ok := rtt.RTT(p.Port)
		if !ok {
			rttMs = scheduler.BootstrapRTTMs
		}
		out[i] = scheduler.Path{
			IP:        p.IP,
			Port:      p.Port,
			RTTMs:     rttMs,
			LossRatio: loss.PortLossRate(p.Port),
		}
	}
	return out
}
