// Package receiver drives the non-blocking multi-socket receive loop
// (C11): read chunk datagrams off every bound socket, feed them to the
// frame collector (whose own flusher evicts expired frames), and hand
// recovered frames to a decoder for rendering.
package receiver

import (
	"log"
	"net"
	"time"

	"github.com/kburak/meshstream/collector"
	"github.com/kburak/meshstream/losstrack"
	"github.com/kburak/meshstream/packet"
	"github.com/kburak/meshstream/pingpong"
	"github.com/kburak/meshstream/transport"
)

// pollInterval bounds how long the receive loop can idle on a round
// where every socket was momentarily empty, so Stop is responsive.
const pollInterval = 2 * time.Millisecond

// maxDatagramSize is sized above the slicer's default chunk size plus
// the packet header and the largest parity shard padding.
const maxDatagramSize = 2048

// Decoder turns a recovered H.264 access unit back into raw BGR
// frames; implemented by codec.Decoder via its Feed+Frames split, but
// abstracted here to whatever single call the renderer needs.
type Decoder interface {
	Feed(unit []byte) error
}

// Pipeline reads from a Transport's bound sockets, reassembles frames
// via a Collector, and forwards recovered access units to a Decoder.
type Pipeline struct {
	transport *transport.Transport
	collector *collector.Collector
	loss      *losstrack.Tracker
	decoder   Decoder

	stop chan struct{}
	done chan struct{}
}

// New constructs a receiver Pipeline. It does not touch the
// collector's callback; the caller registers OnFrame as that callback
// so recovered frames reach dec.
func New(tr *transport.Transport, coll *collector.Collector, loss *losstrack.Tracker, dec Decoder) *Pipeline {
	return &Pipeline{transport: tr, collector: coll, loss: loss, decoder: dec,
		stop: make(chan struct{}), done: make(chan struct{})}
}

// OnFrame is the collector.Callback to register on construction of
// the shared Collector, so recovered frames flow straight to the
// decoder without an extra buffering hop.
func (p *Pipeline) OnFrame(frameID uint16, data []byte) {
	if err := p.decoder.Feed(data); err != nil {
		log.Printf("[receiver] decoder feed frame=%d: %v", frameID, err)
	}
}

// Run polls every bound socket in round-robin, non-blocking fashion
// until Stop is called.
func (p *Pipeline) Run() {
	defer close(p.done)
	buf := make([]byte, maxDatagramSize)
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
				log.Printf("[receiver] socket %d recv error: %v", idx, err)
				continue
			}
			if sz == 0 {
				continue
			}
			gotAny = true
			pkt, err := packet.Parse(buf[:sz])
			if err != nil {
				log.Printf("[receiver] malformed datagram from %v: %v", addr, err)
				continue
			}
			if pingpong.IsControl(pkt) {
				p.echoPing(pkt, addr)
				continue
			}
			if addr != nil {
				p.loss.PacketReceived(addr.Port)
			}
			p.collector.Handle(pkt)
		}

		if !gotAny {
			time.Sleep(pollInterval)
		}
	}
}

func (p *Pipeline) echoPing(ping packet.ChunkPacket, addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	if _, err := p.transport.SendOne(addr.IP.String(), addr.Port, pingpong.Echo(ping)); err != nil {
		log.Printf("[receiver] echo ping to %v: %v", addr, err)
	}
}

// Stop signals Run to exit and waits for it to return.
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}
