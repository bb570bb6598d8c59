package sender

import (
	"context"
	"testing"
	"time"

	"github.com/kburak/meshstream/adaptive"
	"github.com/kburak/meshstream/feedback"
	"github.com/kburak/meshstream/losstrack"
	"github.com/kburak/meshstream/packet"
	"github.com/kburak/meshstream/pingpong"
	"github.com/kburak/meshstream/rttmon"
	"github.com/kburak/meshstream/scheduler"
	"github.com/kburak/meshstream/transport"
)

type fakeCapturer struct {
	frame []byte
	seq   uint64
}

func (f *fakeCapturer) Frame() ([]byte, uint64, bool) { return f.frame, f.seq, f.frame != nil }

type fakeEncoder struct {
	units   chan []byte
	errs    chan error
	encoded [][]byte
	bitrate int
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{units: make(chan []byte, 8), errs: make(chan error, 1)}
}

func (f *fakeEncoder) Encode(frame []byte) error {
	f.encoded = append(f.encoded, frame)
	out := append([]byte(nil), frame...)
	f.units <- out
	return nil
}
func (f *fakeEncoder) Units() <-chan []byte                           { return f.units }
func (f *fakeEncoder) Errors() <-chan error                           { return f.errs }
func (f *fakeEncoder) SetBitrate(ctx context.Context, bps int) error { f.bitrate = bps; return nil }
func (f *fakeEncoder) Close() error                                  { close(f.units); return nil }

func newLoopbackTransport(t *testing.T) (*transport.Transport, int) {
	t.Helper()
	tr, err := transport.Init([]int{0})
	if err != nil {
		t.Fatalf("transport.Init: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr, 0
}

func TestPaceIntervalDefaultsOnZeroFPS(t *testing.T) {
	if paceInterval(0) != time.Second/20 {
		t.Fatalf("expected default 20fps pacing, got %v", paceInterval(0))
	}
}

func TestPaceIntervalMatchesFPS(t *testing.T) {
	if got := paceInterval(25); got != time.Second/25 {
		t.Fatalf("got %v, want %v", got, time.Second/25)
	}
}

func TestDispatchFrameSendsAllShardsAndRecordsLoss(t *testing.T) {
	tr, _ := newLoopbackTransport(t)
	if err := tr.SetTargets("127.0.0.1", []int{9999}); err != nil {
		t.Fatalf("SetTargets: %v", err)
	}
	sched := scheduler.Bootstrap("127.0.0.1", []int{9999})
	loss := losstrack.New()
	rtt := rttmon.New()
	ctrl := adaptive.New(600_000)

	p := New(&fakeCapturer{}, newFakeEncoder(), tr, sched, rtt, loss, ctrl, "127.0.0.1", 64)

	frame := make([]byte, 500)
	for i := range frame {
		frame[i] = byte(i)
	}
	p.dispatchFrame(frame)

	if loss.LossRate() != 1 {
		t.Fatalf("expected full loss rate before any receives are recorded, got %v", loss.LossRate())
	}

	loss.PacketReceived(9999)
	if got := loss.PortLossRate(9999); got <= 0 || got >= 1 {
		t.Fatalf("expected partial loss rate after one receive, got %v", got)
	}

	if dispatched, dropped := p.FrameCounts(); dispatched != 1 || dropped != 0 {
		t.Fatalf("got FrameCounts %d/%d, want 1/0", dispatched, dropped)
	}
}

func TestRebuildPathsFallsBackToBootstrapRTT(t *testing.T) {
	rtt := rttmon.New()
	loss := losstrack.New()
	paths := []scheduler.Path{{IP: "127.0.0.1", Port: 9000}}

	out := rebuildPaths(paths, rtt, loss)
	if len(out) != 1 || out[0].RTTMs != scheduler.BootstrapRTTMs {
		t.Fatalf("expected bootstrap RTT fallback, got %+v", out)
	}
}

func TestRebuildPathsUsesMeasuredRTT(t *testing.T) {
	rtt := rttmon.New()
	rtt.StartPing(9000, 1_000_000)
	rtt.RecordPong(9000, 1_020_000)
	loss := losstrack.New()
	paths := []scheduler.Path{{IP: "127.0.0.1", Port: 9000}}

	out := rebuildPaths(paths, rtt, loss)
	if out[0].RTTMs != 20.0 {
		t.Fatalf("expected measured RTT 20ms, got %v", out[0].RTTMs)
	}
}

// TestPingLoopRecordsRTTFromEcho verifies the sender's pingLoop and
// recvLoop together close the RTT measurement loop against a peer
// that simply echoes whatever control packet it receives, mirroring
// receiver.Pipeline's echoPing behavior.
func TestPingLoopRecordsRTTFromEcho(t *testing.T) {
	senderT, _ := newLoopbackTransport(t)
	peerT, _ := newLoopbackTransport(t)
	peerPort := peerT.LocalPort(0)

	sched := scheduler.Bootstrap("127.0.0.1", []int{peerPort})
	rtt := rttmon.New()
	loss := losstrack.New()
	ctrl := adaptive.New(600_000)

	p := New(&fakeCapturer{}, newFakeEncoder(), senderT, sched, rtt, loss, ctrl, "127.0.0.1", 64)

	stopPeer := make(chan struct{})
	go func() {
		buf := make([]byte, 128)
		for {
			select {
			case <-stopPeer:
				return
			default:
			}
			n, addr, err := peerT.RecvNonBlocking(0, buf)
			if err != nil || n == 0 || addr == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			pkt, err := packet.Parse(buf[:n])
			if err != nil {
				continue
			}
			if pingpong.IsControl(pkt) {
				_, _ = peerT.SendOne(addr.IP.String(), addr.Port, pingpong.Echo(pkt))
			}
		}
	}()
	defer close(stopPeer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.pingLoop(ctx)
	go p.recvLoop()
	defer close(p.stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rtt.RTT(peerPort); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pingLoop/recvLoop to record an RTT sample")
}

// TestRecvLoopAppliesFeedbackSummary verifies recvLoop demuxes a raw
// feedback.Summary datagram (distinguished from a ChunkPacket by its
// magic prefix) into the sender's loss tracker.
func TestRecvLoopAppliesFeedbackSummary(t *testing.T) {
	senderT, senderPort := newLoopbackTransport(t)
	_ = senderPort
	peerT, _ := newLoopbackTransport(t)

	sched := scheduler.Bootstrap("127.0.0.1", []int{9999})
	rtt := rttmon.New()
	loss := losstrack.New()
	ctrl := adaptive.New(600_000)

	p := New(&fakeCapturer{}, newFakeEncoder(), senderT, sched, rtt, loss, ctrl, "127.0.0.1", 64)
	go p.recvLoop()
	defer close(p.stop)

	localPort := senderT.LocalPort(0)
	summary := feedback.Summary{SessionID: "s1", Port: 4242, PacketsReceived: 7}
	raw, err := feedback.Encode(summary)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := peerT.SendRaw("127.0.0.1", localPort, raw); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	// ReceivedSnapshot reports the delta since its own last call, so
	// accumulate across polls rather than expecting a single call to
	// see the full total.
	var total uint64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range loss.ReceivedSnapshot() {
			total += n
		}
		if total == 7 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for feedback summary to be folded into the loss tracker")
}

// TestRecvLoopAppliesFeedbackSummariesAcrossMultipleDatagramsWithoutDoubleCounting
// sends two consecutive feedback summaries (as Sender.Run's ticker
// would over two intervals) and verifies the sender's tracker ends up
// at the true total rather than double-counting a re-shipped
// cumulative count.
func TestRecvLoopAppliesFeedbackSummariesAcrossMultipleDatagramsWithoutDoubleCounting(t *testing.T) {
	senderT, _ := newLoopbackTransport(t)
	peerT, _ := newLoopbackTransport(t)

	sched := scheduler.Bootstrap("127.0.0.1", []int{9999})
	rtt := rttmon.New()
	loss := losstrack.New()
	ctrl := adaptive.New(600_000)

	p := New(&fakeCapturer{}, newFakeEncoder(), senderT, sched, rtt, loss, ctrl, "127.0.0.1", 64)
	go p.recvLoop()
	defer close(p.stop)

	localPort := senderT.LocalPort(0)
	send := func(received uint64) {
		raw, err := feedback.Encode(feedback.Summary{Port: 4242, PacketsReceived: received})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if err := peerT.SendRaw("127.0.0.1", localPort, raw); err != nil {
			t.Fatalf("SendRaw: %v", err)
		}
	}

	// Two intervals' worth of receiver-observed deltas: 3 then 4, for a
	// true total of 7 — never the same cumulative count re-shipped.
	send(3)
	waitForTotal(t, loss, 3)
	send(4)
	waitForTotal(t, loss, 7)
}

func waitForTotal(t *testing.T, loss *losstrack.Tracker, want uint64) {
	t.Helper()
	var total uint64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range loss.ReceivedSnapshot() {
			total += n
		}
		if total == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for accumulated total to reach %d (got %d)", want, total)
}
