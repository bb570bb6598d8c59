// Package codec implements the H.264 encoder/decoder external
// collaborator (§6) as a pair of gstreamer subprocess pipelines,
// grounded directly in the teacher's cvpipe.StartH264: raw BGR in on
// stdin, RTP(H264) out over a loopback UDP socket, depayloaded with
// pion/rtp into Annex-B access units. The mirror pipeline runs the
// same gstreamer graph in reverse for decoding.
package codec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Encoder turns raw BGR frames into H.264 access units at a given
// width/height/FPS, with a bitrate adjustable at runtime by the
// adaptive controller (C9).
type Encoder struct {
	w, h, fps int

	mu      sync.Mutex
	bitrate int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	rtpRd  net.PacketConn
	cancel context.CancelFunc

	units chan []byte
	errc  chan error
}

// NewEncoder starts a gstreamer encode pipeline listening for raw BGR
// frames on its stdin and emitting RTP(H264) on rtpPort (loopback).
func NewEncoder(ctx context.Context, width, height, fps, initialBitrateBps, rtpPort int) (*Encoder, error) {
	ctx, cancel := context.WithCancel(ctx)

	rtpConn, err := net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", rtpPort))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codec: listen encoder rtp: %w", err)
	}

	e := &Encoder{
		w: width, h: height, fps: fps,
		bitrate: initialBitrateBps,
		rtpRd:   rtpConn,
		cancel:  cancel,
		units:   make(chan []byte, 4),
		errc:    make(chan error, 1),
	}

	if err := e.spawn(ctx, rtpPort); err != nil {
		cancel()
		_ = rtpConn.Close()
		return nil, err
	}

	go e.readRTP()
	return e, nil
}

func (e *Encoder) spawn(ctx context.Context, rtpPort int) error {
	cmd := exec.CommandContext(ctx, "gst-launch-1.0",
		"-q",
		"fdsrc", "fd=0", "do-timestamp=true",
		"!", "videoparse", "format=bgr",
		fmt.Sprintf("width=%d", e.w), fmt.Sprintf("height=%d", e.h),
		fmt.Sprintf("framerate=%d/1", e.fps),
		"!", "videoconvert",
		"!", "x264enc", "tune=zerolatency", "speed-preset=ultrafast",
		"key-int-max=30", "bframes=0", "cabac=false", "byte-stream=true",
		"rc-lookahead=0", "aud=true", "ref=1",
		fmt.Sprintf("bitrate=%d", e.bitrate/1000),
		"!", "h264parse", "config-interval=1",
		"!", "rtph264pay", "pt=96", "config-interval=1", "mtu=1200",
		"!", "udpsink", "host=127.0.0.1", fmt.Sprintf("port=%d", rtpPort), "sync=false", "async=false",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("codec: encoder stdin: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("codec: start encoder: %w", err)
	}
	e.cmd, e.stdin = cmd, stdin
	return nil
}

// Encode writes one raw BGR frame into the encoder pipeline. The
// resulting access unit (if any) arrives asynchronously via Units.
func (e *Encoder) Encode(frame []byte) error {
	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("codec: encoder closed")
	}
	_, err := stdin.Write(frame)
	return err
}

// Units yields encoded H.264 access units (Annex-B NAL sequences
// accumulated from one RTP timestamp's worth of packets).
func (e *Encoder) Units() <-chan []byte { return e.units }

// Errors yields fatal pipeline errors (subprocess death, pipe break).
func (e *Encoder) Errors() <-chan error { return e.errc }

// annexBAccumulator groups RTP(H264) packets into Annex-B access
// units: one unit per RTP timestamp, closed either by a marker bit or
// by the arrival of a packet for the next timestamp (the jitterbuffer
// upstream may reorder within a timestamp but not across one, the
// same assumption cvpipe's single-NAL passthrough makes).
type annexBAccumulator struct {
	ts    uint32
	haveTS bool
	accum []byte
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// push feeds one RTP packet and returns a completed access unit, if
// the packet closed one out.
func (a *annexBAccumulator) push(pkt *rtp.Packet) []byte {
	var done []byte
	if a.haveTS && pkt.Timestamp != a.ts {
		done = a.accum
		a.accum = nil
	}
	a.ts, a.haveTS = pkt.Timestamp, true
	a.accum = append(a.accum, annexBStartCode...)
	a.accum = append(a.accum, pkt.Payload...)
	if pkt.Marker {
		if done != nil {
			// shouldn't happen (a fresh-timestamp packet with marker
			// set would close both the prior and this unit); prior
			// takes precedence since it arrived first.
			return done
		}
		done, a.accum, a.haveTS = a.accum, nil, false
	}
	return done
}

func (e *Encoder) readRTP() {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	var acc annexBAccumulator

	emit := func(unit []byte) {
		if len(unit) == 0 {
			return
		}
		select {
		case e.units <- unit:
		default:
			// drop to keep realtime, mirroring cvpipe's broadcast drop policy
		}
	}

	for {
		n, _, err := e.rtpRd.ReadFrom(buf)
		if err != nil {
			e.errc <- fmt.Errorf("codec: encoder rtp read: %w", err)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		emit(acc.push(&pkt))
	}
}

// SetBitrate restarts the encoder subprocess with a new target
// bitrate. x264enc's bitrate is not a dynamically settable property
// over this command-line pipeline, so a controlled respawn is the
// same mechanism the teacher's pipeline uses to start the process in
// the first place; in-flight encode calls briefly block on the new
// stdin being wired up.
func (e *Encoder) SetBitrate(ctx context.Context, bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bitrate == bps {
		return nil
	}
	oldCmd, oldStdin := e.cmd, e.stdin
	e.bitrate = bps
	rtpPort := 0
	if a, ok := e.rtpRd.LocalAddr().(*net.UDPAddr); ok {
		rtpPort = a.Port
	}
	if err := e.spawn(ctx, rtpPort); err != nil {
		return err
	}
	_ = oldStdin.Close()
	go func() { _ = oldCmd.Wait() }()
	return nil
}

// Close tears down the encoder subprocess and its RTP socket.
func (e *Encoder) Close() error {
	e.cancel()
	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	err := e.rtpRd.Close()
	if e.cmd != nil {
		_ = e.cmd.Wait()
	}
	return err
}

// Decoder turns H.264 access units back into raw BGR frames via a
// gstreamer decode pipeline fed over a loopback RTP socket, mirroring
// cvpipe's decoder half.
type Decoder struct {
	w, h int

	conn   net.Conn
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc

	seq atomic16
}

type atomic16 struct {
	mu sync.Mutex
	v  uint16
}

func (a *atomic16) next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v++
	return a.v
}

// NewDecoder starts a gstreamer decode pipeline expecting RTP(H264) on
// inRTPPort (loopback) and producing raw BGR frames of width x height.
func NewDecoder(ctx context.Context, width, height, inRTPPort int) (*Decoder, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, "gst-launch-1.0",
		"-q",
		"udpsrc", "address=127.0.0.1", fmt.Sprintf("port=%d", inRTPPort),
		"caps=application/x-rtp,media=video,clock-rate=90000,encoding-name=H264,packetization-mode=1,payload=96",
		"!", "rtpjitterbuffer", "latency=200",
		"!", "rtph264depay",
		"!", "h264parse", "config-interval=1", "disable-passthrough=true",
		"!", "avdec_h264", "max-threads=1",
		"!", "videoconvert",
		"!", "videoscale",
		"!", fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d", width, height),
		"!", "fdsink", "fd=1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codec: decoder stdout: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("codec: start decoder: %w", err)
	}

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", inRTPPort))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codec: dial decoder rtp: %w", err)
	}

	return &Decoder{w: width, h: height, conn: conn, cmd: cmd, stdout: stdout, cancel: cancel}, nil
}

// Feed repacketizes one Annex-B access unit into RTP(H264) and writes
// it to the decoder subprocess's input socket.
func (d *Decoder) Feed(unit []byte) error {
	// single oversized RTP packet per access unit; the jitterbuffer and
	// depayloader tolerate this for the purposes of local loopback
	// decode (no network MTU constraint on 127.0.0.1).
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: d.seq.next(),
			Timestamp:      uint32(time.Now().UnixNano() / 1000),
			SSRC:           1,
		},
		Payload: unit,
	}
	b, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("codec: marshal rtp: %w", err)
	}
	_, err = d.conn.Write(b)
	return err
}

// Frames starts a goroutine that reads decoded raw BGR frames from the
// pipeline and returns at once; frames arrive on the first channel,
// which is closed when the pipeline's output ends, and the read error
// that ended it arrives on the second.
func (d *Decoder) Frames() (<-chan []byte, <-chan error) {
	frames := make(chan []byte, 2)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		reader := bufio.NewReader(d.stdout)
		frameBytes := d.w * d.h * 3
		for {
			buf := make([]byte, frameBytes)
			if _, err := io.ReadFull(reader, buf); err != nil {
				errc <- fmt.Errorf("codec: decoder read: %w", err)
				return
			}
			frames <- buf
		}
	}()
	return frames, errc
}

// Close tears down the decoder subprocess and its RTP socket.
func (d *Decoder) Close() error {
	d.cancel()
	err := d.conn.Close()
	if d.cmd != nil {
		_ = d.cmd.Wait()
	}
	return err
}
