// Package transport implements the non-blocking multi-socket UDP send
// and receive primitives the sender and receiver pipelines dispatch
// chunk datagrams over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kburak/meshstream/packet"
)

// sendBufferBytes is the socket send-buffer size hint requested on
// every bound socket (64 KiB).
const sendBufferBytes = 64 * 1024

const (
	sendRetries   = 3
	sendRetryWait = 100 * time.Microsecond
)

// ErrSocketInit is fatal: the transport could not bind its local ports.
type ErrSocketInit struct{ Err error }

func (e *ErrSocketInit) Error() string { return fmt.Sprintf("transport: socket init: %v", e.Err) }
func (e *ErrSocketInit) Unwrap() error { return e.Err }

// ErrNoSockets is returned by send operations when Init has not been
// called or bound zero sockets.
var ErrNoSockets = errors.New("transport: no local sockets bound")

// Transport owns a fixed set of bound UDP sockets and a read-only
// (after Init/SetTargets) table of pre-resolved destination addresses.
type Transport struct {
	socks []*net.UDPConn
	rrIdx atomic.Uint64

	targetsMu sync.RWMutex
	targets   map[string]*net.UDPAddr

	limiter *rate.Limiter
}

// Init creates and binds one UDP socket per local port to the wildcard
// address, with a 64 KiB send-buffer hint. Sockets are bound with Go's
// default options; SO_REUSEADDR is not set.
func Init(localPorts []int) (*Transport, error) {
	t := &Transport{targets: make(map[string]*net.UDPAddr)}
	for _, port := range localPorts {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			t.Close()
			return nil, &ErrSocketInit{Err: err}
		}
		if err := conn.SetWriteBuffer(sendBufferBytes); err != nil {
			log.Printf("[transport] SetWriteBuffer port=%d: %v (continuing)", port, err)
		}
		t.socks = append(t.socks, conn)
	}
	if len(t.socks) == 0 {
		return nil, &ErrSocketInit{Err: errors.New("no local ports given")}
	}
	return t, nil
}

// Close releases all bound sockets.
func (t *Transport) Close() {
	for _, s := range t.socks {
		_ = s.Close()
	}
}

// NumSockets reports how many local sockets are bound.
func (t *Transport) NumSockets() int { return len(t.socks) }

// LocalPort reports the bound port of socket idx, useful when Init
// was given port 0 and the OS chose an ephemeral one.
func (t *Transport) LocalPort(idx int) int {
	return t.socks[idx].LocalAddr().(*net.UDPAddr).Port
}

// SetTargets precomputes the sockaddr for each (ip, port) pair so
// sends never pay DNS/address-parse cost on the hot path.
func (t *Transport) SetTargets(ip string, ports []int) error {
	t.targetsMu.Lock()
	defer t.targetsMu.Unlock()
	for _, port := range ports {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
		if err != nil {
			return fmt.Errorf("transport: resolve %s:%d: %w", ip, port, err)
		}
		t.targets[targetKey(ip, port)] = addr
	}
	return nil
}

// SetSendRateLimit caps outbound datagrams across all sockets
// combined to perSecond, with burst tolerance, guarding against a
// scheduler or retry-loop bug flooding a path well beyond what the
// adaptive controller's chosen bitrate/FPS tier implies. A nil
// limiter (the default, restored by perSecond<=0) applies no cap.
func (t *Transport) SetSendRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		t.limiter = nil
		return
	}
	t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func targetKey(ip string, port int) string { return fmt.Sprintf("%s:%d", ip, port) }

func (t *Transport) target(ip string, port int) (*net.UDPAddr, bool) {
	t.targetsMu.RLock()
	defer t.targetsMu.RUnlock()
	addr, ok := t.targets[targetKey(ip, port)]
	return addr, ok
}

// nextSocket round-robins across bound sockets for outbound load
// distribution via a single atomic counter.
func (t *Transport) nextSocket() *net.UDPConn {
	idx := t.rrIdx.Add(1) - 1
	return t.socks[idx%uint64(len(t.socks))]
}

// SendOne serializes pkt and sends it to (ip, port), retrying on a
// transient would-block condition up to sendRetries times with a
// sendRetryWait sleep between attempts. Returns the number of bytes
// sent, or -1 once retries are exhausted.
func (t *Transport) SendOne(ip string, port int, pkt packet.ChunkPacket) (int, error) {
	if len(t.socks) == 0 {
		return -1, ErrNoSockets
	}
	addr, ok := t.target(ip, port)
	if !ok {
		var err error
		addr, err = net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
		if err != nil {
			return -1, fmt.Errorf("transport: resolve %s:%d: %w", ip, port, err)
		}
	}

	return t.writeWithRetry(ip, port, addr, packet.Serialize(pkt))
}

// SendRaw writes buf verbatim to (ip, port), applying the same
// non-blocking retry policy as SendOne. Used by the feedback channel
// (C16), whose datagrams carry a magic-prefixed JSON body rather than
// a ChunkPacket.
func (t *Transport) SendRaw(ip string, port int, buf []byte) error {
	if len(t.socks) == 0 {
		return ErrNoSockets
	}
	addr, ok := t.target(ip, port)
	if !ok {
		var err error
		addr, err = net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
		if err != nil {
			return fmt.Errorf("transport: resolve %s:%d: %w", ip, port, err)
		}
	}
	_, err := t.writeWithRetry(ip, port, addr, buf)
	return err
}

func (t *Transport) writeWithRetry(ip string, port int, addr *net.UDPAddr, buf []byte) (int, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(context.Background()); err != nil {
			return -1, fmt.Errorf("transport: rate limiter: %w", err)
		}
	}
	conn := t.nextSocket()

	for attempt := 0; attempt < sendRetries; attempt++ {
		n, err := conn.WriteToUDP(buf, addr)
		if err == nil {
			return n, nil
		}
		if !isWouldBlock(err) {
			log.Printf("[transport] send to %s:%d failed: %v", ip, port, err)
			return -1, fmt.Errorf("transport: send fatal: %w", err)
		}
		time.Sleep(sendRetryWait)
	}
	log.Printf("[transport] send to %s:%d exhausted %d retries (transient)", ip, port, sendRetries)
	return -1, errSendTransient
}

var errSendTransient = errors.New("transport: send transient, retries exhausted")

// SendMultipath sends pkt to every port in ports for redundancy.
// Partial failures are logged but do not abort; it returns the sum of
// bytes successfully sent across all ports.
func (t *Transport) SendMultipath(ip string, ports []int, pkt packet.ChunkPacket) int {
	total := 0
	for _, port := range ports {
		n, err := t.SendOne(ip, port, pkt)
		if err != nil {
			log.Printf("[transport] multipath send to %s:%d: %v", ip, port, err)
			continue
		}
		total += n
	}
	return total
}

// isWouldBlock reports whether err represents a transient
// would-block/timeout condition rather than a fatal send error.
func isWouldBlock(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// RecvNonBlocking attempts one non-blocking read on socket index idx,
// returning the datagram payload and sender address. It returns
// (nil, nil, nil) when no datagram is currently available.
func (t *Transport) RecvNonBlocking(idx int, buf []byte) (int, *net.UDPAddr, error) {
	conn := t.socks[idx]
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return 0, nil, err
	}
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if isWouldBlock(err) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	return n, addr, nil
}
