// Package feedback implements the peer feedback channel (C16): a
// receiver periodically reports per-port received-packet counts and
// RTT back to the sender over the same transport's sockets, tagged
// with a one-byte magic prefix so the sender's recv loop can cheaply
// distinguish it from ChunkPacket traffic before attempting C1
// parsing. The sender's received counters are fed only by these
// summaries: if feedback never arrives, they stay at zero.
package feedback

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/kburak/meshstream/losstrack"
	"github.com/kburak/meshstream/transport"
)

// Magic is the one-byte prefix marking a feedback datagram. A
// serialized ChunkPacket begins with the low byte of its frame_id,
// which is also 0xFE for some frame_id values, so this byte alone
// does not disambiguate every datagram.
const Magic = 0xFE

// Interval is how often the receiver emits a FeedbackSummary.
const Interval = time.Second

// Summary is the JSON body of one feedback datagram (§3).
type Summary struct {
	SessionID          string  `json:"session_id"`
	Port               int     `json:"port"`
	PacketsReceived    uint64  `json:"packets_received"`
	LossRate           float64 `json:"loss_rate"`
	ObservedRTTMs      float64 `json:"observed_rtt_ms,omitempty"`
	GeneratedAtUnixMs  int64   `json:"generated_at_unix_ms"`
}

// Encode prepends Magic and JSON-encodes s.
func Encode(s Summary) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("feedback: marshal: %w", err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, Magic)
	out = append(out, body...)
	return out, nil
}

// IsFeedback reports whether buf looks like a feedback datagram.
func IsFeedback(buf []byte) bool { return len(buf) > 0 && buf[0] == Magic }

// Decode strips the magic prefix and parses the JSON body. Callers
// must check IsFeedback first.
func Decode(buf []byte) (Summary, error) {
	if !IsFeedback(buf) {
		return Summary{}, fmt.Errorf("feedback: missing magic prefix")
	}
	var s Summary
	if err := json.Unmarshal(buf[1:], &s); err != nil {
		return Summary{}, fmt.Errorf("feedback: unmarshal: %w", err)
	}
	return s, nil
}

// Sender periodically ships a FeedbackSummary per locally-observed
// port to remoteIP:remotePort, driven off a receiver-side loss
// tracker and an optional RTT lookup.
type Sender struct {
	sessionID        string
	transport        *transport.Transport
	loss             *losstrack.Tracker
	remoteIP         string
	remotePort       int
	rttFor           func(port int) (float64, bool)

	stop chan struct{}
	done chan struct{}
}

// NewSender constructs a feedback Sender. rttFor may be nil, in which
// case ObservedRTTMs is omitted from every summary.
func NewSender(sessionID string, tr *transport.Transport, loss *losstrack.Tracker,
	remoteIP string, remotePort int, rttFor func(port int) (float64, bool)) *Sender {
	return &Sender{
		sessionID: sessionID, transport: tr, loss: loss,
		remoteIP: remoteIP, remotePort: remotePort, rttFor: rttFor,
		stop: make(chan struct{}), done: make(chan struct{}),
	}
}

// Run emits one FeedbackSummary per tracked port every Interval until
// Stop is called.
func (s *Sender) Run() {
	defer close(s.done)
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.emitAll()
		}
	}
}

func (s *Sender) emitAll() {
	for port, received := range s.loss.ReceivedSnapshot() {
		summary := Summary{
			SessionID:         s.sessionID,
			Port:              port,
			PacketsReceived:   received,
			LossRate:          s.loss.PortLossRate(port),
			GeneratedAtUnixMs: time.Now().UnixMilli(),
		}
		if s.rttFor != nil {
			if rtt, ok := s.rttFor(port); ok {
				summary.ObservedRTTMs = rtt
			}
		}
		buf, err := Encode(summary)
		if err != nil {
			log.Printf("[feedback] encode: %v", err)
			continue
		}
		if err := s.sendRaw(buf); err != nil {
			log.Printf("[feedback] send: %v", err)
		}
	}
}

func (s *Sender) sendRaw(buf []byte) error {
	// Feedback datagrams bypass packet.Serialize's typed header
	// entirely, so the transport's raw per-socket connections are used
	// directly rather than SendOne (which always wraps a ChunkPacket).
	if s.transport.NumSockets() == 0 {
		return fmt.Errorf("feedback: no local sockets bound")
	}
	return s.transport.SendRaw(s.remoteIP, s.remotePort, buf)
}

// Stop signals Run to exit and waits for it to return.
func (s *Sender) Stop() {
	close(s.stop)
	<-s.done
}

// Apply folds a received FeedbackSummary into the sender-side loss
// tracker (C6), closing the "packets_received at the sender" gap
// spec.md §9 identifies. AddReceived is additive and idempotent only
// in the sense that each call represents this interval's observed
// count, not a running total, so callers must not double-apply the
// same summary.
func Apply(loss *losstrack.Tracker, s Summary) {
	loss.AddReceived(s.Port, s.PacketsReceived)
}
