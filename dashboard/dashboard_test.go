package dashboard

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastsFrameToConnectedClient(t *testing.T) {
	frame := Frame{
		Paths:           []PathStat{{Port: 9001, RTTMs: 12.5, LossRatio: 0.01, Weight: 900}},
		BitrateBps:      1_000_000,
		FPS:             20,
		FramesDelivered: 42,
	}
	h := NewHub(func() Frame { return frame })
	go h.Run()
	defer h.Stop()

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, body, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(body), `"bitrate_bps":1000000`) {
		t.Fatalf("expected frame JSON to contain bitrate_bps, got %s", body)
	}
	if !strings.Contains(string(body), `"frames_delivered":42`) {
		t.Fatalf("expected frame JSON to contain frames_delivered, got %s", body)
	}
}

func TestHubDropsClientOnFullSendBuffer(t *testing.T) {
	h := NewHub(func() Frame { return Frame{} })
	c := &client{send: make(chan []byte, 1)}
	h.clients[c] = struct{}{}

	// Fill the buffer so the next broadcast finds it full and drops
	// the client rather than blocking.
	c.send <- []byte("x")
	h.broadcast(Frame{BitrateBps: 1})

	h.mu.Lock()
	_, stillPresent := h.clients[c]
	h.mu.Unlock()
	if stillPresent {
		t.Fatal("expected client to be dropped after its send buffer overflowed")
	}
}
