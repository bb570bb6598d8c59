// Package dashboard implements the live stats dashboard (C17): an
// HTTP server that upgrades to a websocket and pushes one JSON stats
// frame per second, adapted from the teacher's websocket.Hub
// broadcast pattern down to a single implicit "room" (there is only
// ever one session to observe).
package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// PathStat is one path's row in a stats frame.
type PathStat struct {
	Port      int     `json:"port"`
	RTTMs     float64 `json:"rtt_ms"`
	LossRatio float64 `json:"loss_ratio"`
	Weight    int     `json:"weight"`
}

// Frame is the JSON payload pushed to every connected client once per
// second (§4.17).
type Frame struct {
	Paths            []PathStat `json:"paths"`
	BitrateBps       int        `json:"bitrate_bps"`
	FPS              int        `json:"fps"`
	FramesDelivered  uint64     `json:"frames_delivered"`
	FramesDropped    uint64     `json:"frames_dropped"`
	GeneratedAtMs    int64      `json:"generated_at_unix_ms"`
}

// Source supplies the current Frame; the sender/receiver pipeline
// implements whatever accumulation it needs behind this single method.
type Source func() Frame

// Hub tracks connected clients and broadcasts one Frame per second.
// Unlike the teacher's room-keyed Hub, every client observes the same
// single stream, so clients are a flat set rather than Rooms.
type Hub struct {
	source Source

	mu      sync.Mutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader

	stop chan struct{}
	done chan struct{}
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub that polls source once per second.
func NewHub(source Source) *Hub {
	return &Hub{
		source:  source,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run broadcasts one Frame per second to every connected client until
// Stop is called.
func (h *Hub) Run() {
	defer close(h.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast(h.source())
		}
	}
}

func (h *Hub) broadcast(frame Frame) {
	body, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[dashboard] marshal frame: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- body:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Stop signals Run to exit and waits for it to return.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done
}

// ServeHTTP upgrades the request to a websocket and registers the
// client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[dashboard] upgrade: %v", err)
		return
	}
	c := &client{id: uuid.New(), conn: conn, send: make(chan []byte, 8)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("[dashboard] client %s connected", c.id)

	go c.writePump()
	c.readPump(h, c)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) readPump(h *Hub, self *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[self]; ok {
			delete(h.clients, self)
			close(self.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	// The dashboard is read-only from the client's perspective; this
	// loop exists only to detect disconnects via read errors.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
