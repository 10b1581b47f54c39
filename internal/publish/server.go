package publish

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"sessiond/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // loopback-only daemon, per spec §1
}

// Publisher implements registry.Notifier: it derives a Snapshot from every
// View it is handed, applies spec §4.6's change-detection predicate, and
// fans out the surviving insert/update/delete Frames to every subscribed
// WebSocket client. Grounded directly on the teacher's
// internal/realtime/server.go client/broadcast bookkeeping, generalized
// from free-form output lines to typed Frames.
type Publisher struct {
	log *slog.Logger

	mu   sync.Mutex
	last map[string]Snapshot // sessionID -> last emitted snapshot

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// New creates a Publisher. log may be nil, in which case slog.Default is used.
func New(log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		log:     log,
		last:    make(map[string]Snapshot),
		clients: make(map[*client]bool),
	}
}

// SessionChanged implements registry.Notifier.
func (p *Publisher) SessionChanged(v registry.View) {
	next := Derive(v)

	p.mu.Lock()
	prev, ok := p.last[v.SessionID]
	op := Insert
	emit := true
	if ok {
		if !changed(prev, next) {
			emit = false
		} else {
			op = Update
		}
	}
	if emit {
		p.last[v.SessionID] = next
	}
	p.mu.Unlock()

	if emit {
		p.broadcast(Frame{Op: op, Snapshot: next})
	}
}

// SessionRemoved implements registry.Notifier: exactly one delete frame
// carrying the last known snapshot, per spec §4.6.
func (p *Publisher) SessionRemoved(sessionID string, last registry.View) {
	p.mu.Lock()
	snap, ok := p.last[sessionID]
	if !ok {
		snap = Derive(last)
	}
	delete(p.last, sessionID)
	p.mu.Unlock()

	p.broadcast(Frame{Op: Delete, Snapshot: snap})
}

// Handler returns the HTTP handler for the snapshot stream WebSocket.
func (p *Publisher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", p.handleWebSocket)
	return mux
}

func (p *Publisher) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{id: uuid.New().String(), conn: conn, send: make(chan []byte, 256)}

	p.clientsMu.Lock()
	p.clients[c] = true
	p.clientsMu.Unlock()

	p.sendInitialBulk(c)

	go c.writePump()
	go p.readPump(c)
}

// sendInitialBulk sends every currently-known snapshot as an insert, the
// direct analogue of the teacher's sendSessionList/subscribeClientToActiveSessions
// on a new connection.
func (p *Publisher) sendInitialBulk(c *client) {
	p.mu.Lock()
	snaps := make([]Snapshot, 0, len(p.last))
	for _, s := range p.last {
		snaps = append(snaps, s)
	}
	p.mu.Unlock()

	for _, s := range snaps {
		data, err := json.Marshal(Frame{Op: Insert, Snapshot: s})
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func (p *Publisher) readPump(c *client) {
	defer func() {
		p.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Debug("websocket read error", "client", c.id, "err", err)
			}
			return
		}
		// The stream is read-only from the client's perspective; any
		// message received is discarded, matching the protocol's lack of
		// client-originated request types on this endpoint.
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *Publisher) removeClient(c *client) {
	p.clientsMu.Lock()
	delete(p.clients, c)
	p.clientsMu.Unlock()
	close(c.send)
}

func (p *Publisher) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		p.log.Warn("failed to marshal frame", "err", err)
		return
	}

	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for c := range p.clients {
		select {
		case c.send <- data:
		default:
			p.log.Warn("client send buffer full, dropping frame", "client", c.id)
		}
	}
}
