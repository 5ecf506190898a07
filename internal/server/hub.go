package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/skaner/internal/feedback"
	"github.com/tiroq/skaner/internal/ipc"
	"github.com/tiroq/skaner/internal/logging"
)

// Outbound message types.
const (
	MessageSnapshot = "snapshot"
	MessageFeedback = "feedback"
	MessageAck      = "ack"
)

const (
	wsSendBuffer   = 16
	wsMaxMessage   = 4 << 10
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// Message is one frame sent to the shell.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// inbound is a command frame from the shell.
type inbound struct {
	Command string `json:"command"`
	Arg     string `json:"arg,omitempty"`
}

type ack struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Hub fans messages out to every connected shell and feeds their commands
// to a dispatcher.
type Hub struct {
	upgrader websocket.Upgrader
	dispatch func(ctx context.Context, req ipc.Request) error
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub returns an empty hub. dispatch may be nil for a read-only hub.
func NewHub(dispatch func(ctx context.Context, req ipc.Request) error, logger *slog.Logger) *Hub {
	return &Hub{
		dispatch: dispatch,
		logger:   logging.NewComponentLogger(logger, "ws"),
		clients:  make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", logging.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

// Broadcast sends a message to every client. Clients whose buffer is full
// miss it.
func (h *Hub) Broadcast(typ string, data any) {
	payload, err := json.Marshal(Message{Type: typ, Data: data})
	if err != nil {
		h.logger.Warn("encode broadcast", logging.String("type", typ), logging.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Debug("client lagging, message dropped", logging.String("type", typ))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// Name implements feedback.Sink.
func (h *Hub) Name() string { return "websocket" }

// Emit implements feedback.Sink by forwarding the cue to every shell.
func (h *Hub) Emit(_ context.Context, ev feedback.Event) error {
	h.Broadcast(MessageFeedback, ev)
	return nil
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) readPump(ctx context.Context, c *wsClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", logging.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		h.handleFrame(ctx, c, data)
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *wsClient, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		h.reply(c, ack{Error: "invalid frame: " + err.Error()})
		return
	}
	req := ipc.Request{Command: ipc.Command(strings.ToLower(strings.TrimSpace(in.Command))), Arg: in.Arg}
	if !ipc.Known(req.Command) || h.dispatch == nil {
		h.reply(c, ack{Command: string(req.Command), Error: "unknown command"})
		return
	}
	res := ack{Command: string(req.Command), OK: true}
	if err := h.dispatch(ctx, req); err != nil {
		res.OK = false
		res.Error = err.Error()
	}
	h.reply(c, res)
}

func (h *Hub) reply(c *wsClient, a ack) {
	payload, err := json.Marshal(Message{Type: MessageAck, Data: a})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
