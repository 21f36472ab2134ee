package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	sendBuffer = 256
)

// WSMessage represents a message sent over the WebSocket.
type WSMessage struct {
	Type string `json:"type"`

	// For snapshot - no omitempty to ensure arrays are always present in JSON
	Devices []network.Device   `json:"devices"`
	Active  []ActiveConnection `json:"active"`

	// For change messages
	Seq    uint64            `json:"seq,omitempty"`
	Device *network.Device   `json:"device,omitempty"`
	Record *ActiveConnection `json:"active_connection,omitempty"`

	State        string `json:"state,omitempty"`
	Connectivity string `json:"connectivity,omitempty"`
}

// WSHandler streams registry changes to WebSocket clients.
type WSHandler struct {
	reg *registry.Registry
	sub *registry.Subscription

	// Active connections
	connsMu sync.RWMutex
	conns   map[*wsConnection]struct{}
}

// NewWSHandler creates a WebSocket handler subscribed to reg. Call Run to
// start forwarding changes.
func NewWSHandler(reg *registry.Registry) *WSHandler {
	return &WSHandler{
		reg:   reg,
		sub:   reg.Subscribe(),
		conns: make(map[*wsConnection]struct{}),
	}
}

// wsConnection represents a single WebSocket connection.
type wsConnection struct {
	handler *WSHandler
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// HandleWS handles WebSocket upgrade requests. Authentication happens in
// the surrounding middleware.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)

	// Use background context - the WebSocket connection lives beyond the HTTP request
	ctx, cancel := context.WithCancel(context.Background())
	wsc := &wsConnection{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	// Register before the snapshot so that no change falls between the two.
	// A change already reflected in the snapshot may be delivered again; Seq
	// lets the client tell.
	h.connsMu.Lock()
	h.conns[wsc] = struct{}{}
	h.connsMu.Unlock()

	if err := wsc.sendSnapshot(); err != nil {
		slog.Error("Failed to send snapshot", "error", err)
		wsc.close()
		return
	}

	go wsc.writePump()
	go wsc.readPump()
}

// Run forwards registry changes to every connected client until ctx is
// done.
func (h *WSHandler) Run(ctx context.Context) error {
	defer h.sub.Close()
	for {
		c, err := h.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, registry.ErrClosed) {
				return nil
			}
			return err
		}
		if msg, ok := changeMessage(c); ok {
			h.broadcast(msg)
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHandler) Clients() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

// changeMessage converts a registry change into its wire form.
func changeMessage(c registry.Change) (WSMessage, bool) {
	msg := WSMessage{Type: c.Kind.String(), Seq: c.Seq, Device: c.Device}
	if c.Active != nil {
		a := toActive(*c.Active)
		msg.Record = &a
	}
	if c.AggregateChanged() {
		msg.State = globalStateNames[c.Global]
		msg.Connectivity = connectivityNames[c.Connectivity]
	}
	return msg, msg.Device != nil || msg.Record != nil || msg.State != ""
}

// sendSnapshot sends the current state to the client.
func (wsc *wsConnection) sendSnapshot() error {
	h := wsc.handler
	list := h.reg.ActiveConnections()
	active := make([]ActiveConnection, len(list))
	for i, a := range list {
		active[i] = toActive(a)
	}
	global, conn := h.reg.State()

	msg := WSMessage{
		Type:         "snapshot",
		Devices:      h.reg.Devices(),
		Active:       active,
		State:        globalStateNames[global],
		Connectivity: connectivityNames[conn],
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// Send directly (not through channel) for initial snapshot
	ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
	defer cancel()
	return wsc.conn.Write(ctx, websocket.MessageText, data)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (wsc *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.close()
	}()

	for {
		select {
		case <-wsc.ctx.Done():
			return

		case message := <-wsc.send:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection.
// We don't expect any messages from the client, this is just for close detection.
func (wsc *wsConnection) readPump() {
	defer wsc.close()

	for {
		if _, _, err := wsc.conn.Read(wsc.ctx); err != nil {
			return
		}
	}
}

// close cleans up the connection.
func (wsc *wsConnection) close() {
	wsc.once.Do(func() {
		wsc.cancel()

		wsc.handler.connsMu.Lock()
		delete(wsc.handler.conns, wsc)
		wsc.handler.connsMu.Unlock()

		wsc.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// closeAll disconnects every client.
func (h *WSHandler) closeAll() {
	h.connsMu.RLock()
	conns := make([]*wsConnection, 0, len(h.conns))
	for wsc := range h.conns {
		conns = append(conns, wsc)
	}
	h.connsMu.RUnlock()
	for _, wsc := range conns {
		wsc.close()
	}
}

// broadcast sends a message to all connected clients.
func (h *WSHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	h.connsMu.RLock()
	defer h.connsMu.RUnlock()

	for wsc := range h.conns {
		// Non-blocking send - drop message if client is slow
		select {
		case wsc.send <- data:
		default:
			slog.Warn("WebSocket send buffer full, dropping message")
		}
	}
}
