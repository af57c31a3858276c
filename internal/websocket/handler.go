package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"payline/gateway/internal/engine"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades order-watch connections. A client subscribes to
// one order and receives its current status immediately, then every
// settlement update.
type Handler struct {
	hub    *Hub
	engine *engine.Engine
	logger *slog.Logger
}

func NewHandler(hub *Hub, eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, engine: eng, logger: logger}
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	orderID := r.PathValue("orderID")
	if _, err := uuid.Parse(orderID); err != nil {
		_ = conn.Close()
		return
	}

	merchant := r.Header.Get("X-Merchant-ID")
	if merchant == "" {
		_ = conn.Close()
		return
	}

	o, err := h.engine.GetOrder(r.Context(), merchant, orderID)
	if err != nil {
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: orderID,
	}

	client.hub.register <- client
	go client.writePump()
	go client.readPump()

	upd := PaymentUpdate{OrderID: orderID, Status: string(o.Status)}
	if b, err := json.Marshal(upd); err == nil {
		select {
		case client.send <- b:
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
