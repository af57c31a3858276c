package websocket

import (
	"context"
	"encoding/json"

	"payline/gateway/internal/ledger"
)

// PaymentUpdate is the frame pushed to clients watching an order.
type PaymentUpdate struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
}

// Hub fans settlement updates out to the clients subscribed to each
// order.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan PaymentUpdate
	clients    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan PaymentUpdate),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			if set, ok := h.clients[c.orderID]; ok {
				if _, exists := set[c]; exists {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.orderID)
				}
			}
		case upd := <-h.broadcast:
			msg, _ := json.Marshal(upd)
			if set, ok := h.clients[upd.OrderID]; ok {
				for c := range set {
					select {
					case c.send <- msg:
					default:
						delete(set, c)
						close(c.send)
					}
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			return
		}
	}
}

func (h *Hub) Broadcast(u PaymentUpdate) {
	go func() { h.broadcast <- u }()
}

// PaymentSettled lets the hub act as a settlement notifier.
func (h *Hub) PaymentSettled(p *ledger.Payment) {
	h.Broadcast(PaymentUpdate{
		OrderID:   p.OrderID,
		PaymentID: p.ID,
		Status:    string(p.Status),
		Reason:    p.ErrorMessage,
	})
}
