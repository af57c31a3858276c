// Package contracts defines the event payloads published to the
// settlement exchange for downstream consumers (notification,
// reconciliation).
package contracts

import "time"

type PaymentSettledEvent struct {
	EventID    string    `json:"event_id"`
	PaymentID  string    `json:"payment_id"`
	OrderID    string    `json:"order_id"`
	MerchantID string    `json:"merchant_id"`
	Method     string    `json:"method"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	SettledAt  time.Time `json:"settled_at"`
}

type RefundCompletedEvent struct {
	EventID     string    `json:"event_id"`
	RefundID    string    `json:"refund_id"`
	PaymentID   string    `json:"payment_id"`
	MerchantID  string    `json:"merchant_id"`
	Amount      int64     `json:"amount"`
	CompletedAt time.Time `json:"completed_at"`
}
