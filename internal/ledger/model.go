package ledger

import (
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderCreated    OrderStatus = "created"
	OrderProcessing OrderStatus = "processing"
	OrderSuccess    OrderStatus = "success"
	OrderFailed     OrderStatus = "failed"
)

type PaymentStatus string

const (
	PaymentProcessing PaymentStatus = "processing"
	PaymentSuccess    PaymentStatus = "success"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

type RefundStatus string

const (
	RefundInitiated RefundStatus = "initiated"
	RefundCompleted RefundStatus = "completed"
)

type Order struct {
	ID            string      `json:"id"`
	MerchantID    string      `json:"merchant_id"`
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	CustomerID    string      `json:"customer_id"`
	CustomerEmail string      `json:"customer_email,omitempty"`
	Description   string      `json:"description,omitempty"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type Payment struct {
	ID                string        `json:"id"`
	OrderID           string        `json:"order_id"`
	MerchantID        string        `json:"merchant_id"`
	Method            Method        `json:"method"`
	Amount            int64         `json:"amount"`
	Status            PaymentStatus `json:"status"`
	InstrumentSummary string        `json:"instrument_summary"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`

	// Instrument holds the raw card or VPA details for the settlement
	// step. It is persisted but never serialized to callers.
	Instrument Instrument `json:"-"`
}

type Refund struct {
	ID          string       `json:"id"`
	PaymentID   string       `json:"payment_id"`
	MerchantID  string       `json:"merchant_id"`
	Amount      int64        `json:"amount"`
	Reason      string       `json:"reason,omitempty"`
	Status      RefundStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// TransactionRecord is the order/payment join the aggregator reads.
// It is recomputed from the ledger on every query, never stored.
type TransactionRecord struct {
	PaymentID string        `json:"payment_id"`
	OrderID   string        `json:"order_id"`
	Method    Method        `json:"method"`
	Amount    int64         `json:"amount"`
	Currency  string        `json:"currency"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

type Method string

const (
	MethodCard Method = "card"
	MethodUPI  Method = "upi"
)

// Instrument is the tagged card-or-UPI payload of a payment attempt.
// Exactly one of Card / UPI is set, matching Method.
type Instrument struct {
	Method Method       `json:"method"`
	Card   *CardDetails `json:"card,omitempty"`
	UPI    *UPIDetails  `json:"upi,omitempty"`
}

type CardDetails struct {
	Number      string `json:"number"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CVV         string `json:"cvv"`
}

type UPIDetails struct {
	VPA string `json:"vpa"`
}

// Summary renders the caller-visible instrument description. The full
// PAN and CVV never leave the ledger.
func (i Instrument) Summary(network string) string {
	switch i.Method {
	case MethodCard:
		if i.Card == nil {
			return string(MethodCard)
		}
		digits := digitsOf(i.Card.Number)
		last4 := digits
		if len(digits) > 4 {
			last4 = digits[len(digits)-4:]
		}
		return network + " ****" + last4
	case MethodUPI:
		if i.UPI == nil {
			return string(MethodUPI)
		}
		return maskVPA(i.UPI.VPA)
	}
	return string(i.Method)
}

func maskVPA(vpa string) string {
	at := strings.IndexByte(vpa, '@')
	if at <= 0 {
		return "***"
	}
	local := vpa[:at]
	keep := 2
	if len(local) < keep {
		keep = len(local)
	}
	return local[:keep] + "***" + vpa[at:]
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
