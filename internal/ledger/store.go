package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract the engine, scheduler and
// aggregator run against. Every operation is atomic. Status updates
// are compare-and-swap: they take the expected current status and
// fail with ErrInvalidTransition when it no longer matches, which is
// what keeps the state machine safe without any lock in the engine.
type Store interface {
	// Reads take the owning merchant id and fail with ErrNotFound on
	// an ownership mismatch. An empty merchant id skips the check;
	// only internal callers (the scheduler) do that.
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, merchantID, orderID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from, to OrderStatus) error

	// CreatePayment persists p and fails with ErrDuplicatePayment if
	// a processing payment already exists for p.OrderID.
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, merchantID, paymentID string) (*Payment, error)
	ListPaymentsByOrder(ctx context.Context, merchantID, orderID string) ([]Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, from, to PaymentStatus, errMsg string) error

	// CreateRefund persists r after checking, atomically with the
	// insert, that the referenced payment is success and that r.Amount
	// does not exceed the remaining refundable balance (original
	// amount minus all prior refunds). Fails with ErrInvalidTransition
	// and ErrInvalidInput respectively.
	CreateRefund(ctx context.Context, r *Refund) error
	GetRefund(ctx context.Context, merchantID, refundID string) (*Refund, error)
	ListRefundsByPayment(ctx context.Context, paymentID string) ([]Refund, error)
	UpdateRefundStatus(ctx context.Context, refundID string, from, to RefundStatus, completedAt time.Time) error

	// ListTransactions returns the order/payment join for one
	// merchant, bounded by payment creation time. Zero bounds mean
	// unbounded.
	ListTransactions(ctx context.Context, merchantID string, from, to time.Time) ([]TransactionRecord, error)

	// ListStaleProcessing returns payments still processing that were
	// created before cutoff, for the watchdog sweep.
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]Payment, error)
}
