// Package engine is the single entry point for state-changing
// operations on orders, payments and refunds. It holds no locks;
// every status change goes through the store's compare-and-swap
// contract.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"payline/gateway/internal/ledger"
	"payline/gateway/internal/scheduler"
	"payline/gateway/internal/validator"

	"github.com/google/uuid"
)

var knownCurrencies = map[string]struct{}{
	"INR": {}, "USD": {}, "EUR": {}, "GBP": {}, "AED": {},
	"SGD": {}, "AUD": {}, "CAD": {}, "JPY": {}, "CHF": {},
}

// RefundNotifier receives refunds once they complete.
type RefundNotifier interface {
	RefundCompleted(r *ledger.Refund)
}

type Engine struct {
	store     ledger.Store
	settler   *scheduler.Settler
	logger    *slog.Logger
	notifiers []RefundNotifier
}

func New(store ledger.Store, settler *scheduler.Settler, logger *slog.Logger) *Engine {
	return &Engine{store: store, settler: settler, logger: logger}
}

// AddNotifier registers a refund listener. Not safe to call once
// requests are being served.
func (e *Engine) AddNotifier(n RefundNotifier) {
	e.notifiers = append(e.notifiers, n)
}

type OrderSpec struct {
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
	Description   string `json:"description"`
}

func (e *Engine) CreateOrder(ctx context.Context, merchantID string, spec OrderSpec) (*ledger.Order, error) {
	if spec.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	currency := strings.ToUpper(spec.Currency)
	if _, ok := knownCurrencies[currency]; !ok {
		return nil, fmt.Errorf("%w: unknown currency %q", ledger.ErrInvalidInput, spec.Currency)
	}
	if spec.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer_id is required", ledger.ErrInvalidInput)
	}

	now := time.Now().UTC()
	o := &ledger.Order{
		ID:            uuid.New().String(),
		MerchantID:    merchantID,
		Amount:        spec.Amount,
		Currency:      currency,
		CustomerID:    spec.CustomerID,
		CustomerEmail: spec.CustomerEmail,
		Description:   spec.Description,
		Status:        ledger.OrderCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

func (e *Engine) GetOrder(ctx context.Context, merchantID, orderID string) (*ledger.Order, error) {
	return e.store.GetOrder(ctx, merchantID, orderID)
}

// CreatePayment attaches a payment attempt to an order and hands it
// to the settler. The order must be created or failed: a failed
// attempt may be retried, a successful order may not be paid twice.
// The call returns with the payment still processing; settlement is
// asynchronous.
func (e *Engine) CreatePayment(ctx context.Context, merchantID, orderID string, inst ledger.Instrument) (*ledger.Payment, error) {
	o, err := e.store.GetOrder(ctx, merchantID, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case ledger.OrderCreated, ledger.OrderFailed:
	case ledger.OrderProcessing:
		// An attempt is already in flight; the store-level conflict
		// would catch this too, but the observed order status lets us
		// answer without racing it.
		return nil, ledger.ErrDuplicatePayment
	default:
		return nil, fmt.Errorf("%w: order is %s", ledger.ErrInvalidTransition, o.Status)
	}

	network, err := checkInstrument(inst)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &ledger.Payment{
		ID:                uuid.New().String(),
		OrderID:           o.ID,
		MerchantID:        merchantID,
		Method:            inst.Method,
		Amount:            o.Amount,
		Status:            ledger.PaymentProcessing,
		InstrumentSummary: inst.Summary(network),
		CreatedAt:         now,
		UpdatedAt:         now,
		Instrument:        inst,
	}
	if err := e.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	if err := e.store.UpdateOrderStatus(ctx, o.ID, o.Status, ledger.OrderProcessing); err != nil {
		// Lost a race with a concurrent settlement on this order; the
		// payment row stands and the settler will mirror the outcome.
		e.logger.Warn("order transition to processing missed", "order_id", o.ID, "err", err)
	}

	e.settler.Schedule(p.ID)
	return p, nil
}

// checkInstrument rejects malformed payloads (InvalidInput) and
// instruments whose content fails validation (ValidationFailed). The
// settler re-validates at settlement time; this pass is what lets the
// caller see a synchronous rejection instead of waiting for a failed
// settlement.
func checkInstrument(inst ledger.Instrument) (string, error) {
	switch inst.Method {
	case ledger.MethodCard:
		card := inst.Card
		if card == nil || card.Number == "" || card.CVV == "" {
			return "", fmt.Errorf("%w: card details are required", ledger.ErrInvalidInput)
		}
		res := validator.ValidateCard(card.Number, card.ExpiryMonth, card.ExpiryYear, card.CVV, time.Now())
		if !res.OK {
			return string(res.Network), fmt.Errorf("%w: %s", ledger.ErrValidationFailed, res.Reason)
		}
		return string(res.Network), nil
	case ledger.MethodUPI:
		if inst.UPI == nil || inst.UPI.VPA == "" {
			return "", fmt.Errorf("%w: vpa is required", ledger.ErrInvalidInput)
		}
		if !validator.ValidateUPI(inst.UPI.VPA) {
			return "", fmt.Errorf("%w: vpa_invalid", ledger.ErrValidationFailed)
		}
		return string(ledger.MethodUPI), nil
	}
	return "", fmt.Errorf("%w: unsupported method %q", ledger.ErrInvalidInput, inst.Method)
}

func (e *Engine) GetPayment(ctx context.Context, merchantID, paymentID string) (*ledger.Payment, error) {
	return e.store.GetPayment(ctx, merchantID, paymentID)
}

func (e *Engine) ListPayments(ctx context.Context, merchantID, orderID string) ([]ledger.Payment, error) {
	if _, err := e.store.GetOrder(ctx, merchantID, orderID); err != nil {
		return nil, err
	}
	return e.store.ListPaymentsByOrder(ctx, merchantID, orderID)
}

// CreateRefund issues a refund against a successful payment and
// completes it inline; refunds carry no settlement delay. A fully
// refunded payment moves to refunded.
func (e *Engine) CreateRefund(ctx context.Context, merchantID, paymentID string, amount int64, reason string) (*ledger.Refund, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ledger.ErrInvalidInput)
	}

	p, err := e.store.GetPayment(ctx, merchantID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != ledger.PaymentSuccess {
		return nil, fmt.Errorf("%w: payment is %s", ledger.ErrInvalidTransition, p.Status)
	}

	now := time.Now().UTC()
	r := &ledger.Refund{
		ID:         uuid.New().String(),
		PaymentID:  p.ID,
		MerchantID: merchantID,
		Amount:     amount,
		Reason:     reason,
		Status:     ledger.RefundInitiated,
		CreatedAt:  now,
	}
	// The store re-checks payment status and refundable balance
	// atomically with the insert.
	if err := e.store.CreateRefund(ctx, r); err != nil {
		if errors.Is(err, ledger.ErrInvalidInput) {
			return nil, fmt.Errorf("%w: amount exceeds refundable balance", ledger.ErrInvalidInput)
		}
		return nil, err
	}

	completedAt := time.Now().UTC()
	if err := e.store.UpdateRefundStatus(ctx, r.ID, ledger.RefundInitiated, ledger.RefundCompleted, completedAt); err != nil {
		return nil, fmt.Errorf("complete refund: %w", err)
	}
	r.Status = ledger.RefundCompleted
	r.CompletedAt = &completedAt
	for _, n := range e.notifiers {
		n.RefundCompleted(r)
	}

	refunds, err := e.store.ListRefundsByPayment(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	var completed int64
	for _, prior := range refunds {
		if prior.Status == ledger.RefundCompleted {
			completed += prior.Amount
		}
	}
	if completed >= p.Amount {
		if err := e.store.UpdatePaymentStatus(ctx, p.ID, ledger.PaymentSuccess, ledger.PaymentRefunded, ""); err != nil {
			e.logger.Warn("payment transition to refunded missed", "payment_id", p.ID, "err", err)
		}
	}

	return r, nil
}

func (e *Engine) GetRefund(ctx context.Context, merchantID, refundID string) (*ledger.Refund, error) {
	return e.store.GetRefund(ctx, merchantID, refundID)
}
