package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"payline/gateway/internal/ledger"
)

// Memory is the in-process ledger.Store. It backs local runs without
// a database and every test in the repo. Semantics match Postgres:
// atomic operations, compare-and-swap status updates, and at most one
// processing payment per order.
type Memory struct {
	mu       sync.Mutex
	orders   map[string]*ledger.Order
	payments map[string]*ledger.Payment
	refunds  map[string]*ledger.Refund
}

func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[string]*ledger.Order),
		payments: make(map[string]*ledger.Payment),
		refunds:  make(map[string]*ledger.Refund),
	}
}

func (m *Memory) CreateOrder(_ context.Context, o *ledger.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(_ context.Context, merchantID, orderID string) (*ledger.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || (merchantID != "" && o.MerchantID != merchantID) {
		return nil, ledger.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, orderID string, from, to ledger.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ledger.ErrNotFound
	}
	if o.Status != from {
		return ledger.ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CreatePayment(_ context.Context, p *ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.OrderID == p.OrderID && existing.Status == ledger.PaymentProcessing {
			return ledger.ErrDuplicatePayment
		}
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *Memory) GetPayment(_ context.Context, merchantID, paymentID string) (*ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok || (merchantID != "" && p.MerchantID != merchantID) {
		return nil, ledger.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListPaymentsByOrder(_ context.Context, merchantID, orderID string) ([]ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []ledger.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID && p.MerchantID == merchantID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) UpdatePaymentStatus(_ context.Context, paymentID string, from, to ledger.PaymentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return ledger.ErrNotFound
	}
	if p.Status != from {
		return ledger.ErrInvalidTransition
	}
	p.Status = to
	p.ErrorMessage = errMsg
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CreateRefund(_ context.Context, r *ledger.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[r.PaymentID]
	if !ok {
		return ledger.ErrNotFound
	}
	if p.Status != ledger.PaymentSuccess {
		return ledger.ErrInvalidTransition
	}
	var refunded int64
	for _, existing := range m.refunds {
		if existing.PaymentID == r.PaymentID {
			refunded += existing.Amount
		}
	}
	if refunded+r.Amount > p.Amount {
		return ledger.ErrInvalidInput
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *Memory) GetRefund(_ context.Context, merchantID, refundID string) (*ledger.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[refundID]
	if !ok || (merchantID != "" && r.MerchantID != merchantID) {
		return nil, ledger.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRefundsByPayment(_ context.Context, paymentID string) ([]ledger.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []ledger.Refund
	for _, r := range m.refunds {
		if r.PaymentID == paymentID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) UpdateRefundStatus(_ context.Context, refundID string, from, to ledger.RefundStatus, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[refundID]
	if !ok {
		return ledger.ErrNotFound
	}
	if r.Status != from {
		return ledger.ErrInvalidTransition
	}
	r.Status = to
	r.CompletedAt = &completedAt
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, merchantID string, from, to time.Time) ([]ledger.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []ledger.TransactionRecord
	for _, p := range m.payments {
		if p.MerchantID != merchantID {
			continue
		}
		if !from.IsZero() && p.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !p.CreatedAt.Before(to) {
			continue
		}
		rec := ledger.TransactionRecord{
			PaymentID: p.ID,
			OrderID:   p.OrderID,
			Method:    p.Method,
			Amount:    p.Amount,
			Status:    p.Status,
			CreatedAt: p.CreatedAt,
		}
		if o, ok := m.orders[p.OrderID]; ok {
			rec.Currency = o.Currency
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) ListStaleProcessing(_ context.Context, cutoff time.Time) ([]ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []ledger.Payment
	for _, p := range m.payments {
		if p.Status == ledger.PaymentProcessing && p.CreatedAt.Before(cutoff) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
