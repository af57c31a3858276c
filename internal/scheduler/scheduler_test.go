package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"payline/gateway/internal/ledger"
	"payline/gateway/internal/storage"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, store *storage.Memory, orderStatus ledger.OrderStatus, paymentStatus ledger.PaymentStatus, inst ledger.Instrument) (*ledger.Order, *ledger.Payment) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	o := &ledger.Order{
		ID:         uuid.New().String(),
		MerchantID: uuid.New().String(),
		Amount:     50000,
		Currency:   "INR",
		CustomerID: "cust_1",
		Status:     orderStatus,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	p := &ledger.Payment{
		ID:         uuid.New().String(),
		OrderID:    o.ID,
		MerchantID: o.MerchantID,
		Method:     inst.Method,
		Amount:     o.Amount,
		Status:     paymentStatus,
		CreatedAt:  now,
		UpdatedAt:  now,
		Instrument: inst,
	}
	if err := store.CreatePayment(ctx, p); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return o, p
}

func validCard() ledger.Instrument {
	return ledger.Instrument{
		Method: ledger.MethodCard,
		Card: &ledger.CardDetails{
			Number:      "4532015112830366",
			ExpiryMonth: 12,
			ExpiryYear:  2044,
			CVV:         "123",
		},
	}
}

func TestSettleValidCard(t *testing.T) {
	store := storage.NewMemory()
	o, p := seed(t, store, ledger.OrderProcessing, ledger.PaymentProcessing, validCard())

	s := New(store, FixedDelay{}, ValidatorOutcome{}, testLogger(), Config{})
	s.Schedule(p.ID)
	s.Wait()

	got, err := store.GetPayment(context.Background(), "", p.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if got.Status != ledger.PaymentSuccess {
		t.Fatalf("payment status = %s, want success", got.Status)
	}

	order, err := store.GetOrder(context.Background(), "", o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != ledger.OrderSuccess {
		t.Fatalf("order status = %s, want success (mirrored)", order.Status)
	}
}

func TestSettleInvalidUPI(t *testing.T) {
	store := storage.NewMemory()
	inst := ledger.Instrument{Method: ledger.MethodUPI, UPI: &ledger.UPIDetails{VPA: "x@ab"}}
	o, p := seed(t, store, ledger.OrderProcessing, ledger.PaymentProcessing, inst)

	s := New(store, FixedDelay{}, ValidatorOutcome{}, testLogger(), Config{})
	s.Schedule(p.ID)
	s.Wait()

	got, _ := store.GetPayment(context.Background(), "", p.ID)
	if got.Status != ledger.PaymentFailed {
		t.Fatalf("payment status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "vpa_invalid" {
		t.Fatalf("error message = %q, want vpa_invalid", got.ErrorMessage)
	}

	order, _ := store.GetOrder(context.Background(), "", o.ID)
	if order.Status != ledger.OrderFailed {
		t.Fatalf("order status = %s, want failed (mirrored)", order.Status)
	}
}

func TestForcedOutcomeSkipsValidation(t *testing.T) {
	store := storage.NewMemory()
	// Instrument that would fail validation, forced to succeed.
	inst := ledger.Instrument{Method: ledger.MethodCard, Card: &ledger.CardDetails{Number: "1234", CVV: "1"}}
	_, p := seed(t, store, ledger.OrderProcessing, ledger.PaymentProcessing, inst)

	s := New(store, FixedDelay{}, ForcedOutcome{Status: ledger.PaymentSuccess}, testLogger(), Config{})
	s.Schedule(p.ID)
	s.Wait()

	got, _ := store.GetPayment(context.Background(), "", p.ID)
	if got.Status != ledger.PaymentSuccess {
		t.Fatalf("payment status = %s, want forced success", got.Status)
	}
}

func TestSettleSkipsNonProcessing(t *testing.T) {
	store := storage.NewMemory()
	_, p := seed(t, store, ledger.OrderFailed, ledger.PaymentFailed, validCard())

	s := New(store, FixedDelay{}, ForcedOutcome{Status: ledger.PaymentSuccess}, testLogger(), Config{})
	s.Schedule(p.ID)
	s.Wait()

	got, _ := store.GetPayment(context.Background(), "", p.ID)
	if got.Status != ledger.PaymentFailed {
		t.Fatalf("payment status = %s, want untouched failed", got.Status)
	}
}

// flakyStore fails status updates with a transient error.
type flakyStore struct {
	*storage.Memory
	failures int
	calls    int
}

func (f *flakyStore) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to ledger.PaymentStatus, errMsg string) error {
	f.calls++
	if f.calls <= f.failures {
		return ledger.ErrStorageUnavailable
	}
	return f.Memory.UpdatePaymentStatus(ctx, paymentID, from, to, errMsg)
}

func TestSettleRetriesTransientFailure(t *testing.T) {
	mem := storage.NewMemory()
	store := &flakyStore{Memory: mem, failures: 2}
	_, p := seed(t, mem, ledger.OrderProcessing, ledger.PaymentProcessing, validCard())

	s := New(store, FixedDelay{}, ForcedOutcome{Status: ledger.PaymentSuccess}, testLogger(), Config{RetryMax: 3})
	s.Schedule(p.ID)
	s.Wait()

	got, _ := mem.GetPayment(context.Background(), "", p.ID)
	if got.Status != ledger.PaymentSuccess {
		t.Fatalf("payment status = %s, want success after retries", got.Status)
	}
}

func TestSettleExhaustionLeavesProcessing(t *testing.T) {
	mem := storage.NewMemory()
	store := &flakyStore{Memory: mem, failures: 1 << 30}
	_, p := seed(t, mem, ledger.OrderProcessing, ledger.PaymentProcessing, validCard())

	s := New(store, FixedDelay{}, ForcedOutcome{Status: ledger.PaymentSuccess}, testLogger(), Config{RetryMax: 2})
	s.Schedule(p.ID)
	s.Wait()

	// Exhausted retries must never force a terminal state.
	got, _ := mem.GetPayment(context.Background(), "", p.ID)
	if got.Status != ledger.PaymentProcessing {
		t.Fatalf("payment status = %s, want processing after exhaustion", got.Status)
	}
}

type captureNotifier struct {
	settled []*ledger.Payment
}

func (c *captureNotifier) PaymentSettled(p *ledger.Payment) {
	c.settled = append(c.settled, p)
}

func TestSettleNotifies(t *testing.T) {
	store := storage.NewMemory()
	_, p := seed(t, store, ledger.OrderProcessing, ledger.PaymentProcessing, validCard())

	capture := &captureNotifier{}
	s := New(store, FixedDelay{}, ValidatorOutcome{}, testLogger(), Config{})
	s.AddNotifier(capture)
	s.Schedule(p.ID)
	s.Wait()

	if len(capture.settled) != 1 {
		t.Fatalf("notified %d times, want 1", len(capture.settled))
	}
	if capture.settled[0].ID != p.ID || capture.settled[0].Status != ledger.PaymentSuccess {
		t.Fatalf("notified with %+v", capture.settled[0])
	}
}

func TestRandomDelayBounds(t *testing.T) {
	d := RandomDelay{Min: 2 * time.Second, Max: 5 * time.Second}
	for i := 0; i < 100; i++ {
		got := d.Delay()
		if got < d.Min || got >= d.Max {
			t.Fatalf("delay %v outside [%v, %v)", got, d.Min, d.Max)
		}
	}
}
