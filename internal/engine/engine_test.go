package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"payline/gateway/internal/ledger"
	"payline/gateway/internal/scheduler"
	"payline/gateway/internal/storage"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEngine wires an engine over the in-memory store with a
// zero-delay settler carrying the given outcome.
func newEngine(outcome scheduler.OutcomeStrategy, delay time.Duration) (*Engine, *scheduler.Settler, *storage.Memory) {
	store := storage.NewMemory()
	settler := scheduler.New(store, scheduler.FixedDelay{D: delay}, outcome, testLogger(), scheduler.Config{})
	eng := New(store, settler, testLogger())
	return eng, settler, store
}

func validOrderSpec() OrderSpec {
	return OrderSpec{Amount: 50000, Currency: "INR", CustomerID: "cust_1"}
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

func TestCreateOrderValidation(t *testing.T) {
	eng, _, _ := newEngine(scheduler.ValidatorOutcome{}, 0)
	ctx := context.Background()
	merchant := uuid.New().String()

	tests := []struct {
		name string
		spec OrderSpec
	}{
		{"zero amount", OrderSpec{Amount: 0, Currency: "INR", CustomerID: "c"}},
		{"negative amount", OrderSpec{Amount: -5, Currency: "INR", CustomerID: "c"}},
		{"unknown currency", OrderSpec{Amount: 100, Currency: "XYZ", CustomerID: "c"}},
		{"missing customer", OrderSpec{Amount: 100, Currency: "INR"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.CreateOrder(ctx, merchant, tt.spec); !errors.Is(err, ledger.ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}

	o, err := eng.CreateOrder(ctx, merchant, OrderSpec{Amount: 100, Currency: "inr", CustomerID: "c"})
	if err != nil {
		t.Fatalf("lowercase currency: %v", err)
	}
	if o.Currency != "INR" {
		t.Errorf("currency = %q, want normalized INR", o.Currency)
	}
	if o.Status != ledger.OrderCreated {
		t.Errorf("status = %s, want created", o.Status)
	}
}

func TestEndToEndCardPayment(t *testing.T) {
	eng, settler, _ := newEngine(scheduler.ForcedOutcome{Status: ledger.PaymentSuccess}, 0)
	ctx := context.Background()
	merchant := uuid.New().String()

	o, err := eng.CreateOrder(ctx, merchant, validOrderSpec())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	p, err := eng.CreatePayment(ctx, merchant, o.ID, validCard())
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if p.Status != ledger.PaymentProcessing {
		t.Fatalf("payment status = %s, want processing before settlement", p.Status)
	}
	if p.Amount != o.Amount {
		t.Errorf("payment amount = %d, want order amount %d", p.Amount, o.Amount)
	}
	if p.InstrumentSummary != "visa ****0366" {
		t.Errorf("instrument summary = %q, want masked visa", p.InstrumentSummary)
	}

	settler.Wait()

	got, err := eng.GetPayment(ctx, merchant, p.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if got.Status != ledger.PaymentSuccess {
		t.Fatalf("payment status = %s, want success", got.Status)
	}

	order, err := eng.GetOrder(ctx, merchant, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != ledger.OrderSuccess {
		t.Fatalf("order status = %s, want success (mirrors payment)", order.Status)
	}
}

func TestCreatePaymentRejectsBadInstruments(t *testing.T) {
	eng, _, _ := newEngine(scheduler.ValidatorOutcome{}, 0)
	ctx := context.Background()
	merchant := uuid.New().String()

	newOrder := func() string {
		o, err := eng.CreateOrder(ctx, merchant, validOrderSpec())
		if err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		return o.ID
	}

	tests := []struct {
		name string
		inst ledger.Instrument
		want error
	}{
		{"missing card details", ledger.Instrument{Method: ledger.MethodCard}, ledger.ErrInvalidInput},
		{"unknown method", ledger.Instrument{Method: "wallet"}, ledger.ErrInvalidInput},
		{"missing vpa", ledger.Instrument{Method: ledger.MethodUPI, UPI: &ledger.UPIDetails{}}, ledger.ErrInvalidInput},
		{"luhn failure", ledger.Instrument{Method: ledger.MethodCard, Card: &ledger.CardDetails{Number: "4532015112830367", ExpiryMonth: 12, ExpiryYear: 2044, CVV: "123"}}, ledger.ErrValidationFailed},
		{"bad vpa", ledger.Instrument{Method: ledger.MethodUPI, UPI: &ledger.UPIDetails{VPA: "x@ab"}}, ledger.ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.CreatePayment(ctx, merchant, newOrder(), tt.inst); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConcurrentCreatePayment(t *testing.T) {
	// Settlement delayed past the create burst so the duplicate
	// rejection, not the terminal state, is what the losers see.
	eng, settler, _ := newEngine(scheduler.ForcedOutcome{Status: ledger.PaymentSuccess}, 300*time.Millisecond)
	ctx := context.Background()
	merchant := uuid.New().String()

	o, err := eng.CreateOrder(ctx, merchant, validOrderSpec())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	const attempts = 8
	var created, duplicates int
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := eng.CreatePayment(ctx, merchant, o.ID, validCard())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ledger.ErrDuplicatePayment):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
	if duplicates != attempts-1 {
		t.Errorf("duplicates = %d, want %d", duplicates, attempts-1)
	}

	settler.Wait()
}

func TestRetryAfterFailedPayment(t *testing.T) {
	eng, settler, _ := newEngine(scheduler.ForcedOutcome{Status: ledger.PaymentFailed}, 0)
	ctx := context.Background()
	merchant := uuid.New().String()

	o, err := eng.CreateOrder(ctx, merchant, validOrderSpec())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	p1, err := eng.CreatePayment(ctx, merchant, o.ID, validCard())
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	settler.Wait()

	order, _ := eng.GetOrder(ctx, merchant, o.ID)
	if order.Status != ledger.OrderFailed {
		t.Fatalf("order status = %s, want failed", order.Status)
	}

	// The failed order accepts a fresh attempt; the failed payment
	// row survives for audit.
	p2, err := eng.CreatePayment(ctx, merchant, o.ID, validCard())
	if err != nil {
		t.Fatalf("retry attempt: %v", err)
	}
	settler.Wait()

	payments, err := eng.ListPayments(ctx, merchant, o.ID)
	if err != nil {
		t.Fatalf("ListPayments: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("payment history = %d rows, want 2", len(payments))
	}
	if payments[0].ID != p1.ID || payments[1].ID != p2.ID {
		t.Errorf("history out of order: %s, %s", payments[0].ID, payments[1].ID)
	}
}

func TestCreatePaymentOnSettledOrder(t *testing.T) {
	eng, settler, _ := newEngine(scheduler.ForcedOutcome{Status: ledger.PaymentSuccess}, 0)
	ctx := context.Background()
	merchant := uuid.New().String()

	o, _ := eng.CreateOrder(ctx, merchant, validOrderSpec())
	if _, err := eng.CreatePayment(ctx, merchant, o.ID, validCard()); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	settler.Wait()

	if _, err := eng.CreatePayment(ctx, merchant, o.ID, validCard()); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("payment on success order: got %v, want ErrInvalidTransition", err)
	}
}

func TestRefundFlow(t *testing.T) {
	eng, settler, _ := newEngine(scheduler.ForcedOutcome{Status: ledger.PaymentSuccess}, 0)
	ctx := context.Background()
	merchant := uuid.New().String()

	o, _ := eng.CreateOrder(ctx, merchant, validOrderSpec())
	p, _ := eng.CreatePayment(ctx, merchant, o.ID, validCard())
	settler.Wait()

	// Over the refundable balance.
	if _, err := eng.CreateRefund(ctx, merchant, p.ID, o.Amount+1, "oops"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("over-refund: got %v, want ErrInvalidInput", err)
	}

	r1, err := eng.CreateRefund(ctx, merchant, p.ID, 20000, "partial")
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if r1.Status != ledger.RefundCompleted || r1.CompletedAt == nil {
		t.Fatalf("refund not completed: %+v", r1)
	}

	// Partial refund leaves the payment refundable.
	got, _ := eng.GetPayment(ctx, merchant, p.ID)
	if got.Status != ledger.PaymentSuccess {
		t.Fatalf("payment status = %s, want success after partial refund", got.Status)
	}

	if _, err := eng.CreateRefund(ctx, merchant, p.ID, 40000, "too much"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("refund past remaining balance: got %v, want ErrInvalidInput", err)
	}

	if _, err := eng.CreateRefund(ctx, merchant, p.ID, 30000, "rest"); err != nil {
		t.Fatalf("final refund: %v", err)
	}

	got, _ = eng.GetPayment(ctx, merchant, p.ID)
	if got.Status != ledger.PaymentRefunded {
		t.Fatalf("payment status = %s, want refunded when fully refunded", got.Status)
	}

	// Refunded is terminal.
	if _, err := eng.CreateRefund(ctx, merchant, p.ID, 1, "again"); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("refund on refunded payment: got %v, want ErrInvalidTransition", err)
	}
}

func TestRefundRequiresSuccess(t *testing.T) {
	eng, settler, _ := newEngine(scheduler.ForcedOutcome{Status: ledger.PaymentFailed}, 0)
	ctx := context.Background()
	merchant := uuid.New().String()

	o, _ := eng.CreateOrder(ctx, merchant, validOrderSpec())
	p, _ := eng.CreatePayment(ctx, merchant, o.ID, validCard())
	settler.Wait()

	if _, err := eng.CreateRefund(ctx, merchant, p.ID, 100, "nope"); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("refund on failed payment: got %v, want ErrInvalidTransition", err)
	}
	if _, err := eng.CreateRefund(ctx, merchant, uuid.New().String(), 100, "nope"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("refund on unknown payment: got %v, want ErrNotFound", err)
	}
}

func TestMerchantIsolation(t *testing.T) {
	eng, _, _ := newEngine(scheduler.ValidatorOutcome{}, 0)
	ctx := context.Background()

	o, _ := eng.CreateOrder(ctx, uuid.New().String(), validOrderSpec())

	other := uuid.New().String()
	if _, err := eng.GetOrder(ctx, other, o.ID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("cross-merchant order read: got %v, want ErrNotFound", err)
	}
	if _, err := eng.CreatePayment(ctx, other, o.ID, validCard()); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("cross-merchant payment: got %v, want ErrNotFound", err)
	}
}
