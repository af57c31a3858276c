// Package scheduler drives processing payments to a terminal state
// after a simulated bank-side delay. Delay and outcome are injected
// strategies so deterministic test mode never leaks branches into the
// validator.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"payline/gateway/internal/ledger"
	"payline/gateway/internal/validator"
)

// Notifier receives settlement outcomes after the store write lands.
type Notifier interface {
	PaymentSettled(p *ledger.Payment)
}

type DelayStrategy interface {
	Delay() time.Duration
}

// RandomDelay is the normal mode: uniform between Min and Max.
type RandomDelay struct {
	Min, Max time.Duration
}

func (d RandomDelay) Delay() time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + rand.N(d.Max-d.Min)
}

// FixedDelay is deterministic test mode.
type FixedDelay struct {
	D time.Duration
}

func (d FixedDelay) Delay() time.Duration { return d.D }

// OutcomeStrategy decides the terminal status for a payment.
type OutcomeStrategy interface {
	Decide(p *ledger.Payment) (ledger.PaymentStatus, string)
}

// ValidatorOutcome settles by re-running the instrument checks
// against the stored details.
type ValidatorOutcome struct{}

func (ValidatorOutcome) Decide(p *ledger.Payment) (ledger.PaymentStatus, string) {
	switch p.Instrument.Method {
	case ledger.MethodCard:
		card := p.Instrument.Card
		if card == nil {
			return ledger.PaymentFailed, "card_details_missing"
		}
		res := validator.ValidateCard(card.Number, card.ExpiryMonth, card.ExpiryYear, card.CVV, time.Now())
		if !res.OK {
			return ledger.PaymentFailed, res.Reason
		}
		return ledger.PaymentSuccess, ""
	case ledger.MethodUPI:
		if p.Instrument.UPI == nil || !validator.ValidateUPI(p.Instrument.UPI.VPA) {
			return ledger.PaymentFailed, "vpa_invalid"
		}
		return ledger.PaymentSuccess, ""
	}
	return ledger.PaymentFailed, "unsupported_method"
}

// ForcedOutcome short-circuits validation with a fixed result.
type ForcedOutcome struct {
	Status ledger.PaymentStatus
}

func (f ForcedOutcome) Decide(*ledger.Payment) (ledger.PaymentStatus, string) {
	if f.Status == ledger.PaymentFailed {
		return ledger.PaymentFailed, "forced_failure"
	}
	return ledger.PaymentSuccess, ""
}

type Config struct {
	RetryMax      int
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// Settler runs one delayed task per payment and owns the only write
// path from processing to a terminal status.
type Settler struct {
	store     ledger.Store
	delay     DelayStrategy
	outcome   OutcomeStrategy
	logger    *slog.Logger
	cfg       Config
	notifiers []Notifier

	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup
}

func New(store ledger.Store, delay DelayStrategy, outcome OutcomeStrategy, logger *slog.Logger, cfg Config) *Settler {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Settler{
		store:   store,
		delay:   delay,
		outcome: outcome,
		logger:  logger,
		cfg:     cfg,
	}
}

// AddNotifier registers a settlement listener. Not safe to call after
// Start.
func (s *Settler) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Start binds the settler to ctx and launches the stale-payment
// watchdog. Scheduled tasks stop firing once ctx is cancelled; any
// payment caught mid-delay stays processing and is reported by the
// watchdog on the next run.
func (s *Settler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	go s.watchdog(ctx)
}

// Wait blocks until in-flight settlement tasks finish.
func (s *Settler) Wait() {
	s.wg.Wait()
}

// Schedule queues a single delayed settlement for the payment.
func (s *Settler) Schedule(paymentID string) {
	ctx := s.runCtx()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(s.delay.Delay())
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.settle(ctx, paymentID)
	}()
}

func (s *Settler) settle(ctx context.Context, paymentID string) {
	var p *ledger.Payment
	err := s.withRetry(ctx, func() error {
		var err error
		p, err = s.store.GetPayment(ctx, "", paymentID)
		return err
	})
	if err != nil {
		s.logger.Error("settlement read failed", "payment_id", paymentID, "err", err)
		return
	}

	// Guards against duplicate scheduling: someone already moved it.
	if p.Status != ledger.PaymentProcessing {
		s.logger.Warn("payment no longer processing, skipping", "payment_id", paymentID, "status", p.Status)
		return
	}

	status, reason := s.outcome.Decide(p)

	err = s.withRetry(ctx, func() error {
		return s.store.UpdatePaymentStatus(ctx, paymentID, ledger.PaymentProcessing, status, reason)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			s.logger.Warn("payment transitioned concurrently", "payment_id", paymentID)
			return
		}
		s.logger.Error("settlement write failed", "payment_id", paymentID, "err", err)
		return
	}

	orderStatus := ledger.OrderSuccess
	if status == ledger.PaymentFailed {
		orderStatus = ledger.OrderFailed
	}
	err = s.withRetry(ctx, func() error {
		return s.store.UpdateOrderStatus(ctx, p.OrderID, ledger.OrderProcessing, orderStatus)
	})
	if err != nil {
		s.logger.Error("order mirror failed", "order_id", p.OrderID, "err", err)
	}

	p.Status = status
	p.ErrorMessage = reason
	for _, n := range s.notifiers {
		n.PaymentSettled(p)
	}

	s.logger.Info("payment settled", "payment_id", paymentID, "order_id", p.OrderID, "status", status)
}

// withRetry retries transient store failures with exponential backoff
// up to the configured budget. Non-transient errors return at once.
func (s *Settler) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}
		err = fn()
		if err == nil || !errors.Is(err, ledger.ErrStorageUnavailable) {
			return err
		}
	}
	return errors.Join(ledger.ErrExhausted, err)
}

func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	delay := time.Duration(1<<attempts) * 100 * time.Millisecond
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}

// watchdog periodically reports payments stuck in processing past the
// allowed settlement window. It never transitions them; a stuck
// payment is an operational error, not a state-machine event.
func (s *Settler) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stale, err := s.store.ListStaleProcessing(ctx, time.Now().UTC().Add(-s.cfg.StaleAfter))
		if err != nil {
			s.logger.Error("stale sweep failed", "err", err)
			continue
		}
		for _, p := range stale {
			s.logger.Error("payment stuck in processing",
				"payment_id", p.ID, "order_id", p.OrderID, "age", time.Since(p.CreatedAt).Round(time.Second))
		}
	}
}

func (s *Settler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
