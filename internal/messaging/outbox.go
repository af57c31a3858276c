package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"payline/gateway/internal/contracts"
	"payline/gateway/internal/ledger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	eventPaymentSettled  = "payments.settled"
	eventRefundCompleted = "refunds.completed"
)

// OutboxWriter records settlement and refund events in the
// settlement_outbox table; the Dispatcher ships them to the broker.
// Writing the row is best effort relative to the status update that
// triggered it; the event_id uniqueness keeps replays idempotent
// downstream.
type OutboxWriter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewOutboxWriter(pool *pgxpool.Pool, logger *slog.Logger) *OutboxWriter {
	return &OutboxWriter{pool: pool, logger: logger}
}

func (w *OutboxWriter) PaymentSettled(p *ledger.Payment) {
	evt := contracts.PaymentSettledEvent{
		EventID:    uuid.New().String(),
		PaymentID:  p.ID,
		OrderID:    p.OrderID,
		MerchantID: p.MerchantID,
		Method:     string(p.Method),
		Amount:     p.Amount,
		Status:     string(p.Status),
		Reason:     p.ErrorMessage,
		SettledAt:  time.Now().UTC(),
	}
	w.append(evt.EventID, eventPaymentSettled, evt)
}

func (w *OutboxWriter) RefundCompleted(r *ledger.Refund) {
	completedAt := time.Now().UTC()
	if r.CompletedAt != nil {
		completedAt = *r.CompletedAt
	}
	evt := contracts.RefundCompletedEvent{
		EventID:     uuid.New().String(),
		RefundID:    r.ID,
		PaymentID:   r.PaymentID,
		MerchantID:  r.MerchantID,
		Amount:      r.Amount,
		CompletedAt: completedAt,
	}
	w.append(evt.EventID, eventRefundCompleted, evt)
}

func (w *OutboxWriter) append(eventID, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("marshal outbox event", "type", eventType, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = w.pool.Exec(ctx, `
		INSERT INTO settlement_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, body,
	)
	if err != nil {
		w.logger.Error("append outbox event", "type", eventType, "err", err)
	}
}

// Dispatcher drains the settlement_outbox: locks a batch, publishes
// each row, and reschedules failures with exponential backoff.
type Dispatcher struct {
	pool      *pgxpool.Pool
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

type outboxRow struct {
	ID        int64
	EventType string
	Payload   []byte
	Attempts  int
}

func NewDispatcher(pool *pgxpool.Pool, publisher Publisher, interval time.Duration, batch int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:      pool,
		publisher: publisher,
		interval:  interval,
		batchSize: batch,
		logger:    logger,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.dispatch(ctx); err != nil {
			d.logger.Error("outbox dispatch failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context) error {
	rows, err := d.lockRows(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := d.publishOne(ctx, row); err != nil {
			d.logger.Warn("publish event failed", "row_id", row.ID, "type", row.EventType, "err", err)
		}
	}
	return nil
}

func (d *Dispatcher) lockRows(ctx context.Context) ([]outboxRow, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, payload, attempts
		FROM settlement_outbox
		WHERE status IN ('pending', 'processing') AND next_retry <= NOW()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		d.batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var items []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.ID, &row.EventType, &row.Payload, &row.Attempts); err != nil {
			return nil, err
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit(ctx)
	}

	releaseAt := time.Now().Add(30 * time.Second)
	for _, row := range items {
		if _, err := tx.Exec(ctx, `
			UPDATE settlement_outbox
			SET status = 'processing', next_retry = $2, updated_at = NOW()
			WHERE id = $1`,
			row.ID, releaseAt,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (d *Dispatcher) publishOne(ctx context.Context, row outboxRow) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, "", row.Payload); err != nil {
		return d.markFailure(ctx, row, err)
	}

	_, err := d.pool.Exec(ctx, `
		UPDATE settlement_outbox
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1`,
		row.ID,
	)
	return err
}

func (d *Dispatcher) markFailure(ctx context.Context, row outboxRow, publishErr error) error {
	nextRetry := time.Now().Add(publishBackoff(row.Attempts + 1))
	if _, err := d.pool.Exec(ctx, `
		UPDATE settlement_outbox
		SET status = 'pending',
		    attempts = attempts + 1,
		    next_retry = $2,
		    updated_at = NOW()
		WHERE id = $1`,
		row.ID, nextRetry,
	); err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	return publishErr
}

func publishBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
