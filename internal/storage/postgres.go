package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payline/gateway/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements ledger.Store on a pgx pool. Compare-and-swap
// updates are single guarded statements; the one-live-payment rule is
// the partial unique index in the schema.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(db *DB) *Postgres {
	return &Postgres{pool: db.Pool()}
}

func (s *Postgres) CreateOrder(ctx context.Context, o *ledger.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, merchant_id, amount, currency, customer_id, customer_email, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.MerchantID, o.Amount, o.Currency, o.CustomerID, o.CustomerEmail, o.Description, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return storeErr("insert order", err)
	}
	return nil
}

func (s *Postgres) GetOrder(ctx context.Context, merchantID, orderID string) (*ledger.Order, error) {
	query := `
		SELECT id, merchant_id, amount, currency, customer_id, customer_email, description, status, created_at, updated_at
		FROM orders
		WHERE id = $1`
	args := []any{orderID}
	if merchantID != "" {
		query += ` AND merchant_id = $2`
		args = append(args, merchantID)
	}

	var o ledger.Order
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&o.ID, &o.MerchantID, &o.Amount, &o.Currency, &o.CustomerID, &o.CustomerEmail, &o.Description, &o.Status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, storeErr("get order", err)
	}
	return &o, nil
}

func (s *Postgres) UpdateOrderStatus(ctx context.Context, orderID string, from, to ledger.OrderStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		orderID, from, to,
	)
	if err != nil {
		return storeErr("update order status", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casMiss(ctx, "orders", orderID)
	}
	return nil
}

func (s *Postgres) CreatePayment(ctx context.Context, p *ledger.Payment) error {
	instrument, err := json.Marshal(p.Instrument)
	if err != nil {
		return fmt.Errorf("marshal instrument: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, merchant_id, method, amount, status, instrument_summary, instrument, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OrderID, p.MerchantID, p.Method, p.Amount, p.Status, p.InstrumentSummary, instrument, p.ErrorMessage, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.ErrDuplicatePayment
		}
		return storeErr("insert payment", err)
	}
	return nil
}

func (s *Postgres) GetPayment(ctx context.Context, merchantID, paymentID string) (*ledger.Payment, error) {
	query := `
		SELECT id, order_id, merchant_id, method, amount, status, instrument_summary, instrument, error_message, created_at, updated_at
		FROM payments
		WHERE id = $1`
	args := []any{paymentID}
	if merchantID != "" {
		query += ` AND merchant_id = $2`
		args = append(args, merchantID)
	}

	p, err := scanPayment(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, storeErr("get payment", err)
	}
	return p, nil
}

func (s *Postgres) ListPaymentsByOrder(ctx context.Context, merchantID, orderID string) ([]ledger.Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, merchant_id, method, amount, status, instrument_summary, instrument, error_message, created_at, updated_at
		FROM payments
		WHERE order_id = $1 AND merchant_id = $2
		ORDER BY created_at`,
		orderID, merchantID,
	)
	if err != nil {
		return nil, storeErr("list payments", err)
	}
	defer rows.Close()

	var result []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *Postgres) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to ledger.PaymentStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		paymentID, from, to, errMsg,
	)
	if err != nil {
		return storeErr("update payment status", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casMiss(ctx, "payments", paymentID)
	}
	return nil
}

func (s *Postgres) CreateRefund(ctx context.Context, r *ledger.Refund) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storeErr("begin refund tx", err)
	}
	defer tx.Rollback(ctx)

	var amount int64
	var status ledger.PaymentStatus
	err = tx.QueryRow(ctx, `
		SELECT amount, status
		FROM payments
		WHERE id = $1
		FOR UPDATE`,
		r.PaymentID,
	).Scan(&amount, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrNotFound
		}
		return storeErr("lock payment", err)
	}
	if status != ledger.PaymentSuccess {
		return ledger.ErrInvalidTransition
	}

	var refunded int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM refunds
		WHERE payment_id = $1`,
		r.PaymentID,
	).Scan(&refunded)
	if err != nil {
		return storeErr("sum refunds", err)
	}
	if refunded+r.Amount > amount {
		return ledger.ErrInvalidInput
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refunds (id, payment_id, merchant_id, amount, reason, status, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.PaymentID, r.MerchantID, r.Amount, r.Reason, r.Status, r.CreatedAt, r.CompletedAt,
	)
	if err != nil {
		return storeErr("insert refund", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit refund", err)
	}
	return nil
}

func (s *Postgres) GetRefund(ctx context.Context, merchantID, refundID string) (*ledger.Refund, error) {
	query := `
		SELECT id, payment_id, merchant_id, amount, reason, status, created_at, completed_at
		FROM refunds
		WHERE id = $1`
	args := []any{refundID}
	if merchantID != "" {
		query += ` AND merchant_id = $2`
		args = append(args, merchantID)
	}

	var r ledger.Refund
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&r.ID, &r.PaymentID, &r.MerchantID, &r.Amount, &r.Reason, &r.Status, &r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, storeErr("get refund", err)
	}
	return &r, nil
}

func (s *Postgres) ListRefundsByPayment(ctx context.Context, paymentID string) ([]ledger.Refund, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payment_id, merchant_id, amount, reason, status, created_at, completed_at
		FROM refunds
		WHERE payment_id = $1
		ORDER BY created_at`,
		paymentID,
	)
	if err != nil {
		return nil, storeErr("list refunds", err)
	}
	defer rows.Close()

	var result []ledger.Refund
	for rows.Next() {
		var r ledger.Refund
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.MerchantID, &r.Amount, &r.Reason, &r.Status, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Postgres) UpdateRefundStatus(ctx context.Context, refundID string, from, to ledger.RefundStatus, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refunds
		SET status = $3, completed_at = $4
		WHERE id = $1 AND status = $2`,
		refundID, from, to, completedAt,
	)
	if err != nil {
		return storeErr("update refund status", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casMiss(ctx, "refunds", refundID)
	}
	return nil
}

func (s *Postgres) ListTransactions(ctx context.Context, merchantID string, from, to time.Time) ([]ledger.TransactionRecord, error) {
	query := `
		SELECT p.id, p.order_id, p.method, p.amount, o.currency, p.status, p.created_at
		FROM payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.merchant_id = $1`
	args := []any{merchantID}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND p.created_at >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND p.created_at < $%d", len(args))
	}
	query += " ORDER BY p.created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	defer rows.Close()

	var result []ledger.TransactionRecord
	for rows.Next() {
		var t ledger.TransactionRecord
		if err := rows.Scan(&t.PaymentID, &t.OrderID, &t.Method, &t.Amount, &t.Currency, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Postgres) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]ledger.Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, merchant_id, method, amount, status, instrument_summary, instrument, error_message, created_at, updated_at
		FROM payments
		WHERE status = 'processing' AND created_at < $1
		ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, storeErr("list stale payments", err)
	}
	defer rows.Close()

	var result []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*ledger.Payment, error) {
	var p ledger.Payment
	var instrument []byte
	err := row.Scan(
		&p.ID, &p.OrderID, &p.MerchantID, &p.Method, &p.Amount, &p.Status, &p.InstrumentSummary, &instrument, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(instrument, &p.Instrument); err != nil {
		return nil, fmt.Errorf("unmarshal instrument: %w", err)
	}
	return &p, nil
}

// casMiss distinguishes a missing row from a guard mismatch after a
// zero-row compare-and-swap update.
func (s *Postgres) casMiss(ctx context.Context, table, id string) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return storeErr("check "+table, err)
	}
	if !exists {
		return ledger.ErrNotFound
	}
	return ledger.ErrInvalidTransition
}

// storeErr classifies driver failures as transient so the scheduler's
// retry loop can match on ledger.ErrStorageUnavailable.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ledger.ErrStorageUnavailable, err))
}
