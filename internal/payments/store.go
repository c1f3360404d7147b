package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
	"github.com/joao-fontenele/gallery-checkout/internal/orders"
)

// Store is the transactional view of orders, payments and processed gateway
// events that reconciliation needs.
type Store interface {
	// InTx runs fn in a single transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error
	PaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error)
	ListPayments(ctx context.Context, status domain.PaymentStatus) ([]domain.Payment, error)
}

// Tx methods return (nil, nil) when a row does not exist. Lock methods hold
// the row until the transaction ends.
type Tx interface {
	LockOrderByID(ctx context.Context, id string) (*domain.Order, error)
	LockOrderByReference(ctx context.Context, reference string) (*domain.Order, error)
	LockPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error)
	LockPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	// RecordEvent reports false when (reference, eventType) was already recorded.
	RecordEvent(ctx context.Context, reference, eventType string) (bool, error)
	// SavePayment upserts on order_id, so an order keeps a single payment.
	SavePayment(ctx context.Context, p *domain.Payment) error
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, needsReview bool) error
	SetOrderReference(ctx context.Context, orderID, reference string) error
}

const paymentColumns = `id, order_id, amount, currency, status, method, gateway_ref,
	COALESCE(access_code, ''), metadata, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) PaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE gateway_ref = $1
	`, reference))
}

func (s *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, domain.PaymentStatusPending, before, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (s *PostgresStore) ListPayments(ctx context.Context, status domain.PaymentStatus) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) LockOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(t.tx.QueryRowContext(ctx, `
		SELECT `+orders.SelectColumns+`
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t *postgresTx) LockOrderByReference(ctx context.Context, reference string) (*domain.Order, error) {
	return scanOrder(t.tx.QueryRowContext(ctx, `
		SELECT `+orders.SelectColumns+`
		FROM orders
		WHERE gateway_ref = $1
		FOR UPDATE
	`, reference))
}

func (t *postgresTx) LockPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		FOR UPDATE
	`, orderID))
}

func (t *postgresTx) LockPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE gateway_ref = $1
		FOR UPDATE
	`, reference))
}

func (t *postgresTx) RecordEvent(ctx context.Context, reference, eventType string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO webhook_events (reference, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (reference, event_type) DO NOTHING
	`, reference, eventType)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func (t *postgresTx) SavePayment(ctx context.Context, p *domain.Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal payment metadata: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()

	return t.tx.QueryRowContext(ctx, `
		INSERT INTO payments (id, order_id, amount, currency, status, method, gateway_ref, access_code, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (order_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			method = EXCLUDED.method,
			gateway_ref = EXCLUDED.gateway_ref,
			access_code = EXCLUDED.access_code,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, p.ID, p.OrderID, p.Amount, p.Currency, p.Status, p.Method, p.GatewayRef, p.AccessCode, string(metadata), p.UpdatedAt,
	).Scan(&p.ID, &p.CreatedAt)
}

func (t *postgresTx) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, needsReview bool) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, needs_review = $2, updated_at = NOW()
		WHERE id = $3
	`, status, needsReview, orderID)
	return err
}

func (t *postgresTx) SetOrderReference(ctx context.Context, orderID, reference string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET gateway_ref = $1, updated_at = NOW()
		WHERE id = $2
	`, reference, orderID)
	return err
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	order, err := orders.ScanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return order, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaymentRow(row rowScanner) (*domain.Payment, error) {
	p := &domain.Payment{}
	var metadata []byte
	err := row.Scan(
		&p.ID, &p.OrderID, &p.Amount, &p.Currency, &p.Status, &p.Method, &p.GatewayRef,
		&p.AccessCode, &metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for payment %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func scanPayment(row *sql.Row) (*domain.Payment, error) {
	p, err := scanPaymentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func collectPayments(rows *sql.Rows) ([]domain.Payment, error) {
	defer func() { _ = rows.Close() }()

	payments := []domain.Payment{}
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}
