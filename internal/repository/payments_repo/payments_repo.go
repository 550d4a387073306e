package payments_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paylifecycle/internal/domain"
)

const paymentColumns = `id, order_id, payer_id, amount, currency, purpose, status, description,
		checkout_session_id, payment_intent_id, charge_id, refund_id, failure_reason,
		completed_at, failed_at, refunded_at, metadata, created_at, updated_at`

type paymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *paymentRepository {
	return &paymentRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	p := &domain.Payment{}
	var (
		sessionID, intentID, chargeID, refundID sql.NullString
		completedAt, failedAt, refundedAt       sql.NullTime
		purpose, status                         string
	)
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.PayerID,
		&p.Amount,
		&p.Currency,
		&purpose,
		&status,
		&p.Description,
		&sessionID,
		&intentID,
		&chargeID,
		&refundID,
		&p.FailureReason,
		&completedAt,
		&failedAt,
		&refundedAt,
		&p.Metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Purpose = domain.PaymentPurpose(purpose)
	p.Status = domain.PaymentStatus(status)
	p.CheckoutSessionID = sessionID.String
	p.PaymentIntentID = intentID.String
	p.ChargeID = chargeID.String
	p.RefundID = refundID.String
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		p.FailedAt = &failedAt.Time
	}
	if refundedAt.Valid {
		p.RefundedAt = &refundedAt.Time
	}
	if p.Metadata == nil {
		p.Metadata = domain.Metadata{}
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *paymentRepository) CreateTx(ctx context.Context, querier domain.Querier, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := querier.ExecContext(ctx, query,
		payment.ID,
		payment.OrderID,
		payment.PayerID,
		payment.Amount,
		payment.Currency,
		string(payment.Purpose),
		string(payment.Status),
		payment.Description,
		nullString(payment.CheckoutSessionID),
		nullString(payment.PaymentIntentID),
		nullString(payment.ChargeID),
		nullString(payment.RefundID),
		payment.FailureReason,
		nullTime(payment.CompletedAt),
		nullTime(payment.FailedAt),
		nullTime(payment.RefundedAt),
		payment.Metadata,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) getOne(ctx context.Context, querier domain.Querier, where string, forUpdate bool, arg string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + where + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	payment, err := scanPayment(querier.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payment with %s %s: %w", where, arg, domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("failed to get payment by %s %s: %w", where, arg, err)
	}
	return payment, nil
}

func (r *paymentRepository) GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.Payment, error) {
	return r.getOne(ctx, querier, "id", false, id)
}

func (r *paymentRepository) GetByIDForUpdateTx(ctx context.Context, querier domain.Querier, id string) (*domain.Payment, error) {
	return r.getOne(ctx, querier, "id", true, id)
}

func (r *paymentRepository) GetByCheckoutSessionIDForUpdateTx(ctx context.Context, querier domain.Querier, sessionID string) (*domain.Payment, error) {
	return r.getOne(ctx, querier, "checkout_session_id", true, sessionID)
}

func (r *paymentRepository) GetByPaymentIntentIDForUpdateTx(ctx context.Context, querier domain.Querier, intentID string) (*domain.Payment, error) {
	return r.getOne(ctx, querier, "payment_intent_id", true, intentID)
}

func (r *paymentRepository) GetByPaymentIntentIDTx(ctx context.Context, querier domain.Querier, intentID string) (*domain.Payment, error) {
	return r.getOne(ctx, querier, "payment_intent_id", false, intentID)
}

// UpdateTx writes the mutable columns only. amount and currency are never
// touched after insert.
func (r *paymentRepository) UpdateTx(ctx context.Context, querier domain.Querier, payment *domain.Payment) error {
	query := `
		UPDATE payments
		SET status = $1,
			payment_intent_id = $2,
			charge_id = $3,
			refund_id = $4,
			failure_reason = $5,
			completed_at = $6,
			failed_at = $7,
			refunded_at = $8,
			metadata = $9,
			updated_at = $10
		WHERE id = $11
	`
	res, err := querier.ExecContext(ctx, query,
		string(payment.Status),
		nullString(payment.PaymentIntentID),
		nullString(payment.ChargeID),
		nullString(payment.RefundID),
		payment.FailureReason,
		nullTime(payment.CompletedAt),
		nullTime(payment.FailedAt),
		nullTime(payment.RefundedAt),
		payment.Metadata,
		payment.UpdatedAt,
		payment.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", payment.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for payment update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment %s for update: %w", payment.ID, domain.ErrPaymentNotFound)
	}
	return nil
}

func (r *paymentRepository) list(ctx context.Context, querier domain.Querier, query string, args ...any) ([]domain.Payment, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}

func (r *paymentRepository) count(ctx context.Context, querier domain.Querier, query string, args ...any) (int, error) {
	var n int
	if err := querier.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count payments: %w", err)
	}
	return n, nil
}

// ListInFlightCreatedBetween returns pending and processing payments created
// in [from, to), oldest first.
func (r *paymentRepository) ListInFlightCreatedBetween(ctx context.Context, querier domain.Querier, from, to time.Time, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status IN ('pending', 'processing') AND created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`
	return r.list(ctx, querier, query, from, to, limit)
}

func (r *paymentRepository) CountInFlightCreatedBetween(ctx context.Context, querier domain.Querier, from, to time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM payments
		WHERE status IN ('pending', 'processing') AND created_at >= $1 AND created_at < $2`
	return r.count(ctx, querier, query, from, to)
}

func (r *paymentRepository) ListFailedSince(ctx context.Context, querier domain.Querier, since time.Time, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'failed' AND failed_at >= $1
		ORDER BY failed_at DESC
		LIMIT $2`
	return r.list(ctx, querier, query, since, limit)
}

func (r *paymentRepository) CountFailedSince(ctx context.Context, querier domain.Querier, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM payments WHERE status = 'failed' AND failed_at >= $1`
	return r.count(ctx, querier, query, since)
}

func (r *paymentRepository) CountByStatus(ctx context.Context, querier domain.Querier) (map[domain.PaymentStatus]int, error) {
	rows, err := querier.QueryContext(ctx, `SELECT status, COUNT(*) FROM payments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count payments by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PaymentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.PaymentStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}
