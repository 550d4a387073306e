package payment_events_repo

import (
	"context"
	"database/sql"
	"fmt"

	"paylifecycle/internal/domain"
)

type paymentEventRepository struct {
	db *sql.DB
}

func NewPaymentEventRepository(db *sql.DB) *paymentEventRepository {
	return &paymentEventRepository{db: db}
}

func (r *paymentEventRepository) AppendTx(ctx context.Context, querier domain.Querier, event *domain.PaymentEvent) error {
	query := `
		INSERT INTO payment_events (id, payment_id, event_type, status, amount, currency, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := querier.ExecContext(ctx, query,
		event.ID,
		event.PaymentID,
		string(event.Type),
		string(event.Status),
		event.Amount,
		event.Currency,
		event.Message,
		event.Metadata,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append payment event for %s: %w", event.PaymentID, err)
	}
	return nil
}

func (r *paymentEventRepository) ListByPaymentTx(ctx context.Context, querier domain.Querier, paymentID string) ([]domain.PaymentEvent, error) {
	query := `
		SELECT id, payment_id, event_type, status, amount, currency, message, metadata, created_at
		FROM payment_events
		WHERE payment_id = $1
		ORDER BY created_at ASC
	`
	rows, err := querier.QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment events for %s: %w", paymentID, err)
	}
	defer rows.Close()

	var events []domain.PaymentEvent
	for rows.Next() {
		var e domain.PaymentEvent
		var typ, status string
		if err := rows.Scan(&e.ID, &e.PaymentID, &typ, &status, &e.Amount, &e.Currency, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment event: %w", err)
		}
		e.Type = domain.PaymentEventType(typ)
		e.Status = domain.PaymentStatus(status)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payment events: %w", err)
	}
	return events, nil
}
