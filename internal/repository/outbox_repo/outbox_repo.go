package outbox_repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"paylifecycle/internal/domain"
)

type outboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) *outboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) CreateMessageTx(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (id, aggregate_id, order_id, message_type, payload, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, '', $7)
	`
	_, err := querier.ExecContext(ctx, query,
		msg.ID,
		msg.AggregateID,
		msg.OrderID,
		msg.MessageType,
		msg.Payload,
		string(msg.Status),
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

// GetPendingMessagesTx locks the oldest pending rows. Rows held by another
// processor are skipped, so two replicas never publish the same message
// concurrently.
func (r *outboxRepository) GetPendingMessagesTx(ctx context.Context, querier domain.Querier, limit int) ([]domain.OutboxMessage, error) {
	query := `
		SELECT id, aggregate_id, order_id, message_type, payload, status, attempts, last_error, created_at, sent_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := querier.QueryContext(ctx, query, string(domain.OutboxStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg := domain.OutboxMessage{}
		var status string
		var sentAt sql.NullTime
		err := rows.Scan(
			&msg.ID,
			&msg.AggregateID,
			&msg.OrderID,
			&msg.MessageType,
			&msg.Payload,
			&status,
			&msg.Attempts,
			&msg.LastError,
			&msg.CreatedAt,
			&sentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		msg.Status = domain.OutboxMessageStatus(status)
		if sentAt.Valid {
			msg.SentAt = &sentAt.Time
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}

	return messages, nil
}

func (r *outboxRepository) MarkSentTx(ctx context.Context, querier domain.Querier, id string, at time.Time) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, sent_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $3
	`
	res, err := querier.ExecContext(ctx, query, string(domain.OutboxStatusSent), at, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %s sent: %w", id, err)
	}
	return requireOneRow(res, id)
}

// MarkFailedAttemptTx records a failed publish. The message stays PENDING
// until attempts reaches maxAttempts, then it is parked as FAILED.
func (r *outboxRepository) MarkFailedAttemptTx(ctx context.Context, querier domain.Querier, id string, lastErr string, maxAttempts int) error {
	query := `
		UPDATE outbox_messages
		SET attempts = attempts + 1,
		    last_error = $1,
		    status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE status END
		WHERE id = $4
	`
	res, err := querier.ExecContext(ctx, query, lastErr, maxAttempts, string(domain.OutboxStatusFailed), id)
	if err != nil {
		return fmt.Errorf("failed to record outbox attempt for %s: %w", id, err)
	}
	return requireOneRow(res, id)
}

func requireOneRow(res sql.Result, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox update (id %s): %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no outbox message found with id %s", id)
	}
	return nil
}
