package event_ledger_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paylifecycle/internal/domain"

	"github.com/lib/pq"
)

type eventLedgerRepository struct {
	db *sql.DB
}

func NewEventLedgerRepository(db *sql.DB) *eventLedgerRepository {
	return &eventLedgerRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *eventLedgerRepository) GetOrCreateForUpdateTx(ctx context.Context, querier domain.Querier, eventID, eventType string, receivedAt time.Time) (*domain.EventLedgerEntry, bool, error) {
	insert := `
		INSERT INTO event_ledger (event_id, event_type, processed, received_at)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (event_id) DO NOTHING
	`
	created := false
	res, err := querier.ExecContext(ctx, insert, eventID, eventType, receivedAt)
	switch {
	case err == nil:
		if n, rowsErr := res.RowsAffected(); rowsErr == nil && n == 1 {
			created = true
		}
	case isUniqueViolation(err):
		// Another writer won the insert; fall through and read its row.
	default:
		return nil, false, fmt.Errorf("failed to insert event ledger entry %s: %w", eventID, err)
	}

	query := `
		SELECT event_id, event_type, processed, processed_at, received_at
		FROM event_ledger
		WHERE event_id = $1
		FOR UPDATE
	`
	entry := &domain.EventLedgerEntry{}
	var processedAt sql.NullTime
	err = querier.QueryRowContext(ctx, query, eventID).Scan(
		&entry.EventID,
		&entry.EventType,
		&entry.Processed,
		&processedAt,
		&entry.ReceivedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock event ledger entry %s: %w", eventID, err)
	}
	if processedAt.Valid {
		entry.ProcessedAt = &processedAt.Time
	}
	return entry, created, nil
}

// MarkProcessedTx flips processed from false to true. Marking an already
// processed entry is an error: it means business logic ran twice.
func (r *eventLedgerRepository) MarkProcessedTx(ctx context.Context, querier domain.Querier, eventID string, at time.Time) error {
	query := `
		UPDATE event_ledger
		SET processed = TRUE, processed_at = $1
		WHERE event_id = $2 AND processed = FALSE
	`
	res, err := querier.ExecContext(ctx, query, at, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", eventID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for event ledger update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("event %s not found or already processed", eventID)
	}
	return nil
}

func (r *eventLedgerRepository) ListUnprocessedTx(ctx context.Context, querier domain.Querier, olderThan time.Time, limit int) ([]domain.EventLedgerEntry, error) {
	query := `
		SELECT event_id, event_type, processed, processed_at, received_at
		FROM event_ledger
		WHERE processed = FALSE AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`
	rows, err := querier.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var entries []domain.EventLedgerEntry
	for rows.Next() {
		var e domain.EventLedgerEntry
		var processedAt sql.NullTime
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Processed, &processedAt, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event ledger entry: %w", err)
		}
		if processedAt.Valid {
			e.ProcessedAt = &processedAt.Time
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event ledger: %w", err)
	}
	return entries, nil
}
