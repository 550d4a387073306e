package event_ledger_repo

import (
	"context"
	"time"

	"paylifecycle/internal/domain"
)

type EventLedgerRepository interface {
	// GetOrCreateForUpdateTx inserts the event if unseen and returns the row
	// locked, so concurrent deliveries of one event ID run one at a time.
	GetOrCreateForUpdateTx(ctx context.Context, querier domain.Querier, eventID, eventType string, receivedAt time.Time) (*domain.EventLedgerEntry, bool, error)
	MarkProcessedTx(ctx context.Context, querier domain.Querier, eventID string, at time.Time) error
	ListUnprocessedTx(ctx context.Context, querier domain.Querier, olderThan time.Time, limit int) ([]domain.EventLedgerEntry, error)
}
