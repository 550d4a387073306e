package outbox_repo

import (
	"context"
	"time"

	"paylifecycle/internal/domain"
)

type OutboxRepository interface {
	CreateMessageTx(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error
	GetPendingMessagesTx(ctx context.Context, querier domain.Querier, limit int) ([]domain.OutboxMessage, error)
	MarkSentTx(ctx context.Context, querier domain.Querier, id string, at time.Time) error
	MarkFailedAttemptTx(ctx context.Context, querier domain.Querier, id string, lastErr string, maxAttempts int) error
}
