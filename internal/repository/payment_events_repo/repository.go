package payment_events_repo

import (
	"context"

	"paylifecycle/internal/domain"
)

// PaymentEventRepository is append-only: there is no update or delete.
type PaymentEventRepository interface {
	AppendTx(ctx context.Context, querier domain.Querier, event *domain.PaymentEvent) error
	ListByPaymentTx(ctx context.Context, querier domain.Querier, paymentID string) ([]domain.PaymentEvent, error)
}
