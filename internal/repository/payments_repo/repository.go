package payments_repo

import (
	"context"
	"time"

	"paylifecycle/internal/domain"
)

type PaymentRepository interface {
	CreateTx(ctx context.Context, querier domain.Querier, payment *domain.Payment) error
	GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.Payment, error)
	// The ForUpdate variants lock the row until the surrounding transaction ends.
	GetByIDForUpdateTx(ctx context.Context, querier domain.Querier, id string) (*domain.Payment, error)
	GetByCheckoutSessionIDForUpdateTx(ctx context.Context, querier domain.Querier, sessionID string) (*domain.Payment, error)
	GetByPaymentIntentIDForUpdateTx(ctx context.Context, querier domain.Querier, intentID string) (*domain.Payment, error)
	GetByPaymentIntentIDTx(ctx context.Context, querier domain.Querier, intentID string) (*domain.Payment, error)
	UpdateTx(ctx context.Context, querier domain.Querier, payment *domain.Payment) error

	ListInFlightCreatedBetween(ctx context.Context, querier domain.Querier, from, to time.Time, limit int) ([]domain.Payment, error)
	CountInFlightCreatedBetween(ctx context.Context, querier domain.Querier, from, to time.Time) (int, error)
	ListFailedSince(ctx context.Context, querier domain.Querier, since time.Time, limit int) ([]domain.Payment, error)
	CountFailedSince(ctx context.Context, querier domain.Querier, since time.Time) (int, error)
	CountByStatus(ctx context.Context, querier domain.Querier) (map[domain.PaymentStatus]int, error)
}
