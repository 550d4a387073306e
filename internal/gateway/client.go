package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"paylifecycle/internal/domain"
)

// Client is everything the service needs from the payment processor. It holds
// no local state: persisting what it returns is the caller's job.
type Client interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	RetrieveSessionStatus(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error)
	RetrievePaymentIntentStatus(ctx context.Context, intentID string) (*domain.IntentSnapshot, error)
}

type CheckoutRequest struct {
	PaymentID     string
	OrderID       string
	PayerID       string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CustomerEmail string
	Purpose       domain.PaymentPurpose
	SuccessURL    string
	CancelURL     string
}

type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

type RefundRequest struct {
	PaymentID       string
	PaymentIntentID string
	// Amount nil means refund everything that is left.
	Amount *decimal.Decimal
	Reason string
}

type RefundResult struct {
	RefundID       string
	RefundedAmount decimal.Decimal
	Status         string
}
