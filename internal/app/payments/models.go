package payments

import (
	"time"

	"github.com/shopspring/decimal"

	"paylifecycle/internal/domain"
)

type CreateCheckoutInput struct {
	OrderID       string
	PayerID       string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CustomerEmail string
	Purpose       domain.PaymentPurpose
	SuccessURL    string
	CancelURL     string
	RequestID     string
	Platform      string
}

type CheckoutResult struct {
	PaymentID   string
	SessionID   string
	RedirectURL string
}

type RefundInput struct {
	PaymentID string
	// Amount nil refunds the whole payment.
	Amount *decimal.Decimal
	Reason string
	Actor  string
}

type RefundOutcome struct {
	Payment        *domain.Payment
	RefundID       string
	RefundedAmount decimal.Decimal
	GatewayStatus  string
	// AlreadyApplied is true when a webhook moved the payment before the
	// refund call returned; the refund details are still recorded.
	AlreadyApplied bool
}

type AdminStatusInput struct {
	PaymentID string
	Status    domain.PaymentStatus
	Note      string
	Actor     string
}

// Dispute is the part of a gateway dispute kept in payment metadata.
type Dispute struct {
	ID        string
	Reason    string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

type PaymentBucket struct {
	Count    int
	Payments []domain.Payment
}

type NeedsPollingReport struct {
	RecentPending PaymentBucket
	OldPending    PaymentBucket
	FailedRecent  PaymentBucket
	GeneratedAt   time.Time
}
