package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// AllPaymentStatuses lists statuses in lifecycle order.
var AllPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusProcessing,
	PaymentStatusSucceeded,
	PaymentStatusFailed,
	PaymentStatusCancelled,
	PaymentStatusRefunded,
	PaymentStatusPartiallyRefunded,
}

func (s PaymentStatus) Valid() bool {
	for _, st := range AllPaymentStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the poller can stop watching a payment in this status.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSucceeded,
		PaymentStatusFailed,
		PaymentStatusRefunded,
		PaymentStatusPartiallyRefunded,
		PaymentStatusCancelled:
		return true
	}
	return false
}

func (s PaymentStatus) IsRefund() bool {
	return s == PaymentStatusRefunded || s == PaymentStatusPartiallyRefunded
}

type PaymentPurpose string

const (
	PaymentPurposeDeposit       PaymentPurpose = "deposit"
	PaymentPurposeFull          PaymentPurpose = "full_payment"
	PaymentPurposeFinal         PaymentPurpose = "final_payment"
	PaymentPurposeAdditionalFee PaymentPurpose = "additional_fee"
	PaymentPurposeRefund        PaymentPurpose = "refund"
)

func (p PaymentPurpose) Valid() bool {
	switch p {
	case PaymentPurposeDeposit, PaymentPurposeFull, PaymentPurposeFinal, PaymentPurposeAdditionalFee, PaymentPurposeRefund:
		return true
	}
	return false
}

// Payment is one money movement against an order. Amount and Currency never
// change after creation.
type Payment struct {
	ID          string
	OrderID     string
	PayerID     string
	Amount      decimal.Decimal
	Currency    string
	Purpose     PaymentPurpose
	Status      PaymentStatus
	Description string

	CheckoutSessionID string
	PaymentIntentID   string
	ChargeID          string
	RefundID          string
	FailureReason     string

	CompletedAt *time.Time
	FailedAt    *time.Time
	RefundedAt  *time.Time

	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MinorUnits converts Amount to the smallest currency unit (cents).
func (p *Payment) MinorUnits() int64 {
	return ToMinorUnits(p.Amount)
}

func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}

// GatewayReference returns the identifier used to ask the gateway about this
// payment. The payment intent wins over the checkout session.
func (p *Payment) GatewayReference() (SnapshotSource, string, error) {
	if p.PaymentIntentID != "" {
		return SnapshotSourceIntent, p.PaymentIntentID, nil
	}
	if p.CheckoutSessionID != "" {
		return SnapshotSourceSession, p.CheckoutSessionID, nil
	}
	return "", "", ErrNoGatewayReference
}
