package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentEventType string

const (
	PaymentEventCreated           PaymentEventType = "payment_created"
	PaymentEventProcessingStarted PaymentEventType = "processing_started"
	PaymentEventSucceeded         PaymentEventType = "payment_succeeded"
	PaymentEventFailed            PaymentEventType = "payment_failed"
	PaymentEventCancelled         PaymentEventType = "payment_cancelled"
	PaymentEventRefunded          PaymentEventType = "payment_refunded"
	PaymentEventDisputeCreated    PaymentEventType = "dispute_created"
	PaymentEventAdminOverride     PaymentEventType = "admin_override"
)

// PaymentEvent - запись аудита. Never updated or deleted.
type PaymentEvent struct {
	ID        string
	PaymentID string
	Type      PaymentEventType
	Status    PaymentStatus
	Amount    decimal.Decimal
	Currency  string
	Message   string
	Metadata  Metadata
	CreatedAt time.Time
}

// EventTypeForStatus maps a status reached by a transition to its audit type.
func EventTypeForStatus(s PaymentStatus) PaymentEventType {
	switch s {
	case PaymentStatusProcessing:
		return PaymentEventProcessingStarted
	case PaymentStatusSucceeded:
		return PaymentEventSucceeded
	case PaymentStatusFailed:
		return PaymentEventFailed
	case PaymentStatusCancelled:
		return PaymentEventCancelled
	case PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return PaymentEventRefunded
	}
	return PaymentEventAdminOverride
}

// NewPaymentEvent snapshots the payment as it is right now.
func NewPaymentEvent(id string, p *Payment, typ PaymentEventType, message string, now time.Time) *PaymentEvent {
	return &PaymentEvent{
		ID:        id,
		PaymentID: p.ID,
		Type:      typ,
		Status:    p.Status,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Message:   message,
		Metadata: Metadata{
			"payment_status": string(p.Status),
			"payment_type":   string(p.Purpose),
			"amount":         p.Amount.StringFixed(2),
			"currency":       p.Currency,
		},
		CreatedAt: now,
	}
}
