package domain

import "time"

type OutboxMessageStatus string

const (
	OutboxStatusPending OutboxMessageStatus = "PENDING"
	OutboxStatusSent    OutboxMessageStatus = "SENT"
	OutboxStatusFailed  OutboxMessageStatus = "FAILED"
)

const (
	OutboxTypePaymentCompleted = "payment.completed"
	OutboxTypePaymentRefunded  = "payment.refunded"
)

// OutboxMessage is an order callback waiting to be published. It is written
// in the same transaction as the payment transition that caused it.
type OutboxMessage struct {
	ID          string
	AggregateID string
	OrderID     string
	MessageType string
	Payload     []byte
	Status      OutboxMessageStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	SentAt      *time.Time
}
