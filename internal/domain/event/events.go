package event

import "time"

// Status values understood by the order system.
const (
	StatusSuccess           = "SUCCESS"
	StatusRefunded          = "REFUNDED"
	StatusPartiallyRefunded = "PARTIALLY_REFUNDED"
)

// PaymentStatusUpdateEvent - событие, публикуемое для Order Service.
// SUCCESS asks the order system to CompletePayment(order_id); the refund
// statuses tell it a refund was issued. Consumers must be idempotent on
// payment_id + type.
type PaymentStatusUpdateEvent struct {
	Type      string    `json:"type"`
	PaymentID string    `json:"payment_id"`
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Purpose   string    `json:"payment_type"`
	Status    string    `json:"status"`
	RefundID  string    `json:"refund_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
