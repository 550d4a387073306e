package domain

type SnapshotSource string

const (
	SnapshotSourceSession SnapshotSource = "checkout_session"
	SnapshotSourceIntent  SnapshotSource = "payment_intent"
)

// Checkout session payment_status values.
const (
	SessionPaymentPaid              = "paid"
	SessionPaymentUnpaid            = "unpaid"
	SessionPaymentNoPaymentRequired = "no_payment_required"
)

// Payment intent status values.
const (
	IntentStatusSucceeded             = "succeeded"
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusCanceled              = "canceled"
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusProcessing            = "processing"
)

type SessionSnapshot struct {
	SessionID       string
	Status          string
	PaymentStatus   string
	AmountTotal     int64
	Currency        string
	PaymentIntentID string
}

type ChargeSnapshot struct {
	ID             string
	Amount         int64
	AmountRefunded int64
	Refunded       bool
	// RefundID is the most recent refund on the charge, when the gateway sent it.
	RefundID string
}

type IntentSnapshot struct {
	PaymentIntentID string
	Status          string
	Amount          int64
	Currency        string
	LastError       string
	Charges         []ChargeSnapshot
}

// GatewaySnapshot is what the gateway currently says about a payment, either
// from a checkout session or a payment intent.
type GatewaySnapshot struct {
	Source  SnapshotSource
	Session *SessionSnapshot
	Intent  *IntentSnapshot
}

func SnapshotFromSession(s *SessionSnapshot) GatewaySnapshot {
	return GatewaySnapshot{Source: SnapshotSourceSession, Session: s}
}

func SnapshotFromIntent(i *IntentSnapshot) GatewaySnapshot {
	return GatewaySnapshot{Source: SnapshotSourceIntent, Intent: i}
}

// GatewayStatus is the raw status string reported by the gateway.
func (g GatewaySnapshot) GatewayStatus() string {
	switch {
	case g.Session != nil:
		return g.Session.Status
	case g.Intent != nil:
		return g.Intent.Status
	}
	return ""
}

// GatewayPaymentStatus is only set for session snapshots.
func (g GatewaySnapshot) GatewayPaymentStatus() string {
	if g.Session != nil {
		return g.Session.PaymentStatus
	}
	return ""
}

func (g GatewaySnapshot) PaymentIntentID() string {
	switch {
	case g.Intent != nil:
		return g.Intent.PaymentIntentID
	case g.Session != nil:
		return g.Session.PaymentIntentID
	}
	return ""
}

func (g GatewaySnapshot) LastError() string {
	if g.Intent != nil {
		return g.Intent.LastError
	}
	return ""
}

func (g GatewaySnapshot) Charges() []ChargeSnapshot {
	if g.Intent != nil {
		return g.Intent.Charges
	}
	return nil
}
