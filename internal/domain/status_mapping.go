package domain

import "time"

// MapGatewayStateToLocalStatus is the single status decision shared by webhook
// ingestion and the reconciliation poller. Given the same gateway state both
// paths land on the same local status.
//
// paymentMinor is the payment amount in minor units, used for the refund
// comparison when the charge carries no amount. A result that the state
// machine cannot reach from current collapses to current.
func MapGatewayStateToLocalStatus(current PaymentStatus, snap GatewaySnapshot, paymentMinor int64) PaymentStatus {
	path := GatewayStatusPath(current, snap, paymentMinor)
	if len(path) == 0 {
		return current
	}
	return path[len(path)-1]
}

// GatewayStatusPath lists the statuses to apply, in order, to bring current
// in line with snap. It is empty when nothing changes.
//
// A refunded charge on a captured payment that we still hold as pending or
// processing means the success notification never reached us. The path then
// goes through succeeded first, so completed_at is stamped and the order
// callback fires exactly as if the events had arrived in order.
func GatewayStatusPath(current PaymentStatus, snap GatewaySnapshot, paymentMinor int64) []PaymentStatus {
	base := baseGatewayStatus(current, snap)
	target := base
	if refund, ok := refundStatus(snap.Charges(), paymentMinor); ok {
		target = refund
	}

	switch {
	case target == current:
		return nil
	case CanTransition(current, target):
		return []PaymentStatus{target}
	case target.IsRefund() && base == PaymentStatusSucceeded && CanTransition(current, PaymentStatusSucceeded):
		return []PaymentStatus{PaymentStatusSucceeded, target}
	}
	return nil
}

func baseGatewayStatus(current PaymentStatus, snap GatewaySnapshot) PaymentStatus {
	switch snap.Source {
	case SnapshotSourceSession:
		if snap.Session != nil {
			switch snap.Session.PaymentStatus {
			case SessionPaymentPaid, SessionPaymentNoPaymentRequired:
				return PaymentStatusSucceeded
			case SessionPaymentUnpaid:
				return PaymentStatusPending
			}
		}
	case SnapshotSourceIntent:
		if snap.Intent != nil {
			switch snap.Intent.Status {
			case IntentStatusSucceeded:
				return PaymentStatusSucceeded
			case IntentStatusRequiresPaymentMethod, IntentStatusCanceled:
				return PaymentStatusFailed
			case IntentStatusRequiresConfirmation, IntentStatusRequiresAction, IntentStatusProcessing:
				return PaymentStatusPending
			}
		}
	}
	return current
}

func refundStatus(charges []ChargeSnapshot, paymentMinor int64) (PaymentStatus, bool) {
	for _, ch := range charges {
		if ch.AmountRefunded <= 0 {
			continue
		}
		total := ch.Amount
		if total <= 0 {
			total = paymentMinor
		}
		if total <= 0 || ch.AmountRefunded >= total {
			return PaymentStatusRefunded, true
		}
		return PaymentStatusPartiallyRefunded, true
	}
	return "", false
}

var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {
		PaymentStatusProcessing,
		PaymentStatusSucceeded,
		PaymentStatusFailed,
		PaymentStatusCancelled,
	},
	PaymentStatusProcessing: {
		PaymentStatusSucceeded,
		PaymentStatusFailed,
		PaymentStatusCancelled,
	},
	PaymentStatusSucceeded: {
		PaymentStatusRefunded,
		PaymentStatusPartiallyRefunded,
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition describes what ApplyStatus did to a payment.
type Transition struct {
	From    PaymentStatus
	To      PaymentStatus
	Changed bool
	// Completed is set only when this transition stamped completed_at, so the
	// order callback fires once per payment.
	Completed bool
	Refunded  bool
}

// ApplyStatus moves the payment to target if the state machine allows it and
// stamps the matching timestamp. Timestamps are written at most once.
//
// A refunded payment keeps its completed_at, so succeeded -> refunded leaves
// both completed_at and refunded_at set. Terminal statuses otherwise carry
// exactly one of completed_at, failed_at or refunded_at.
func (p *Payment) ApplyStatus(target PaymentStatus, now time.Time, failureReason string) Transition {
	tr := Transition{From: p.Status, To: p.Status}
	if target == p.Status || !CanTransition(p.Status, target) {
		return tr
	}

	p.Status = target
	p.UpdatedAt = now
	tr.To = target
	tr.Changed = true

	switch target {
	case PaymentStatusSucceeded:
		if p.CompletedAt == nil {
			t := now
			p.CompletedAt = &t
			tr.Completed = true
		}
	case PaymentStatusFailed:
		if p.FailedAt == nil {
			t := now
			p.FailedAt = &t
		}
		if failureReason != "" && p.FailureReason == "" {
			p.FailureReason = failureReason
		}
	case PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		if p.RefundedAt == nil {
			t := now
			p.RefundedAt = &t
		}
		tr.Refunded = true
	}
	return tr
}

// ForceStatus is the admin override: it bypasses the state machine but still
// never rewrites a timestamp that is already set.
func (p *Payment) ForceStatus(target PaymentStatus, now time.Time) Transition {
	tr := Transition{From: p.Status, To: target, Changed: p.Status != target}
	p.Status = target
	p.UpdatedAt = now
	switch target {
	case PaymentStatusSucceeded:
		if p.CompletedAt == nil {
			t := now
			p.CompletedAt = &t
			tr.Completed = true
		}
	case PaymentStatusFailed:
		if p.FailedAt == nil {
			t := now
			p.FailedAt = &t
		}
	case PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		if p.RefundedAt == nil {
			t := now
			p.RefundedAt = &t
		}
	}
	return tr
}
